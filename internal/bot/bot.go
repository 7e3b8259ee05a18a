// Package bot drives the WhatsApp side of the service: it owns the chat
// session, filters inbound messages and replies with agent output.
package bot

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"whatsapp-ai-bot/internal/domain"
)

// Fixed user-facing replies.
const (
	UnsupportedTypeText = "Sorry, I can only process text messages for now."
	FallbackReplyText   = "Sorry, I couldn't come up with a response. Please try again."
	AIUnavailableText   = "The AI service is currently unavailable. Please try again later."
	AIErrorText         = "Sorry, I ran into a problem processing your message. Please try again."
)

const (
	DefaultReadyFallback   = 45 * time.Second
	DefaultDispatchTimeout = 120 * time.Second
)

// Agent generates a response for one message.
type Agent interface {
	ProcessMessage(ctx context.Context, text string, user domain.UserContext) (*domain.AIResponse, error)
}

// Formatter turns agent output into reply text.
type Formatter interface {
	Format(resp *domain.AIResponse) string
}

// ReadyFallback covers sessions whose ready signal never arrives: after
// After elapses without one, the bot re-checks the transport and marks
// itself ready only when the connection is actually live.
type ReadyFallback struct {
	After time.Duration
}

// Bot implements EventHandler and the dispatch sequence for inbound messages.
type Bot struct {
	transport Transport
	agent     Agent
	formatter Formatter
	logger    *zap.Logger

	clientID        string
	sessionPath     string
	fallback        ReadyFallback
	dispatchTimeout time.Duration
	qrOut           io.Writer

	ready atomic.Bool

	mu          sync.Mutex
	initialized bool
	timer       *time.Timer
}

type Option func(*Bot)

// WithSession records the session identity reported by Status.
func WithSession(clientID, sessionPath string) Option {
	return func(b *Bot) {
		b.clientID = clientID
		b.sessionPath = sessionPath
	}
}

func WithReadyFallback(p ReadyFallback) Option {
	return func(b *Bot) {
		if p.After > 0 {
			b.fallback = p
		}
	}
}

func WithDispatchTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.dispatchTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bot) {
		b.logger = logger
	}
}

// WithQROutput sets where pairing QR codes are rendered.
func WithQROutput(w io.Writer) Option {
	return func(b *Bot) {
		b.qrOut = w
	}
}

// New wires a bot. agent may be nil; messages then get AIUnavailableText.
func New(transport Transport, agent Agent, formatter Formatter, opts ...Option) *Bot {
	b := &Bot{
		transport:       transport,
		agent:           agent,
		formatter:       formatter,
		logger:          zap.NewNop(),
		fallback:        ReadyFallback{After: DefaultReadyFallback},
		dispatchTimeout: DefaultDispatchTimeout,
		qrOut:           os.Stdout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize connects the session once per Bot and arms the ready fallback.
// Later calls are no-ops.
func (b *Bot) Initialize(ctx context.Context) error {
	if b.transport == nil {
		return errors.New("bot: no transport configured")
	}

	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = true
	b.mu.Unlock()

	b.logger.Info("initializing whatsapp session",
		zap.String("client_id", b.clientID),
		zap.String("session_path", b.sessionPath),
	)
	// Connect may deliver events synchronously, so it runs without b.mu held.
	if err := b.transport.Connect(ctx, b); err != nil {
		b.mu.Lock()
		b.initialized = false
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready.Load() {
		b.timer = time.AfterFunc(b.fallback.After, b.applyReadyFallback)
	}
	return nil
}

func (b *Bot) applyReadyFallback() {
	if b.ready.Load() {
		return
	}
	if !b.transport.IsConnected() {
		b.logger.Warn("no ready signal and transport is not connected; staying not ready",
			zap.Duration("waited", b.fallback.After),
		)
		return
	}
	b.logger.Warn("no ready signal received; transport reports a live session, marking ready",
		zap.Duration("waited", b.fallback.After),
	)
	b.ready.Store(true)
}

func (b *Bot) stopTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// OnPaired renders the pairing code as a terminal QR.
func (b *Bot) OnPaired(code string) {
	b.logger.Info("scan the QR code with WhatsApp > Linked devices")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, b.qrOut)
}

func (b *Bot) OnReady() {
	b.ready.Store(true)
	b.stopTimer()
	b.logger.Info("whatsapp session ready")
}

func (b *Bot) OnDisconnected(reason string) {
	b.ready.Store(false)
	b.logger.Warn("whatsapp session disconnected", zap.String("reason", reason))
}

func (b *Bot) OnAuthFailure(reason string) {
	b.logger.Error("whatsapp authentication failed", zap.String("reason", reason))
}

func (b *Bot) OnMessage(ctx context.Context, msg Message) {
	b.HandleMessage(ctx, msg)
}

// HandleMessage runs the full dispatch for one inbound message. It never
// returns an error; every failure is logged and, where possible, answered
// with a fixed reply.
func (b *Bot) HandleMessage(ctx context.Context, msg Message) {
	if msg.FromMe {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.dispatchTimeout)
	defer cancel()

	log := b.logger.With(
		zap.String("dispatch_id", uuid.NewString()),
		zap.String("chat", msg.Chat),
		zap.String("message_id", msg.ID),
	)

	if msg.Type != MessageTypeText {
		log.Info("unsupported message type", zap.String("type", msg.Type))
		b.reply(ctx, log, msg, UnsupportedTypeText)
		return
	}

	log.Info("message received", zap.Int("length", len(msg.Body)))

	if err := b.transport.SendTyping(ctx, msg.Chat); err != nil {
		log.Warn("typing indicator failed", zap.Error(err))
	}

	user := domain.UserContext{
		Name:      b.senderName(ctx, log, msg),
		Phone:     msg.Phone,
		Timestamp: msg.Timestamp,
	}
	if user.Timestamp.IsZero() {
		user.Timestamp = time.Now()
	}

	text := b.ProcessMessageWithAI(ctx, msg.Body, user)
	if strings.TrimSpace(text) == "" {
		text = FallbackReplyText
	}
	b.reply(ctx, log, msg, text)
}

func (b *Bot) senderName(ctx context.Context, log *zap.Logger, msg Message) string {
	name, err := b.transport.ContactName(ctx, msg.Sender)
	if err != nil {
		log.Warn("contact lookup failed", zap.Error(err))
	}
	switch {
	case name != "":
		return name
	case msg.PushName != "":
		return msg.PushName
	default:
		return msg.Phone
	}
}

func (b *Bot) reply(ctx context.Context, log *zap.Logger, msg Message, text string) {
	if err := b.transport.Reply(ctx, msg, text); err != nil {
		log.Error("reply failed", zap.Error(err), zap.Stack("stack"))
		return
	}
	log.Info("reply sent", zap.Int("length", len(text)))
}

// ProcessMessageWithAI asks the agent for a reply and formats it. It always
// returns user-facing text and never panics on agent failure.
func (b *Bot) ProcessMessageWithAI(ctx context.Context, text string, user domain.UserContext) (out string) {
	if b.agent == nil {
		return AIUnavailableText
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("agent panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = AIErrorText
		}
	}()

	resp, err := b.agent.ProcessMessage(ctx, text, user)
	if err != nil {
		b.logger.Error("agent failed", zap.String("phone", user.Phone), zap.Error(err), zap.Stack("stack"))
		return AIErrorText
	}
	if b.formatter == nil {
		return resp.Text()
	}
	return b.formatter.Format(resp)
}

// SendMessage sends text to a phone number or JID. It returns false without
// touching the transport while the session is not ready.
func (b *Bot) SendMessage(ctx context.Context, number, text string) bool {
	if !b.ready.Load() {
		b.logger.Warn("send skipped: whatsapp session not ready", zap.String("to", number))
		return false
	}
	if err := b.transport.SendText(ctx, number, text); err != nil {
		b.logger.Error("send failed", zap.String("to", number), zap.Error(err))
		return false
	}
	return true
}

func (b *Bot) IsReady() bool {
	return b != nil && b.ready.Load()
}

func (b *Bot) Status() domain.BotStatus {
	return domain.BotStatus{
		Ready:       b.ready.Load(),
		ClientID:    b.clientID,
		SessionPath: b.sessionPath,
	}
}

// Destroy cancels the ready fallback and tears the session down.
func (b *Bot) Destroy() {
	b.stopTimer()
	b.ready.Store(false)

	b.mu.Lock()
	wasInitialized := b.initialized
	b.initialized = false
	b.mu.Unlock()

	if wasInitialized && b.transport != nil {
		b.transport.Disconnect()
	}
	b.logger.Info("whatsapp session destroyed")
}
