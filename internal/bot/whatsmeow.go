package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

var errNoSession = errors.New("whatsapp: session not connected")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// sanitizePhone keeps only the digits of a phone number.
func sanitizePhone(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}

// WhatsmeowTransport is the Transport backed by a whatsmeow client with a
// SQLite session store under SessionPath.
type WhatsmeowTransport struct {
	sessionPath string
	clientID    string
	logger      *zap.Logger
	waLogger    waLog.Logger

	mu      sync.Mutex
	client  *whatsmeow.Client
	handler EventHandler
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWhatsmeowTransport stores the session in <sessionPath>/<clientID>.db.
func NewWhatsmeowTransport(sessionPath, clientID string, logger *zap.Logger, waLogger waLog.Logger) *WhatsmeowTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if waLogger == nil {
		waLogger = waLog.Noop
	}
	return &WhatsmeowTransport{
		sessionPath: sessionPath,
		clientID:    clientID,
		logger:      logger,
		waLogger:    waLogger,
	}
}

func (t *WhatsmeowTransport) databaseDSN() string {
	return fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(t.sessionPath, t.clientID+".db"))
}

func (t *WhatsmeowTransport) Connect(ctx context.Context, h EventHandler) error {
	if err := os.MkdirAll(t.sessionPath, 0o700); err != nil {
		return fmt.Errorf("whatsapp: create session dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3", t.databaseDSN(), t.waLogger.Sub("Database"))
	if err != nil {
		return fmt.Errorf("whatsapp: open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: load device: %w", err)
	}

	client := whatsmeow.NewClient(device, t.waLogger.Sub("Client"))
	eventCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.client = client
	t.handler = h
	t.ctx = eventCtx
	t.cancel = cancel
	t.mu.Unlock()

	client.AddEventHandler(t.handleEvent)

	if client.Store.ID == nil {
		// The QR channel has to exist before Connect or the first code is lost.
		qrChan, err := client.GetQRChannel(eventCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsapp: open pairing channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		go t.watchPairing(qrChan, h)
		return nil
	}

	if err := client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	return nil
}

func (t *WhatsmeowTransport) watchPairing(qrChan <-chan whatsmeow.QRChannelItem, h EventHandler) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			h.OnPaired(evt.Code)
		case "success":
			t.logger.Info("whatsapp device paired")
		case "timeout":
			h.OnAuthFailure("pairing QR code expired")
		default:
			t.logger.Warn("pairing event", zap.String("event", evt.Event), zap.Error(evt.Error))
		}
	}
}

func (t *WhatsmeowTransport) handleEvent(evt interface{}) {
	t.mu.Lock()
	h, ctx := t.handler, t.ctx
	t.mu.Unlock()
	if h == nil {
		return
	}

	switch v := evt.(type) {
	case *events.Connected:
		h.OnReady()
	case *events.PairSuccess:
		t.logger.Info("pair success", zap.String("jid", v.ID.String()), zap.String("platform", v.Platform))
	case *events.Disconnected:
		h.OnDisconnected("connection closed")
	case *events.StreamReplaced:
		h.OnDisconnected("stream replaced by another client")
	case *events.LoggedOut:
		h.OnAuthFailure(fmt.Sprintf("logged out (reason %v)", v.Reason))
	case *events.ConnectFailure:
		h.OnAuthFailure(fmt.Sprintf("connect failure (reason %v): %s", v.Reason, v.Message))
	case *events.TemporaryBan:
		h.OnAuthFailure(fmt.Sprintf("temporary ban: %v", v))
	case *events.Message:
		msg, ok := toMessage(v)
		if !ok {
			return
		}
		// whatsmeow delivers events in order on one goroutine; a slow AI call
		// must not hold up the rest of the session.
		go h.OnMessage(ctx, msg)
	}
}

// toMessage converts a whatsmeow event. Events with nothing to answer
// (status broadcasts, reactions, protocol messages, key distribution) are
// dropped.
func toMessage(v *events.Message) (Message, bool) {
	if v == nil || v.Message == nil || v.Info.Chat == types.StatusBroadcastJID {
		return Message{}, false
	}

	kind, body := classify(v.Message)
	if kind == "" {
		return Message{}, false
	}

	sender := v.Info.Sender.ToNonAD()
	phone := sender.User
	if sender.Server == types.HiddenUserServer && !v.Info.SenderAlt.IsEmpty() {
		phone = v.Info.SenderAlt.User
	}

	return Message{
		ID:        string(v.Info.ID),
		Chat:      v.Info.Chat.String(),
		Sender:    sender.String(),
		Phone:     phone,
		PushName:  v.Info.PushName,
		FromMe:    v.Info.IsFromMe,
		Type:      kind,
		Body:      body,
		Timestamp: v.Info.Timestamp,
		raw:       v.Message,
	}, true
}

func classify(m *waE2E.Message) (kind, body string) {
	switch {
	case m.GetConversation() != "":
		return MessageTypeText, m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		return MessageTypeText, m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return "image", ""
	case m.GetVideoMessage() != nil:
		return "video", ""
	case m.GetAudioMessage() != nil:
		return "audio", ""
	case m.GetDocumentMessage() != nil:
		return "document", ""
	case m.GetStickerMessage() != nil:
		return "sticker", ""
	case m.GetLocationMessage() != nil, m.GetLiveLocationMessage() != nil:
		return "location", ""
	case m.GetContactMessage() != nil, m.GetContactsArrayMessage() != nil:
		return "contact", ""
	}
	return "", ""
}

func (t *WhatsmeowTransport) currentClient() (*whatsmeow.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, errNoSession
	}
	return t.client, nil
}

func (t *WhatsmeowTransport) IsConnected() bool {
	c, err := t.currentClient()
	return err == nil && c.IsConnected() && c.IsLoggedIn()
}

func (t *WhatsmeowTransport) Disconnect() {
	t.mu.Lock()
	client, cancel := t.client, t.cancel
	t.client, t.handler, t.cancel = nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Disconnect()
	}
}

// Reply answers in the message's chat, quoting it when the original payload
// is available.
func (t *WhatsmeowTransport) Reply(ctx context.Context, to Message, text string) error {
	client, err := t.currentClient()
	if err != nil {
		return err
	}
	chat, err := types.ParseJID(to.Chat)
	if err != nil {
		return fmt.Errorf("whatsapp: parse chat %q: %w", to.Chat, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if to.raw != nil && to.ID != "" {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(text),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String(to.ID),
					Participant:   proto.String(to.Sender),
					QuotedMessage: to.raw,
				},
			},
		}
	}

	if _, err := client.SendMessage(ctx, chat, msg); err != nil {
		return fmt.Errorf("whatsapp: send reply: %w", err)
	}
	return nil
}

func (t *WhatsmeowTransport) SendText(ctx context.Context, to, text string) error {
	client, err := t.currentClient()
	if err != nil {
		return err
	}
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	if _, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("whatsapp: send to %s: %w", jid, err)
	}
	return nil
}

// parseRecipient accepts a full JID or a phone number in any formatting.
func parseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("whatsapp: parse recipient %q: %w", to, err)
		}
		return jid, nil
	}
	digits := sanitizePhone(to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("whatsapp: recipient %q has no digits", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func (t *WhatsmeowTransport) SendTyping(ctx context.Context, chat string) error {
	client, err := t.currentClient()
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("whatsapp: parse chat %q: %w", chat, err)
	}
	return client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// ContactName returns the best stored name for jid, or "" if none is known.
func (t *WhatsmeowTransport) ContactName(ctx context.Context, jid string) (string, error) {
	client, err := t.currentClient()
	if err != nil {
		return "", err
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("whatsapp: parse contact %q: %w", jid, err)
	}
	info, err := client.Store.Contacts.GetContact(ctx, parsed)
	if err != nil {
		return "", fmt.Errorf("whatsapp: contact lookup: %w", err)
	}
	for _, name := range []string{info.FullName, info.FirstName, info.PushName, info.BusinessName} {
		if name != "" {
			return name, nil
		}
	}
	return "", nil
}
