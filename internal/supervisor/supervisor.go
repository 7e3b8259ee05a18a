// Package supervisor builds the bot's components in dependency order and
// owns the HTTP listener.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"whatsapp-ai-bot/internal/agent"
	"whatsapp-ai-bot/internal/backend"
	"whatsapp-ai-bot/internal/bot"
	"whatsapp-ai-bot/internal/config"
	"whatsapp-ai-bot/internal/domain"
	"whatsapp-ai-bot/internal/formatter"
	"whatsapp-ai-bot/internal/logging"
	"whatsapp-ai-bot/internal/server"
)

// TransportFactory creates the chat transport for a configuration.
type TransportFactory func(cfg *config.Config, logger *zap.Logger) bot.Transport

// WhatsmeowTransport is the production TransportFactory.
func WhatsmeowTransport(cfg *config.Config, logger *zap.Logger) bot.Transport {
	return bot.NewWhatsmeowTransport(
		cfg.SessionPath,
		cfg.ClientID,
		logger.Named("whatsapp"),
		logging.WhatsApp(logger, "whatsmeow", cfg.WhatsAppLog),
	)
}

type Supervisor struct {
	cfg          *config.Config
	logger       *zap.Logger
	newTransport TransportFactory

	mu        sync.RWMutex
	formatter *formatter.Formatter
	backend   *backend.Executor
	agent     *agent.Agent
	bot       *bot.Bot
	http      *http.Server
	listener  net.Listener
	serveErr  chan error
}

type Option func(*Supervisor)

func WithTransportFactory(fn TransportFactory) Option {
	return func(s *Supervisor) {
		s.newTransport = fn
	}
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		newTransport: WhatsmeowTransport,
		serveErr:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start constructs Formatter, Backend Executor, AI Agent and Chat Bot in that
// order, checks the backend once, initializes the chat session and binds the
// HTTP listener.
func (s *Supervisor) Start(ctx context.Context) error {
	cfg := s.cfg

	f := formatter.New()
	s.set(func() { s.formatter = f })

	exec, err := backend.New(cfg.SupabaseURL, cfg.SupabaseKey,
		backend.WithProbeTable(cfg.ProbeTable),
		backend.WithLogger(s.logger.Named("supabase")),
	)
	if err != nil {
		return err
	}
	s.set(func() { s.backend = exec })

	ag, err := agent.New(agent.Config{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		SystemPrompt: cfg.SystemPrompt,
	},
		agent.WithStore(exec, cfg.ProfilesTable, cfg.ConversationsTable),
		agent.WithHistory(cfg.HistoryTurns),
		agent.WithLogger(s.logger.Named("agent")),
	)
	if err != nil {
		return err
	}
	s.set(func() { s.agent = ag })

	b := bot.New(s.newTransport(cfg, s.logger), ag, f,
		bot.WithSession(cfg.ClientID, cfg.SessionPath),
		bot.WithReadyFallback(bot.ReadyFallback{After: cfg.ReadyFallback}),
		bot.WithDispatchTimeout(cfg.DispatchTimeout),
		bot.WithLogger(s.logger.Named("bot")),
	)
	s.set(func() { s.bot = b })

	if err := exec.TestConnection(ctx); err != nil {
		s.logger.Warn("supabase connectivity check failed", zap.Error(err))
	}

	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize whatsapp: %w", err)
	}

	return s.listen()
}

func (s *Supervisor) listen() error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(s.cfg.Port, server.NewRouter(s.logger.Named("http"), s.Health))
	s.set(func() {
		s.http = srv
		s.listener = ln
	})

	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
	}()
	return nil
}

func (s *Supervisor) set(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Addr is the bound HTTP address, or "" before Start.
func (s *Supervisor) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Health reads each component's readiness; components not built yet read false.
func (s *Supervisor) Health() domain.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Health{
		Status:   "healthy",
		WhatsApp: s.bot != nil && s.bot.IsReady(),
		Supabase: s.backend != nil && s.backend.IsReady(),
		AI:       s.agent != nil && s.agent.IsReady(),
	}
}

// Bot returns the chat adapter, or nil before Start built it.
func (s *Supervisor) Bot() *bot.Bot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bot
}

// Wait blocks until ctx is done or the HTTP server fails.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.serveErr:
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops the HTTP server and tears down the chat session. Safe to
// call after a partial Start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv, b := s.http, s.bot
	s.mu.RUnlock()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("http shutdown: %w", shutdownErr)
		}
	}
	if b != nil {
		b.Destroy()
	}
	return err
}
