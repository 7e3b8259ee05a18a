// Package agent produces replies for inbound chat messages using an
// OpenAI-compatible chat completions API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"whatsapp-ai-bot/internal/backend"
	"whatsapp-ai-bot/internal/domain"
)

// RefusalText is returned instead of calling the model when the guard flags a message.
const RefusalText = "I can't help with that request, but I'm happy to help with something else."

// DefaultHistoryTurns is how many earlier exchanges are replayed to the model.
const DefaultHistoryTurns = 6

// ErrEmptyReply is returned when the model answers with no content.
var ErrEmptyReply = errors.New("agent: model returned an empty reply")

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Store is the slice of the backend executor the agent needs.
type Store interface {
	Query(ctx context.Context, q backend.Query) ([]backend.Row, error)
	Insert(ctx context.Context, table string, row any) error
}

// Config carries the model connection settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// Agent turns a message plus user context into a response.
type Agent struct {
	llm                chatCompleter
	model              string
	identity           string
	store              Store
	profilesTable      string
	conversationsTable string
	historyTurns       int
	logger             *zap.Logger
	now                func() time.Time
}

type Option func(*Agent)

// WithStore enables profile lookups and conversation logging. An empty table
// name disables the corresponding feature.
func WithStore(store Store, profilesTable, conversationsTable string) Option {
	return func(a *Agent) {
		a.store = store
		a.profilesTable = strings.TrimSpace(profilesTable)
		a.conversationsTable = strings.TrimSpace(conversationsTable)
	}
}

// WithHistory sets how many earlier exchanges from the conversations table
// are sent before the current message. Zero disables history.
func WithHistory(turns int) Option {
	return func(a *Agent) {
		if turns >= 0 {
			a.historyTurns = turns
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

func New(cfg Config, opts ...Option) (*Agent, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("agent: api key must not be empty")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	return newAgent(openai.NewClientWithConfig(clientCfg), cfg, opts...), nil
}

func newAgent(llm chatCompleter, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		llm:          llm,
		model:        cfg.Model,
		identity:     cfg.SystemPrompt,
		historyTurns: DefaultHistoryTurns,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	if a.model == "" {
		a.model = openai.GPT4oMini
	}
	if strings.TrimSpace(a.identity) == "" {
		a.identity = DefaultIdentity
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Available reports whether the agent can reach a model.
func (a *Agent) Available() bool {
	return a != nil && a.llm != nil
}

// IsReady is Available under the name the health endpoint uses.
func (a *Agent) IsReady() bool {
	return a.Available()
}

// ProcessMessage generates a reply for text sent by user.
func (a *Agent) ProcessMessage(ctx context.Context, text string, user domain.UserContext) (*domain.AIResponse, error) {
	if !a.Available() {
		return nil, errors.New("agent: no model client configured")
	}

	guard := Inspect(text)
	if guard.Flagged {
		a.logger.Warn("message blocked by input guard",
			zap.String("phone", user.Phone),
			zap.String("reason", guard.Reason),
		)
		return &domain.AIResponse{Response: RefusalText, Flagged: true}, nil
	}
	if len(guard.Cues) > 0 {
		a.logger.Info("role-play wording in message",
			zap.String("phone", user.Phone),
			zap.Strings("cues", guard.Cues),
		)
	}

	profile := a.lookupProfile(ctx, user.Phone)
	history := a.lookupHistory(ctx, user.Phone)

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: buildSystemPrompt(a.identity, user, profile, guard.Text),
	})
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: guard.Text})

	req := openai.ChatCompletionRequest{Model: a.model, Messages: messages}

	resp, err := a.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return nil, ErrEmptyReply
	}

	out := &domain.AIResponse{
		Response:         reply,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	a.logConversation(ctx, user, guard.Text, out)
	return out, nil
}

func (a *Agent) lookupProfile(ctx context.Context, phone string) map[string]any {
	if a.store == nil || a.profilesTable == "" || phone == "" {
		return nil
	}
	rows, err := a.store.Query(ctx, backend.Query{
		Table:   a.profilesTable,
		Filters: map[string]string{"phone": phone},
		Limit:   1,
	})
	if err != nil {
		a.logger.Warn("profile lookup failed", zap.String("phone", phone), zap.Error(err))
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// lookupHistory returns the last historyTurns exchanges with phone, oldest
// first, as alternating user and assistant messages.
func (a *Agent) lookupHistory(ctx context.Context, phone string) []openai.ChatCompletionMessage {
	if a.store == nil || a.conversationsTable == "" || a.historyTurns == 0 || phone == "" {
		return nil
	}
	rows, err := a.store.Query(ctx, backend.Query{
		Table:      a.conversationsTable,
		Columns:    "message,response,created_at",
		Filters:    map[string]string{"phone": phone},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      a.historyTurns,
	})
	if err != nil {
		a.logger.Warn("conversation history lookup failed", zap.String("phone", phone), zap.Error(err))
		return nil
	}

	out := make([]openai.ChatCompletionMessage, 0, 2*len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if msg, _ := rows[i]["message"].(string); msg != "" {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg})
		}
		if resp, _ := rows[i]["response"].(string); resp != "" {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: resp})
		}
	}
	return out
}

type conversationRow struct {
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *Agent) logConversation(ctx context.Context, user domain.UserContext, text string, resp *domain.AIResponse) {
	if a.store == nil || a.conversationsTable == "" {
		return
	}
	row := conversationRow{
		Phone:     user.Phone,
		Name:      user.Name,
		Message:   text,
		Response:  resp.Response,
		Model:     resp.Model,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.Insert(ctx, a.conversationsTable, row); err != nil {
		a.logger.Warn("conversation log insert failed", zap.String("phone", user.Phone), zap.Error(err))
	}
}
