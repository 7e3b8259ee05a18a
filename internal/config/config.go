// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds everything the bot reads from the environment.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	SessionPath   string        `env:"WHATSAPP_SESSION_PATH" envDefault:"./.wwebjs_auth"`
	ClientID      string        `env:"WHATSAPP_CLIENT_ID" envDefault:"whatsapp-ai-bot"`
	ReadyFallback time.Duration `env:"WHATSAPP_READY_FALLBACK" envDefault:"45s"`
	WhatsAppLog   string        `env:"WHATSAPP_LOG_LEVEL" envDefault:"WARN"`

	DispatchTimeout time.Duration `env:"BOT_DISPATCH_TIMEOUT" envDefault:"120s"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	SystemPrompt  string `env:"AI_SYSTEM_PROMPT"`
	HistoryTurns  int    `env:"AI_HISTORY_TURNS" envDefault:"6"`

	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseKey        string `env:"SUPABASE_KEY"`
	ProbeTable         string `env:"SUPABASE_PROBE_TABLE" envDefault:"profiles"`
	ProfilesTable      string `env:"SUPABASE_PROFILES_TABLE" envDefault:"profiles"`
	ConversationsTable string `env:"SUPABASE_CONVERSATIONS_TABLE" envDefault:"conversations"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// MissingError lists required variables that were unset or empty.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Keys, ", ")
}

// Load parses the environment and validates required values.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing required value at once.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"OPENAI_API_KEY", c.OpenAIAPIKey},
		{"SUPABASE_URL", c.SupabaseURL},
		{"SUPABASE_KEY", c.SupabaseKey},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.ReadyFallback <= 0 {
		return fmt.Errorf("WHATSAPP_READY_FALLBACK must be > 0")
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("BOT_DISPATCH_TIMEOUT must be > 0")
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("AI_HISTORY_TURNS must be >= 0")
	}
	return nil
}
