package domain

import "time"

// UserContext describes the sender of a single inbound message. It lives for
// one dispatch and is never persisted by the bot.
type UserContext struct {
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Timestamp time.Time `json:"timestamp"`
}

// AIResponse is what the agent hands back for one message.
type AIResponse struct {
	Response         string `json:"response"`
	Model            string `json:"model,omitempty"`
	Flagged          bool   `json:"flagged,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// Text returns the response text, or "" for a nil response.
func (r *AIResponse) Text() string {
	if r == nil {
		return ""
	}
	return r.Response
}

// BotStatus is a point-in-time snapshot of the chat session.
type BotStatus struct {
	Ready       bool   `json:"ready"`
	ClientID    string `json:"clientId"`
	SessionPath string `json:"sessionPath"`
}

// Health aggregates component readiness for the /health endpoint.
type Health struct {
	Status   string `json:"status"`
	WhatsApp bool   `json:"whatsapp"`
	Supabase bool   `json:"supabase"`
	AI       bool   `json:"ai"`
}
