package bot

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// MessageTypeText marks plain conversation and extended text messages.
const MessageTypeText = "text"

// Message is an inbound chat message, independent of the transport library.
type Message struct {
	ID        string
	Chat      string
	Sender    string
	Phone     string
	PushName  string
	FromMe    bool
	Type      string
	Body      string
	Timestamp time.Time

	// raw lets the whatsmeow transport quote the original message.
	raw *waE2E.Message
}

// EventHandler receives session events from a Transport.
type EventHandler interface {
	OnPaired(code string)
	OnReady()
	OnMessage(ctx context.Context, msg Message)
	OnDisconnected(reason string)
	OnAuthFailure(reason string)
}

// Transport is the chat session capability the bot depends on.
type Transport interface {
	Connect(ctx context.Context, h EventHandler) error
	Disconnect()
	IsConnected() bool
	Reply(ctx context.Context, to Message, text string) error
	SendText(ctx context.Context, to, text string) error
	SendTyping(ctx context.Context, chat string) error
	ContactName(ctx context.Context, jid string) (string, error)
}
