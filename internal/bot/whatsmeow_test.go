package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func inbound(chat, sender types.JID, m *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender},
			ID:            "3EB0AA",
			PushName:      "Dana",
			Timestamp:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		},
		Message: m,
	}
}

func TestSanitizePhone(t *testing.T) {
	require.Equal(t, "15551234567", sanitizePhone("+1 (555) 123-4567"))
	require.Equal(t, "", sanitizePhone("n/a"))
}

func TestParseRecipient(t *testing.T) {
	jid, err := parseRecipient("+1 555-123-4567")
	require.NoError(t, err)
	require.Equal(t, "15551234567@s.whatsapp.net", jid.String())

	jid, err = parseRecipient("120363025246125486@g.us")
	require.NoError(t, err)
	require.Equal(t, types.GroupServer, jid.Server)

	_, err = parseRecipient("---")
	require.Error(t, err)
}

func TestToMessage_Text(t *testing.T) {
	user := types.NewJID("15551234567", types.DefaultUserServer)
	msg, ok := toMessage(inbound(user, user, &waE2E.Message{Conversation: proto.String("Hi")}))
	require.True(t, ok)
	require.Equal(t, MessageTypeText, msg.Type)
	require.Equal(t, "Hi", msg.Body)
	require.Equal(t, "3EB0AA", msg.ID)
	require.Equal(t, "15551234567", msg.Phone)
	require.Equal(t, "15551234567@s.whatsapp.net", msg.Chat)
	require.Equal(t, "Dana", msg.PushName)
	require.NotNil(t, msg.raw)
}

func TestToMessage_ExtendedText(t *testing.T) {
	user := types.NewJID("15551234567", types.DefaultUserServer)
	m := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("see https://example.com")}}
	msg, ok := toMessage(inbound(user, user, m))
	require.True(t, ok)
	require.Equal(t, MessageTypeText, msg.Type)
	require.Equal(t, "see https://example.com", msg.Body)
}

func TestToMessage_MediaKinds(t *testing.T) {
	user := types.NewJID("15551234567", types.DefaultUserServer)
	cases := map[string]*waE2E.Message{
		"image":    {ImageMessage: &waE2E.ImageMessage{}},
		"audio":    {AudioMessage: &waE2E.AudioMessage{}},
		"video":    {VideoMessage: &waE2E.VideoMessage{}},
		"document": {DocumentMessage: &waE2E.DocumentMessage{}},
		"sticker":  {StickerMessage: &waE2E.StickerMessage{}},
		"location": {LocationMessage: &waE2E.LocationMessage{}},
		"contact":  {ContactMessage: &waE2E.ContactMessage{}},
	}
	for want, m := range cases {
		msg, ok := toMessage(inbound(user, user, m))
		require.True(t, ok, want)
		require.Equal(t, want, msg.Type)
	}
}

func TestToMessage_Dropped(t *testing.T) {
	user := types.NewJID("15551234567", types.DefaultUserServer)

	_, ok := toMessage(inbound(types.StatusBroadcastJID, user, &waE2E.Message{Conversation: proto.String("story")}))
	require.False(t, ok)

	_, ok = toMessage(inbound(user, user, &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("👍")}}))
	require.False(t, ok)

	_, ok = toMessage(inbound(user, user, nil))
	require.False(t, ok)

	_, ok = toMessage(nil)
	require.False(t, ok)
}

func TestToMessage_LIDSenderUsesAltPhone(t *testing.T) {
	lid := types.NewJID("98765432109876", types.HiddenUserServer)
	ev := inbound(lid, lid, &waE2E.Message{Conversation: proto.String("Hi")})
	ev.Info.SenderAlt = types.NewJID("15551234567", types.DefaultUserServer)

	msg, ok := toMessage(ev)
	require.True(t, ok)
	require.Equal(t, "15551234567", msg.Phone)
	require.Equal(t, "98765432109876@lid", msg.Sender)
}

func TestWhatsmeowTransport_BeforeConnect(t *testing.T) {
	tr := NewWhatsmeowTransport("/tmp/sessions", "support-line", nil, nil)
	require.Equal(t, "file:/tmp/sessions/support-line.db?_foreign_keys=on", tr.databaseDSN())

	require.False(t, tr.IsConnected())
	require.ErrorIs(t, tr.SendText(context.Background(), "15551234567", "hi"), errNoSession)
	require.ErrorIs(t, tr.SendTyping(context.Background(), "15551234567@s.whatsapp.net"), errNoSession)
	require.ErrorIs(t, tr.Reply(context.Background(), textMessage("Hi"), "hello"), errNoSession)
	_, err := tr.ContactName(context.Background(), "15551234567@s.whatsapp.net")
	require.ErrorIs(t, err, errNoSession)

	tr.Disconnect()
}
