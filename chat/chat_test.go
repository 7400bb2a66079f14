package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"uplink/contract"
	"uplink/domain"
	"uplink/domain/event"
	uperrors "uplink/errors"
	"uplink/protocol"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	joined    []domain.RoomID
	left      []domain.RoomID
}

func (c *fakeChannel) JoinRoom(roomID domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return uperrors.ErrNotConnected
	}
	c.joined = append(c.joined, roomID)
	return nil
}

func (c *fakeChannel) LeaveRoom(roomID domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, roomID)
	return nil
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return uperrors.ErrNotConnected
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return domain.Connected
	}
	return domain.Disconnected
}

func (c *fakeChannel) lastSent(t *testing.T) protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(c.sent[len(c.sent)-1], &env))
	return env
}

type fakeRouter struct {
	mu           sync.Mutex
	subscribed   []domain.RoomID
	unsubscribed []domain.RoomID
}

func (r *fakeRouter) Subscribe(roomID domain.RoomID, _ contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, roomID)
}

func (r *fakeRouter) Unsubscribe(roomID domain.RoomID, _ contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribed = append(r.unsubscribed, roomID)
}

func newTestClient() (*Client, *fakeChannel, *fakeRouter) {
	channel := &fakeChannel{connected: true}
	router := &fakeRouter{}
	return NewClient(slog.Default(), channel, router, 8), channel, router
}

func TestClient_JoinConversationSubscribesTheRoom(t *testing.T) {
	req := require.New(t)
	client, channel, router := newTestClient()

	req.NoError(client.JoinConversation("c-1"))
	req.Contains(channel.joined, domain.ConversationRoom("c-1"))
	req.Contains(router.subscribed, domain.ConversationRoom("c-1"))
}

func TestClient_JoinConversationFailsFastWhenDisconnected(t *testing.T) {
	req := require.New(t)
	client, channel, router := newTestClient()
	channel.connected = false

	req.ErrorIs(client.JoinConversation("c-1"), uperrors.ErrNotConnected)
	req.Empty(router.subscribed)
}

func TestClient_SendMessageEncodesTheOutboundFrame(t *testing.T) {
	req := require.New(t)
	client, channel, _ := newTestClient()

	req.NoError(client.SendMessage("c-1", "file", "see attachment", "f-9"))

	env := channel.lastSent(t)
	req.Equal(protocol.TypeSendMessage, env.Type)
	req.Equal(string(domain.ConversationRoom("c-1")), env.Room)

	var payload protocol.SendMessagePayload
	req.NoError(json.Unmarshal(env.Data, &payload))
	req.Equal("c-1", payload.ConversationID)
	req.Equal("file", payload.MessageType)
	req.Equal("f-9", payload.FileID)
}

func TestClient_TypingFramesCarryTheFlag(t *testing.T) {
	req := require.New(t)
	client, channel, _ := newTestClient()

	req.NoError(client.StartTyping("c-1", "alice"))
	env := channel.lastSent(t)
	req.Equal(protocol.TypeTypingStart, env.Type)

	var payload protocol.TypingPayload
	req.NoError(json.Unmarshal(env.Data, &payload))
	req.True(payload.Typing)

	req.NoError(client.StopTyping("c-1", "alice"))
	env = channel.lastSent(t)
	req.Equal(protocol.TypeTypingStop, env.Type)
	req.NoError(json.Unmarshal(env.Data, &payload))
	req.False(payload.Typing)
}

func TestClient_ConsumeDeliversAndRecordsHistory(t *testing.T) {
	req := require.New(t)
	client, _, _ := newTestClient()

	msg := event.NewMessage{ConversationID: "c-1", MessageID: "m-1", SenderID: "bob", Content: "hi"}
	req.NoError(client.Consume(context.Background(), msg))
	// Redelivery after a reconnect must not duplicate the history.
	req.NoError(client.Consume(context.Background(), msg))
	req.NoError(client.Consume(context.Background(), event.TypingChanged{ConversationID: "c-1", UserID: "bob", Typing: true}))

	select {
	case got := <-client.Messages():
		req.Equal("hi", got.Content)
	default:
		t.Fatal("message not delivered")
	}
	select {
	case got := <-client.Typing():
		req.True(got.Typing)
	default:
		t.Fatal("typing change not delivered")
	}

	req.Len(client.History("c-1"), 1)
}

func TestClient_LeaveConversationForgetsHistory(t *testing.T) {
	req := require.New(t)
	client, channel, router := newTestClient()

	req.NoError(client.JoinConversation("c-1"))
	req.NoError(client.Consume(context.Background(), event.NewMessage{ConversationID: "c-1", MessageID: "m-1", Content: "hi"}))
	req.NoError(client.LeaveConversation("c-1"))

	req.Contains(channel.left, domain.ConversationRoom("c-1"))
	req.Contains(router.unsubscribed, domain.ConversationRoom("c-1"))
	req.Empty(client.History("c-1"))
}
