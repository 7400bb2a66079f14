// Package chat is the conversation-facing consumer of the shared
// transport: outbound messages and typing signals, inbound message
// delivery for the joined conversation room.
package chat

import (
	"context"
	"log/slog"

	"uplink/contract"
	"uplink/domain"
	"uplink/domain/event"
	"uplink/projection"
	"uplink/protocol"
)

// Client multiplexes chat over the same connection the upload progress
// rooms use. It holds at most one active conversation at a time, mirroring
// how the application actually behaves.
type Client struct {
	log      *slog.Logger
	channel  contract.IChannel
	router   contract.IRouter
	timeline *projection.Timeline
	messages chan event.NewMessage
	typing   chan event.TypingChanged
}

func NewClient(log *slog.Logger, channel contract.IChannel, router contract.IRouter, bufferSize int) *Client {
	return &Client{
		log:      log,
		channel:  channel,
		router:   router,
		timeline: projection.NewTimeline(),
		messages: make(chan event.NewMessage, bufferSize),
		typing:   make(chan event.TypingChanged, bufferSize),
	}
}

func (c *Client) Messages() <-chan event.NewMessage  { return c.messages }
func (c *Client) Typing() <-chan event.TypingChanged { return c.typing }

// History returns the local timeline of a conversation, deduplicated
// against server redeliveries.
func (c *Client) History(conversationID string) []event.NewMessage {
	return c.timeline.History(conversationID)
}

// JoinConversation subscribes to the conversation's room. Fails fast with
// ErrNotConnected; callers retry after reconnection.
func (c *Client) JoinConversation(conversationID string) error {
	room := domain.ConversationRoom(conversationID)
	if err := c.channel.JoinRoom(room); err != nil {
		return err
	}
	c.router.Subscribe(room, c)
	return nil
}

func (c *Client) LeaveConversation(conversationID string) error {
	room := domain.ConversationRoom(conversationID)
	c.router.Unsubscribe(room, c)
	c.timeline.Forget(conversationID)
	return c.channel.LeaveRoom(room)
}

// SendMessage transmits a chat message, optionally referencing an uploaded
// file by its id.
func (c *Client) SendMessage(conversationID, messageType, content, fileID string) error {
	frame, err := protocol.EncodeControl(protocol.TypeSendMessage, domain.ConversationRoom(conversationID),
		protocol.SendMessagePayload{
			ConversationID: conversationID,
			MessageType:    messageType,
			Content:        content,
			FileID:         fileID,
		})
	if err != nil {
		return err
	}
	return c.channel.Send(frame)
}

func (c *Client) StartTyping(conversationID, userID string) error {
	return c.sendTyping(protocol.TypeTypingStart, conversationID, userID)
}

func (c *Client) StopTyping(conversationID, userID string) error {
	return c.sendTyping(protocol.TypeTypingStop, conversationID, userID)
}

func (c *Client) sendTyping(msgType protocol.MessageType, conversationID, userID string) error {
	frame, err := protocol.EncodeControl(msgType, domain.ConversationRoom(conversationID),
		protocol.TypingPayload{
			ConversationID: conversationID,
			UserID:         userID,
			Typing:         msgType == protocol.TypeTypingStart,
		})
	if err != nil {
		return err
	}
	return c.channel.Send(frame)
}

// Consume implements contract.EventSink for the joined conversation room.
func (c *Client) Consume(_ context.Context, evt event.InboundEvent) error {
	switch e := evt.(type) {
	case event.NewMessage:
		c.timeline.Apply(e)
		select {
		case c.messages <- e:
		default:
			c.log.Warn("Dropping chat message, consumer too slow", "conversation", e.ConversationID)
		}
	case event.TypingChanged:
		select {
		case c.typing <- e:
		default:
		}
	}
	return nil
}
