// Package projection builds local read models from observed events.
// It handles ordering and deduplication and never emits events itself.
package projection

import (
	"sync"

	"uplink/domain/event"
)

// Timeline is the per-conversation message history. The server may
// redeliver messages after a reconnect, so entries are deduplicated by
// message id; arrival order within a conversation is preserved.
type Timeline struct {
	mu       sync.Mutex
	messages map[string][]event.NewMessage
	seen     map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{
		messages: make(map[string][]event.NewMessage),
		seen:     make(map[string]struct{}),
	}
}

// Apply records a delivered message. Replays are ignored.
func (t *Timeline) Apply(msg event.NewMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.MessageID != "" {
		if _, ok := t.seen[msg.MessageID]; ok {
			return
		}
		t.seen[msg.MessageID] = struct{}{}
	}
	t.messages[msg.ConversationID] = append(t.messages[msg.ConversationID], msg)
}

// History returns the recorded messages of one conversation, oldest first.
func (t *Timeline) History(conversationID string) []event.NewMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]event.NewMessage(nil), t.messages[conversationID]...)
}

// Forget drops the history of a conversation, typically after leaving it.
func (t *Timeline) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range t.messages[conversationID] {
		delete(t.seen, msg.MessageID)
	}
	delete(t.messages, conversationID)
}
