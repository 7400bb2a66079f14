// Package runtime glues the connection stream to its consumers. It routes
// without containing business logic or domain rules.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"uplink/contract"
	"uplink/domain"
	"uplink/domain/event"
)

// Router owns the demultiplexing of the single inbound event stream.
// Dispatch is by room id match, not by arrival order across rooms: a chat
// room and an upload room can be active at the same time without either
// losing events. Per-room ordering is preserved because one goroutine
// drains the stream.
type Router struct {
	mu          sync.RWMutex
	log         *slog.Logger
	events      <-chan event.InboundEvent
	sinks       map[domain.RoomID][]contract.EventSink
	sinkTimeout time.Duration
}

func NewRouter(log *slog.Logger, events <-chan event.InboundEvent, sinkTimeout time.Duration) *Router {
	return &Router{
		log:         log,
		events:      events,
		sinks:       make(map[domain.RoomID][]contract.EventSink),
		sinkTimeout: sinkTimeout,
	}
}

// Subscribe attaches a sink to a room. A sink may be subscribed to several
// rooms; it receives each event once per matching subscription.
func (r *Router) Subscribe(roomID domain.RoomID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[roomID] = append(r.sinks[roomID], sink)
}

func (r *Router) Unsubscribe(roomID domain.RoomID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.sinks[roomID][:0]
	for _, s := range r.sinks[roomID] {
		if s != sink {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		// No empty slices left behind, membership mirrors come and go often
		delete(r.sinks, roomID)
		return
	}
	r.sinks[roomID] = remaining
}

func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Stopping router")
			return nil
		case evt := <-r.events:
			r.dispatch(ctx, evt)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, evt event.InboundEvent) {
	for _, sink := range r.sinksFor(evt.Room()) {
		sinkCtx, cancel := context.WithTimeout(ctx, r.sinkTimeout)
		if err := sink.Consume(sinkCtx, evt); err != nil {
			r.log.Warn("Sink rejected event", "room", evt.Room(), "error", err)
		}
		cancel()
	}
}

// sinksFor resolves the recipients of one event. Events without a room
// scope (connection errors) fan out to every distinct sink.
func (r *Router) sinksFor(roomID domain.RoomID) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if roomID != "" {
		return append([]contract.EventSink(nil), r.sinks[roomID]...)
	}

	var all []contract.EventSink
	seen := make(map[contract.EventSink]struct{})
	for _, sinks := range r.sinks {
		for _, s := range sinks {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			all = append(all, s)
		}
	}
	return all
}
