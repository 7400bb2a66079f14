// Package connection owns the lifecycle of the single persistent channel
// to the realtime endpoint: connect/disconnect, room membership, frame
// transmission, and bounded reconnection.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"uplink/domain"
	"uplink/domain/event"
	uperrors "uplink/errors"
	"uplink/protocol"
)

const defaultDialTimeout = 30 * time.Second

// StateChange is published on every transition so callers can react to
// reconnections (rooms must be rejoined, the server dropped them).
type StateChange struct {
	From domain.ConnectionState
	To   domain.ConnectionState
	Err  error
}

// Manager is the sole writer to the wire and the sole authority over
// ConnectionState. All transitions happen under one mutex so a firing
// reconnect timer can never race a caller-initiated Disconnect.
type Manager struct {
	log    *slog.Logger
	dialer Dialer
	url    string

	mu        sync.Mutex
	state     domain.ConnectionState
	principal domain.Principal
	rooms     map[domain.RoomID]struct{}
	conn      Conn
	attempts  int
	retry     *time.Timer
	gen       uint64 // invalidates in-flight dials and stale read loops

	events chan event.InboundEvent
	states chan StateChange

	backoff     func(attempt int) time.Duration
	maxAttempts int
	dialTimeout time.Duration
}

func NewManager(log *slog.Logger, dialer Dialer, url string, bufferSize int) *Manager {
	return &Manager{
		log:         log,
		dialer:      dialer,
		url:         url,
		state:       domain.Disconnected,
		rooms:       make(map[domain.RoomID]struct{}),
		events:      make(chan event.InboundEvent, bufferSize),
		states:      make(chan StateChange, bufferSize),
		backoff:     reconnectDelay,
		maxAttempts: maxReconnectAttempts,
		dialTimeout: defaultDialTimeout,
	}
}

// Events is the single ordered stream of inbound events. Ordering between
// events of the same room is preserved; nothing is guaranteed across rooms.
func (m *Manager) Events() <-chan event.InboundEvent { return m.events }

// States publishes every state transition.
func (m *Manager) States() <-chan StateChange { return m.states }

func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rooms returns a snapshot of the local membership mirror.
func (m *Manager) Rooms() []domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.rooms)
}

// Connect starts the handshake and returns immediately; completion is
// observed through States. Calling it while connected or connecting is a
// no-op. Calling it while reconnecting cancels the pending backoff timer
// exactly once and retries now, with a fresh attempt counter.
func (m *Manager) Connect(ctx context.Context, principal domain.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case domain.Connected, domain.Connecting:
		return nil
	case domain.Reconnecting:
		m.stopRetryLocked()
	}

	m.principal = principal
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.transitionLocked(domain.Connecting, nil)

	go m.dial(ctx, gen, false)
	return nil
}

// Disconnect always succeeds: it cancels any pending reconnection, closes
// the channel, and clears room membership and principal.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopRetryLocked()
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.principal = domain.Principal{}
	m.rooms = make(map[domain.RoomID]struct{})
	m.attempts = 0
	m.transitionLocked(domain.Disconnected, nil)
}

// JoinRoom requires the connected state; it is rejected rather than
// queued, callers retry after reconnection. Upload rooms are announced to
// the server with a join_upload frame; conversation membership is scoped
// server-side, only the local mirror is updated.
func (m *Manager) JoinRoom(roomID domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.Connected {
		return uperrors.ErrNotConnected
	}

	if roomID.IsUploadRoom() {
		uploadID, err := roomID.UploadID()
		if err != nil {
			return err
		}
		frame, err := protocol.JoinUpload(uploadID, m.principal.UserID)
		if err != nil {
			return err
		}
		if err := m.conn.WriteMessage(frame); err != nil {
			return err
		}
	}

	m.rooms[roomID] = struct{}{}
	return nil
}

func (m *Manager) LeaveRoom(roomID domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.Connected {
		return uperrors.ErrNotConnected
	}

	if roomID.IsUploadRoom() {
		uploadID, err := roomID.UploadID()
		if err != nil {
			return err
		}
		frame, err := protocol.LeaveUpload(uploadID)
		if err != nil {
			return err
		}
		if err := m.conn.WriteMessage(frame); err != nil {
			return err
		}
	}

	delete(m.rooms, roomID)
	return nil
}

// Send transmits one serialized frame, failing fast when not connected.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.Connected {
		return uperrors.ErrNotConnected
	}
	return m.conn.WriteMessage(frame)
}

func (m *Manager) dial(ctx context.Context, gen uint64, isRetry bool) {
	m.mu.Lock()
	principal := m.principal
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.url, principal)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		// A Disconnect or a newer Connect superseded this dial.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		m.log.Warn("Handshake failed", "error", err, "attempt", m.attempts)
		if isRetry && m.attempts < m.maxAttempts {
			m.scheduleRetryLocked(ctx, err)
			return
		}
		m.giveUpLocked(err)
		return
	}

	m.conn = conn
	m.attempts = 0
	// Fresh connection: the server dropped previous memberships, callers
	// must rejoin through the StateChange notification.
	m.rooms = make(map[domain.RoomID]struct{})
	m.transitionLocked(domain.Connected, nil)

	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.onReadError(gen, err)
			return
		}

		evt, err := protocol.DecodeInbound(data)
		if err != nil {
			// Protocol violations are logged and dropped, never fatal.
			m.log.Warn("Dropping malformed frame", "error", err)
			continue
		}

		m.events <- evt
	}
}

func (m *Manager) onReadError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != domain.Connected {
		// Caller-initiated disconnect closed the conn under us.
		return
	}

	m.log.Warn("Connection dropped unexpectedly", "error", err)
	m.conn = nil
	m.transitionLocked(domain.Reconnecting, err)
	m.scheduleRetryLocked(context.Background(), err)
}

// scheduleRetryLocked arms the single backoff timer. The attempt counter
// is incremented here so the delay schedule is min(2^attempt, 30) seconds.
func (m *Manager) scheduleRetryLocked(ctx context.Context, cause error) {
	m.attempts++
	if m.attempts > m.maxAttempts {
		m.giveUpLocked(cause)
		return
	}

	delay := m.backoff(m.attempts)
	gen := m.gen
	m.log.Info("Scheduling reconnection", "attempt", m.attempts, "delay", delay)
	m.retry = time.AfterFunc(delay, func() {
		m.fireRetry(ctx, gen)
	})
}

func (m *Manager) fireRetry(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != domain.Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	m.dial(ctx, gen, true)
}

// giveUpLocked ends automatic reconnection: resuming requires an explicit
// caller-initiated Connect.
func (m *Manager) giveUpLocked(cause error) {
	m.stopRetryLocked()
	attempts := m.attempts
	m.transitionLocked(domain.Errored, cause)

	select {
	case m.events <- event.ConnectionError{Err: cause, Terminal: true, Attempts: attempts, At: time.Now().UTC()}:
	default:
		m.log.Warn("Connection error event dropped, stream full")
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) transitionLocked(to domain.ConnectionState, err error) {
	from := m.state
	m.state = to
	m.log.Debug("Connection state changed", "from", from.String(), "to", to.String())

	select {
	case m.states <- StateChange{From: from, To: to, Err: err}:
	default:
		m.log.Warn("State change dropped, subscriber too slow", "to", to.String())
	}
}
