package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uplink/domain"
	"uplink/domain/event"
	uperrors "uplink/errors"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server side closing the connection unexpectedly.
func (c *fakeConn) drop() { _ = c.Close() }

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failing  bool
	lastConn *fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ domain.Principal) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing {
		return nil, errors.New("dial refused")
	}
	d.lastConn = newFakeConn()
	return d.lastConn, nil
}

func (d *fakeDialer) setFailing(failing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = failing
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastConn
}

func newTestManager(dialer Dialer) *Manager {
	m := NewManager(slog.Default(), dialer, "ws://localhost/ws", 64)
	m.backoff = func(int) time.Duration { return time.Millisecond }
	return m
}

func waitForState(t *testing.T, m *Manager, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s", want)
}

func TestManager_ConnectIsAsyncAndIdempotent(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice", DeviceID: "d-1"}))
	waitForState(t, m, domain.Connected)

	// Connecting again while connected is a no-op: no second dial.
	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice", DeviceID: "d-1"}))
	time.Sleep(20 * time.Millisecond)
	req.Equal(1, dialer.dialCount())
}

func TestManager_HandshakeFailureEndsInError(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{failing: true}
	m := newTestManager(dialer)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Errored)
}

func TestManager_JoinRoomRejectedWhenDisconnected(t *testing.T) {
	req := require.New(t)
	m := newTestManager(&fakeDialer{})

	err := m.JoinRoom(domain.UploadRoom("u-1"))
	req.ErrorIs(err, uperrors.ErrNotConnected)
	req.Empty(m.Rooms())

	req.ErrorIs(m.Send([]byte("{}")), uperrors.ErrNotConnected)
}

func TestManager_JoinUploadRoomSendsControlFrame(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)

	req.NoError(m.JoinRoom(domain.UploadRoom("u-1")))
	req.Contains(m.Rooms(), domain.UploadRoom("u-1"))

	conn := dialer.conn()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	req.Len(conn.written, 1)

	var env struct {
		Type string `json:"type"`
		Room string `json:"room"`
	}
	req.NoError(json.Unmarshal(conn.written[0], &env))
	req.Equal("join_upload", env.Type)
	req.Equal("upload_u-1", env.Room)
}

func TestManager_GivesUpAfterFiveReconnectAttempts(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)

	// Unexpected drop with the server gone for good.
	dialer.setFailing(true)
	dialer.conn().drop()

	waitForState(t, m, domain.Errored)
	// 1 initial + 5 reconnection attempts, then no further automatic dials.
	req.Equal(6, dialer.dialCount())
	time.Sleep(50 * time.Millisecond)
	req.Equal(6, dialer.dialCount())

	// A terminal connection error is surfaced on the event stream.
	select {
	case evt := <-m.Events():
		connErr, ok := evt.(event.ConnectionError)
		req.True(ok)
		req.True(connErr.Terminal)
		req.Equal(5, connErr.Attempts)
	case <-time.After(time.Second):
		req.Fail("expected a terminal ConnectionError event")
	}

	// An explicit Connect resets the attempt counter and succeeds.
	dialer.setFailing(false)
	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)
}

func TestManager_ReconnectClearsRoomMembership(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	// Slow enough that the reconnecting state is observable.
	m.backoff = func(int) time.Duration { return 50 * time.Millisecond }

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)
	req.NoError(m.JoinRoom(domain.UploadRoom("u-1")))

	dialer.conn().drop()
	waitForState(t, m, domain.Reconnecting)
	waitForState(t, m, domain.Connected)

	// The server dropped membership; the local mirror must agree.
	req.Empty(m.Rooms())
}

func TestManager_ConnectWhileReconnectingCancelsBackoff(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	// A backoff long enough that only an explicit Connect can finish the test.
	m.backoff = func(int) time.Duration { return time.Hour }

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)

	dialer.conn().drop()
	waitForState(t, m, domain.Reconnecting)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)

	// No duplicate scheduled attempt may fire later.
	dials := dialer.dialCount()
	time.Sleep(50 * time.Millisecond)
	req.Equal(dials, dialer.dialCount())
}

func TestManager_DisconnectClearsStateAndCancelsReconnect(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)
	m.backoff = func(int) time.Duration { return time.Hour }

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)
	req.NoError(m.JoinRoom(domain.UploadRoom("u-1")))

	dialer.conn().drop()
	waitForState(t, m, domain.Reconnecting)

	m.Disconnect()
	req.Equal(domain.Disconnected, m.State())
	req.Empty(m.Rooms())

	dials := dialer.dialCount()
	time.Sleep(50 * time.Millisecond)
	req.Equal(dials, dialer.dialCount())
}

func TestManager_InboundFramesAreDecodedInOrder(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)
	conn := dialer.conn()

	for i := 1; i <= 3; i++ {
		conn.in <- []byte(fmt.Sprintf(
			`{"type":"upload_progress","room":"upload_u-1","data":{"upload_id":"u-1","current_chunk":%d}}`, i))
	}

	for i := 1; i <= 3; i++ {
		select {
		case evt := <-m.Events():
			progress, ok := evt.(event.UploadProgress)
			req.True(ok)
			req.Equal(i, progress.CurrentChunk)
		case <-time.After(time.Second):
			req.Fail("missing event")
		}
	}
}

func TestManager_MalformedFramesAreDroppedNotFatal(t *testing.T) {
	req := require.New(t)
	dialer := &fakeDialer{}
	m := newTestManager(dialer)

	req.NoError(m.Connect(context.Background(), domain.Principal{UserID: "alice"}))
	waitForState(t, m, domain.Connected)
	conn := dialer.conn()

	conn.in <- []byte("not even json")
	conn.in <- []byte(`{"type":"upload_complete","room":"upload_u-1","data":{"upload_id":"u-1","file_url":"https://cdn/x","file_id":"f-1"}}`)

	select {
	case evt := <-m.Events():
		complete, ok := evt.(event.UploadComplete)
		req.True(ok)
		req.Equal("f-1", complete.FileID)
	case <-time.After(time.Second):
		req.Fail("valid frame after a malformed one should still arrive")
	}
	req.Equal(domain.Connected, m.State())
}
