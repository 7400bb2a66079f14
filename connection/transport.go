package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"uplink/domain"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 512 * 1024
)

//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_transport.go -package=mocks

// Conn is one established bidirectional channel. The manager is its sole
// writer.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer performs the handshake and returns an established Conn.
type Dialer interface {
	Dial(ctx context.Context, url string, principal domain.Principal) (Conn, error)
}

// WebsocketDialer dials the realtime endpoint, identifying the principal
// through headers during the handshake.
type WebsocketDialer struct{}

func NewWebsocketDialer() WebsocketDialer { return WebsocketDialer{} }

func (WebsocketDialer) Dial(ctx context.Context, url string, principal domain.Principal) (Conn, error) {
	header := http.Header{}
	header.Set("X-User-Id", principal.UserID)
	header.Set("X-Device-Id", principal.DeviceID)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	// Protects against memory exhaustion from oversized frames
	ws.SetReadLimit(maxMessageSize)
	return &websocketConn{ws: ws}, nil
}

type websocketConn struct {
	ws *websocket.Conn
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *websocketConn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}
