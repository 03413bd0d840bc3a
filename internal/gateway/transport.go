package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

var (
	// ErrUnsupported means the environment cannot open a socket at all.
	// It is fatal: no reconnect is attempted.
	ErrUnsupported = errors.New("gateway: websocket transport unsupported")
	// ErrClosed marks a read that ended because the peer closed the socket.
	ErrClosed = errors.New("gateway: connection closed")
)

// Conn is one open gateway socket carrying JSON text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Dialer opens gateway sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// DefaultReadLimit leaves room for base64 patient replies.
const DefaultReadLimit = 16 << 20

// WSDialer dials the gateway with nhooyr.io/websocket.
type WSDialer struct {
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty gateway url", ErrUnsupported)
	}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("%w (status %d)", ErrClosed, status)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
