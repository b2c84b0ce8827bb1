package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens a push-channel connection for userID.
type Dialer interface {
	Dial(ctx context.Context, userID string) (Conn, error)
}

// Conn is one open push channel. ReadFrame is called from a single
// goroutine; WriteFrame may be called concurrently.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// WSDialer dials the relay's websocket endpoint.
type WSDialer struct {
	URL       string // e.g. ws://localhost:8080/ws
	Header    http.Header
	Dialer    *websocket.Dialer
	WriteWait time.Duration
	PongWait  time.Duration
}

// Dial connects and asserts userID at the handshake.
func (d *WSDialer) Dial(ctx context.Context, userID string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	for k, v := range d.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set("X-User-ID", userID)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &wsConn{ws: ws, writeWait: d.WriteWait, pongWait: d.PongWait}
	if c.writeWait <= 0 {
		c.writeWait = 10 * time.Second
	}
	if c.pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	}
	// the relay pings; any ping keeps the read side alive
	ws.SetPingHandler(func(data string) error {
		if c.pongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeWait))
	})
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration

	mu sync.Mutex // serializes writers
}

// ErrClosedByPeer wraps a close frame received from the relay.
var ErrClosedByPeer = errors.New("closed by relay")

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, fmt.Errorf("%w: %s", ErrClosedByPeer, ce.Text)
			}
			return nil, err
		}
		if c.pongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		if kind == websocket.TextMessage {
			return b, nil
		}
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
