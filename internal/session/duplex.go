package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// DuplexState is the lifecycle state of a duplex chat session.
//
// Idle -> Connecting -> Open -> (Reconnecting | Closing) -> Closed
type DuplexState int

const (
	StateIdle DuplexState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
)

func (s DuplexState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Closure codes treated as normal; anything else triggers one reconnect
// attempt while the context is still active.
const (
	closeNormal    = 1000
	closeGoingAway = 1001
)

// CloseError reports the closure status when a read fails because the
// connection closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// Conn is the duplex connection as the controller sees it. The production
// implementation wraps coder/websocket; tests substitute fakes.
type Conn interface {
	// Read blocks for the next inbound frame. When the connection closes it
	// returns a *CloseError carrying the closure code.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	// Close performs a normal closure.
	Close(reason string) error
}

// Dialer opens duplex connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DeriveWSURL swaps the HTTP scheme of the backend base URL for the
// WebSocket one and appends the session path.
func DeriveWSURL(baseURL, sessionID string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + sessionID
}

// WSDialer dials real WebSocket connections.
type WSDialer struct {
	// HandshakeTimeout bounds the dial; zero means 15s.
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(1 << 20)
	return &wsConn{ws: ws}, nil
}

// wsConn adapts websocket.Conn to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, &CloseError{Code: int(status), Reason: err.Error()}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// outboundFrame is the wire shape of a user message on the duplex channel.
type outboundFrame struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// inboundFrame covers every frame shape the backend sends. A "destroy" type
// is the session-teardown signal; everything else is display text carried in
// either the message or text field.
type inboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Text    string `json:"text"`
}
