package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is an open push channel.
type Conn interface {
	// ReadMessage blocks until the next message. When the channel closes it
	// returns a *ClosedError carrying the close code.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text message.
	WriteMessage(data []byte) error

	// Close sends a close frame with code and releases the channel.
	Close(code int, reason string) error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Prober checks whether the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// ClosedError reports that the remote end closed the channel.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("channel closed (code %d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("channel closed (code %d)", e.Code)
}

// CloseCode extracts the close code from a read error. Errors that carry no
// code (resets, EOF) count as an abnormal closure.
func CloseCode(err error) int {
	var closed *ClosedError
	if errors.As(err, &closed) {
		return closed.Code
	}
	return CloseAbnormal
}

// WebsocketDialer dials the backend /ws endpoint with gorilla/websocket.
type WebsocketDialer struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	dialer       *websocket.Dialer
}

// NewWebsocketDialer returns a dialer for url (ws:// or wss://).
func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:          url,
		WriteTimeout: 5 * time.Second,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Dial opens the channel. The context bounds the handshake.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &ClosedError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
