package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	readTimeout = 5 * time.Minute
)

// Conn wraps a gorilla connection with a write mutex so the event
// forwarder and action replies can share the socket. gorilla/websocket
// allows only one concurrent writer.
type Conn struct {
	raw *websocket.Conn
	mu  sync.Mutex
}

// Wrap adopts an upgraded connection.
func Wrap(raw *websocket.Conn) *Conn {
	return &Conn{raw: raw}
}

// ReadMessage reads the next message under a read deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.raw.SetReadDeadline(time.Now().Add(readTimeout))
	_, raw, err := c.raw.ReadMessage()
	return raw, err
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return c.raw.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
