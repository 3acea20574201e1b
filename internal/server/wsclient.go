package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient adapts a gorilla connection to relay.ClientConn. gorilla allows
// one concurrent writer, so writes and the close handshake share a mutex.
type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSClient(conn *websocket.Conn, writeTimeout time.Duration) *wsClient {
	return &wsClient{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Close sends a normal close frame and drops the connection. Only the
// first call does anything.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
