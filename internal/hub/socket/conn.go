package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Conn wraps one runner websocket. Writes are serialized by a mutex;
// multiple goroutines (RPC dispatch, shutdown broadcast) write
// concurrently to the same runner.
type Conn struct {
	ID        string
	Namespace string

	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(id, namespace string, ws *websocket.Conn) *Conn {
	return &Conn{ID: id, Namespace: namespace, ws: ws}
}

// Send writes one envelope as a text frame.
func (c *Conn) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close tears the websocket down with a status code.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}
