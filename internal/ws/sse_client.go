package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"log/slog"
)

var errSSEClosed = errors.New("sse stream closed")

// SSEClient streams hub messages as server-sent events. Writes come from
// both the hub and the heartbeat ticker, so they are serialized.
type SSEClient struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

// NewSSEClient wraps a streaming response writer.
func NewSSEClient(w http.ResponseWriter, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, log: logger}
}

// Send writes one SSE data frame.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSSEClosed
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		c.log.Warn("sse send failed", "error", err)
		c.closed = true
		return err
	}
	c.flusher.Flush()
	return nil
}

// Heartbeat emits an SSE comment to keep intermediaries from timing out
// the connection.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSSEClosed
	}
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		c.closed = true
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as finished.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
