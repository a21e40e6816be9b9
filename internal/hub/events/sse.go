package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hapihub/hapi/internal/hub/id"
	"github.com/hapihub/hapi/internal/metrics"
)

// maxPendingEvents bounds each client's queue; beyond it the oldest
// events are dropped after coalescing could not make room.
const maxPendingEvents = 256

const sseHeartbeatInterval = 30 * time.Second

// SSEManager delivers published events to HTTP clients over
// text/event-stream, one connection per client, filtered by namespace
// and tab visibility.
type SSEManager struct {
	visibility *VisibilityTracker
	log        *slog.Logger

	mu      sync.Mutex
	clients map[string]*sseClient
}

type sseClient struct {
	id        string
	namespace string

	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
}

func NewSSEManager(visibility *VisibilityTracker, log *slog.Logger) *SSEManager {
	return &SSEManager{
		visibility: visibility,
		log:        log,
		clients:    make(map[string]*sseClient),
	}
}

// Visibility exposes the tracker for the visibility-report endpoint.
func (m *SSEManager) Visibility() *VisibilityTracker { return m.visibility }

// HandleEvent implements Subscriber: queue the event on every visible
// client of the event's namespace.
func (m *SSEManager) HandleEvent(ev Event) {
	m.mu.Lock()
	candidates := make([]*sseClient, 0, len(m.clients))
	for _, c := range m.clients {
		if c.namespace == ev.EventNamespace() {
			candidates = append(candidates, c)
		}
	}
	m.mu.Unlock()

	for _, c := range candidates {
		if !m.visibility.Visible(c.id) {
			continue
		}
		c.enqueue(ev)
	}
}

// enqueue appends the event, coalescing session-updated back-pressure:
// an older queued update for the same session is superseded by this one.
func (c *sseClient) enqueue(ev Event) {
	c.mu.Lock()
	if updated, ok := ev.(SessionUpdated); ok {
		for i, queued := range c.pending {
			if old, ok := queued.(SessionUpdated); ok && old.SessionID == updated.SessionID {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				metrics.EventsDroppedTotal.Inc()
				break
			}
		}
	}
	if len(c.pending) >= maxPendingEvents {
		c.pending = c.pending[1:]
		metrics.EventsDroppedTotal.Inc()
	}
	c.pending = append(c.pending, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *sseClient) drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}

// Serve runs one SSE connection until the client goes away or the hub
// shuts down. Returns the generated client id via the first event so
// the client can report visibility.
func (m *SSEManager) Serve(ctx context.Context, w http.ResponseWriter, namespace string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	client := &sseClient{
		id:        id.Generate(),
		namespace: namespace,
		notify:    make(chan struct{}, 1),
	}
	m.mu.Lock()
	m.clients[client.id] = client
	m.mu.Unlock()
	metrics.SSEConnectionsActive.Inc()
	defer func() {
		m.mu.Lock()
		delete(m.clients, client.id)
		m.mu.Unlock()
		m.visibility.Forget(client.id)
		metrics.SSEConnectionsActive.Dec()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", client.id); err != nil {
		return err
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case <-client.notify:
			for _, ev := range client.drain() {
				data, err := json.Marshal(ev)
				if err != nil {
					m.log.Error("marshal event", "kind", ev.Kind(), "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
					return nil
				}
				metrics.SSEEventsTotal.Inc()
			}
			flusher.Flush()
		}
	}
}
