// Package sessioncache tracks which sessions are currently alive and
// runs the active/thinking state machine. Runners send session-alive
// heartbeats; the cache turns them into presence transitions, persists
// the flips, and broadcasts derived session updates.
package sessioncache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
	"github.com/hapihub/hapi/internal/metrics"
	"github.com/hapihub/hapi/internal/util/timefmt"
)

// LivenessWindow is how long a session stays active after its last
// heartbeat.
const LivenessWindow = 30 * time.Second

const sweepInterval = 10 * time.Second

type entry struct {
	lastAlive        time.Time
	thinking         bool
	thinkingActivity string
}

// Cache is the in-memory presence view of sessions.
type Cache struct {
	store *store.Store
	pub   *events.Publisher
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string][]chan struct{}
}

func New(st *store.Store, pub *events.Publisher, log *slog.Logger) *Cache {
	return &Cache{
		store:   st,
		pub:     pub,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
		waiters: make(map[string][]chan struct{}),
	}
}

// SetClock overrides the cache's time source. Test use only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// HandleSessionAlive processes one heartbeat. Heartbeats older than the
// liveness window are ignored; they cannot make a session active.
func (c *Cache) HandleSessionAlive(ctx context.Context, sessionID string, at time.Time, thinking bool, thinkingActivity string) {
	now := c.now()
	if now.Sub(at) > LivenessWindow {
		return
	}

	c.mu.Lock()
	e, known := c.entries[sessionID]
	if !known {
		e = &entry{}
		c.entries[sessionID] = e
	}
	thinkingChanged := known && (e.thinking != thinking || e.thinkingActivity != thinkingActivity)
	e.lastAlive = at
	e.thinking = thinking
	e.thinkingActivity = thinkingActivity
	metrics.ActiveSessions.Set(float64(len(c.entries)))
	c.mu.Unlock()

	sess, flipped, err := c.store.SetSessionPresence(ctx, sessionID, true, timefmt.Millis(at))
	if err != nil {
		if err != store.ErrNotFound {
			c.log.Error("record session presence", "sessionId", sessionID, "error", err)
		}
		c.forget(sessionID)
		return
	}

	if flipped {
		if err := c.store.TouchTeamActivity(ctx, sessionID, timefmt.Millis(at)); err != nil {
			c.log.Warn("touch team activity", "sessionId", sessionID, "error", err)
		}
		c.wakeWaiters(sessionID)
	}
	if flipped || thinkingChanged {
		c.pub.Publish(events.SessionUpdated{
			Namespace: sess.Namespace,
			SessionID: sess.ID,
			Seq:       sess.Seq,
			Session:   view.SessionJSON(sess, thinking, thinkingActivity),
		})
	}
}

// HandleSessionEnd takes a session offline immediately, forcing
// thinking off in the same broadcast.
func (c *Cache) HandleSessionEnd(ctx context.Context, sessionID string) {
	c.forget(sessionID)

	sess, flipped, err := c.store.SetSessionPresence(ctx, sessionID, false, timefmt.Millis(c.now()))
	if err != nil {
		if err != store.ErrNotFound {
			c.log.Error("record session end", "sessionId", sessionID, "error", err)
		}
		return
	}
	if flipped {
		c.pub.Publish(events.SessionUpdated{
			Namespace: sess.Namespace,
			SessionID: sess.ID,
			Seq:       sess.Seq,
			Session:   view.SessionJSON(sess, false, ""),
		})
	}
}

// Sweep expires sessions whose last heartbeat fell out of the liveness
// window. The offline broadcast carries both active=false and
// thinking=false so clients never show a spinner on a dead session.
func (c *Cache) Sweep(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var expired []string
	for sid, e := range c.entries {
		if now.Sub(e.lastAlive) > LivenessWindow {
			expired = append(expired, sid)
			delete(c.entries, sid)
		}
	}
	metrics.ActiveSessions.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, sid := range expired {
		sess, flipped, err := c.store.SetSessionPresence(ctx, sid, false, timefmt.Millis(now))
		if err != nil {
			if err != store.ErrNotFound {
				c.log.Error("expire session presence", "sessionId", sid, "error", err)
			}
			continue
		}
		if flipped {
			c.pub.Publish(events.SessionUpdated{
				Namespace: sess.Namespace,
				SessionID: sess.ID,
				Seq:       sess.Seq,
				Session:   view.SessionJSON(sess, false, ""),
			})
		}
	}
}

// Run sweeps periodically until the context ends.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// IsActive reports whether the cache currently considers the session
// alive.
func (c *Cache) IsActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	return ok && c.now().Sub(e.lastAlive) <= LivenessWindow
}

// Thinking returns the session's current thinking state and activity
// subtitle.
func (c *Cache) Thinking(sessionID string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return false, ""
	}
	return e.thinking, e.thinkingActivity
}

// WaitActive blocks until the session reports alive or the context
// ends. Used by spawn to hold the initial prompt until the runner's
// session is ready to receive it.
func (c *Cache) WaitActive(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if e, ok := c.entries[sessionID]; ok && c.now().Sub(e.lastAlive) <= LivenessWindow {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters[sessionID] = append(c.waiters[sessionID], ch)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.dropWaiter(sessionID, ch)
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// ClearInactiveSessions deletes offline sessions whose last content
// change is older than the cutoff. The delete is one atomic batch; a
// session that came back alive since the listing fails the whole batch
// and its id is reported in the error. One removal event is broadcast
// per deleted session.
func (c *Cache) ClearInactiveSessions(ctx context.Context, namespace string, cutoff time.Time) (int, error) {
	ids, err := c.store.ListInactiveSessionsBefore(ctx, namespace, timefmt.Millis(cutoff))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	deleted, failed, err := c.store.DeleteSessionBatch(ctx, ids, namespace)
	if err != nil {
		c.log.Warn("clear inactive sessions failed",
			"namespace", namespace, "failedIds", failed, "error", err)
		return 0, err
	}
	for _, sid := range ids {
		c.pub.Publish(events.SessionRemoved{Namespace: namespace, SessionID: sid})
	}
	return deleted, nil
}

// MergeSessions folds source into target in the store and mirrors the
// result to subscribers: the source disappears, the target updates.
func (c *Cache) MergeSessions(ctx context.Context, sourceID, targetID, namespace string) (*store.MergeResult, error) {
	result, err := c.store.MergeSessions(ctx, sourceID, targetID, namespace)
	if err != nil {
		return nil, err
	}
	c.forget(sourceID)

	c.pub.Publish(events.SessionRemoved{Namespace: namespace, SessionID: sourceID})
	if sess, err := c.store.GetSession(ctx, targetID, namespace); err == nil {
		thinking, activity := c.Thinking(targetID)
		c.pub.Publish(events.SessionUpdated{
			Namespace: namespace,
			SessionID: targetID,
			Seq:       sess.Seq,
			Session:   view.SessionJSON(sess, thinking, activity),
		})
	}
	return result, nil
}

func (c *Cache) forget(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	metrics.ActiveSessions.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

func (c *Cache) wakeWaiters(sessionID string) {
	c.mu.Lock()
	waiters := c.waiters[sessionID]
	delete(c.waiters, sessionID)
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *Cache) dropWaiter(sessionID string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.waiters[sessionID]
	for i, w := range waiters {
		if w == ch {
			c.waiters[sessionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.waiters[sessionID]) == 0 {
		delete(c.waiters, sessionID)
	}
}
