package events

import "sync"

// VisibilityTracker remembers which SSE clients reported a hidden tab.
// Hidden clients are skipped during fan-out; they catch up with a full
// refetch when the tab becomes visible again. Unknown clients count as
// visible.
type VisibilityTracker struct {
	mu     sync.Mutex
	hidden map[string]struct{}
}

func NewVisibilityTracker() *VisibilityTracker {
	return &VisibilityTracker{hidden: make(map[string]struct{})}
}

// SetVisible records a client's reported tab visibility.
func (v *VisibilityTracker) SetVisible(clientID string, visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if visible {
		delete(v.hidden, clientID)
	} else {
		v.hidden[clientID] = struct{}{}
	}
}

// Visible reports whether events should be delivered to the client.
func (v *VisibilityTracker) Visible(clientID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, hidden := v.hidden[clientID]
	return !hidden
}

// Forget drops a disconnected client's record.
func (v *VisibilityTracker) Forget(clientID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.hidden, clientID)
}
