// Package rpcreg owns the (RPC method -> socket) routing relation.
// Every method has at most one owner at any time; dispatch resolves the
// owner and sends the call down that socket.
package rpcreg

import (
	"log/slog"
	"sync"

	"github.com/hapihub/hapi/internal/metrics"
)

// Registry maps RPC method names to the socket that registered them.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	owners   map[string]string              // method -> socketID
	bySocket map[string]map[string]struct{} // socketID -> methods
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		owners:   make(map[string]string),
		bySocket: make(map[string]map[string]struct{}),
	}
}

// Register claims a method for a socket. A method already owned by a
// different socket stays with its current owner; reconnecting runners
// re-register after their old socket's unregisterAll, so an overwrite
// attempt here means two live runners are fighting over the method.
func (r *Registry) Register(method, socketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[method]; ok {
		if owner == socketID {
			return true
		}
		r.log.Warn("rpc method already registered by another socket",
			"method", method, "owner", owner, "requester", socketID)
		return false
	}

	r.owners[method] = socketID
	if r.bySocket[socketID] == nil {
		r.bySocket[socketID] = make(map[string]struct{})
	}
	r.bySocket[socketID][method] = struct{}{}
	metrics.RegisteredRPCMethods.Set(float64(len(r.owners)))
	return true
}

// Unregister releases a method, but only for the socket that owns it.
// A release by a non-owner is ignored so a late unregister from a dead
// connection cannot steal the method from its reconnected owner.
func (r *Registry) Unregister(method, socketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[method]
	if !ok || owner != socketID {
		return false
	}
	delete(r.owners, method)
	if methods := r.bySocket[socketID]; methods != nil {
		delete(methods, method)
		if len(methods) == 0 {
			delete(r.bySocket, socketID)
		}
	}
	metrics.RegisteredRPCMethods.Set(float64(len(r.owners)))
	return true
}

// UnregisterAll releases every method a socket owns. Called on
// disconnect. Returns the released methods.
func (r *Registry) UnregisterAll(socketID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	methods := r.bySocket[socketID]
	if len(methods) == 0 {
		delete(r.bySocket, socketID)
		return nil
	}
	released := make([]string, 0, len(methods))
	for method := range methods {
		delete(r.owners, method)
		released = append(released, method)
	}
	delete(r.bySocket, socketID)
	metrics.RegisteredRPCMethods.Set(float64(len(r.owners)))
	return released
}

// Lookup returns the socket owning a method.
func (r *Registry) Lookup(method string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[method]
	return owner, ok
}
