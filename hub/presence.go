package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/sessioncache"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
	"github.com/hapihub/hapi/internal/util/timefmt"
)

const machineSweepInterval = 10 * time.Second

// presenceTracker fans socket liveness frames out to the session cache
// and tracks machine heartbeats, which have no per-session cache of
// their own.
type presenceTracker struct {
	store *store.Store
	cache *sessioncache.Cache
	pub   *events.Publisher
	log   *slog.Logger

	mu       sync.Mutex
	machines map[string]time.Time // machineID -> last heartbeat
}

func newPresenceTracker(st *store.Store, cache *sessioncache.Cache, pub *events.Publisher, log *slog.Logger) *presenceTracker {
	return &presenceTracker{
		store:    st,
		cache:    cache,
		pub:      pub,
		log:      log,
		machines: make(map[string]time.Time),
	}
}

func (p *presenceTracker) SessionAlive(ctx context.Context, sessionID string, at time.Time, thinking bool, thinkingActivity string) {
	p.cache.HandleSessionAlive(ctx, sessionID, at, thinking, thinkingActivity)
}

func (p *presenceTracker) SessionEnd(ctx context.Context, sessionID string) {
	p.cache.HandleSessionEnd(ctx, sessionID)
}

func (p *presenceTracker) MachineAlive(ctx context.Context, machineID, namespace string, at time.Time) {
	p.mu.Lock()
	last := p.machines[machineID]
	if at.After(last) {
		p.machines[machineID] = at
	}
	p.mu.Unlock()
	if at.Before(last) {
		return
	}

	machine, flipped, err := p.store.SetMachinePresence(ctx, machineID, true, timefmt.Millis(at))
	if err != nil {
		p.log.Warn("machine heartbeat", "machineId", machineID, "error", err)
		return
	}
	if flipped {
		p.publish(machine)
	}
}

// sweep expires machines whose heartbeat is older than the liveness
// window.
func (p *presenceTracker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-sessioncache.LivenessWindow)

	p.mu.Lock()
	var expired []string
	for machineID, last := range p.machines {
		if last.Before(cutoff) {
			expired = append(expired, machineID)
			delete(p.machines, machineID)
		}
	}
	p.mu.Unlock()

	for _, machineID := range expired {
		machine, flipped, err := p.store.SetMachinePresence(ctx, machineID, false, timefmt.Millis(cutoff))
		if err != nil {
			p.log.Warn("expire machine", "machineId", machineID, "error", err)
			continue
		}
		if flipped {
			p.publish(machine)
		}
	}
}

func (p *presenceTracker) run(ctx context.Context) {
	ticker := time.NewTicker(machineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *presenceTracker) publish(machine *store.Machine) {
	p.pub.Publish(events.MachineUpdated{
		Namespace: machine.Namespace,
		MachineID: machine.ID,
		Seq:       machine.Seq,
		Machine:   view.MachineJSON(machine),
	})
}
