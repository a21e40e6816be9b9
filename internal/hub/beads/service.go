// Package beads periodically refreshes the external bead records linked
// to active sessions. Polls are issued over runner RPC, deduplicated per
// (machine, repo) group, jittered, guarded against overlap, and circuit
// broken on repeated failure.
package beads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/socket"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/metrics"
)

const (
	pollBase   = 15 * time.Second
	pollJitter = 5 * time.Second
	rpcTimeout = 10 * time.Second

	breakerThreshold = 3
	breakerCooldown  = 60 * time.Second
)

// ErrBeadsTimeout is the stable message for a timed-out bead RPC.
var ErrBeadsTimeout = errors.New("Beads command timed out")

// RPCCaller dispatches an RPC to the runner owning the method.
type RPCCaller interface {
	Call(ctx context.Context, method string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

type groupKey struct {
	machineID string
	repoPath  string
}

type group struct {
	flight       chan struct{} // non-nil while an RPC is in flight
	failures     int
	breakerUntil time.Time
	cooldown     *backoff.ExponentialBackOff
}

// Service is the bead polling engine.
type Service struct {
	store *store.Store
	pub   *events.Publisher
	rpc   RPCCaller
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	groups   map[groupKey]*group
	versions map[string]int64 // per-session monotonic beads version
	stale    map[string]bool
}

func New(st *store.Store, pub *events.Publisher, rpc RPCCaller, log *slog.Logger) *Service {
	return &Service{
		store:    st,
		pub:      pub,
		rpc:      rpc,
		log:      log,
		now:      time.Now,
		groups:   make(map[groupKey]*group),
		versions: make(map[string]int64),
		stale:    make(map[string]bool),
	}
}

// SetClock overrides the service's time source. Test use only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Run polls until the context ends, with a jittered interval so many
// hubs against shared runners do not align their bursts.
func (s *Service) Run(ctx context.Context) {
	for {
		interval := pollBase - pollJitter + rand.N(2*pollJitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.PollAll(ctx)
		}
	}
}

// PollAll refreshes every eligible group once.
func (s *Service) PollAll(ctx context.Context) {
	targets, err := s.store.ListBeadPollTargets(ctx)
	if err != nil {
		s.log.Error("list bead poll targets", "error", err)
		return
	}
	for key, members := range groupTargets(targets) {
		go s.pollGroup(ctx, key, members, false)
	}
}

// RefreshSession polls the group of one session immediately, without
// jitter. Used when a bead is linked to an active session and by the
// opportunistic path in GetSessionBeads. If the group is already in
// flight, the call waits for that flight instead of starting another.
func (s *Service) RefreshSession(ctx context.Context, sessionID string) {
	targets, err := s.store.ListBeadPollTargets(ctx)
	if err != nil {
		s.log.Error("list bead poll targets", "error", err)
		return
	}
	for key, members := range groupTargets(targets) {
		for _, t := range members {
			if t.SessionID == sessionID {
				s.pollGroup(ctx, key, members, true)
				return
			}
		}
	}
}

// GetSessionBeads returns the stored snapshots of a session plus the
// stale flag, refreshing the group first when the session is active.
func (s *Service) GetSessionBeads(ctx context.Context, sessionID, namespace string) ([]*store.SessionBead, bool, error) {
	s.RefreshSession(ctx, sessionID)
	beads, err := s.store.GetSessionBeads(ctx, sessionID, namespace)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	stale := s.stale[sessionID]
	s.mu.Unlock()
	return beads, stale, nil
}

func groupTargets(targets []*store.BeadPollTarget) map[groupKey][]*store.BeadPollTarget {
	grouped := make(map[groupKey][]*store.BeadPollTarget)
	for _, t := range targets {
		key := groupKey{machineID: t.MachineID, repoPath: repoPath(t.Metadata)}
		grouped[key] = append(grouped[key], t)
	}
	return grouped
}

// repoPath extracts the session's repository path from its metadata.
func repoPath(metadata json.RawMessage) string {
	var m struct {
		RepoPath string `json:"repoPath"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	if m.RepoPath != "" {
		return m.RepoPath
	}
	return m.Path
}

func (s *Service) pollGroup(ctx context.Context, key groupKey, members []*store.BeadPollTarget, immediate bool) {
	s.mu.Lock()
	g := s.groups[key]
	if g == nil {
		cooldown := backoff.NewExponentialBackOff()
		cooldown.InitialInterval = breakerCooldown
		cooldown.MaxInterval = 10 * time.Minute
		g = &group{cooldown: cooldown}
		s.groups[key] = g
	}
	if g.flight != nil {
		flight := g.flight
		s.mu.Unlock()
		if immediate {
			// Await the existing flight rather than stacking another.
			select {
			case <-flight:
			case <-ctx.Done():
			}
		}
		return
	}
	if s.now().Before(g.breakerUntil) {
		s.mu.Unlock()
		metrics.BeadPollsTotal.WithLabelValues("breaker_open").Inc()
		return
	}
	flight := make(chan struct{})
	g.flight = flight
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		g.flight = nil
		s.mu.Unlock()
		close(flight)
	}()

	if !immediate {
		select {
		case <-time.After(rand.N(pollJitter)):
		case <-ctx.Done():
			return
		}
	}

	payload, err := s.fetchGroup(ctx, key, members)
	if err != nil {
		s.handleFailure(ctx, key, g, members, err)
		return
	}
	s.handleSuccess(ctx, g, members, payload)
}

// fetchGroup issues the bead RPC: first against the representative
// session, falling back to the whole-machine variant.
func (s *Service) fetchGroup(ctx context.Context, key groupKey, members []*store.BeadPollTarget) (json.RawMessage, error) {
	beadIDs := make([]string, 0)
	for _, t := range members {
		beadIDs = append(beadIDs, t.BeadIDs...)
	}
	request, err := json.Marshal(map[string]any{
		"sessionId": members[0].SessionID,
		"repoPath":  key.repoPath,
		"beadIds":   beadIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal bead request: %w", err)
	}

	sessionMethod := members[0].SessionID + ":show-session-beads"
	response, err := s.rpc.Call(ctx, sessionMethod, request, rpcTimeout)
	if err == nil {
		return response, nil
	}
	s.log.Debug("session bead poll failed, trying machine",
		"method", sessionMethod, "error", err)

	machineMethod := key.machineID + ":show-machine-beads"
	response, err = s.rpc.Call(ctx, machineMethod, request, rpcTimeout)
	if err != nil {
		if errors.Is(err, socket.ErrRPCTimeout) {
			return nil, ErrBeadsTimeout
		}
		return nil, err
	}
	return response, nil
}

// beadResponse is the runner's answer. Bead entries keep unknown fields;
// only the id is required.
type beadResponse struct {
	Beads []json.RawMessage `json:"beads"`
}

func (s *Service) handleSuccess(ctx context.Context, g *group, members []*store.BeadPollTarget, payload json.RawMessage) {
	metrics.BeadPollsTotal.WithLabelValues("ok").Inc()

	s.mu.Lock()
	g.failures = 0
	g.breakerUntil = time.Time{}
	g.cooldown.Reset()
	s.mu.Unlock()
	s.updateBreakerGauge()

	var response beadResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		s.log.Warn("malformed bead response", "error", err)
		return
	}
	byID := make(map[string]json.RawMessage, len(response.Beads))
	for _, raw := range response.Beads {
		var bead struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &bead); err != nil || bead.ID == "" {
			continue
		}
		byID[bead.ID] = raw
	}

	for _, target := range members {
		changed := false
		for _, beadID := range target.BeadIDs {
			data, ok := byID[beadID]
			if !ok {
				continue
			}
			didChange, err := s.store.SaveBeadSnapshot(ctx, target.SessionID, beadID, data)
			if err != nil {
				s.log.Error("save bead snapshot",
					"sessionId", target.SessionID, "beadId", beadID, "error", err)
				continue
			}
			changed = changed || didChange
		}

		s.mu.Lock()
		wasStale := s.stale[target.SessionID]
		delete(s.stale, target.SessionID)
		var version int64
		if changed || wasStale {
			s.versions[target.SessionID]++
			version = s.versions[target.SessionID]
		}
		s.mu.Unlock()

		if changed || wasStale {
			s.publishBeads(ctx, target, version, false)
		}
	}
}

func (s *Service) handleFailure(ctx context.Context, key groupKey, g *group, members []*store.BeadPollTarget, err error) {
	metrics.BeadPollsTotal.WithLabelValues("error").Inc()

	s.mu.Lock()
	g.failures++
	opened := false
	if g.failures >= breakerThreshold {
		g.breakerUntil = s.now().Add(g.cooldown.NextBackOff())
		g.failures = 0
		opened = true
	}
	var newlyStale []*store.BeadPollTarget
	for _, target := range members {
		if !s.stale[target.SessionID] {
			s.stale[target.SessionID] = true
			s.versions[target.SessionID]++
			newlyStale = append(newlyStale, target)
		}
	}
	s.mu.Unlock()

	if opened {
		s.log.Warn("bead poll breaker opened",
			"machineId", key.machineID, "repoPath", key.repoPath, "error", err)
		s.updateBreakerGauge()
	} else {
		s.log.Debug("bead poll failed",
			"machineId", key.machineID, "repoPath", key.repoPath, "error", err)
	}

	for _, target := range newlyStale {
		s.mu.Lock()
		version := s.versions[target.SessionID]
		s.mu.Unlock()
		s.publishBeads(ctx, target, version, true)
	}
}

func (s *Service) publishBeads(ctx context.Context, target *store.BeadPollTarget, version int64, stale bool) {
	beads, err := s.store.GetSessionBeads(ctx, target.SessionID, target.Namespace)
	if err != nil {
		s.log.Error("load session beads", "sessionId", target.SessionID, "error", err)
		return
	}
	data, err := json.Marshal(beads)
	if err != nil {
		return
	}
	s.pub.Publish(events.BeadsUpdated{
		Namespace: target.Namespace,
		SessionID: target.SessionID,
		Version:   version,
		Stale:     stale,
		Beads:     data,
	})
}

func (s *Service) updateBreakerGauge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	now := s.now()
	for _, g := range s.groups {
		if now.Before(g.breakerUntil) {
			open++
		}
	}
	metrics.BeadBreakerOpen.Set(float64(open))
}
