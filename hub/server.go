// Package hub provides a reusable hub server that opens the database,
// wires every subsystem, and serves the HTTP and socket surfaces.
package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hapihub/hapi/internal/hub/api"
	"github.com/hapihub/hapi/internal/hub/auth"
	"github.com/hapihub/hapi/internal/hub/beads"
	"github.com/hapihub/hapi/internal/hub/config"
	"github.com/hapihub/hapi/internal/hub/coordinator"
	"github.com/hapihub/hapi/internal/hub/db"
	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/rpcreg"
	"github.com/hapihub/hapi/internal/hub/sessioncache"
	"github.com/hapihub/hapi/internal/hub/settings"
	"github.com/hapihub/hapi/internal/hub/socket"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/logging"
	"github.com/hapihub/hapi/internal/metrics"
)

const (
	shutdownDrainTimeout = 10 * time.Second
	runnerRetryDelay     = 10 * time.Second
	teamExpiryInterval   = time.Minute
)

// Server is a fully wired hub instance. Call Serve to start listening.
type Server struct {
	cfg      *config.Config
	settings *settings.Settings
	sqlDB    *sql.DB
	store    *store.Store
	server   *http.Server
	manager  *socket.Manager
	presence *presenceTracker
	cache    *sessioncache.Cache
	coord    *coordinator.Coordinator
	beads    *beads.Service
	pub      *events.Publisher
	log      *slog.Logger
}

// NewServer opens the database, runs migrations, and wires every
// subsystem. No goroutines start until Serve.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sets, err := settings.Load(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := slog.Default()
	st := store.New(sqlDB)

	// No runner can be connected yet; stale active flags are leftovers
	// from an unclean shutdown.
	if err := st.CloseAllPresence(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reset presence: %w", err)
	}

	pub := events.NewPublisher()
	sse := events.NewSSEManager(events.NewVisibilityTracker(), log)
	pub.Subscribe(sse)

	cache := sessioncache.New(st, pub, log)
	presence := newPresenceTracker(st, cache, pub, log)

	registry := rpcreg.New(log)
	authFn := func(token string) (string, bool) {
		base, namespace := auth.ParseAccessToken(token)
		if !auth.ConstantTimeEquals(base, sets.CLIAPIToken) {
			return "", false
		}
		return namespace, true
	}

	srv := &Server{
		cfg:      cfg,
		settings: sets,
		sqlDB:    sqlDB,
		store:    st,
		presence: presence,
		cache:    cache,
		pub:      pub,
		log:      log,
	}

	// The socket manager and the coordinator call each other: runner
	// RPCs route through the server so both can be built.
	manager := socket.NewManager(registry, presence, srv, authFn, log)
	srv.manager = manager
	srv.coord = coordinator.New(st, cache, manager, pub, log)
	srv.beads = beads.New(st, pub, manager, log)

	mux := http.NewServeMux()
	api.New(st, cache, srv.coord, srv.beads, pub, sse, sets.CLIAPIToken, log).Routes(mux)
	mux.HandleFunc("/cli", manager.HandleWS)
	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})
	srv.server = &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

// HandleRunnerRPC routes runner-initiated RPCs to the coordinator.
func (s *Server) HandleRunnerRPC(ctx context.Context, namespace, method string, payload json.RawMessage) (json.RawMessage, error) {
	return s.coord.HandleRunnerRPC(ctx, namespace, method, payload)
}

// Serve listens on the configured address and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	go s.cache.Run(loopCtx)
	go s.beads.Run(loopCtx)
	go s.presence.run(loopCtx)
	go s.expireTeams(loopCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.log.Info("hub shutting down")

		// 1. Tell runners to back off before reconnecting.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		s.manager.Shutdown(shutdownCtx, runnerRetryDelay)

		// 2. Drain in-flight HTTP requests.
		_ = s.server.Shutdown(shutdownCtx)

		// 3. Stop the background loops.
		stopLoops()
		close(shutdownDone)
	}()

	s.log.Info("hub listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		stopLoops()
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

// expireTeams deletes non-persistent teams whose members have all been
// inactive past the team's TTL.
func (s *Server) expireTeams(ctx context.Context) {
	ticker := time.NewTicker(teamExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.store.GetExpiredTemporaryTeams(ctx, time.Now().UnixMilli())
			if err != nil {
				s.log.Warn("list expired teams", "error", err)
				continue
			}
			for _, team := range expired {
				if err := s.store.DeleteTeam(ctx, team.ID, team.Namespace); err != nil {
					s.log.Warn("delete expired team", "teamId", team.ID, "error", err)
					continue
				}
				s.log.Info("expired temporary team", "teamId", team.ID, "name", team.Name)
				s.pub.Publish(events.TeamRemoved{Namespace: team.Namespace, TeamID: team.ID})
			}
		}
	}
}
