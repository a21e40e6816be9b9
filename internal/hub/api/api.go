// Package api serves the hub's HTTP surface: session, machine, team,
// and preference routes, the SSE event stream, and the runner socket
// endpoint. Every route is namespace-scoped through bearer auth.
package api

import (
	"log/slog"
	"net/http"

	"github.com/hapihub/hapi/internal/hub/beads"
	"github.com/hapihub/hapi/internal/hub/coordinator"
	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/sessioncache"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
)

// ProtocolVersion is advertised on every response so clients can detect
// incompatible hubs before parsing bodies.
const ProtocolVersion = "1"

// API bundles the handlers over the hub's root objects.
type API struct {
	store *store.Store
	cache *sessioncache.Cache
	coord *coordinator.Coordinator
	beads *beads.Service
	pub   *events.Publisher
	sse   *events.SSEManager
	log   *slog.Logger

	cliToken string
}

func New(st *store.Store, cache *sessioncache.Cache, coord *coordinator.Coordinator, beadSvc *beads.Service, pub *events.Publisher, sse *events.SSEManager, cliToken string, log *slog.Logger) *API {
	return &API{
		store:    st,
		cache:    cache,
		coord:    coord,
		beads:    beadSvc,
		pub:      pub,
		sse:      sse,
		log:      log,
		cliToken: cliToken,
	}
}

// Routes mounts every API route on mux behind the auth middleware.
func (a *API) Routes(mux *http.ServeMux) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, a.requireAuth(h))
	}
	// Routes that call into runners cannot be served before the
	// coordinator is wired up.
	handleCoord := func(pattern string, h http.HandlerFunc) {
		handle(pattern, func(w http.ResponseWriter, r *http.Request) {
			if a.coord == nil {
				writeError(w, http.StatusServiceUnavailable, "Coordinator not initialized")
				return
			}
			h(w, r)
		})
	}

	handle("POST /sessions", a.createSession)
	handle("GET /sessions", a.listSessions)
	handle("POST /sessions/clear-inactive", a.clearInactiveSessions)
	handle("GET /sessions/{id}", a.getSession)
	handle("DELETE /sessions/{id}", a.deleteSession)
	handle("GET /sessions/{id}/messages", a.getMessages)
	handle("POST /sessions/{id}/messages", a.addMessage)
	handleCoord("POST /sessions/{id}/message", a.sendInterAgentMessage)
	handle("POST /sessions/{id}/metadata", a.updateSessionMetadata)
	handle("POST /sessions/{id}/agent-state", a.updateSessionAgentState)
	handle("POST /sessions/{id}/todos", a.setSessionTodos)
	handle("POST /sessions/{id}/sort-order", a.setSessionSortOrder)
	handle("POST /sessions/{id}/parent", a.setSessionParent)
	handle("POST /sessions/{id}/accept-all-messages", a.setAcceptAllMessages)
	handleCoord("POST /sessions/{id}/permission-mode", a.setPermissionMode)
	handleCoord("POST /sessions/{id}/permission-response", a.resolvePermission)
	handle("POST /sessions/{id}/merge", a.mergeSessions)
	handle("GET /sessions/{id}/beads", a.getSessionBeads)
	handle("POST /sessions/{id}/beads", a.linkBead)
	handle("DELETE /sessions/{id}/beads/{beadId}", a.unlinkBead)

	handle("POST /machines", a.createMachine)
	handle("GET /machines", a.listMachines)
	handle("GET /machines/{id}", a.getMachine)
	handle("POST /machines/{id}/metadata", a.updateMachineMetadata)
	handle("POST /machines/{id}/runner-state", a.updateMachineRunnerState)
	handleCoord("POST /machines/{id}/spawn", a.spawnSession)
	handleCoord("POST /restart-sessions", a.restartSessions)

	handle("POST /teams", a.createTeam)
	handle("GET /teams", a.listTeams)
	handle("GET /teams/{id}", a.getTeam)
	handle("PATCH /teams/{id}", a.updateTeam)
	handle("DELETE /teams/{id}", a.deleteTeam)
	handle("GET /teams/{id}/members", a.listTeamMembers)
	handle("POST /teams/{id}/members", a.addTeamMember)
	handle("DELETE /teams/{id}/members/{sessionId}", a.removeTeamMember)
	handle("GET /group-sort-orders", a.listGroupSortOrders)
	handle("POST /group-sort-orders", a.setGroupSortOrder)

	handle("GET /preferences", a.getPreferences)
	handle("POST /preferences", a.updatePreferences)
	handle("GET /push-subscriptions", a.listPushSubscriptions)
	handle("POST /push-subscriptions", a.addPushSubscription)
	handle("DELETE /push-subscriptions", a.removePushSubscription)

	handle("GET /events", a.serveEvents)
	handle("POST /events/visibility", a.setVisibility)
}

// publishSession re-reads the session and broadcasts its current view.
// Mutating routes call this after a seq-bumping write.
func (a *API) publishSession(r *http.Request, sessionID, namespace string) {
	sess, err := a.store.GetSession(r.Context(), sessionID, namespace)
	if err != nil {
		return
	}
	thinking, activity := a.cache.Thinking(sessionID)
	a.pub.Publish(events.SessionUpdated{
		Namespace: namespace,
		SessionID: sessionID,
		Seq:       sess.Seq,
		Session:   view.SessionJSON(sess, thinking, activity),
	})
}

func (a *API) sessionView(sess *store.Session) *view.SessionView {
	thinking, activity := a.cache.Thinking(sess.ID)
	return view.Session(sess, thinking, activity)
}
