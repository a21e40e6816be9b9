package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
)

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		Tag             string          `json:"tag"`
		MachineID       string          `json:"machineId"`
		ParentSessionID string          `json:"parentSessionId"`
		Metadata        json.RawMessage `json:"metadata"`
		AgentState      json.RawMessage `json:"agentState"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	sess, created, err := a.store.GetOrCreateSession(r.Context(), body.Tag, namespace, store.CreateSessionOptions{
		Metadata:        body.Metadata,
		AgentState:      body.AgentState,
		MachineID:       body.MachineID,
		ParentSessionID: body.ParentSessionID,
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if created {
		a.publishSession(r, sess.ID, namespace)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": a.sessionView(sess)})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	activeOnly := r.URL.Query().Get("active") == "true"

	sessions, err := a.store.ListSessions(r.Context(), namespace, activeOnly)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	views := make([]*view.SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, a.sessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sess, err := a.store.GetSession(r.Context(), r.PathValue("id"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": a.sessionView(sess)})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	if err := a.store.DeleteSession(r.Context(), sessionID, namespace); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.pub.Publish(eventSessionRemoved(namespace, sessionID))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) clearInactiveSessions(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		OlderThanSeconds int64 `json:"olderThanSeconds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.OlderThanSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "olderThanSeconds must be positive")
		return
	}

	cutoff := time.Now().Add(-time.Duration(body.OlderThanSeconds) * time.Second)
	deleted, err := a.cache.ClearInactiveSessions(r.Context(), namespace, cutoff)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (a *API) getMessages(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	query := r.URL.Query()
	afterSeq, _ := strconv.ParseInt(query.Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))

	msgs, err := a.store.GetMessages(r.Context(), r.PathValue("id"), afterSeq, limit, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	views := make([]*view.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, view.Message(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

func (a *API) addMessage(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		Content json.RawMessage `json:"content"`
		LocalID string          `json:"localId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	result, err := a.store.AddMessage(r.Context(), sessionID, body.Content, body.LocalID, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if !result.Duplicate {
		a.pub.Publish(eventMessageAdded(namespace, result.Message))
		a.publishSession(r, sessionID, namespace)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   view.Message(result.Message),
		"duplicate": result.Duplicate,
	})
}

func (a *API) sendInterAgentMessage(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var req sendMessageBody
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := a.coord.SendMessage(r.Context(), namespace, r.PathValue("id"), req.toRequest())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if result.Code != "" {
		writeJSON(w, messageCodeStatus(result.Code), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) updateSessionMetadata(w http.ResponseWriter, r *http.Request) {
	a.versionedSessionUpdate(w, r, a.store.UpdateSessionMetadata)
}

func (a *API) updateSessionAgentState(w http.ResponseWriter, r *http.Request) {
	a.versionedSessionUpdate(w, r, a.store.UpdateSessionAgentState)
}

type versionedUpdateFunc func(ctx context.Context, id string, value json.RawMessage, expectedVersion int64, namespace string) (*store.VersionedUpdate, error)

// versionedSessionUpdate handles the optimistic-concurrency update
// routes. A version mismatch is not an error: the response carries the
// currently stored value so the client can rebase.
func (a *API) versionedSessionUpdate(w http.ResponseWriter, r *http.Request, update versionedUpdateFunc) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		Value           json.RawMessage `json:"value"`
		ExpectedVersion int64           `json:"expectedVersion"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Value) == 0 {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	result, err := update(r.Context(), sessionID, body.Value, body.ExpectedVersion, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	switch result.Outcome {
	case store.UpdateApplied:
		a.publishSession(r, sessionID, namespace)
		writeJSON(w, http.StatusOK, map[string]any{"result": "success", "version": result.Version})
	case store.UpdateVersionMismatch:
		writeJSON(w, http.StatusOK, map[string]any{
			"result":  "version-mismatch",
			"version": result.Version,
			"value":   result.Value,
		})
	case store.UpdateNotFound:
		writeError(w, http.StatusNotFound, "Not found")
	case store.UpdateAccessDenied:
		writeError(w, http.StatusForbidden, "Access denied")
	}
}

func (a *API) setSessionTodos(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		Todos     json.RawMessage `json:"todos"`
		UpdatedAt int64           `json:"updatedAt"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Todos) == 0 {
		writeError(w, http.StatusBadRequest, "todos is required")
		return
	}

	applied, err := a.store.SetSessionTodos(r.Context(), sessionID, body.Todos, body.UpdatedAt, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if applied {
		a.publishSession(r, sessionID, namespace)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (a *API) setSessionSortOrder(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		SortOrder string `json:"sortOrder"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SortOrder == "" {
		writeError(w, http.StatusBadRequest, "sortOrder is required")
		return
	}

	changed, err := a.store.UpdateSessionSortOrder(r.Context(), sessionID, body.SortOrder, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if changed {
		a.publishSession(r, sessionID, namespace)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": changed})
}

func (a *API) setSessionParent(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		ParentSessionID string `json:"parentSessionId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := a.store.SetParentSessionID(r.Context(), sessionID, body.ParentSessionID, namespace); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.publishSession(r, sessionID, namespace)
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (a *API) setAcceptAllMessages(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		AcceptAllMessages bool `json:"acceptAllMessages"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := a.store.SetAcceptAllMessages(r.Context(), sessionID, body.AcceptAllMessages, namespace); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.publishSession(r, sessionID, namespace)
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (a *API) setPermissionMode(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	err := a.coord.SetPermissionMode(r.Context(), namespace, r.PathValue("id"), body.Mode)
	if err != nil {
		if status := storeErrorStatus(err); status != http.StatusInternalServerError {
			a.writeStoreError(w, r, err)
			return
		}
		// Runner-side failures may carry internals; never leak them.
		a.log.Error("set permission mode", "sessionId", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to apply permission mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (a *API) resolvePermission(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		RequestID string `json:"requestId"`
		Approved  bool   `json:"approved"`
		Reason    string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	err := a.coord.ResolvePermission(r.Context(), namespace, r.PathValue("id"), body.RequestID, body.Approved, body.Reason)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (a *API) mergeSessions(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		SourceSessionID string `json:"sourceSessionId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SourceSessionID == "" {
		writeError(w, http.StatusBadRequest, "sourceSessionId is required")
		return
	}

	result, err := a.cache.MergeSessions(r.Context(), body.SourceSessionID, r.PathValue("id"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"moved":     result.Moved,
		"oldMaxSeq": result.OldMaxSeq,
		"newMaxSeq": result.NewMaxSeq,
	})
}
