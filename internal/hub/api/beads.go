package api

import (
	"context"
	"net/http"

	"github.com/hapihub/hapi/internal/hub/store"
)

func (a *API) getSessionBeads(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")

	beads, stale, err := a.beads.GetSessionBeads(r.Context(), sessionID, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if beads == nil {
		beads = []*store.SessionBead{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"beads": beads, "stale": stale})
}

func (a *API) linkBead(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")
	var body struct {
		BeadID   string `json:"beadId"`
		LinkedBy string `json:"linkedBy"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.BeadID == "" {
		writeError(w, http.StatusBadRequest, "beadId is required")
		return
	}

	linked, err := a.store.LinkBead(r.Context(), sessionID, body.BeadID, body.LinkedBy, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if linked {
		a.publishSession(r, sessionID, namespace)
		// Pull fresh bead data right away when the runner is reachable.
		if a.cache.IsActive(sessionID) {
			go a.beads.RefreshSession(context.Background(), sessionID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"linked": linked})
}

func (a *API) unlinkBead(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	sessionID := r.PathValue("id")

	unlinked, err := a.store.UnlinkBead(r.Context(), sessionID, r.PathValue("beadId"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if unlinked {
		a.publishSession(r, sessionID, namespace)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlinked": unlinked})
}
