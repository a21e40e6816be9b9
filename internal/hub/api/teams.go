package api

import (
	"net/http"

	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
)

func (a *API) createTeam(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		Name       string `json:"name"`
		Color      string `json:"color"`
		Persistent bool   `json:"persistent"`
		TTLSeconds int64  `json:"ttlSeconds"`
		CreatedBy  string `json:"createdBy"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	team, err := a.store.CreateTeam(r.Context(), namespace, store.CreateTeamParams{
		Name:       body.Name,
		Color:      body.Color,
		Persistent: body.Persistent,
		TTLSeconds: body.TTLSeconds,
		CreatedBy:  body.CreatedBy,
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.publishTeam(namespace, team)
	writeJSON(w, http.StatusOK, map[string]any{"team": view.Team(team)})
}

func (a *API) listTeams(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	teams, err := a.store.ListTeams(r.Context(), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	views := make([]*view.TeamView, 0, len(teams))
	for _, t := range teams {
		views = append(views, view.Team(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": views})
}

func (a *API) getTeam(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	team, err := a.store.GetTeam(r.Context(), r.PathValue("id"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"team": view.Team(team)})
}

func (a *API) updateTeam(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body store.UpdateTeamParams
	if !decodeBody(w, r, &body) {
		return
	}

	team, err := a.store.UpdateTeam(r.Context(), r.PathValue("id"), namespace, body)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.publishTeam(namespace, team)
	writeJSON(w, http.StatusOK, map[string]any{"team": view.Team(team)})
}

func (a *API) deleteTeam(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	teamID := r.PathValue("id")
	if err := a.store.DeleteTeam(r.Context(), teamID, namespace); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.pub.Publish(events.TeamRemoved{Namespace: namespace, TeamID: teamID})
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) listTeamMembers(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	members, err := a.store.ListTeamMembers(r.Context(), r.PathValue("id"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	type memberView struct {
		SessionID string `json:"sessionId"`
		JoinedAt  int64  `json:"joinedAt"`
	}
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, memberView{SessionID: m.SessionID, JoinedAt: m.JoinedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": views})
}

func (a *API) addTeamMember(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	teamID := r.PathValue("id")
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	if err := a.store.AddTeamMember(r.Context(), teamID, body.SessionID, namespace); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	a.publishTeamByID(r, teamID, namespace)
	writeJSON(w, http.StatusOK, map[string]bool{"added": true})
}

func (a *API) removeTeamMember(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	teamID := r.PathValue("id")

	removed, err := a.store.RemoveTeamMember(r.Context(), teamID, r.PathValue("sessionId"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if removed {
		a.publishTeamByID(r, teamID, namespace)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *API) listGroupSortOrders(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	orders, err := a.store.ListGroupSortOrders(r.Context(), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sortOrders": orders})
}

func (a *API) setGroupSortOrder(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		GroupKey  string `json:"groupKey"`
		SortOrder string `json:"sortOrder"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.GroupKey == "" || body.SortOrder == "" {
		writeError(w, http.StatusBadRequest, "groupKey and sortOrder are required")
		return
	}

	if err := a.store.SetGroupSortOrder(r.Context(), namespace, body.GroupKey, body.SortOrder); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (a *API) publishTeam(namespace string, team *store.Team) {
	a.pub.Publish(events.TeamUpdated{
		Namespace: namespace,
		TeamID:    team.ID,
		Team:      view.TeamJSON(team),
	})
}

func (a *API) publishTeamByID(r *http.Request, teamID, namespace string) {
	team, err := a.store.GetTeam(r.Context(), teamID, namespace)
	if err != nil {
		return
	}
	a.publishTeam(namespace, team)
}
