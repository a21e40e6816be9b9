package api

import (
	"encoding/json"
	"net/http"

	"github.com/hapihub/hapi/internal/hub/store"
)

func (a *API) getPreferences(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	prefs, err := a.store.GetPreferences(r.Context(), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (a *API) updatePreferences(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var patch store.PreferencesPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	prefs, err := a.store.UpdatePreferences(r.Context(), namespace, patch)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

type pushSubscriptionView struct {
	ID        string          `json:"id"`
	Endpoint  string          `json:"endpoint"`
	Keys      json.RawMessage `json:"keys"`
	CreatedAt int64           `json:"createdAt"`
}

func (a *API) listPushSubscriptions(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	subs, err := a.store.ListPushSubscriptions(r.Context(), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	views := make([]pushSubscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, pushSubscriptionView{
			ID:        s.ID,
			Endpoint:  s.Endpoint,
			Keys:      s.Keys,
			CreatedAt: s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (a *API) addPushSubscription(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		Endpoint string          `json:"endpoint"`
		Keys     json.RawMessage `json:"keys"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	sub, err := a.store.AddPushSubscription(r.Context(), namespace, body.Endpoint, body.Keys)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": pushSubscriptionView{
		ID:        sub.ID,
		Endpoint:  sub.Endpoint,
		Keys:      sub.Keys,
		CreatedAt: sub.CreatedAt,
	}})
}

func (a *API) removePushSubscription(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	// Endpoints are URLs, so they travel in the body rather than the path.
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	removed, err := a.store.RemovePushSubscription(r.Context(), namespace, body.Endpoint)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}
