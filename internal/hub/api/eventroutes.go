package api

import "net/http"

func (a *API) serveEvents(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	if err := a.sse.Serve(r.Context(), w, namespace); err != nil {
		a.log.Error("serve event stream", "namespace", namespace, "error", err)
	}
}

// setVisibility records whether a connected event-stream client's tab
// is visible. Hidden clients stop receiving events until they report
// visible again.
func (a *API) setVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"clientId"`
		Visible  bool   `json:"visible"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	a.sse.Visibility().SetVisible(body.ClientID, body.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}
