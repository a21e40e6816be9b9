package api

import (
	"encoding/json"
	"net/http"

	"github.com/hapihub/hapi/internal/hub/coordinator"
	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
)

func (a *API) createMachine(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		ID          string          `json:"id"`
		Metadata    json.RawMessage `json:"metadata"`
		RunnerState json.RawMessage `json:"runnerState"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	machine, created, err := a.store.GetOrCreateMachine(r.Context(), body.ID, namespace, body.Metadata, body.RunnerState)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if created {
		a.pub.Publish(events.MachineUpdated{
			Namespace: namespace,
			MachineID: machine.ID,
			Seq:       machine.Seq,
			Machine:   view.MachineJSON(machine),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": view.Machine(machine)})
}

func (a *API) listMachines(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	machines, err := a.store.ListMachines(r.Context(), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	views := make([]*view.MachineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, view.Machine(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": views})
}

func (a *API) getMachine(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	machine, err := a.store.GetMachine(r.Context(), r.PathValue("id"), namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": view.Machine(machine)})
}

func (a *API) updateMachineMetadata(w http.ResponseWriter, r *http.Request) {
	a.versionedMachineUpdate(w, r, a.store.UpdateMachineMetadata)
}

func (a *API) updateMachineRunnerState(w http.ResponseWriter, r *http.Request) {
	a.versionedMachineUpdate(w, r, a.store.UpdateMachineRunnerState)
}

func (a *API) versionedMachineUpdate(w http.ResponseWriter, r *http.Request, update versionedUpdateFunc) {
	namespace := callerNamespace(r)
	machineID := r.PathValue("id")
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

	result, err := update(r.Context(), machineID, body.Value, body.ExpectedVersion, namespace)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	switch result.Outcome {
	case store.UpdateApplied:
		a.publishMachine(r, machineID, namespace)
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

func (a *API) publishMachine(r *http.Request, machineID, namespace string) {
	machine, err := a.store.GetMachine(r.Context(), machineID, namespace)
	if err != nil {
		return
	}
	a.pub.Publish(events.MachineUpdated{
		Namespace: namespace,
		MachineID: machineID,
		Seq:       machine.Seq,
		Machine:   view.MachineJSON(machine),
	})
}

func (a *API) spawnSession(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var req coordinator.SpawnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.MachineID = r.PathValue("id")

	result, err := a.coord.Spawn(r.Context(), namespace, req)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, spawnResultStatus(result), result)
}

// spawnResultStatus picks the HTTP status for a spawn outcome. Runner
// and transport failures still return a parseable body.
func spawnResultStatus(result *coordinator.SpawnResult) int {
	if result.Type != "error" {
		return http.StatusOK
	}
	switch result.Code {
	case "invalid_directory", "prompt_too_long":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

func (a *API) restartSessions(w http.ResponseWriter, r *http.Request) {
	namespace := callerNamespace(r)
	var body struct {
		SessionIDs []string `json:"sessionIds"`
		MachineID  string   `json:"machineId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.SessionIDs) == 0 && body.MachineID == "" {
		writeError(w, http.StatusBadRequest, "sessionIds or machineId is required")
		return
	}

	results, err := a.coord.RestartSessions(r.Context(), namespace, body.SessionIDs, body.MachineID)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
