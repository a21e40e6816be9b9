package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/hapihub/hapi/internal/hub/socket"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/validate"
)

// SpawnRequest is the named form of a session spawn.
type SpawnRequest struct {
	MachineID      string `json:"machineId"`
	Directory      string `json:"directory"`
	Agent          string `json:"agent,omitempty"`
	Model          string `json:"model,omitempty"`
	Yolo           bool   `json:"yolo,omitempty"`
	SessionType    string `json:"sessionType,omitempty"`
	WorktreeName   string `json:"worktreeName,omitempty"`
	WorktreeBranch string `json:"worktreeBranch,omitempty"`
	InitialPrompt  string `json:"initialPrompt,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
}

// Delivery outcomes of a spawn's initial prompt.
const (
	DeliveryDelivered = "delivered"
	DeliveryTimedOut  = "timed_out"
)

// SpawnResult is what the spawn endpoint returns.
type SpawnResult struct {
	Type                  string `json:"type"`
	SessionID             string `json:"sessionId,omitempty"`
	InitialPromptDelivery string `json:"initialPromptDelivery,omitempty"`
	Code                  string `json:"code,omitempty"`
	Message               string `json:"message,omitempty"`
}

func spawnError(code, message string) *SpawnResult {
	return &SpawnResult{Type: "error", Code: code, Message: message}
}

// Spawn asks a machine's runner to start a new session, then delivers
// the initial prompt once the session reports alive. A prompt that is
// empty after trimming is treated as omitted.
func (c *Coordinator) Spawn(ctx context.Context, namespace string, req SpawnRequest) (*SpawnResult, error) {
	directory := validate.SanitizeDirectory(req.Directory)
	if directory == "" {
		return spawnError("invalid_directory", "Directory is required"), nil
	}
	req.Directory = directory
	if err := validate.InitialPrompt(req.InitialPrompt); err != nil {
		return spawnError("prompt_too_long", err.Error()), nil
	}

	if _, err := c.store.GetMachine(ctx, req.MachineID, namespace); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return spawnError("not_found", "Machine not found"), nil
		case errors.Is(err, store.ErrAccessDenied):
			return nil, err
		default:
			return nil, err
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	response, err := c.rpc.Call(ctx, req.MachineID+":spawn-happy-session", payload, spawnRPCTimeout)
	if err != nil {
		switch {
		case errors.Is(err, socket.ErrMethodNotRegistered):
			return spawnError("machine_offline", "RPC handler not registered"), nil
		case errors.Is(err, socket.ErrRPCTimeout):
			return spawnError("timed_out", "Spawn command timed out"), nil
		default:
			return nil, err
		}
	}

	var spawned struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(response, &spawned); err != nil {
		return spawnError("invalid_response", "Runner returned a malformed spawn result"), nil
	}
	if spawned.Type == "error" {
		return spawnError(spawned.Code, spawned.Message), nil
	}
	if spawned.SessionID == "" {
		return spawnError("invalid_response", "Runner returned no session id"), nil
	}

	if req.TeamID != "" {
		if err := c.store.AddTeamMember(ctx, req.TeamID, spawned.SessionID, namespace); err != nil {
			// Team placement is best-effort; the session itself is up.
			c.log.Warn("add spawned session to team",
				"sessionId", spawned.SessionID, "teamId", req.TeamID, "error", err)
		}
	}

	result := &SpawnResult{Type: "success", SessionID: spawned.SessionID}
	prompt := strings.TrimSpace(req.InitialPrompt)
	if prompt == "" {
		return result, nil
	}

	result.InitialPromptDelivery = c.deliverInitialPrompt(ctx, namespace, spawned.SessionID, prompt)
	return result, nil
}

// deliverInitialPrompt waits a bounded interval for the spawned session
// to come alive, then records the prompt as a user message tagged with
// its origin. If the session never reports alive, nothing is recorded;
// the caller retries the prompt itself.
func (c *Coordinator) deliverInitialPrompt(ctx context.Context, namespace, sessionID, prompt string) string {
	waitCtx, cancel := context.WithTimeout(ctx, c.promptWait)
	defer cancel()

	if err := c.cache.WaitActive(waitCtx, sessionID); err != nil {
		return DeliveryTimedOut
	}

	content, err := json.Marshal(map[string]any{
		"role":    "user",
		"content": prompt,
		"meta":    map[string]string{"sentFrom": "spawn"},
	})
	if err != nil {
		return DeliveryTimedOut
	}
	added, err := c.store.AddMessage(ctx, sessionID, content, "", namespace)
	if err != nil {
		c.log.Error("record initial prompt", "sessionId", sessionID, "error", err)
		return DeliveryTimedOut
	}
	c.publishMessage(namespace, added.Message)
	return DeliveryDelivered
}
