package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/validate"
)

// Inter-agent message rejection codes.
const (
	CodeSenderNotFound   = "sender_not_found"
	CodeTargetNotFound   = "target_not_found"
	CodeNotAuthorized    = "not_authorized"
	CodeMessageTooLarge  = "message_too_large"
	CodeHopLimitExceeded = "hop_limit_exceeded"
)

// MessageRequest is one session-to-session message.
type MessageRequest struct {
	SenderSessionID string          `json:"senderSessionId"`
	Content         json.RawMessage `json:"content"`
	HopCount        int             `json:"hopCount"`
}

// MessageResult reports a delivered or rejected inter-agent message.
type MessageResult struct {
	Status string `json:"status,omitempty"` // delivered | queued
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

func messageError(code, message string) *MessageResult {
	return &MessageResult{Code: code, Error: message}
}

// SendMessage records one inter-agent message on the target session.
// Sender and target must share a namespace and be parent/child of each
// other, unless the target opts into messages from anyone.
func (c *Coordinator) SendMessage(ctx context.Context, namespace, targetSessionID string, req MessageRequest) (*MessageResult, error) {
	sender, err := c.store.GetSession(ctx, req.SenderSessionID, namespace)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAccessDenied) {
			return messageError(CodeSenderNotFound, "Sender session not found"), nil
		}
		return nil, err
	}
	target, err := c.store.GetSession(ctx, targetSessionID, namespace)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAccessDenied) {
			return messageError(CodeTargetNotFound, "Target session not found"), nil
		}
		return nil, err
	}

	if !messagingAllowed(sender, target) {
		return messageError(CodeNotAuthorized, "Sessions are not related"), nil
	}
	if err := validate.InterAgentContent(req.Content); err != nil {
		return messageError(CodeMessageTooLarge, err.Error()), nil
	}
	if err := validate.HopCount(req.HopCount); err != nil {
		return messageError(CodeHopLimitExceeded, err.Error()), nil
	}

	content, err := json.Marshal(map[string]any{
		"role":    "agent",
		"content": req.Content,
		"meta": map[string]any{
			"senderSessionId": sender.ID,
			"hopCount":        req.HopCount + 1,
		},
	})
	if err != nil {
		return nil, err
	}
	added, err := c.store.AddMessage(ctx, target.ID, content, "", namespace)
	if err != nil {
		return nil, err
	}
	c.publishMessage(namespace, added.Message)

	status := "queued"
	if c.cache.IsActive(target.ID) {
		status = "delivered"
	}
	return &MessageResult{Status: status}, nil
}

// messagingAllowed checks the parent<->child topology, or the target's
// open-door flag.
func messagingAllowed(sender, target *store.Session) bool {
	if target.AcceptAllMessages {
		return true
	}
	return target.ParentSessionID == sender.ID || sender.ParentSessionID == target.ID
}
