package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hapihub/hapi/internal/hub/coordinator"
	"github.com/hapihub/hapi/internal/hub/events"
	"github.com/hapihub/hapi/internal/hub/store"
	"github.com/hapihub/hapi/internal/hub/view"
)

type sendMessageBody struct {
	SenderSessionID string          `json:"senderSessionId"`
	Content         json.RawMessage `json:"content"`
	HopCount        int             `json:"hopCount"`
}

func (b sendMessageBody) toRequest() coordinator.MessageRequest {
	return coordinator.MessageRequest{
		SenderSessionID: b.SenderSessionID,
		Content:         b.Content,
		HopCount:        b.HopCount,
	}
}

// messageCodeStatus maps inter-agent delivery rejection codes to HTTP
// statuses.
func messageCodeStatus(code string) int {
	switch code {
	case coordinator.CodeSenderNotFound, coordinator.CodeTargetNotFound:
		return http.StatusNotFound
	case coordinator.CodeNotAuthorized:
		return http.StatusForbidden
	case coordinator.CodeMessageTooLarge, coordinator.CodeHopLimitExceeded:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// storeErrorStatus classifies err without writing a response. 500 means
// "not a store sentinel".
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func eventSessionRemoved(namespace, sessionID string) events.SessionRemoved {
	return events.SessionRemoved{Namespace: namespace, SessionID: sessionID}
}

func eventMessageAdded(namespace string, msg *store.Message) events.MessageAdded {
	return events.MessageAdded{
		Namespace: namespace,
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Message:   view.MessageJSON(msg),
	}
}
