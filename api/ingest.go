package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/failure"
)

// MaxBodyBytes caps the ingestion request body.
const MaxBodyBytes = 1 << 20

// Ingestion rejection texts.
const (
	msgNoPayload    = "Please pass a payload in the request body"
	msgInvalidToken = "Invalid token"
	msgQueueFailed  = "Post data to queue failed: "
	msgTooLarge     = "Request body too large"
)

type ingestResponse struct {
	MessageID id.ID `json:"message_id"`
	Queued    bool  `json:"queued"`
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusBadRequest, msgTooLarge)
			return
		}
		writeText(w, http.StatusBadRequest, msgNoPayload)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeText(w, http.StatusBadRequest, msgNoPayload)
		return
	}

	msg, err := h.ingester.Ingest(r.Context(), body)
	if err != nil {
		status, text := ingestError(err)
		writeText(w, status, text)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{MessageID: msg.ID, Queued: true})
}

// ingestError maps an Ingest failure to its status and plain-text reason.
func ingestError(err error) (int, string) {
	switch {
	case errors.Is(err, failure.ErrInvalidPayload):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, failure.ErrInvalidToken), errors.Is(err, failure.ErrConfigFetchFailure):
		return http.StatusBadRequest, msgInvalidToken
	case errors.Is(err, failure.ErrQueueFailure):
		cause := strings.TrimPrefix(err.Error(), failure.ErrQueueFailure.Error()+": ")
		return http.StatusBadRequest, msgQueueFailed + cause
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
