package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/failure"
)

type listDLQResponse struct {
	Entries []*dlq.Entry `json:"entries"`
	Total   int64        `json:"total"`
}

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'from' time format (use RFC3339)")
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'to' time format (use RFC3339)")
		return
	}

	opts := dlq.ListOpts{
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", 50),
		TenantID: queryParam(r, "tenant_id"),
		From:     from,
		To:       to,
	}

	entries, err := h.dlqSvc.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.countDLQ(r, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}

	writeJSON(w, http.StatusOK, listDLQResponse{Entries: entries, Total: total})
}

// countDLQ returns the number of entries matching the filters of opts,
// ignoring its offset and limit.
func (h *Handler) countDLQ(r *http.Request, opts dlq.ListOpts) (int64, error) {
	if opts.TenantID == "" && opts.From == nil && opts.To == nil {
		return h.dlqSvc.Count(r.Context())
	}
	opts.Offset, opts.Limit = 0, 0
	all, err := h.dlqSvc.List(r.Context(), opts)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid DLQ ID")
		return
	}

	entry, err := h.dlqSvc.Get(r.Context(), dlqID)
	if err != nil {
		if errors.Is(err, failure.ErrDLQNotFound) {
			writeError(w, http.StatusNotFound, "DLQ entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	dlqID, err := id.ParseDLQID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid DLQ ID")
		return
	}

	msg, replayErr := h.dlqSvc.Replay(r.Context(), dlqID)
	if replayErr != nil {
		if errors.Is(replayErr, failure.ErrDLQNotFound) {
			writeError(w, http.StatusNotFound, "DLQ entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, replayErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{MessageID: msg.ID, Queued: true})
}

type replayBulkRequest struct {
	From string `json:"from"` // RFC3339
	To   string `json:"to"`   // RFC3339
}

func (h *Handler) replayBulkDLQ(w http.ResponseWriter, r *http.Request) {
	var req replayBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	from, err := time.Parse(time.RFC3339, req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'from' time format (use RFC3339)")
		return
	}
	to, err := time.Parse(time.RFC3339, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'to' time format (use RFC3339)")
		return
	}

	count, replayErr := h.dlqSvc.ReplayBulk(r.Context(), from, to)
	if replayErr != nil {
		writeError(w, http.StatusInternalServerError, replayErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"replayed": count})
}

func (h *Handler) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	before, err := queryTime(r, "before")
	if err != nil || before == nil {
		writeError(w, http.StatusBadRequest, "'before' is required (use RFC3339)")
		return
	}

	count, purgeErr := h.dlqSvc.Purge(r.Context(), *before)
	if purgeErr != nil {
		writeError(w, http.StatusInternalServerError, purgeErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"purged": count})
}
