package dlq

import (
	"time"

	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/entity"
)

// Entry represents a message that the relay gave up on.
type Entry struct {
	entity.Entity

	// ID is the unique TypeID for this DLQ entry.
	ID id.ID `json:"id"`

	// MessageID references the queue message that failed.
	MessageID id.ID `json:"message_id"`

	// TenantID identifies the tenant, when the message could be decoded.
	TenantID string `json:"tenant_id,omitempty"`

	// ProcedureName is the remote procedure the event targeted.
	ProcedureName string `json:"procedure_name,omitempty"`

	// Body is the original queue body, replayed verbatim.
	Body string `json:"body"`

	// Error is the error message from the final attempt.
	Error string `json:"error"`

	// Kind is the failure taxonomy label of the final error.
	Kind string `json:"kind"`

	// AttemptCount is the number of times the message was claimed.
	AttemptCount int `json:"attempt_count"`

	// LastStatusCode is the target status from the final attempt, if any.
	LastStatusCode int `json:"last_status_code,omitempty"`

	// ReplayedAt is set when the entry has been replayed.
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`

	// FailedAt is when the message was dead-lettered.
	FailedAt time.Time `json:"failed_at"`
}

// ListOpts configures filtering and pagination for DLQ listing.
type ListOpts struct {
	Offset   int
	Limit    int
	TenantID string
	From     *time.Time
	To       *time.Time
}
