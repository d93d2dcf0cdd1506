// Package delivery runs the relay consumer: it claims queue messages,
// re-verifies each event, exchanges tenant credentials for an access grant,
// invokes the remote procedure, and decides whether to ack, retry, or
// dead-letter the message.
package delivery

import (
	"errors"

	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/target"
)

// Result is the aggregate outcome of relaying one event.
type Result struct {
	// Succeeded is true when the remote procedure answered 2xx.
	Succeeded bool `json:"succeeded"`

	// Message is a human-readable summary; on failure it names the failed stage.
	Message string `json:"message"`

	// RemoteResponse is the remote procedure's result text, on success.
	RemoteResponse string `json:"remote_response,omitempty"`

	// StatusCode is the target HTTP status, when a response arrived.
	StatusCode int `json:"status_code,omitempty"`

	// LatencyMs is the target call latency, on success.
	LatencyMs int `json:"latency_ms,omitempty"`

	// Err is the classified cause of a failure. Nil on success.
	Err error `json:"-"`
}

// Success builds a Result from a target response.
func Success(resp *target.Response) Result {
	return Result{
		Succeeded:      true,
		Message:        "Delivered",
		RemoteResponse: resp.RemoteResponse,
		StatusCode:     resp.StatusCode,
		LatencyMs:      resp.LatencyMs,
	}
}

// Failure builds a Result from a stage error.
func Failure(err error) Result {
	res := Result{Message: err.Error(), Err: err}
	if errors.Is(err, failure.ErrInvalidToken) {
		res.Message = "Invalid token"
	}
	var de *target.DeliveryError
	if errors.As(err, &de) {
		res.StatusCode = de.StatusCode
	}
	return res
}

// Kind returns the failure taxonomy label of the result.
func (r Result) Kind() string { return failure.Kind(r.Err) }
