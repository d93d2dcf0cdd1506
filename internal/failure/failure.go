// Package failure defines the error taxonomy shared by every relay stage.
//
// Stages return these sentinels wrapped with context; callers classify with
// errors.Is or Kind. The root crmrelay package re-exports them.
package failure

import "errors"

// Taxonomy of pipeline failures.
var (
	// ErrInvalidPayload is returned when a request body or queue message is missing or malformed.
	ErrInvalidPayload = errors.New("crmrelay: invalid payload")

	// ErrInvalidToken is returned when the sender token fails signature or claim checks.
	ErrInvalidToken = errors.New("crmrelay: invalid token")

	// ErrConfigFetchFailure is returned when a secret or config blob is missing or unreadable.
	ErrConfigFetchFailure = errors.New("crmrelay: config fetch failure")

	// ErrTokenExchangeFailure is returned when the OAuth2 endpoint is unreachable or answers non-2xx.
	ErrTokenExchangeFailure = errors.New("crmrelay: token exchange failure")

	// ErrDeliveryFailure is returned when the target endpoint is unreachable or answers non-2xx.
	ErrDeliveryFailure = errors.New("crmrelay: delivery failure")
)

// Infrastructure errors.
var (
	// ErrQueueFailure is returned when publishing to the queue fails.
	ErrQueueFailure = errors.New("crmrelay: queue failure")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("crmrelay: store is closed")

	// ErrMessageNotFound is returned when a queue message cannot be found.
	ErrMessageNotFound = errors.New("crmrelay: message not found")

	// ErrDLQNotFound is returned when a DLQ entry cannot be found.
	ErrDLQNotFound = errors.New("crmrelay: dlq entry not found")
)

// Kind returns a stable label for err, used in metrics and DLQ entries.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrConfigFetchFailure):
		return "config_fetch_failure"
	case errors.Is(err, ErrTokenExchangeFailure):
		return "token_exchange_failure"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	case errors.Is(err, ErrQueueFailure):
		return "queue_failure"
	default:
		return "internal"
	}
}

// Permanent reports whether err can never succeed on redelivery.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrInvalidToken)
}
