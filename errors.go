package crmrelay

import (
	"errors"

	"github.com/xraph/crmrelay/internal/failure"
)

// Sentinel errors returned by Relay operations. Match with errors.Is.
var (
	ErrInvalidPayload       = failure.ErrInvalidPayload
	ErrInvalidToken         = failure.ErrInvalidToken
	ErrConfigFetchFailure   = failure.ErrConfigFetchFailure
	ErrTokenExchangeFailure = failure.ErrTokenExchangeFailure
	ErrDeliveryFailure      = failure.ErrDeliveryFailure
	ErrQueueFailure         = failure.ErrQueueFailure
	ErrStoreClosed          = failure.ErrStoreClosed
	ErrMessageNotFound      = failure.ErrMessageNotFound
	ErrDLQNotFound          = failure.ErrDLQNotFound
)

var (
	// ErrNoStore is returned when a Relay is created without a store.
	ErrNoStore = errors.New("crmrelay: store is required")

	// ErrNoBlobStore is returned when a Relay is created without a blob store.
	ErrNoBlobStore = errors.New("crmrelay: blob store is required")

	// ErrNoMasterKey is returned when no master public key name is configured.
	ErrNoMasterKey = errors.New("crmrelay: master public key name is required")
)

// Kind returns the stable taxonomy label of err.
func Kind(err error) string { return failure.Kind(err) }
