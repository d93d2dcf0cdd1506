package crmrelay

import (
	"time"

	"github.com/xraph/crmrelay/delivery"
	"github.com/xraph/crmrelay/oauth"
)

// Config holds the configuration for a Relay instance.
type Config struct {
	// MasterPublicKeyName is the blob name of the key that signs sender tokens.
	MasterPublicKeyName string

	// RequireTokenExpiry rejects sender tokens without an exp claim.
	RequireTokenExpiry bool

	// Concurrency is the number of consumer worker goroutines.
	Concurrency int

	// PollInterval is how often the consumer checks for visible messages.
	PollInterval time.Duration

	// BatchSize is the maximum number of messages claimed per poll cycle.
	BatchSize int

	// VisibilityTimeout is how long a claimed message stays invisible.
	// It must exceed the worst-case processing time of one message.
	VisibilityTimeout time.Duration

	// RequestTimeout is the HTTP timeout for each outbound call.
	RequestTimeout time.Duration

	// MaxAttempts caps how many times a message is claimed before it is
	// dead-lettered. 0 retries forever.
	MaxAttempts int

	// RetrySchedule defines the backoff between attempts.
	RetrySchedule []time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight messages on Stop.
	ShutdownTimeout time.Duration

	// AssertionTTL is the lifetime of the jwt-bearer assertion.
	AssertionTTL time.Duration

	// TenantRateLimit caps outbound relays per tenant per second. 0 is unlimited.
	TenantRateLimit int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MasterPublicKeyName: "master.pem",
		Concurrency:         10,
		PollInterval:        1 * time.Second,
		BatchSize:           10,
		VisibilityTimeout:   5 * time.Minute,
		RequestTimeout:      30 * time.Second,
		MaxAttempts:         5,
		RetrySchedule:       delivery.DefaultRetrySchedule,
		ShutdownTimeout:     30 * time.Second,
		AssertionTTL:        oauth.DefaultAssertionTTL,
	}
}
