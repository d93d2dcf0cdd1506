package crmrelay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/crmrelay/blobstore"
	"github.com/xraph/crmrelay/delivery"
	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/observability"
	"github.com/xraph/crmrelay/store"
	"github.com/xraph/crmrelay/trust"
)

// Relay is the root CRM relay: ingestion, consumer and dead letter queue.
type Relay struct {
	config  Config
	store   store.Store
	blobs   blobstore.Store
	client  *http.Client
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	verifier *trust.Verifier
	pipeline *delivery.Pipeline
	engine   *delivery.Engine
	dlqSvc   *dlq.Service
}

// Option configures a Relay instance.
type Option func(*Relay) error

// New creates a new Relay with the given options.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.store == nil {
		return nil, ErrNoStore
	}
	if r.blobs == nil {
		return nil, ErrNoBlobStore
	}
	if r.config.MasterPublicKeyName == "" {
		return nil, ErrNoMasterKey
	}
	r.wireServices()
	return r, nil
}

// WithStore sets the queue and DLQ backend.
func WithStore(s store.Store) Option {
	return func(r *Relay) error {
		r.store = s
		return nil
	}
}

// WithBlobStore sets where secrets and tenant config are read from.
func WithBlobStore(b blobstore.Store) Option {
	return func(r *Relay) error {
		r.blobs = b
		return nil
	}
}

// WithLogger sets the structured logger for the Relay instance.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithHTTPClient sets the client used for token exchange and target calls.
// The client's own Timeout applies instead of RequestTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) error {
		r.client = c
		return nil
	}
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithTracer sets the span source. Defaults to the global otel provider.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Relay) error {
		r.tracer = t
		return nil
	}
}

// WithMasterPublicKeyName sets the blob name of the sender's signing key.
func WithMasterPublicKeyName(name string) Option {
	return func(r *Relay) error {
		r.config.MasterPublicKeyName = name
		return nil
	}
}

// WithRequireTokenExpiry rejects sender tokens that carry no exp claim.
func WithRequireTokenExpiry(require bool) Option {
	return func(r *Relay) error {
		r.config.RequireTokenExpiry = require
		return nil
	}
}

// WithConcurrency sets the number of consumer worker goroutines.
func WithConcurrency(n int) Option {
	return func(r *Relay) error {
		r.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the consumer checks for visible messages.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of messages claimed per poll cycle.
func WithBatchSize(n int) Option {
	return func(r *Relay) error {
		r.config.BatchSize = n
		return nil
	}
}

// WithVisibilityTimeout sets how long a claimed message stays invisible.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.VisibilityTimeout = d
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per outbound call.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.RequestTimeout = d
		return nil
	}
}

// WithMaxAttempts sets how many claims a message gets before it is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) error {
		r.config.MaxAttempts = n
		return nil
	}
}

// WithRetrySchedule sets the backoff intervals between attempts.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(r *Relay) error {
		r.config.RetrySchedule = schedule
		return nil
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight messages on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.ShutdownTimeout = d
		return nil
	}
}

// WithAssertionTTL sets the lifetime of the jwt-bearer assertion.
func WithAssertionTTL(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.AssertionTTL = d
		return nil
	}
}

// WithTenantRateLimit caps outbound relays per tenant per second. 0 disables it.
func WithTenantRateLimit(perSecond int) Option {
	return func(r *Relay) error {
		r.config.TenantRateLimit = perSecond
		return nil
	}
}
