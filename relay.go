package crmrelay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/crmrelay/blobstore"
	"github.com/xraph/crmrelay/delivery"
	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/oauth"
	"github.com/xraph/crmrelay/queue"
	"github.com/xraph/crmrelay/ratelimit"
	"github.com/xraph/crmrelay/store"
	"github.com/xraph/crmrelay/target"
	"github.com/xraph/crmrelay/trust"
)

// Ingest outcomes, used as metric labels.
const (
	outcomeQueued   = "queued"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// wireServices initializes the internal services after options have been applied.
func (r *Relay) wireServices() {
	client := r.client
	if client == nil {
		client = &http.Client{Timeout: r.config.RequestTimeout}
	}

	resolver := blobstore.NewResolver(r.blobs)

	r.verifier = trust.NewVerifier(resolver, trust.Config{
		MasterPublicKeyName: r.config.MasterPublicKeyName,
		RequireExpiry:       r.config.RequireTokenExpiry,
	})

	exchanger := oauth.NewExchanger(resolver, client, oauth.Config{
		AssertionTTL:   r.config.AssertionTTL,
		RequestTimeout: r.config.RequestTimeout,
	})

	invoker := target.NewInvoker(client, r.config.RequestTimeout)

	r.pipeline = delivery.NewPipeline(r.verifier, exchanger, invoker,
		ratelimit.New(r.config.TenantRateLimit), r.tracer)

	r.dlqSvc = dlq.NewService(r.store, r.store, r.logger)

	r.engine = delivery.NewEngine(r.store, r.pipeline, r.dlqSvc, delivery.EngineConfig{
		Concurrency:       r.config.Concurrency,
		PollInterval:      r.config.PollInterval,
		BatchSize:         r.config.BatchSize,
		VisibilityTimeout: r.config.VisibilityTimeout,
		MaxAttempts:       r.config.MaxAttempts,
		RetrySchedule:     r.config.RetrySchedule,
		Metrics:           r.metrics,
		Tracer:            r.tracer,
	}, r.logger)
}

// Start begins the consumer engine.
func (r *Relay) Start(ctx context.Context) {
	r.engine.Start(ctx)
}

// Stop shuts down the consumer, waiting up to ShutdownTimeout for in-flight
// messages. Unfinished messages become visible again after their lease.
func (r *Relay) Stop(ctx context.Context) error {
	if r.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()
	}
	return r.engine.Stop(ctx)
}

// Ingest authenticates one request body and enqueues it for relay.
//
// The critical path:
//  1. Parse and validate the body (ErrInvalidPayload).
//  2. Verify the sender token against the master key (ErrInvalidToken).
//  3. Encode the event to its queue wire form and enqueue (ErrQueueFailure).
//
// Rejected events are never queued.
func (r *Relay) Ingest(ctx context.Context, body []byte) (*queue.Message, error) {
	evt, err := event.Parse(body)
	if err != nil {
		r.metrics.RecordIngest(outcomeRejected)
		return nil, err
	}

	ctx, span := r.tracer.StartIngestSpan(ctx, evt.TenantID)

	if err := r.verifier.Check(ctx, evt.Token, evt.TenantID); err != nil {
		r.logger.WarnContext(ctx, "ingest rejected",
			"tenant_id", evt.TenantID,
			"error", Kind(err),
		)
		r.metrics.RecordIngest(outcomeRejected)
		r.tracer.EndSpan(span, Kind(err), err)
		if errors.Is(err, ErrConfigFetchFailure) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, err
	}

	msg, err := r.enqueue(ctx, evt)
	if err != nil {
		r.logger.ErrorContext(ctx, "ingest enqueue failed",
			"tenant_id", evt.TenantID,
			"error", err,
		)
		r.metrics.RecordIngest(outcomeError)
		r.tracer.EndSpan(span, Kind(err), err)
		return nil, err
	}

	r.logger.DebugContext(ctx, "event queued",
		"message_id", msg.ID,
		"tenant_id", evt.TenantID,
		"procedure", evt.ProcedureName,
	)
	r.metrics.RecordIngest(outcomeQueued)
	r.tracer.EndSpan(span, "", nil)
	return msg, nil
}

func (r *Relay) enqueue(ctx context.Context, evt *event.Event) (*queue.Message, error) {
	body, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueFailure, err)
	}
	msg := queue.NewMessage(body)
	if err := r.store.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueFailure, err)
	}
	return msg, nil
}

// Process relays one event synchronously, bypassing the queue.
func (r *Relay) Process(ctx context.Context, evt *event.Event) delivery.Result {
	return r.pipeline.Process(ctx, evt)
}

// Ping checks the queue backend.
func (r *Relay) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Engine returns the consumer engine.
func (r *Relay) Engine() *delivery.Engine {
	return r.engine
}

// Store returns the underlying store.
func (r *Relay) Store() store.Store {
	return r.store
}

// DLQ returns the DLQ service.
func (r *Relay) DLQ() *dlq.Service {
	return r.dlqSvc
}
