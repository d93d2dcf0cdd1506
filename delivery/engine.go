package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/observability"
	"github.com/xraph/crmrelay/queue"
)

// Processor relays one decoded event.
type Processor interface {
	Process(ctx context.Context, evt *event.Event) Result
}

// DLQPusher moves messages the relay gives up on to the dead letter queue.
// evt is nil when the message body could not be decoded.
type DLQPusher interface {
	PushFailed(ctx context.Context, msg *queue.Message, evt *event.Event, res Result) error
}

// dlqCounter is implemented by DLQ pushers that can report their size.
type dlqCounter interface {
	Count(ctx context.Context) (int64, error)
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetrySchedule     []time.Duration
	Metrics           *observability.Metrics
	Tracer            *observability.Tracer
}

// Engine is the consumer worker pool that claims and processes messages.
type Engine struct {
	store   queue.Store
	proc    Processor
	retrier *Retrier
	dlq     DLQPusher
	config  EngineConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a consumer engine.
func NewEngine(store queue.Store, proc Processor, dlq DLQPusher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Engine{
		store:   store,
		proc:    proc,
		retrier: NewRetrier(cfg.RetrySchedule, cfg.MaxAttempts),
		dlq:     dlq,
		config:  cfg,
		logger:  logger,
	}
}

// Start begins the poll loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
}

// Stop cancels the poll loop and waits for in-flight messages until ctx is done.
// A message abandoned here is redelivered after its visibility timeout.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollLoop periodically claims visible messages and dispatches them to workers.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, e.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Claim only what the free workers can start; leases run from claim time.
			free := cap(sem) - len(sem)
			if free <= 0 {
				continue
			}
			limit := min(e.config.BatchSize, free)

			batch, err := e.store.Claim(ctx, limit, e.config.VisibilityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.ErrorContext(ctx, "claim failed", "error", err)
				}
				continue
			}

			for _, m := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				e.wg.Add(1)
				go func(msg *queue.Message) {
					defer e.wg.Done()
					defer func() { <-sem }()
					// In-flight work outlives the poll loop; Stop waits for it.
					e.Handle(context.WithoutCancel(ctx), msg)
				}(m)
			}

			e.updateGauges(ctx)
		}
	}
}

// Poll claims one batch and processes it synchronously. It returns the
// number of messages handled.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	batch, err := e.store.Claim(ctx, e.config.BatchSize, e.config.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	for _, m := range batch {
		e.Handle(ctx, m)
	}
	return len(batch), nil
}

// Handle processes a single claimed message: decode, relay, decide, apply.
func (e *Engine) Handle(ctx context.Context, msg *queue.Message) Decision {
	start := time.Now()
	ctx, span := e.config.Tracer.StartProcessSpan(ctx, msg.ID.String(), msg.DequeueCount)

	var (
		evt *event.Event
		res Result
	)
	decoded, err := event.Decode([]byte(msg.Body))
	if err != nil {
		res = Failure(err)
	} else {
		evt = decoded
		res = e.proc.Process(ctx, evt)
	}

	decision := e.retrier.Decide(res, msg)
	logAttrs := []any{"message_id", msg.ID, "attempt", msg.DequeueCount}
	if evt != nil {
		logAttrs = append(logAttrs, "tenant_id", evt.TenantID, "procedure", evt.ProcedureName)
	}

	switch decision {
	case Ack:
		// A failed ack means redelivery after the lease; delivery may repeat.
		e.ack(ctx, msg, logAttrs)
		e.logger.DebugContext(ctx, "delivered",
			append(logAttrs, "status", res.StatusCode, "latency_ms", res.LatencyMs)...)

	case Release:
		delay := e.retrier.Backoff(msg.DequeueCount)
		e.release(ctx, msg, delay, logAttrs)
		e.logger.WarnContext(ctx, "relay failed, retry scheduled",
			append(logAttrs, "kind", res.Kind(), "error", res.Message, "retry_in", delay)...)

	case DeadLetter:
		if e.dlq == nil {
			e.logger.ErrorContext(ctx, "no dead letter queue configured, dropping message",
				append(logAttrs, "kind", res.Kind(), "error", res.Message)...)
			e.ack(ctx, msg, logAttrs)
			break
		}
		if dlqErr := e.dlq.PushFailed(ctx, msg, evt, res); dlqErr != nil {
			// Keep the message rather than lose it.
			e.logger.ErrorContext(ctx, "push to DLQ failed", append(logAttrs, "error", dlqErr)...)
			e.release(ctx, msg, e.retrier.Backoff(msg.DequeueCount), logAttrs)
			break
		}
		e.ack(ctx, msg, logAttrs)
		e.logger.WarnContext(ctx, "message dead-lettered",
			append(logAttrs, "kind", res.Kind(), "error", res.Message)...)
	}

	e.config.Metrics.RecordProcess(decision.String(), res.Kind(), time.Since(start).Seconds())
	e.config.Tracer.EndProcessSpan(span, decision.String(), res.StatusCode, res.Kind(), res.Err)
	return decision
}

func (e *Engine) ack(ctx context.Context, msg *queue.Message, logAttrs []any) {
	if err := e.store.Ack(ctx, msg.ID); err != nil {
		e.logger.ErrorContext(ctx, "ack failed", append(logAttrs, "error", err)...)
	}
}

func (e *Engine) release(ctx context.Context, msg *queue.Message, delay time.Duration, logAttrs []any) {
	if err := e.store.Release(ctx, msg.ID, delay); err != nil {
		// The lease still expires on its own.
		e.logger.ErrorContext(ctx, "release failed", append(logAttrs, "error", err)...)
	}
}

func (e *Engine) updateGauges(ctx context.Context) {
	if e.config.Metrics == nil {
		return
	}
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		return
	}
	var dlqSize int64
	if c, ok := e.dlq.(dlqCounter); ok {
		if n, cErr := c.Count(ctx); cErr == nil {
			dlqSize = n
		}
	}
	e.config.Metrics.SetQueueDepth(pending, dlqSize)
}
