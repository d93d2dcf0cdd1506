package delivery

import (
	"context"
	"fmt"

	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/oauth"
	"github.com/xraph/crmrelay/observability"
	"github.com/xraph/crmrelay/target"
)

// Verifier checks a sender token against a claimed tenant.
type Verifier interface {
	Check(ctx context.Context, token, tenantID string) error
}

// Exchanger obtains an access grant for a tenant.
type Exchanger interface {
	Exchange(ctx context.Context, tenantID string) (*oauth.AccessGrant, error)
}

// Invoker calls a remote procedure with a grant.
type Invoker interface {
	Invoke(ctx context.Context, grant *oauth.AccessGrant, procedure, payload string) (*target.Response, error)
}

// Limiter paces outbound calls per tenant.
type Limiter interface {
	Wait(ctx context.Context, tenantID string) error
}

// Pipeline relays one decoded event: verify, exchange, invoke.
type Pipeline struct {
	verifier  Verifier
	exchanger Exchanger
	invoker   Invoker
	limiter   Limiter
	tracer    *observability.Tracer
}

// NewPipeline creates a pipeline. limiter and tracer may be nil.
func NewPipeline(v Verifier, x Exchanger, i Invoker, limiter Limiter, tracer *observability.Tracer) *Pipeline {
	return &Pipeline{verifier: v, exchanger: x, invoker: i, limiter: limiter, tracer: tracer}
}

// Process runs every stage in order and stops at the first failure. It never panics
// on stage errors; they come back in the Result.
func (p *Pipeline) Process(ctx context.Context, evt *event.Event) Result {
	if evt == nil {
		return Failure(fmt.Errorf("%w: nil event", failure.ErrInvalidPayload))
	}

	// The queue is not a trust boundary: verify again.
	sctx, span := p.tracer.StartStageSpan(ctx, "verify", evt.TenantID)
	err := p.verifier.Check(sctx, evt.Token, evt.TenantID)
	p.tracer.EndSpan(span, failure.Kind(err), err)
	if err != nil {
		return Failure(err)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, evt.TenantID); err != nil {
			return Failure(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	payload, err := evt.PayloadText()
	if err != nil {
		return Failure(err)
	}

	sctx, span = p.tracer.StartStageSpan(ctx, "exchange", evt.TenantID)
	grant, err := p.exchanger.Exchange(sctx, evt.TenantID)
	p.tracer.EndSpan(span, failure.Kind(err), err)
	if err != nil {
		return Failure(err)
	}

	sctx, span = p.tracer.StartStageSpan(ctx, "invoke", evt.TenantID)
	resp, err := p.invoker.Invoke(sctx, grant, evt.ProcedureName, payload)
	p.tracer.EndSpan(span, failure.Kind(err), err)
	if err != nil {
		return Failure(err)
	}
	return Success(resp)
}
