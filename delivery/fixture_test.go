package delivery_test

import (
	"testing"

	"github.com/xraph/crmrelay/blobstore"
	"github.com/xraph/crmrelay/blobstore/memory"
	"github.com/xraph/crmrelay/delivery"
	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/internal/crmtest"
	"github.com/xraph/crmrelay/oauth"
	"github.com/xraph/crmrelay/target"
	"github.com/xraph/crmrelay/trust"
)

const masterName = crmtest.MasterName

// fixture wires the real verifier, exchanger, and invoker against a fake CRM.
type fixture struct {
	crm      *crmtest.CRM
	blobs    *memory.Store
	pipeline *delivery.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	crm := crmtest.NewCRM(t)
	blobs := crmtest.Blobs(t, crm, "tenantA")

	resolver := blobstore.NewResolver(blobs)
	pipeline := delivery.NewPipeline(
		trust.NewVerifier(resolver, trust.Config{MasterPublicKeyName: masterName}),
		oauth.NewExchanger(resolver, crm.Client(), oauth.Config{}),
		target.NewInvoker(crm.Client(), 0),
		nil, nil,
	)
	return &fixture{crm: crm, blobs: blobs, pipeline: pipeline}
}

func validEvent(t *testing.T) *event.Event {
	t.Helper()
	return crmtest.Event(t, "tenantA")
}
