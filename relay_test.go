package crmrelay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/crmrelay"
	blobmemory "github.com/xraph/crmrelay/blobstore/memory"
	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/internal/crmtest"
	"github.com/xraph/crmrelay/internal/testkeys"
	"github.com/xraph/crmrelay/observability"
	"github.com/xraph/crmrelay/store/memory"
)

func ctx() context.Context { return context.Background() }

type harness struct {
	relay *crmrelay.Relay
	store *memory.Store
	blobs *blobmemory.Store
	crm   *crmtest.CRM
}

func setup(t *testing.T, opts ...crmrelay.Option) *harness {
	t.Helper()
	crm := crmtest.NewCRM(t)
	blobs := crmtest.Blobs(t, crm, "tenantA")
	s := memory.New()

	base := []crmrelay.Option{
		crmrelay.WithStore(s),
		crmrelay.WithBlobStore(blobs),
		crmrelay.WithHTTPClient(crm.Client()),
		crmrelay.WithMasterPublicKeyName(crmtest.MasterName),
		crmrelay.WithMaxAttempts(3),
		crmrelay.WithRetrySchedule([]time.Duration{0}),
	}
	r, err := crmrelay.New(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{relay: r, store: s, blobs: blobs, crm: crm}
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.CountPending(ctx())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func (h *harness) poll(t *testing.T) int {
	t.Helper()
	n, err := h.relay.Engine().Poll(ctx())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewRequiresStores(t *testing.T) {
	if _, err := crmrelay.New(crmrelay.WithBlobStore(blobmemory.New())); !errors.Is(err, crmrelay.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
	if _, err := crmrelay.New(crmrelay.WithStore(memory.New())); !errors.Is(err, crmrelay.ErrNoBlobStore) {
		t.Fatalf("expected ErrNoBlobStore, got %v", err)
	}
	_, err := crmrelay.New(
		crmrelay.WithStore(memory.New()),
		crmrelay.WithBlobStore(blobmemory.New()),
		crmrelay.WithMasterPublicKeyName(""),
	)
	if !errors.Is(err, crmrelay.ErrNoMasterKey) {
		t.Fatalf("expected ErrNoMasterKey, got %v", err)
	}
}

func TestOptionError(t *testing.T) {
	boom := errors.New("boom")
	_, err := crmrelay.New(func(*crmrelay.Relay) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected option error, got %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	h := setup(t)

	msg, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA")))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID.IsNil() {
		t.Fatal("expected message ID")
	}

	// Queue body is base64 JSON of the event.
	decoded, err := event.Decode([]byte(msg.Body))
	if err != nil {
		t.Fatalf("decode queue body: %v", err)
	}
	if decoded.TenantID != "tenantA" || decoded.ProcedureName != "CustomerSync" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
	if h.pending(t) != 1 {
		t.Fatalf("expected 1 pending, got %d", h.pending(t))
	}

	if n := h.poll(t); n != 1 {
		t.Fatalf("expected 1 handled, got %d", n)
	}
	if got := h.crm.LastCustomer(); got != `{"email":"a@b.c"}` {
		t.Fatalf("customer: got %q", got)
	}
	if got := h.crm.LastPath(); got != "/services/apexrest/CustomerSync/" {
		t.Fatalf("path: got %q", got)
	}
	if h.pending(t) != 0 {
		t.Fatalf("expected empty queue, got %d", h.pending(t))
	}
}

func TestUpsertCustomerRequestBody(t *testing.T) {
	h := setup(t)

	evt := crmtest.Event(t, "tenantA")
	evt.ProcedureName = "UpsertCustomer"
	evt.Payload = json.RawMessage(`{"name":"Acme"}`)
	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, evt)); err != nil {
		t.Fatal(err)
	}

	h.poll(t)

	if h.crm.TokenCalls.Load() != 1 || h.crm.InvokeCalls.Load() != 1 {
		t.Fatalf("calls: token=%d invoke=%d", h.crm.TokenCalls.Load(), h.crm.InvokeCalls.Load())
	}
	if got := h.crm.LastPath(); got != "/services/apexrest/UpsertCustomer/" {
		t.Fatalf("path: got %q", got)
	}
	if got := h.crm.LastBody(); got != `{"customer":"{\"name\":\"Acme\"}"}` {
		t.Fatalf("body: got %s", got)
	}
	if h.pending(t) != 0 {
		t.Fatal("expected empty queue")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	h := setup(t)

	evt := crmtest.Event(t, "tenantA")
	evt.Token = testkeys.SenderToken(t, testkeys.Master(t), "tenantA", -time.Minute)

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, evt)); !errors.Is(err, crmrelay.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if h.pending(t) != 0 {
		t.Fatal("expired event must not be queued")
	}
	if h.crm.TokenCalls.Load() != 0 || h.crm.InvokeCalls.Load() != 0 {
		t.Fatal("CRM must not be contacted")
	}
}

func TestTenantConfigRemovedAfterIngest(t *testing.T) {
	h := setup(t)

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA"))); err != nil {
		t.Fatal(err)
	}
	h.blobs.Delete("tenantA.json")

	res := h.relay.Process(ctx(), crmtest.Event(t, "tenantA"))
	if !errors.Is(res.Err, crmrelay.ErrConfigFetchFailure) || res.Kind() != "config_fetch_failure" {
		t.Fatalf("expected config_fetch_failure, got %q (%v)", res.Kind(), res.Err)
	}

	h.poll(t)
	if h.pending(t) != 1 {
		t.Fatal("message should stay queued for a retry")
	}
	if h.crm.TokenCalls.Load() != 0 || h.crm.InvokeCalls.Load() != 0 {
		t.Fatal("CRM must not be contacted without tenant config")
	}
}

func TestOutageThenRecovery(t *testing.T) {
	h := setup(t)
	h.crm.InvokeStatus.Store(http.StatusServiceUnavailable)

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA"))); err != nil {
		t.Fatal(err)
	}

	h.poll(t)
	if h.pending(t) != 1 {
		t.Fatal("message should remain queued during the outage")
	}

	h.crm.InvokeStatus.Store(0)
	h.poll(t)

	if h.pending(t) != 0 {
		t.Fatal("message should be acked after recovery")
	}
	if got := len(h.crm.Delivered()); got != 2 {
		t.Fatalf("expected 2 invocations, got %d", got)
	}
	if n, _ := h.relay.DLQ().Count(ctx()); n != 0 {
		t.Fatalf("expected empty DLQ, got %d", n)
	}
}

func TestForgedTokenRejected(t *testing.T) {
	h := setup(t)

	evt := crmtest.Event(t, "tenantA")
	evt.Token = testkeys.SenderToken(t, testkeys.Other(t), "tenantA", time.Hour)

	_, err := h.relay.Ingest(ctx(), crmtest.Body(t, evt))
	if !errors.Is(err, crmrelay.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if h.pending(t) != 0 {
		t.Fatal("rejected event must not be queued")
	}
	if h.crm.TokenCalls.Load() != 0 || h.crm.InvokeCalls.Load() != 0 {
		t.Fatal("CRM must not be contacted")
	}
}

func TestTenantMismatchRejected(t *testing.T) {
	h := setup(t)

	evt := crmtest.Event(t, "tenantA")
	evt.TenantID = "tenantB"

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, evt)); !errors.Is(err, crmrelay.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIngestInvalidPayload(t *testing.T) {
	h := setup(t)

	for label, body := range map[string]string{
		"empty":     ``,
		"malformed": `{"token":`,
		"missing":   `{"token":"x"}`,
	} {
		if _, err := h.relay.Ingest(ctx(), []byte(body)); !errors.Is(err, crmrelay.ErrInvalidPayload) {
			t.Errorf("%s: expected ErrInvalidPayload, got %v", label, err)
		}
	}
	if h.pending(t) != 0 {
		t.Fatal("nothing should be queued")
	}
}

func TestIngestMissingMasterKey(t *testing.T) {
	h := setup(t)
	h.blobs.Delete(crmtest.MasterName)

	_, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA")))
	if !errors.Is(err, crmrelay.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if !errors.Is(err, crmrelay.ErrConfigFetchFailure) {
		t.Fatalf("expected cause ErrConfigFetchFailure, got %v", err)
	}
}

func TestIngestQueueFailure(t *testing.T) {
	h := setup(t)
	if err := h.store.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA")))
	if !errors.Is(err, crmrelay.ErrQueueFailure) {
		t.Fatalf("expected ErrQueueFailure, got %v", err)
	}
	if !errors.Is(err, crmrelay.ErrStoreClosed) {
		t.Fatalf("expected cause ErrStoreClosed, got %v", err)
	}
}

func TestPoisonMessageDeadLetteredAndReplayed(t *testing.T) {
	h := setup(t)
	h.crm.InvokeStatus.Store(http.StatusInternalServerError)

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA"))); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		h.poll(t)
	}
	if h.pending(t) != 0 {
		t.Fatal("poison message should leave the queue")
	}

	entries, err := h.relay.DLQ().List(ctx(), dlq.ListOpts{TenantID: "tenantA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
	}
	if entries[0].AttemptCount != 3 || entries[0].LastStatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	h.crm.InvokeStatus.Store(0)
	if _, err := h.relay.DLQ().Replay(ctx(), entries[0].ID); err != nil {
		t.Fatal(err)
	}
	h.poll(t)
	if h.pending(t) != 0 {
		t.Fatal("replayed message should be delivered")
	}
	if got := len(h.crm.Delivered()); got != 4 {
		t.Fatalf("expected 4 invocations, got %d", got)
	}
}

func TestSecretRotationNoRestart(t *testing.T) {
	h := setup(t)

	// Rotate the master key: old tokens fail, new ones pass.
	h.blobs.Put(crmtest.MasterName, testkeys.PublicPEM(t, testkeys.Other(t)))

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA"))); !errors.Is(err, crmrelay.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after rotation, got %v", err)
	}

	evt := crmtest.Event(t, "tenantA")
	evt.Token = testkeys.SenderToken(t, testkeys.Other(t), "tenantA", time.Hour)
	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, evt)); err != nil {
		t.Fatalf("expected rotated key to be accepted, got %v", err)
	}
}

func TestProcessDirect(t *testing.T) {
	h := setup(t)

	res := h.relay.Process(ctx(), crmtest.Event(t, "tenantA"))
	if !res.Succeeded {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.RemoteResponse != "ok" {
		t.Fatalf("remote response: got %q", res.RemoteResponse)
	}
}

func TestIngestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	h := setup(t, crmrelay.WithMetrics(m))

	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA"))); err != nil {
		t.Fatal(err)
	}
	_, _ = h.relay.Ingest(ctx(), []byte(`{}`))

	got := ingestCounts(t, reg)
	if got["queued"] != 1 || got["rejected"] != 1 {
		t.Fatalf("ingest outcomes: got %v", got)
	}
}

func ingestCounts(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "crmrelay_ingest_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			out[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func TestStartStop(t *testing.T) {
	h := setup(t, crmrelay.WithPollInterval(10*time.Millisecond), crmrelay.WithShutdownTimeout(time.Second))

	h.relay.Start(ctx())
	if _, err := h.relay.Ingest(ctx(), crmtest.Body(t, crmtest.Event(t, "tenantA"))); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.pending(t) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.relay.Stop(ctx()); err != nil {
		t.Fatal(err)
	}
	if h.pending(t) != 0 {
		t.Fatal("expected engine to drain the queue")
	}
}

func TestPing(t *testing.T) {
	h := setup(t)
	if err := h.relay.Ping(ctx()); err != nil {
		t.Fatal(err)
	}
}
