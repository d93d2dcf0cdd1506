package delivery_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/crmrelay/delivery"
	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/internal/testkeys"
	"github.com/xraph/crmrelay/queue"
	"github.com/xraph/crmrelay/store/memory"
)

// failingDLQ rejects every push.
type failingDLQ struct {
	calls atomic.Int32
}

func (s *failingDLQ) PushFailed(_ context.Context, _ *queue.Message, _ *event.Event, _ delivery.Result) error {
	s.calls.Add(1)
	return errors.New("dlq unavailable")
}

func engineConfig() delivery.EngineConfig {
	return delivery.EngineConfig{
		Concurrency:       2,
		PollInterval:      20 * time.Millisecond,
		BatchSize:         10,
		VisibilityTimeout: time.Minute,
		MaxAttempts:       3,
		RetrySchedule:     []time.Duration{0},
	}
}

func setupEngine(t *testing.T, f *fixture, pusher delivery.DLQPusher) (*memory.Store, *delivery.Engine) {
	t.Helper()
	store := memory.New()
	if pusher == nil {
		pusher = dlq.NewService(store, store, nil)
	}
	return store, delivery.NewEngine(store, f.pipeline, pusher, engineConfig(), nil)
}

func enqueue(t *testing.T, store *memory.Store, evt *event.Event) *queue.Message {
	t.Helper()
	body, err := event.Encode(evt)
	if err != nil {
		t.Fatal(err)
	}
	return enqueueRaw(t, store, body)
}

func enqueueRaw(t *testing.T, store *memory.Store, body []byte) *queue.Message {
	t.Helper()
	msg := queue.NewMessage(body)
	if err := store.Enqueue(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func pollOnce(t *testing.T, e *delivery.Engine) int {
	t.Helper()
	n, err := e.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestEngineDeliversAndAcks(t *testing.T) {
	f := newFixture(t)
	store, engine := setupEngine(t, f, nil)
	msg := enqueue(t, store, validEvent(t))

	if n := pollOnce(t, engine); n != 1 {
		t.Fatalf("expected 1 message handled, got %d", n)
	}
	if _, err := store.GetMessage(context.Background(), msg.ID); err == nil {
		t.Fatal("delivered message should be deleted")
	}
	if f.crm.InvokeCalls.Load() != 1 {
		t.Fatalf("invoke calls: got %d", f.crm.InvokeCalls.Load())
	}
}

func TestEngineTransientFailureReleases(t *testing.T) {
	f := newFixture(t)
	f.crm.InvokeStatus.Store(http.StatusServiceUnavailable)

	store := memory.New()
	cfg := engineConfig()
	cfg.RetrySchedule = []time.Duration{time.Hour}
	engine := delivery.NewEngine(store, f.pipeline, dlq.NewService(store, store, nil), cfg, nil)
	msg := enqueue(t, store, validEvent(t))

	pollOnce(t, engine)

	got, err := store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("message should remain queued: %v", err)
	}
	if got.DequeueCount != 1 {
		t.Fatalf("dequeue count: got %d", got.DequeueCount)
	}
	if time.Until(got.VisibleAt) < 50*time.Minute {
		t.Fatalf("expected backoff of about an hour, visible in %v", time.Until(got.VisibleAt))
	}
	if n, _ := store.CountDLQ(context.Background()); n != 0 {
		t.Fatalf("dlq should be empty, got %d", n)
	}
	if n := pollOnce(t, engine); n != 0 {
		t.Fatal("message should be invisible during backoff")
	}
}

func TestEngineRecoversAfterOutage(t *testing.T) {
	f := newFixture(t)
	f.crm.InvokeStatus.Store(http.StatusServiceUnavailable)
	store, engine := setupEngine(t, f, nil)
	msg := enqueue(t, store, validEvent(t))

	pollOnce(t, engine)
	if _, err := store.GetMessage(context.Background(), msg.ID); err != nil {
		t.Fatal("message must not be lost during the outage")
	}

	f.crm.InvokeStatus.Store(0)
	pollOnce(t, engine)

	if _, err := store.GetMessage(context.Background(), msg.ID); err == nil {
		t.Fatal("message should be acked after recovery")
	}
	if f.crm.InvokeCalls.Load() != 2 {
		t.Fatalf("invoke calls: got %d", f.crm.InvokeCalls.Load())
	}
}

func TestEnginePoisonMessageDeadLettered(t *testing.T) {
	f := newFixture(t)
	f.crm.InvokeStatus.Store(http.StatusInternalServerError)
	store, engine := setupEngine(t, f, nil)
	msg := enqueue(t, store, validEvent(t))

	for range 3 {
		pollOnce(t, engine)
	}

	if _, err := store.GetMessage(context.Background(), msg.ID); err == nil {
		t.Fatal("message should leave the queue after MaxAttempts")
	}
	entries, err := store.ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	e := entries[0]
	if e.MessageID != msg.ID || e.AttemptCount != 3 || e.Kind != "delivery_failure" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.TenantID != "tenantA" || e.ProcedureName != "CustomerSync" {
		t.Fatalf("entry should carry event fields: %+v", e)
	}
	if e.LastStatusCode != http.StatusInternalServerError {
		t.Fatalf("status: got %d", e.LastStatusCode)
	}
}

func TestEngineInvalidTokenDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	store, engine := setupEngine(t, f, nil)

	evt := validEvent(t)
	evt.Token = testkeys.SenderToken(t, testkeys.Other(t), "tenantA", time.Hour)
	enqueue(t, store, evt)

	pollOnce(t, engine)

	entries, _ := store.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(entries) != 1 || entries[0].Kind != "invalid_token" || entries[0].AttemptCount != 1 {
		t.Fatalf("expected one invalid_token entry after one attempt, got %+v", entries)
	}
	if f.crm.TokenCalls.Load() != 0 || f.crm.InvokeCalls.Load() != 0 {
		t.Fatal("forged event must not reach the target")
	}
}

func TestEngineUndecodableMessage(t *testing.T) {
	f := newFixture(t)
	store, engine := setupEngine(t, f, nil)
	enqueueRaw(t, store, []byte("not base64!"))

	pollOnce(t, engine)

	entries, _ := store.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(entries) != 1 || entries[0].Kind != "invalid_payload" {
		t.Fatalf("expected invalid_payload entry, got %+v", entries)
	}
	if n, _ := store.CountPending(context.Background()); n != 0 {
		t.Fatalf("queue should be empty, got %d", n)
	}
}

func TestEngineTamperedProcedureDeadLettered(t *testing.T) {
	f := newFixture(t)
	store, engine := setupEngine(t, f, nil)

	evt := validEvent(t)
	raw := `{"token":"` + evt.Token + `","tenantId":"tenantA","procedureName":"../x"}`
	enqueueRaw(t, store, []byte(base64.StdEncoding.EncodeToString([]byte(raw))))

	pollOnce(t, engine)

	entries, _ := store.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(entries) != 1 || entries[0].Kind != "invalid_payload" {
		t.Fatalf("expected invalid_payload entry, got %+v", entries)
	}
	if f.crm.TokenCalls.Load() != 0 || f.crm.InvokeCalls.Load() != 0 {
		t.Fatal("tampered message must not reach the target")
	}
}

func TestEngineDLQFailureKeepsMessage(t *testing.T) {
	f := newFixture(t)
	pusher := &failingDLQ{}
	store, engine := setupEngine(t, f, pusher)
	msg := enqueueRaw(t, store, []byte("%%%"))

	pollOnce(t, engine)

	if pusher.calls.Load() != 1 {
		t.Fatalf("dlq push calls: got %d", pusher.calls.Load())
	}
	if _, err := store.GetMessage(context.Background(), msg.ID); err != nil {
		t.Fatal("message must stay queued when the DLQ push fails")
	}
}

func TestEngineRedeliversAfterCrash(t *testing.T) {
	f := newFixture(t)
	store, engine := setupEngine(t, f, nil)
	msg := enqueue(t, store, validEvent(t))

	// A consumer claims the message and dies before acking.
	claimed, err := store.Claim(context.Background(), 1, 50*time.Millisecond)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v, %d", err, len(claimed))
	}
	if n := pollOnce(t, engine); n != 0 {
		t.Fatal("claimed message should be invisible")
	}

	time.Sleep(100 * time.Millisecond)

	if n := pollOnce(t, engine); n != 1 {
		t.Fatalf("expected redelivery after visibility timeout, got %d", n)
	}
	if _, err := store.GetMessage(context.Background(), msg.ID); err == nil {
		t.Fatal("redelivered message should be acked")
	}
}

func TestEngineStartStop(t *testing.T) {
	f := newFixture(t)
	store, engine := setupEngine(t, f, nil)
	for range 5 {
		enqueue(t, store, validEvent(t))
	}

	engine.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.CountPending(context.Background()); n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if n, _ := store.CountPending(context.Background()); n != 0 {
		t.Fatalf("expected all messages delivered, %d pending", n)
	}
	if got := f.crm.InvokeCalls.Load(); got != 5 {
		t.Fatalf("invoke calls: got %d", got)
	}
}
