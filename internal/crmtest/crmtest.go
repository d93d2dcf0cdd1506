// Package crmtest provides a fake CRM and seeded blob stores for tests.
package crmtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/crmrelay/blobstore/memory"
	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/internal/testkeys"
	"github.com/xraph/crmrelay/oauth"
	"github.com/xraph/crmrelay/target"
)

// MasterName is the blob name the seeded master public key is stored under.
const MasterName = "master.pem"

// AccessToken is the bearer token the fake CRM issues and accepts.
const AccessToken = "at-123"

// CRM serves both the token endpoint and the remote procedures.
type CRM struct {
	Server *httptest.Server

	TokenCalls   atomic.Int32
	InvokeCalls  atomic.Int32
	TokenStatus  atomic.Int32 // 0 means 200
	InvokeStatus atomic.Int32 // 0 means 200

	mu        sync.Mutex
	customers []string
	paths     []string
	bodies    []string
}

// NewCRM starts a fake CRM closed on test cleanup.
func NewCRM(t testing.TB) *CRM {
	t.Helper()
	c := &CRM{}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Server.Close)
	return c
}

// URL is the login and instance URL of the fake CRM.
func (c *CRM) URL() string { return c.Server.URL }

// Client returns an HTTP client for the fake CRM.
func (c *CRM) Client() *http.Client { return c.Server.Client() }

func (c *CRM) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == oauth.TokenPath:
		c.TokenCalls.Add(1)
		if code := int(c.TokenStatus.Load()); code != 0 && code != http.StatusOK {
			http.Error(w, `{"error":"invalid_grant"}`, code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"instance_url": c.Server.URL,
			"access_token": AccessToken,
		})

	case strings.HasPrefix(r.URL.Path, target.ProcedurePath):
		c.InvokeCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+AccessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Customer string `json:"customer"`
		}
		_ = json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.customers = append(c.customers, body.Customer)
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, string(raw))
		c.mu.Unlock()

		if code := int(c.InvokeStatus.Load()); code != 0 && code != http.StatusOK {
			http.Error(w, "procedure failed", code)
			return
		}
		_, _ = w.Write([]byte(`"ok"`))

	default:
		http.NotFound(w, r)
	}
}

// LastPath returns the path of the most recent procedure call.
func (c *CRM) LastPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.paths) == 0 {
		return ""
	}
	return c.paths[len(c.paths)-1]
}

// LastCustomer returns the customer field of the most recent procedure call.
func (c *CRM) LastCustomer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.customers) == 0 {
		return ""
	}
	return c.customers[len(c.customers)-1]
}

// LastBody returns the raw request body of the most recent procedure call.
func (c *CRM) LastBody() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		return ""
	}
	return c.bodies[len(c.bodies)-1]
}

// Delivered returns every customer field received, in order.
func (c *CRM) Delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.customers...)
}

// Blobs returns a blob store holding the master key and one tenant whose
// login URL points at crm.
func Blobs(t testing.TB, crm *CRM, tenantID string) *memory.Store {
	t.Helper()
	blobs := memory.New()
	blobs.Put(MasterName, testkeys.PublicPEM(t, testkeys.Master(t)))
	AddTenant(t, blobs, crm, tenantID)
	return blobs
}

// AddTenant stores the private key and config for tenantID.
func AddTenant(t testing.TB, blobs *memory.Store, crm *CRM, tenantID string) {
	t.Helper()
	blobs.Put(tenantID+".key", testkeys.PrivatePEM(testkeys.Tenant(t)))
	cfg, err := json.Marshal(oauth.TenantConfig{ClientID: "client-1", LoginURL: crm.URL(), UserID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	blobs.Put(tenantID+".json", cfg)
}

// Event returns a correctly signed event for tenantID.
func Event(t testing.TB, tenantID string) *event.Event {
	t.Helper()
	return &event.Event{
		Token:         testkeys.SenderToken(t, testkeys.Master(t), tenantID, time.Hour),
		TenantID:      tenantID,
		ProcedureName: "CustomerSync",
		Payload:       json.RawMessage(`{"email": "a@b.c"}`),
	}
}

// Body returns evt as an ingest request body.
func Body(t testing.TB, evt *event.Event) []byte {
	t.Helper()
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
