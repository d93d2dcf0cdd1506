// Package oauth exchanges per-tenant credentials for a short-lived access
// grant using the OAuth2 JWT-bearer flow.
package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/crmrelay/blobstore"
	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/schema"
)

// GrantType is the jwt-bearer grant type sent to the token endpoint.
const GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// TokenPath is appended to the tenant login URL.
const TokenPath = "/services/oauth2/token"

// DefaultAssertionTTL is the lifetime of a signed assertion.
const DefaultAssertionTTL = 2 * time.Minute

const maxTokenBody = 64 << 10

// TenantConfig is the per-tenant OAuth configuration blob.
type TenantConfig struct {
	ClientID string `json:"client_id"`
	LoginURL string `json:"login_url"`
	UserID   string `json:"user_id"`
}

var tenantConfigSchema = schema.MustCompile("tenant-config", `{
	"type": "object",
	"required": ["client_id", "login_url", "user_id"],
	"properties": {
		"client_id": {"type": "string", "minLength": 1},
		"login_url": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1}
	}
}`)

// AccessGrant authorizes one call against the target. Use once, then discard.
type AccessGrant struct {
	InstanceURL string
	AccessToken string
}

// Fetcher reads named blobs.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Config configures an Exchanger.
type Config struct {
	// AssertionTTL is added to now to form the assertion exp. Defaults to 120s.
	AssertionTTL time.Duration

	// RequestTimeout bounds the token request when no client is supplied.
	RequestTimeout time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Exchanger performs the JWT-bearer exchange. It keeps no per-tenant state.
type Exchanger struct {
	blobs  Fetcher
	client *http.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewExchanger creates an exchanger. A nil client gets one with cfg.RequestTimeout.
func NewExchanger(blobs Fetcher, client *http.Client, cfg Config) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.AssertionTTL <= 0 {
		cfg.AssertionTTL = DefaultAssertionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Exchanger{blobs: blobs, client: client, ttl: cfg.AssertionTTL, now: cfg.Now}
}

// LoadTenant fetches and parses a tenant's signing key and OAuth config.
func (e *Exchanger) LoadTenant(ctx context.Context, tenantID string) (*TenantConfig, *rsa.PrivateKey, error) {
	keyPEM, err := e.blobs.Fetch(ctx, blobstore.PrivateKeyName(tenantID))
	if err != nil {
		return nil, nil, err
	}
	raw, err := e.blobs.Fetch(ctx, blobstore.TenantConfigName(tenantID))
	if err != nil {
		return nil, nil, err
	}

	if err := tenantConfigSchema.ValidateJSON([]byte(raw)); err != nil {
		return nil, nil, fmt.Errorf("%w: tenant config %s: %s", failure.ErrConfigFetchFailure, tenantID, err.Error())
	}
	var cfg TenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: tenant config %s: %w", failure.ErrConfigFetchFailure, tenantID, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: tenant key %s: %w", failure.ErrConfigFetchFailure, tenantID, err)
	}
	return &cfg, key, nil
}

// Assertion signs the jwt-bearer assertion for cfg with key.
func (e *Exchanger) Assertion(cfg *TenantConfig, key *rsa.PrivateKey) (string, error) {
	claims := jwt.MapClaims{
		"iss": cfg.ClientID,
		"aud": cfg.LoginURL,
		"sub": cfg.UserID,
		"exp": e.now().Add(e.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %w", failure.ErrConfigFetchFailure, err)
	}
	return signed, nil
}

type tokenResponse struct {
	InstanceURL string `json:"instance_url"`
	AccessToken string `json:"access_token"`
}

// Exchange obtains an access grant for tenantID. It is not retried here; the
// queue redelivers the event on failure.
func (e *Exchanger) Exchange(ctx context.Context, tenantID string) (*AccessGrant, error) {
	cfg, key, err := e.LoadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	assertion, err := e.Assertion(cfg, key)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {GrantType},
		"assertion":  {assertion},
	}
	endpoint := strings.TrimRight(cfg.LoginURL, "/") + TokenPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, exchangeError(err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req) //nolint:gosec // G704: login URL comes from tenant config.
	if err != nil {
		return nil, exchangeError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return nil, exchangeError("read response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, exchangeError(fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, exchangeError("decode response: " + err.Error())
	}
	if tr.InstanceURL == "" || tr.AccessToken == "" {
		return nil, exchangeError("response missing instance_url or access_token")
	}
	return &AccessGrant{InstanceURL: tr.InstanceURL, AccessToken: tr.AccessToken}, nil
}

// ExchangeError carries the user-facing message of a failed exchange.
type ExchangeError struct {
	Message string
}

func (e *ExchangeError) Error() string { return e.Message }

// Unwrap ties the error to ErrTokenExchangeFailure.
func (e *ExchangeError) Unwrap() error { return failure.ErrTokenExchangeFailure }

func exchangeError(detail string) error {
	return &ExchangeError{Message: "Can not get access token from target: " + detail}
}
