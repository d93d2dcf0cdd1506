// Package trust verifies sender tokens against the master public key.
//
// Verification is pinned to RS256. The token header's alg is never used to
// select a verification method, so a token re-signed with HS256 (using the
// public key as an HMAC secret) or with alg "none" is rejected.
//
// The same Verifier runs at ingestion and again when the relay consumer
// dequeues the event; the two stages do not trust each other.
package trust

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/crmrelay/internal/failure"
)

// Algorithm is the only accepted signing algorithm.
const Algorithm = "RS256"

// KeySource fetches key material by blob name.
type KeySource interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Config configures a Verifier.
type Config struct {
	// MasterPublicKeyName is the blob name of the master public key.
	MasterPublicKeyName string

	// RequireExpiry rejects tokens without an exp claim. An exp that is
	// present is always enforced.
	RequireExpiry bool

	// Leeway is the allowed clock skew for exp/nbf/iat.
	Leeway time.Duration
}

// Verifier validates sender tokens. It holds no mutable state.
type Verifier struct {
	keys KeySource
	cfg  Config
}

// NewVerifier creates a verifier that reads the master key from keys.
func NewVerifier(keys KeySource, cfg Config) *Verifier {
	return &Verifier{keys: keys, cfg: cfg}
}

// Verify reports whether token is signed by the master key and its subject
// equals claimedTenantID. It never panics and never returns an error.
func (v *Verifier) Verify(ctx context.Context, token, claimedTenantID string) bool {
	return v.Check(ctx, token, claimedTenantID) == nil
}

// Check is Verify with the cause: ErrInvalidToken for token problems,
// ErrConfigFetchFailure when the master key cannot be loaded.
func (v *Verifier) Check(ctx context.Context, token, claimedTenantID string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: missing token", failure.ErrInvalidToken)
	}
	if claimedTenantID == "" {
		return fmt.Errorf("%w: missing tenant id", failure.ErrInvalidToken)
	}

	material, err := v.keys.Fetch(ctx, v.cfg.MasterPublicKeyName)
	if err != nil {
		return err
	}
	set, err := parseKeySet(material)
	if err != nil {
		return fmt.Errorf("%w: master public key: %w", failure.ErrConfigFetchFailure, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithSubject(claimedTenantID),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.RequireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, set.keyFunc)
	if err != nil {
		return fmt.Errorf("%w: %w", failure.ErrInvalidToken, err)
	}
	if !tok.Valid {
		return fmt.Errorf("%w: token not valid", failure.ErrInvalidToken)
	}
	return nil
}

// keySet is the parsed master key material: a single key, or a JWK Set
// indexed by kid.
type keySet struct {
	single *rsa.PublicKey
	byKID  map[string]*rsa.PublicKey
}

func (s *keySet) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != Algorithm {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	if s.single != nil {
		return s.single, nil
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		if len(s.byKID) == 1 {
			for _, k := range s.byKID {
				return k, nil
			}
		}
		return nil, errors.New("missing kid in token header")
	}
	key, ok := s.byKID[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

// parseKeySet accepts PEM (PKIX, PKCS#1 or certificate), a single JWK, or a JWK Set.
func parseKeySet(material string) (*keySet, error) {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return nil, errors.New("empty key material")
	}

	if !strings.HasPrefix(trimmed, "{") {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(trimmed))
		if err != nil {
			return nil, err
		}
		return &keySet{single: pub}, nil
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(trimmed), &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		var single jose.JSONWebKey
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return nil, fmt.Errorf("decode jwk: %w", err)
		}
		pub, ok := rsaPublic(single)
		if !ok {
			return nil, errors.New("jwk is not a usable RSA signing key")
		}
		return &keySet{single: pub}, nil
	}

	out := &keySet{byKID: make(map[string]*rsa.PublicKey, len(set.Keys))}
	for _, k := range set.Keys {
		pub, ok := rsaPublic(k)
		if !ok {
			continue
		}
		out.byKID[k.KeyID] = pub
	}
	if len(out.byKID) == 0 {
		return nil, errors.New("jwks contained no usable RSA signing keys")
	}
	return out, nil
}

func rsaPublic(k jose.JSONWebKey) (*rsa.PublicKey, bool) {
	if k.Use != "" && k.Use != "sig" {
		return nil, false
	}
	if k.Algorithm != "" && k.Algorithm != Algorithm {
		return nil, false
	}
	pub, ok := k.Public().Key.(*rsa.PublicKey)
	return pub, ok
}
