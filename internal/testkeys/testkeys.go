// Package testkeys provides RSA key material and signed sender tokens for tests.
package testkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	once   sync.Once
	keys   [3]*rsa.PrivateKey
	keyErr error
)

func load(t testing.TB) {
	t.Helper()
	once.Do(func() {
		for i := range keys {
			keys[i], keyErr = rsa.GenerateKey(rand.Reader, 2048)
			if keyErr != nil {
				return
			}
		}
	})
	if keyErr != nil {
		t.Fatalf("generate rsa key: %v", keyErr)
	}
}

// Master returns the key that signs sender tokens.
func Master(t testing.TB) *rsa.PrivateKey { load(t); return keys[0] }

// Other returns an unrelated key, for forged tokens.
func Other(t testing.TB) *rsa.PrivateKey { load(t); return keys[1] }

// Tenant returns the key a tenant uses to sign assertions.
func Tenant(t testing.TB) *rsa.PrivateKey { load(t); return keys[2] }

// PublicPEM encodes the public half of key as a PKIX PEM block.
func PublicPEM(t testing.TB, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// PrivatePEM encodes key as a PKCS#1 PEM block.
func PrivatePEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// SenderToken signs an RS256 token with subject tenantID that expires after ttl.
// A zero ttl produces a token without exp.
func SenderToken(t testing.TB, key *rsa.PrivateKey, tenantID string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:  tenantID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
