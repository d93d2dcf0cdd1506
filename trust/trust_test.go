package trust_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/crmrelay/blobstore"
	"github.com/xraph/crmrelay/blobstore/memory"
	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/internal/testkeys"
	"github.com/xraph/crmrelay/trust"
)

const masterName = "master.pem"

func newVerifier(t *testing.T, material []byte, cfg trust.Config) *trust.Verifier {
	t.Helper()
	store := memory.New()
	if material != nil {
		store.Put(masterName, material)
	}
	cfg.MasterPublicKeyName = masterName
	return trust.NewVerifier(blobstore.NewResolver(store), cfg)
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	master := testkeys.Master(t)
	v := newVerifier(t, testkeys.PublicPEM(t, master), trust.Config{})

	token := testkeys.SenderToken(t, master, "tenantA", time.Hour)
	assert.True(t, v.Verify(context.Background(), token, "tenantA"))
	assert.NoError(t, v.Check(context.Background(), token, "tenantA"))
}

func TestVerifyAcceptsTokenWithoutExpiryByDefault(t *testing.T) {
	master := testkeys.Master(t)
	v := newVerifier(t, testkeys.PublicPEM(t, master), trust.Config{})

	token := testkeys.SenderToken(t, master, "tenantA", 0)
	assert.True(t, v.Verify(context.Background(), token, "tenantA"))
}

func TestVerifyRequireExpiry(t *testing.T) {
	master := testkeys.Master(t)
	v := newVerifier(t, testkeys.PublicPEM(t, master), trust.Config{RequireExpiry: true})

	assert.False(t, v.Verify(context.Background(), testkeys.SenderToken(t, master, "tenantA", 0), "tenantA"))
	assert.True(t, v.Verify(context.Background(), testkeys.SenderToken(t, master, "tenantA", time.Minute), "tenantA"))
}

func TestVerifyRejects(t *testing.T) {
	master := testkeys.Master(t)
	pubPEM := testkeys.PublicPEM(t, master)
	v := newVerifier(t, pubPEM, trust.Config{})
	valid := testkeys.SenderToken(t, master, "tenantA", time.Hour)

	parts := strings.Split(valid, ".")
	require.Len(t, parts, 3)
	forgedClaims, err := json.Marshal(map[string]any{"sub": "tenantB", "exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forgedClaims) + "." + parts[2]

	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tenantA"}).SignedString(pubPEM)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "tenantA"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	ps256, err := jwt.NewWithClaims(jwt.SigningMethodPS256, jwt.RegisteredClaims{Subject: "tenantA"}).SignedString(master)
	require.NoError(t, err)

	cases := map[string]struct {
		token  string
		tenant string
	}{
		"tampered payload":   {tampered, "tenantB"},
		"expired":            {testkeys.SenderToken(t, master, "tenantA", -time.Minute), "tenantA"},
		"non-master key":     {testkeys.SenderToken(t, testkeys.Other(t), "tenantA", time.Hour), "tenantA"},
		"subject mismatch":   {valid, "tenantB"},
		"hs256 downgrade":    {hs256, "tenantA"},
		"alg none":           {none, "tenantA"},
		"alternative rsa":    {ps256, "tenantA"},
		"malformed":          {"not-a-jwt", "tenantA"},
		"empty token":        {"", "tenantA"},
		"empty tenant claim": {valid, ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, v.Verify(context.Background(), tc.token, tc.tenant))
			})
			assert.ErrorIs(t, v.Check(context.Background(), tc.token, tc.tenant), failure.ErrInvalidToken)
		})
	}
}

func TestVerifyMissingMasterKey(t *testing.T) {
	v := newVerifier(t, nil, trust.Config{})
	token := testkeys.SenderToken(t, testkeys.Master(t), "tenantA", time.Hour)

	assert.False(t, v.Verify(context.Background(), token, "tenantA"))
	assert.ErrorIs(t, v.Check(context.Background(), token, "tenantA"), failure.ErrConfigFetchFailure)
}

func TestVerifyGarbageMasterKey(t *testing.T) {
	v := newVerifier(t, []byte("not a key"), trust.Config{})
	token := testkeys.SenderToken(t, testkeys.Master(t), "tenantA", time.Hour)

	assert.ErrorIs(t, v.Check(context.Background(), token, "tenantA"), failure.ErrConfigFetchFailure)
}

func TestVerifyJWKSByKeyID(t *testing.T) {
	master := testkeys.Master(t)
	other := testkeys.Other(t)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &other.PublicKey, KeyID: "old", Algorithm: "RS256", Use: "sig"},
		{Key: &master.PublicKey, KeyID: "current", Algorithm: "RS256", Use: "sig"},
	}}
	raw, err := json.Marshal(set)
	require.NoError(t, err)

	v := newVerifier(t, raw, trust.Config{})

	sign := func(key any, kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
			Subject:   "tenantA",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}

	assert.True(t, v.Verify(context.Background(), sign(master, "current"), "tenantA"))
	assert.True(t, v.Verify(context.Background(), sign(other, "old"), "tenantA"))
	assert.False(t, v.Verify(context.Background(), sign(master, "old"), "tenantA"), "kid must select the key")
	assert.False(t, v.Verify(context.Background(), sign(master, "unknown"), "tenantA"))
	assert.False(t, v.Verify(context.Background(), testkeys.SenderToken(t, master, "tenantA", time.Hour), "tenantA"), "kid required with several keys")
}

func TestVerifySingleJWK(t *testing.T) {
	master := testkeys.Master(t)
	raw, err := json.Marshal(jose.JSONWebKey{Key: &master.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"})
	require.NoError(t, err)

	v := newVerifier(t, raw, trust.Config{})
	assert.True(t, v.Verify(context.Background(), testkeys.SenderToken(t, master, "tenantA", time.Hour), "tenantA"))
}

func TestVerifyRefetchesMasterKey(t *testing.T) {
	store := memory.New()
	store.Put(masterName, testkeys.PublicPEM(t, testkeys.Master(t)))
	v := trust.NewVerifier(blobstore.NewResolver(store), trust.Config{MasterPublicKeyName: masterName})

	token := testkeys.SenderToken(t, testkeys.Master(t), "tenantA", time.Hour)
	require.True(t, v.Verify(context.Background(), token, "tenantA"))

	// Rotation: the old token no longer verifies once the key changes.
	store.Put(masterName, testkeys.PublicPEM(t, testkeys.Other(t)))
	assert.False(t, v.Verify(context.Background(), token, "tenantA"))
	assert.Equal(t, 2, store.Reads(masterName))
}
