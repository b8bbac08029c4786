package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/config"
)

func TestIssueAndValidateProxyAuthorizationRoundTrip(t *testing.T) {
	key := &config.ClusterKey{Secret: []byte("shared-secret")}

	token, err := IssueToken(key, "node-1", "https://supervisor.example.com", "cluster-1", time.Minute)
	require.NoError(t, err)

	err = validateProxyAuthorization(token, key, "node-1", "https://supervisor.example.com/v1", "cluster-1")
	assert.NoError(t, err)
}

func TestValidateProxyAuthorizationRejectsNodeIDMismatch(t *testing.T) {
	key := &config.ClusterKey{Secret: []byte("shared-secret")}
	token, err := IssueToken(key, "node-1", "https://supervisor.example.com", "cluster-1", time.Minute)
	require.NoError(t, err)

	err = validateProxyAuthorization(token, key, "node-2", "https://supervisor.example.com", "cluster-1")
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, coded.Kind)
}

func TestValidateProxyAuthorizationRejectsExpiredToken(t *testing.T) {
	key := &config.ClusterKey{Secret: []byte("shared-secret")}
	token, err := IssueToken(key, "node-1", "https://supervisor.example.com", "cluster-1", -time.Minute)
	require.NoError(t, err)

	err = validateProxyAuthorization(token, key, "node-1", "https://supervisor.example.com", "cluster-1")
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.TokenExpired, coded.State)
}

func TestValidateProxyAuthorizationRejectsTamperedToken(t *testing.T) {
	key := &config.ClusterKey{Secret: []byte("shared-secret")}
	otherKey := &config.ClusterKey{Secret: []byte("different-secret")}
	token, err := IssueToken(otherKey, "node-1", "https://supervisor.example.com", "cluster-1", time.Minute)
	require.NoError(t, err)

	err = validateProxyAuthorization(token, key, "node-1", "https://supervisor.example.com", "cluster-1")
	assert.Error(t, err)
}

func TestValidateProxyAuthorizationRejectsMissingToken(t *testing.T) {
	key := &config.ClusterKey{Secret: []byte("shared-secret")}
	err := validateProxyAuthorization("", key, "node-1", "https://supervisor.example.com", "cluster-1")
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.ProxyAuthenticationRequired, coded.Kind)
}

func TestStripSchemeRemovesBearerPrefix(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", stripScheme("Bearer abc.def.ghi"))
	assert.Equal(t, "abc.def.ghi", stripScheme("abc.def.ghi"))
}

func TestValidateBearerTokenSucceedsWithFirstKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "node-1"}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	err = validateBearerToken(signed, "node-1", []*rsa.PublicKey{&priv.PublicKey})
	assert.NoError(t, err)
}

func TestValidateBearerTokenFailsFastOnFirstKeyEvenIfLaterKeyWouldMatch(t *testing.T) {
	wrongPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rightPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{Subject: "node-1"}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(rightPriv)
	require.NoError(t, err)

	// The first candidate key is wrong; validation fails immediately
	// rather than falling through to the second (correct) key.
	err = validateBearerToken(signed, "node-1", []*rsa.PublicKey{&wrongPriv.PublicKey, &rightPriv.PublicKey})
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.PermissionDenied, coded.Kind)
}

func TestValidateBearerTokenFailsWhenNoKeyMatches(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{})
	signed, err := token.SignedString(priv)
	require.NoError(t, err)

	err = validateBearerToken(signed, "node-1", []*rsa.PublicKey{&other.PublicKey})
	assert.Error(t, err)
}

func TestValidateBearerTokenRejectsEmptyKeyList(t *testing.T) {
	err := validateBearerToken("sometoken", "node-1", nil)
	require.Error(t, err)
	coded, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.PermissionDenied, coded.Kind)
}
