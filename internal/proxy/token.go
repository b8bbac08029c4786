package proxy

import (
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/utilmeta/cluster-proxy/internal/apierr"
	"github.com/utilmeta/cluster-proxy/internal/config"
)

type tokenClaims struct {
	NodeID string `json:"nid"`
	jwt.RegisteredClaims
}

// validateProxyAuthorization checks a Proxy-Authorization token: strip
// any scheme prefix, decode with the configured cluster key, and require
// nid/iss/aud/exp to all hold.
func validateProxyAuthorization(raw string, key *config.ClusterKey, nodeID, supervisorBaseURL, clusterID string) error {
	raw = stripScheme(raw)
	if raw == "" {
		return apierr.New(apierr.ProxyAuthenticationRequired, "missing proxy authorization token")
	}
	if key == nil {
		return apierr.New(apierr.ProxyAuthenticationRequired, "no cluster key configured")
	}

	claims := &tokenClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(raw, claims, key.KeyFunc())
	if err != nil || !token.Valid {
		return apierr.Wrap(apierr.BadRequest, "proxy authorization token could not be decoded", err)
	}

	if claims.ExpiresAt == nil {
		return apierr.New(apierr.Unprocessable, "proxy authorization token is missing exp")
	}
	if time.Now().After(claims.ExpiresAt.Time) {
		return apierr.New(apierr.BadRequest, "proxy authorization token has expired").WithState(apierr.TokenExpired)
	}

	if claims.NodeID != nodeID {
		return apierr.New(apierr.Conflict, "proxy authorization token nid does not match Node-Id")
	}
	if claims.Audience == nil || !containsString(claims.Audience, clusterID) {
		return apierr.New(apierr.Conflict, "proxy authorization token aud does not match cluster id")
	}
	if claims.Issuer == "" || !strings.HasPrefix(supervisorBaseURL, claims.Issuer) {
		return apierr.New(apierr.Conflict, "proxy authorization token iss does not match supervisor base url")
	}

	return nil
}

// IssueToken mints a Proxy-Authorization token for nodeID, the inverse of
// validateProxyAuthorization, used by tests and, in principle, by a
// supervisor-side issuer sharing this cluster key.
func IssueToken(key *config.ClusterKey, nodeID, issuer, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	method := jwt.SigningMethodHS256
	var signingKey interface{} = key.Secret
	if key.PublicKey != nil {
		return "", apierr.New(apierr.Internal, "cannot issue tokens with an RSA public key")
	}

	token := jwt.NewWithClaims(method, claims)
	return token.SignedString(signingKey)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func stripScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, ' '); idx >= 0 {
		return strings.TrimSpace(raw[idx+1:])
	}
	return raw
}

// validateBearerToken implements the operations-mode bearer-token path:
// the first enabled Supervisor public_key for nodeID must decode the
// token. Any decode error is fatal immediately; it is not retried
// against other keys.
func validateBearerToken(raw string, nodeID string, publicKeys []*rsa.PublicKey) error {
	raw = stripScheme(raw)
	if raw == "" {
		return apierr.New(apierr.ProxyAuthenticationRequired, "missing bearer token")
	}
	if len(publicKeys) == 0 {
		return apierr.New(apierr.PermissionDenied, "no supervisor public key available for node")
	}

	pub := publicKeys[0]
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, apierr.New(apierr.PermissionDenied, "unexpected signing method")
		}
		return pub, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.PermissionDenied, "bearer token did not decode for node "+nodeID, err)
	}
	return nil
}
