package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ClusterKey is the symmetric-or-asymmetric credential used to verify
// inbound Proxy-Authorization tokens; a Secret is also sent as-is (not
// signed into a token) with outbound add_node requests. Exactly one of
// Secret / PublicKey is set.
type ClusterKey struct {
	Secret    []byte
	PublicKey *rsa.PublicKey
}

// ParseClusterKey accepts either a raw PEM block (starts with "{"-delimited
// PEM marker lines, in practice "-----BEGIN") or a base64-encoded PEM
// block; anything else is treated as an opaque symmetric secret.
func ParseClusterKey(raw string) (*ClusterKey, error) {
	trimmed := strings.TrimSpace(raw)

	if looksLikePEM(trimmed) {
		return parsePEMKey([]byte(trimmed))
	}

	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if looksLikePEM(string(decoded)) {
			return parsePEMKey(decoded)
		}
	}

	return &ClusterKey{Secret: []byte(trimmed)}, nil
}

func looksLikePEM(s string) bool {
	return strings.HasPrefix(s, "-----BEGIN") || strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func parsePEMKey(data []byte) (*ClusterKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		// A value with no "-----BEGIN"/"-----END" lines, including a
		// "{...}" value without them, is not decoded and is rejected here.
		return nil, fmt.Errorf("not a valid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cluster key is not an RSA public key")
	}
	return &ClusterKey{PublicKey: rsaPub}, nil
}

// ParsePublicKeyPEM parses a bare RSA public key PEM block, as stored on a
// catalog.Supervisor row after a successful connect_supervisor handshake.
func ParsePublicKeyPEM(raw string) (*rsa.PublicKey, error) {
	key, err := parsePEMKey([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return nil, err
	}
	if key.PublicKey == nil {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return key.PublicKey, nil
}

// KeyFunc returns a jwt.Keyfunc suitable for jwt.Parse/ParseWithClaims,
// selecting HMAC or RSA verification depending on which half of the key
// is populated and rejecting any other signing method.
func (k *ClusterKey) KeyFunc() jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if k.PublicKey != nil {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return k.PublicKey, nil
		}
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return k.Secret, nil
	}
}
