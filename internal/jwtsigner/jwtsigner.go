// Package jwtsigner mints short-lived session credentials compatible with
// internal/authz. Production issuance belongs to the credential service;
// this signer exists for the chatctl dev tooling and the test suites.
package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer issues session JWTs either with an HS256 shared secret or an
// Ed25519 keypair whose public half can be published as a JWKS.
type Signer struct {
	secret   []byte
	private  ed25519.PrivateKey
	public   ed25519.PublicKey
	KeyID    string
	Issuer   string
	Audience string
}

func NewHS256(secret, issuer, audience string) *Signer {
	return &Signer{secret: []byte(secret), Issuer: issuer, Audience: audience}
}

// NewEd25519FromBase64 creates an EdDSA signer from base64-encoded private
// key bytes. An empty privB64 generates an ephemeral key, good for local dev.
func NewEd25519FromBase64(privB64, kid, issuer, audience string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		private:  priv,
		public:   priv.Public().(ed25519.PublicKey),
		KeyID:    kid,
		Issuer:   issuer,
		Audience: audience,
	}, nil
}

// Session issues a credential binding identityID (and optionally a username
// claim) for ttl. A negative ttl produces an already-expired token, which
// the tests lean on.
func (s *Signer) Session(identityID uuid.UUID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.Issuer,
		"sub": identityID.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if s.Audience != "" {
		claims["aud"] = s.Audience
	}
	if username != "" {
		claims["username"] = username
	}

	if s.secret != nil {
		t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return t.SignedString(s.secret)
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.private)
}

// PublicJWK renders the Ed25519 public key as a JWK for a JWKS endpoint.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}

// JWKS renders the full key set document.
func (s *Signer) JWKS() map[string]any {
	return map[string]any{"keys": []map[string]any{s.PublicJWK()}}
}
