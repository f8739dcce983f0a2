package authz

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"e2ee-chat/internal/observability/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// HMACAuthenticator validates HS256 session credentials against the shared
// secret used by the credential service.
type HMACAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

func NewHMACAuthenticator(secret, issuer, audience string) *HMACAuthenticator {
	return &HMACAuthenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

type sessionClaims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

func (h *HMACAuthenticator) Authenticate(credential string) (Principal, error) {
	result := "success"
	defer func() {
		metrics.AuthAttemptsTotal.WithLabelValues("hmac", result).Inc()
	}()

	credential = strings.TrimSpace(credential)
	if credential == "" {
		result = "failure"
		return Principal{}, ErrMissingToken
	}

	claims := &sessionClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return h.secret, nil
	})
	if err != nil {
		result = "failure"
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		slog.Warn("authz hmac parse failed", "error", err)
		return Principal{}, ErrInvalidToken
	}
	if !token.Valid {
		result = "failure"
		return Principal{}, ErrInvalidToken
	}
	if h.issuer != "" && claims.Issuer != "" && claims.Issuer != h.issuer {
		result = "failure"
		slog.Warn("authz hmac issuer mismatch", "issuer", claims.Issuer)
		return Principal{}, ErrInvalidToken
	}
	if h.audience != "" && !containsAudience(claims.Audience, h.audience) {
		result = "failure"
		return Principal{}, ErrInvalidToken
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		result = "failure"
		return Principal{}, ErrInvalidToken
	}
	return Principal{ID: id, Username: claims.Username}, nil
}

func containsAudience(aud jwt.ClaimStrings, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}
