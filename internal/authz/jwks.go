package authz

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"e2ee-chat/internal/observability/metrics"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// JWKSAuthenticator validates session credentials against the credential
// issuer's published JWKS, for deployments where no shared secret is
// configured.
type JWKSAuthenticator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

func NewJWKSAuthenticator(ctx context.Context, jwksURL, issuer string) (*JWKSAuthenticator, error) {
	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Minute * 15,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, err
	}
	return &JWKSAuthenticator{jwks: jwks, issuer: issuer}, nil
}

func (j *JWKSAuthenticator) Authenticate(credential string) (Principal, error) {
	result := "success"
	defer func() {
		metrics.AuthAttemptsTotal.WithLabelValues("jwks", result).Inc()
	}()

	credential = strings.TrimSpace(credential)
	if credential == "" {
		result = "failure"
		return Principal{}, ErrMissingToken
	}

	token, err := jwt.Parse(credential, j.jwks.Keyfunc)
	if err != nil {
		result = "failure"
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorExpired != 0 {
			return Principal{}, ErrTokenExpired
		}
		slog.Warn("authz jwks parse failed", "error", err)
		return Principal{}, ErrInvalidToken
	}
	if !token.Valid {
		result = "failure"
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		result = "failure"
		return Principal{}, ErrInvalidToken
	}
	if iss, _ := claims["iss"].(string); j.issuer != "" && iss != "" && iss != j.issuer {
		result = "failure"
		slog.Warn("authz jwks issuer mismatch", "issuer", iss)
		return Principal{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		result = "failure"
		return Principal{}, ErrInvalidToken
	}
	username, _ := claims["username"].(string)
	return Principal{ID: id, Username: username}, nil
}
