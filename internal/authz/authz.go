// Package authz validates the short-lived bearer credential a client
// presents when opening a connection. Issuance lives in the credential
// service; this side only verifies signature, expiry, and issuer, and binds
// the connection to an identity.
package authz

import (
	"errors"

	"github.com/google/uuid"
)

// Principal is the identity a validated credential resolves to. Username
// may be empty when the issuer did not embed it; callers fall back to the
// user store.
type Principal struct {
	ID       uuid.UUID
	Username string
}

type Authenticator interface {
	Authenticate(credential string) (Principal, error)
}

var (
	ErrMissingToken = errors.New("authz: missing token")
	ErrInvalidToken = errors.New("authz: invalid token")
	ErrTokenExpired = errors.New("authz: token expired")
)
