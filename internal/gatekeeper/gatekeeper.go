// Package gatekeeper authenticates inbound realtime connections. Tokens are
// HMAC-signed JWTs issued by the platform auth service; verification is a
// local signature check, so Accept never blocks on the network.
//
// Authentication failures create no presence state: the caller only touches
// the registry after Accept succeeds.
package gatekeeper

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for every authentication failure: bad
// signature, expired, wrong issuer, or missing identity. Never retried.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the JWT claims structure issued by the auth service.
type Claims struct {
	Sub       string `json:"sub"`       // user id
	SessionID string `json:"sessionId"` // auth session identifier
	jwt.RegisteredClaims
}

// Handle is an authenticated connection's identity, passed to the registry
// and the fanout hub after the transport is accepted.
type Handle struct {
	UserID    string
	SessionID string

	// Scope is the set of user ids this connection may observe, always
	// including the connection's own user.
	Scope []string
}

// Verifier checks connection tokens against the shared HMAC secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. An empty secret disables acceptance
// entirely: every token is rejected.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Accept validates the token and returns a handle scoped to the requested
// watch set. On any failure it returns ErrInvalidToken (wrapped with the
// cause) and no handle.
func (v *Verifier) Accept(tokenString string, watch []string) (*Handle, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: verification is not configured", ErrInvalidToken)
	}
	if tokenString == "" {
		return nil, fmt.Errorf("%w: no token supplied", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("%w: token missing user identity", ErrInvalidToken)
	}

	scope := make([]string, 0, len(watch)+1)
	scope = append(scope, claims.Sub)
	for _, u := range watch {
		if u != "" && u != claims.Sub {
			scope = append(scope, u)
		}
	}

	return &Handle{
		UserID:    claims.Sub,
		SessionID: claims.SessionID,
		Scope:     scope,
	}, nil
}
