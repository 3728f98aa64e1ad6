// Package auth verifies bearer tokens issued by an external identity
// provider. The core never issues tokens; it only resolves them to a stable
// user identity.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/observer/watchparty/internal/domain"
)

// Identity is the resolved owner of a verified token.
type Identity struct {
	UserID string
	Email  string
	Phone  string
}

// Verifier resolves a bearer token to an identity. Implementations must be
// safe for concurrent use; nothing is cached across verifications.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims carried in tokens the default verifier accepts. The subject is the
// stable user identifier; contact fields are optional.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// JWTVerifier validates HS256 tokens with a shared signing key.
type JWTVerifier struct {
	signingKey []byte
}

// NewJWTVerifier creates the default verifier.
func NewJWTVerifier(signingKey string) (*JWTVerifier, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 characters")
	}
	return &JWTVerifier{signingKey: []byte(signingKey)}, nil
}

// Verify parses and validates a token and returns the caller's identity.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, domain.ErrAuthFailed
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrAuthFailed)
	}

	return &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Phone:  claims.Phone,
	}, nil
}
