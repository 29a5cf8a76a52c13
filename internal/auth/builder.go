package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any failed authentication. Callers reject
// the connection with a 4001-class close code; there is no retry path.
var ErrUnauthorized = errors.New("unauthorized")

// BuilderIdentity is the authenticated identity of a platform operator.
type BuilderIdentity struct {
	UserID string
	OrgID  string
	Name   string
}

// builderClaims is the internal claims type used for JWT parsing.
type builderClaims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org,omitempty"`
	Name  string `json:"name,omitempty"`
}

// TokenVerifier verifies short-lived HMAC-signed builder tokens.
// Verification fails closed: wrong algorithm, bad signature and expiry all
// map to ErrUnauthorized.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTokenVerifier creates a verifier for the given symmetric secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), now: time.Now}
}

// Verify parses and validates a builder token.
func (v *TokenVerifier) Verify(token string) (BuilderIdentity, error) {
	if token == "" {
		return BuilderIdentity{}, ErrUnauthorized
	}

	var claims builderClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return BuilderIdentity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims.Subject == "" {
		return BuilderIdentity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return BuilderIdentity{UserID: claims.Subject, OrgID: claims.OrgID, Name: name}, nil
}

// Issue signs a builder token. Used by the platform's HTTP auth layer and by
// tests; the realtime core only verifies.
func (v *TokenVerifier) Issue(userID, orgID, name string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := builderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID: orgID,
		Name:  name,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
