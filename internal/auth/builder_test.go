package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	token, err := v.Issue("user-1", "org-1", "Ada", time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.UserID)
	require.Equal(t, "org-1", id.OrgID)
	require.Equal(t, "Ada", id.Name)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	token, err := v.Issue("user-1", "org-1", "Ada", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewTokenVerifier("secret-a")
	verifier := NewTokenVerifier("secret-b")

	token, err := issuer.Issue("user-1", "", "", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	// Unsigned token with alg=none must be rejected even with valid claims.
	claims := builderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsMissingToken(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	_, err := v.Verify("")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	claims := builderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrUnauthorized)
}
