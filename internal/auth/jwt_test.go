package auth_test

import (
	"testing"
	"time"

	"Deskwire/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims auth.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := auth.NewVerifier("test-secret")

	signed := signToken(t, "test-secret", auth.Claims{
		OrgID:  "org-1",
		UserID: "member-7",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "member-7", claims.UserID)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := auth.NewVerifier("test-secret")

	expired := signToken(t, "test-secret", auth.Claims{
		OrgID:  "org-1",
		UserID: "member-7",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongKey := signToken(t, "other-secret", auth.Claims{OrgID: "org-1", UserID: "member-7"})
	missingClaims := signToken(t, "test-secret", auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"missing identity claims", missingClaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}
