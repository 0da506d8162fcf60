package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims carried by an agent handshake token. Session issuance lives in the
// admin surface; this side only verifies.
type Claims struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 agent tokens at the connection handshake.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.OrgID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing org or user claim", ErrInvalidToken)
	}
	return claims, nil
}
