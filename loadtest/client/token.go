package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints the HS256 identity tokens the gateway expects at identify.
// It must share the gateway's IDENTITY_SECRET.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a Signer whose tokens live for ttl.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Sign returns a token vouching for userID.
func (s *Signer) Sign(userID string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "anonchat",
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}
