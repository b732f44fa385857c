// Package auth signs and verifies the identity tokens a client presents
// when it identifies on the gateway. Tokens are HS256 JWTs whose subject is
// the user ID; the issuer that vouches for the user holds the same secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/anonchat/internal/clock"
)

// Issuer is the iss claim every token carries.
const Issuer = "anonchat"

// MinSecretLen is the shortest accepted HMAC secret.
const MinSecretLen = 32

var (
	ErrShortSecret = fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLen)
	ErrInvalid     = errors.New("auth: invalid identity token")
)

// Verifier checks identity tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for secret. Expiry is judged against c.
func NewVerifier(secret []byte, c clock.Clock) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrShortSecret
	}
	if c == nil {
		c = clock.Real()
	}
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(Issuer),
			jwt.WithTimeFunc(c.Now),
			jwt.WithLeeway(5*time.Second),
		),
	}, nil
}

// Verify returns the user ID token vouches for.
func (v *Verifier) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalid)
	}
	return claims.Subject, nil
}

// Signer mints identity tokens. It is used by whatever front end vouches for
// users and by the load generator.
type Signer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewSigner creates a Signer whose tokens live for ttl.
func NewSigner(secret []byte, ttl time.Duration, c clock.Clock) (*Signer, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrShortSecret
	}
	if c == nil {
		c = clock.Real()
	}
	return &Signer{secret: secret, ttl: ttl, clock: c}, nil
}

// Sign returns a token for userID.
func (s *Signer) Sign(userID string) (string, error) {
	now := s.clock.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
