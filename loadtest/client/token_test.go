package client

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSigner_Sign(t *testing.T) {
	secret := "loadtest-secret-0123456789abcdef"
	tok, err := NewSigner(secret, time.Minute).Sign("loadtest-1")
	if err != nil {
		t.Fatal(err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired(), jwt.WithIssuer("anonchat"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "loadtest-1" {
		t.Errorf("subject = %q", claims.Subject)
	}
}
