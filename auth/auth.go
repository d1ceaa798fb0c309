// Package auth verifies bearer tokens on inbound queue deliveries and
// admin calls. Production deliveries carry Google OIDC identity tokens
// minted by the queue's push configuration; dev mode pairs an HS256
// shared key with the matching callback minter.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// Verifier checks an inbound bearer token and returns its subject.
type Verifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// Bearer extracts the bearer token of |req|.
func Bearer(req *http.Request) (string, error) {
	var header = req.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization")
	}
	var token, ok = strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("authorization is not a bearer token")
	}
	return token, nil
}

// OIDCVerifier validates Google-signed identity tokens against the
// worker's own URL as audience.
type OIDCVerifier struct {
	audience  string
	validator *idtoken.Validator
}

func NewOIDCVerifier(ctx context.Context, audience string, opts ...option.ClientOption) (*OIDCVerifier, error) {
	var validator, err = idtoken.NewValidator(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building token validator: %w", err)
	}
	return &OIDCVerifier{audience: audience, validator: validator}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (string, error) {
	var payload, err = v.validator.Validate(ctx, token, v.audience)
	if err != nil {
		return "", fmt.Errorf("validating identity token: %w", err)
	}
	if payload.Issuer != "https://accounts.google.com" && payload.Issuer != "accounts.google.com" {
		return "", fmt.Errorf("unexpected token issuer %q", payload.Issuer)
	}

	// Service accounts identify by email; fall back to the opaque subject.
	if email, ok := payload.Claims["email"].(string); ok && email != "" {
		return email, nil
	}
	return payload.Subject, nil
}

// HS256Verifier validates tokens signed with a shared key.
type HS256Verifier struct {
	issuer   string
	audience string
	key      []byte
}

func NewHS256Verifier(issuer, audience string, key []byte) (*HS256Verifier, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	return &HS256Verifier{issuer: issuer, audience: audience, key: key}, nil
}

func (v *HS256Verifier) Verify(_ context.Context, token string) (string, error) {
	var claims jwt.RegisteredClaims
	var _, err = jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected method: %s", t.Header["alg"])
			}
			return v.key, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("verifying token: %w", err)
	}

	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return claims.Issuer, nil
}
