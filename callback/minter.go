package callback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/leadfold/enrich/metrics"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// TokenTTL bounds the lifetime of minted bearer tokens.
const TokenTTL = 5 * time.Minute

// TokenMinter produces short-lived bearer tokens scoped to an audience
// (the receiver's origin).
type TokenMinter interface {
	Token(ctx context.Context, audience string) (string, error)
}

// GoogleMinter mints OIDC identity tokens from the ambient service
// account. Token sources are cached per audience and refresh themselves;
// construction failures are cached briefly so a broken credential doesn't
// produce a thundering herd against the metadata service.
type GoogleMinter struct {
	opts []option.ClientOption

	mu      sync.Mutex
	sources *lru.Cache[string, googleSource]
}

type googleSource struct {
	ts      oauth2.TokenSource
	err     error
	errorAt time.Time
}

func NewGoogleMinter(opts ...option.ClientOption) (*GoogleMinter, error) {
	var sources, err = lru.New[string, googleSource](64)
	if err != nil {
		return nil, err
	}
	return &GoogleMinter{opts: opts, sources: sources}, nil
}

func (m *GoogleMinter) Token(ctx context.Context, audience string) (string, error) {
	m.mu.Lock()
	var cached, ok = m.sources.Get(audience)
	if ok && cached.err != nil && time.Since(cached.errorAt) > time.Minute {
		m.sources.Remove(audience)
		ok = false
	}
	if !ok {
		var ts, err = idtoken.NewTokenSource(ctx, audience, m.opts...)
		if err != nil {
			cached = googleSource{err: fmt.Errorf("building token source for %s: %w", audience, err), errorAt: time.Now()}
		} else {
			cached = googleSource{ts: oauth2.ReuseTokenSource(nil, ts)}
		}
		m.sources.Add(audience, cached)
	}
	m.mu.Unlock()

	if cached.err != nil {
		return "", cached.err
	}

	var token, err = cached.ts.Token()
	if err != nil {
		return "", fmt.Errorf("minting token for %s: %w", audience, err)
	}
	metrics.TokensIssued.WithLabelValues("oidc").Inc()
	return token.AccessToken, nil
}

// HS256Minter self-signs tokens with a shared key. It serves dev mode and
// tests, where no ambient identity exists; the receiver verifies with the
// same key. Tokens are cached per audience until shortly before expiry.
type HS256Minter struct {
	issuer string
	key    []byte

	mu     sync.Mutex
	tokens *lru.Cache[string, mintedToken]
}

type mintedToken struct {
	token   string
	expires time.Time
}

func NewHS256Minter(issuer string, key []byte) (*HS256Minter, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	var tokens, err = lru.New[string, mintedToken](64)
	if err != nil {
		return nil, err
	}
	return &HS256Minter{issuer: issuer, key: key, tokens: tokens}, nil
}

func (m *HS256Minter) Token(_ context.Context, audience string) (string, error) {
	var now = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Reuse while at least a minute of validity remains, so a token never
	// expires mid-pagination of one payload.
	if cached, ok := m.tokens.Get(audience); ok && cached.expires.After(now.Add(time.Minute)) {
		metrics.TokensIssued.WithLabelValues("cache").Inc()
		return cached.token, nil
	}

	var expires = now.Add(TokenTTL)
	var claims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	var token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("signing token for %s: %w", audience, err)
	}

	m.tokens.Add(audience, mintedToken{token: token, expires: expires})
	metrics.TokensIssued.WithLabelValues("hs256").Inc()
	return token, nil
}
