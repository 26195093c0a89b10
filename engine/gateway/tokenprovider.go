package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ofreceptor/sync-engine/infrastructure/cache"
)

// TokenFetcher performs the actual OAuth2 client-credentials exchange.
// Concrete OAuth2/TLS plumbing is an external collaborator; this
// interface is the seam the gateway depends on.
type TokenFetcher interface {
	FetchToken(ctx context.Context, organizationID string) (token string, expiresAt time.Time, err error)
}

// MaxRefreshJitter bounds the random jitter subtracted from a token's expiry
// before scheduling a refresh.
const MaxRefreshJitter = time.Minute

type cachedToken struct {
	token     string
	refreshAt time.Time
}

// CachingTokenProvider lazily fetches and caches a client-credentials token
// per organizationID, refreshing before expiry.
type CachingTokenProvider struct {
	fetcher TokenFetcher
	cache   *cache.TokenCache
	jitter  func() time.Duration
}

// NewCachingTokenProvider wires a TokenProvider backed by fetcher.
func NewCachingTokenProvider(fetcher TokenFetcher) *CachingTokenProvider {
	return &CachingTokenProvider{
		fetcher: fetcher,
		cache:   cache.NewTokenCache(cache.DefaultConfig()),
		jitter:  func() time.Duration { return time.Duration(rand.Int63n(int64(MaxRefreshJitter))) },
	}
}

// Token returns a cached, unexpired token or fetches (and caches) a new one.
func (p *CachingTokenProvider) Token(ctx context.Context, organizationID string) (string, error) {
	if v, ok := p.cache.GetToken(organizationID); ok {
		if entry, ok := v.(cachedToken); ok && time.Now().Before(entry.refreshAt) {
			return entry.token, nil
		}
	}

	token, expiresAt, err := p.fetcher.FetchToken(ctx, organizationID)
	if err != nil {
		return "", err
	}

	if expiresAt.IsZero() {
		expiresAt = expiryFromJWT(token, time.Now().Add(5*time.Minute))
	}

	refreshAt := expiresAt.Add(-p.jitter())
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	p.cache.SetToken(organizationID, cachedToken{token: token, refreshAt: refreshAt}, ttl)
	return token, nil
}

// expiryFromJWT best-effort parses the `exp` claim without verifying the
// signature (the gateway trusts the fetcher, not the token itself) so a
// fetcher that omits expiresAt still gets a reasonable refresh schedule.
func expiryFromJWT(token string, fallback time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
