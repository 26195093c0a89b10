// Package gateway implements the Transmitter Gateway (component C): a
// fixed resilience stack — Rate Limiter -> Bulkhead -> Circuit Breaker ->
// Retry -> Token-Bound Request -> Timeout — wrapping every outbound call to
// a transmitter institution.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	svcerrors "github.com/ofreceptor/sync-engine/infrastructure/errors"
	"github.com/ofreceptor/sync-engine/infrastructure/gwlog"
	"github.com/ofreceptor/sync-engine/infrastructure/httputil"
	"github.com/ofreceptor/sync-engine/infrastructure/ratelimit"
	"github.com/ofreceptor/sync-engine/infrastructure/resilience"
)

// APIFamily groups transmitter endpoints that share a bulkhead shard
// (max 100 concurrent calls per (organizationId, apiFamily) by default).
type APIFamily string

const (
	FamilyAccounts     APIFamily = "accounts"
	FamilyBalances     APIFamily = "balances"
	FamilyLimits       APIFamily = "overdraft-limits"
	FamilyTransactions APIFamily = "transactions"
)

// ParticipantResolver resolves a transmitter's base URL by organizationId;
// the concrete directory-of-participants lookup is an external collaborator
// .
type ParticipantResolver interface {
	BaseURL(ctx context.Context, organizationID string) (string, error)
}

// TokenProvider supplies a bearer token for organizationID, caching and
// refreshing before expiry; see tokenprovider.go for the default adapter.
type TokenProvider interface {
	Token(ctx context.Context, organizationID string) (string, error)
}

// Config holds the gateway's resilience-stack defaults.
type Config struct {
	RateLimit        ratelimit.RateLimitConfig
	RateLimitTimeout time.Duration

	BulkheadMax     int64
	BulkheadTimeout time.Duration

	Circuit resilience.Config

	Retry resilience.RetryConfig

	RequestTimeout time.Duration
}

// DefaultConfig returns the production defaults for every layer of the
// stack.
func DefaultConfig() Config {
	return Config{
		RateLimit: ratelimit.RateLimitConfig{
			RequestsPerSecond: 1000.0 / 60.0, // 1000 permits / 60s refresh window
			Burst:             1000,
		},
		RateLimitTimeout: 5 * time.Second,
		BulkheadMax:      100,
		BulkheadTimeout:  10 * time.Second,
		Circuit: resilience.Config{
			FailureRate:      0.5,
			SlowCallRate:     0.5,
			SlowCallDuration: 10 * time.Second,
			SlidingWindow:    20,
			MinimumCalls:     10,
			Timeout:          30 * time.Second,
			HalfOpenMax:      5,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			Multiplier:   2.0,
		},
		RequestTimeout: 15 * time.Second,
	}
}

// maxResponseBytes caps a transmitter response body; a payload past this is
// a protocol error, not something to buffer.
const maxResponseBytes = 8 << 20

// shard keys the per-(organizationId, apiFamily) bulkhead and circuit
// breaker.
type shard struct {
	organizationID string
	family         APIFamily
}

func (s shard) key() string { return s.organizationID + "|" + string(s.family) }

// Gateway composes the resilience stack around an *http.Client.
type Gateway struct {
	client    *http.Client
	cfg       Config
	resolver  ParticipantResolver
	tokenProv TokenProvider
	limiter   *ratelimit.RateLimiter
	callLog   *gwlog.Logger
	mu        sync.Mutex
	bulkheads map[string]*semaphore.Weighted
	breakers  map[string]*resilience.CircuitBreaker
}

// New constructs a Gateway. client may be nil to use http.DefaultClient.
func New(cfg Config, resolver ParticipantResolver, tokenProv TokenProvider, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	return &Gateway{
		client:    client,
		cfg:       cfg,
		resolver:  resolver,
		tokenProv: tokenProv,
		limiter:   ratelimit.New(cfg.RateLimit),
		callLog:   gwlog.Nop(),
		bulkheads: make(map[string]*semaphore.Weighted),
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
}

// SetCallLogger installs the per-attempt call logger.
func (g *Gateway) SetCallLogger(l *gwlog.Logger) {
	if l != nil {
		g.callLog = l
	}
}

func (g *Gateway) bulkheadFor(s shard) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bulkheads[s.key()]
	if !ok {
		max := g.cfg.BulkheadMax
		if max <= 0 {
			max = 100
		}
		b = semaphore.NewWeighted(max)
		g.bulkheads[s.key()] = b
	}
	return b
}

func (g *Gateway) breakerFor(s shard) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[s.key()]
	if !ok {
		cb = resilience.New(g.cfg.Circuit)
		g.breakers[s.key()] = cb
	}
	return cb
}

// CallOptions parameterizes one outbound call.
type CallOptions struct {
	OrganizationID string
	Family         APIFamily
	Method         string // defaults to GET
	Path           string // appended to the resolved base URL
	ConsentID      string
	Query          map[string]string
	// Idempotent marks whether the call may be retried; the retry policy
	// only retries idempotent verbs and network/5xx/timeout failures
	//.
	Idempotent bool
	// FallbackOnOpenCircuit: for read-only "get" endpoints the gateway may
	// return an empty result on circuit-open instead of an error. Write/mutating calls must leave this false.
	FallbackOnOpenCircuit bool
}

// Call executes the full resilience stack outside-in: Rate Limiter ->
// Bulkhead -> Circuit Breaker -> Retry -> Token-Bound Request -> Timeout.
func (g *Gateway) Call(ctx context.Context, opts CallOptions) ([]byte, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	s := shard{organizationID: opts.OrganizationID, family: opts.Family}

	// 1. Rate Limiter
	rlCtx, rlCancel := context.WithTimeout(ctx, nonZero(g.cfg.RateLimitTimeout, 5*time.Second))
	defer rlCancel()
	if err := g.limiter.Wait(rlCtx); err != nil {
		return nil, svcerrors.RateLimited(int(g.cfg.RateLimit.RequestsPerSecond), "60s")
	}

	// 2. Bulkhead
	bh := g.bulkheadFor(s)
	bhCtx, bhCancel := context.WithTimeout(ctx, nonZero(g.cfg.BulkheadTimeout, 10*time.Second))
	defer bhCancel()
	if err := bh.Acquire(bhCtx, 1); err != nil {
		return nil, svcerrors.Unavailable("bulkhead-saturated", err)
	}
	defer bh.Release(1)

	// 3. Circuit Breaker
	cb := g.breakerFor(s)
	var body []byte
	cbErr := cb.Execute(ctx, func() error {
		// 4. Retry (only for idempotent calls)
		retryCfg := g.cfg.Retry
		if !opts.Idempotent {
			retryCfg.MaxAttempts = 1
		}
		return resilience.Retry(ctx, retryCfg, func() error {
			b, err := g.doOnce(ctx, s, opts)
			if err != nil {
				if !isRetryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			body = b
			return nil
		})
	})

	if cbErr != nil {
		if cbErr == resilience.ErrCircuitOpen || cbErr == resilience.ErrTooManyRequests {
			if opts.FallbackOnOpenCircuit {
				return nil, nil
			}
			return nil, svcerrors.Unavailable(string(opts.Family), cbErr)
		}
		return nil, cbErr
	}
	return body, nil
}

// doOnce performs the token-bound HTTP request under its own timeout
// (steps 5-6 of the stack: Token-Bound Request -> Timeout).
func (g *Gateway) doOnce(ctx context.Context, s shard, opts CallOptions) ([]byte, error) {
	baseURL, err := g.resolver.BaseURL(ctx, opts.OrganizationID)
	if err != nil {
		return nil, svcerrors.Unavailable("participant-lookup", err)
	}
	token, err := g.tokenProv.Token(ctx, opts.OrganizationID)
	if err != nil {
		return nil, svcerrors.Unauthorized("token acquisition failed: " + err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, nonZero(g.cfg.RequestTimeout, 15*time.Second))
	defer cancel()

	url := baseURL + opts.Path
	if len(opts.Query) > 0 {
		url += "?" + encodeQuery(opts.Query)
	}

	req, err := http.NewRequestWithContext(reqCtx, opts.Method, url, nil)
	if err != nil {
		return nil, svcerrors.ProtocolError(err.Error())
	}
	req.Header.Set("x-fapi-interaction-id", uuid.NewString())
	req.Header.Set("Authorization", "Bearer "+token)
	if opts.ConsentID != "" {
		req.Header.Set("consent-id", opts.ConsentID)
	}

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			err = svcerrors.Timeout(opts.Path)
		} else {
			err = svcerrors.Unavailable(opts.Path, err)
		}
		g.callLog.Attempt(opts.OrganizationID, string(opts.Family), opts.Method, opts.Path, 0, time.Since(started), err)
		return nil, err
	}
	defer resp.Body.Close()

	data, truncated, err := httputil.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err == nil && truncated {
		err = &httputil.BodyTooLargeError{Limit: maxResponseBytes}
	}
	if err != nil {
		err = svcerrors.ProtocolError(err.Error())
		g.callLog.Attempt(opts.OrganizationID, string(opts.Family), opts.Method, opts.Path, resp.StatusCode, time.Since(started), err)
		return nil, err
	}

	err = classifyStatus(resp.StatusCode, data)
	g.callLog.Attempt(opts.OrganizationID, string(opts.Family), opts.Method, opts.Path, resp.StatusCode, time.Since(started), err)
	return data, err
}

// classifyStatus maps an HTTP status to the gateway failure taxonomy; nil
// on 2xx.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return svcerrors.Unauthorized("transmitter rejected credentials")
	case status == http.StatusForbidden:
		return svcerrors.Forbidden("transmitter denied access")
	case status == http.StatusNotFound:
		return svcerrors.NotFound("resource", "")
	case status == http.StatusTooManyRequests:
		return svcerrors.RateLimited(0, "")
	case status == http.StatusRequestTimeout:
		return svcerrors.Timeout("")
	case status >= 500:
		return svcerrors.TransientServerError(status, fmt.Errorf("body: %s", truncate(body, 256)))
	case status >= 400:
		return svcerrors.ProtocolError(fmt.Sprintf("unexpected status %d", status))
	default:
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func encodeQuery(q map[string]string) string {
	var buf bytes.Buffer
	first := true
	for k, v := range q {
		if !first {
			buf.WriteByte('&')
		}
		first = false
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
	}
	return buf.String()
}

// isRetryable decides retry eligibility: network/5xx/timeout
// are retried; 4xx is not retried except 408/429, which classifyStatus maps
// to Timeout/RateLimited respectively.
func isRetryable(err error) bool {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		return true // unclassified (network) errors are retryable
	}
	switch se.Code {
	case svcerrors.ErrCodeUnavailable, svcerrors.ErrCodeTimeout, svcerrors.ErrCodeTransientServerError, svcerrors.ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
