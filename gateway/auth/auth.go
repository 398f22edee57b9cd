// Package auth verifies HMAC signed operator requests. Keepers that post
// prices or adjust parameters sign each request with a shared secret; the
// signature covers the timestamp, a nonce, the method, the canonical path and
// the body so a captured request cannot be replayed or altered.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	// MaxBodyForSignature bounds the body hashed during verification.
	MaxBodyForSignature int64 = 1 << 20

	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	pruneInterval        = time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing signature headers")
	ErrUnknownKey         = errors.New("auth: unknown api key")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed skew")
	ErrInvalidSignature   = errors.New("auth: invalid signature")
	ErrReplay             = errors.New("auth: nonce already used")
	ErrBodyTooLarge       = errors.New("auth: request body too large")
)

// Credential binds an API key to its shared secret and the account the
// operator acts as.
type Credential struct {
	Secret  string
	Account string
}

// Principal is the authenticated operator.
type Principal struct {
	APIKey  string
	Account string
}

// NonceRecord is a persisted nonce observation.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce usage across restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

type Options struct {
	Skew          time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
	Persistence   NoncePersistence
	Logger        *slog.Logger
}

// Authenticator verifies signed requests against a fixed credential set.
type Authenticator struct {
	credentials map[string]Credential
	skew        time.Duration
	nonceTTL    time.Duration
	capacity    int
	now         func() time.Time
	persistence NoncePersistence
	logger      *slog.Logger

	mu         sync.Mutex
	caches     map[string]*replayCache
	lastTS     map[string]int64
	lastPruned time.Time
}

func NewAuthenticator(credentials map[string]Credential, opts Options) *Authenticator {
	cloned := make(map[string]Credential, len(credentials))
	for key, cred := range credentials {
		cloned[strings.TrimSpace(key)] = Credential{
			Secret:  strings.TrimSpace(cred.Secret),
			Account: strings.TrimSpace(cred.Account),
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Authenticator{
		credentials: cloned,
		skew:        clampDuration(opts.Skew, maxTimestampSkew),
		nonceTTL:    clampDuration(opts.NonceTTL, maxNonceWindow),
		capacity:    clampInt(opts.NonceCapacity, defaultNonceCapacity, maxNonceCapacity),
		now:         opts.Now,
		persistence: opts.Persistence,
		logger:      opts.Logger,
		caches:      make(map[string]*replayCache),
		lastTS:      make(map[string]int64),
	}
}

func clampDuration(value, max time.Duration) time.Duration {
	if value <= 0 || value > max {
		return max
	}
	return value
}

func clampInt(value, def, max int) int {
	if value <= 0 {
		return def
	}
	if value > max {
		return max
	}
	return value
}

// Authenticate validates the signature headers against body.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if int64(len(body)) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if apiKey == "" || tsHeader == "" || nonce == "" || signature == "" {
		return nil, ErrMissingCredentials
	}
	cred, ok := a.credentials[apiKey]
	if !ok || cred.Secret == "" {
		return nil, ErrUnknownKey
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid timestamp: %w", err)
	}
	now := a.now().UTC()
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return nil, ErrStaleTimestamp
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	expected := ComputeSignature(cred.Secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(provided, expected) {
		return nil, ErrInvalidSignature
	}
	if err := a.observe(r.Context(), apiKey, tsHeader, nonce, secs, now); err != nil {
		return nil, err
	}
	return &Principal{APIKey: apiKey, Account: cred.Account}, nil
}

func (a *Authenticator) observe(ctx context.Context, apiKey, timestamp, nonce string, secs int64, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache := a.cacheLocked(apiKey)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return ErrReplay
	}
	if a.persistence != nil {
		if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= pruneInterval {
			if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
				return fmt.Errorf("auth: prune nonces: %w", err)
			}
			a.lastPruned = now
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return fmt.Errorf("auth: persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return ErrReplay
		}
	}
	cache.Add(composite, now)
	// timestamps must increase within the skew window
	if last, ok := a.lastTS[apiKey]; ok && now.Sub(time.Unix(last, 0)) <= a.skew && secs < last {
		return ErrReplay
	}
	if secs > a.lastTS[apiKey] {
		a.lastTS[apiKey] = secs
	}
	return nil
}

func (a *Authenticator) cacheLocked(apiKey string) *replayCache {
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newReplayCache(a.nonceTTL, a.capacity)
		a.caches[apiKey] = cache
	}
	return cache
}

// HydrateNonces loads persisted observations newer than cutoff into memory.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("auth: load nonces: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		if rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cacheLocked(rec.APIKey).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

type principalKey struct{}

// Middleware rejects requests that are not signed by a known operator and
// stores the Principal on the request context. The body is restored for the
// next handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyForSignature+1))
		if err != nil {
			http.Error(w, "unable to read body", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		principal, err := a.Authenticate(r, body)
		if err != nil {
			a.logger.Warn("operator authentication failed",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			status := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the operator stored by Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(*Principal)
	return principal, ok && principal != nil
}

// CanonicalRequestPath returns the path with its query parameters sorted.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature returns the HMAC-SHA256 over the newline joined request
// metadata and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")))
	return mac.Sum(nil)
}

// SignRequest sets the signature headers on r. Operator tooling and tests use
// it to produce requests the Authenticator accepts.
func SignRequest(r *http.Request, apiKey, secret string, body []byte, now time.Time, nonce string) {
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderAPIKey, apiKey)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature(secret, ts, nonce, r.Method, CanonicalRequestPath(r), body)))
}
