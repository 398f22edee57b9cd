package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("positions")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/positions/1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RatePerSecond: 1, Burst: 1},
		"oracle":    {RatePerSecond: 1, Burst: 1},
	}, nil)

	positionsHandler := limiter.Middleware("positions")(okHandler())
	oracleHandler := limiter.Middleware("oracle")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/positions/1", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	positionsHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected positions request to succeed, got %d", res.Code)
	}

	quoteReq := httptest.NewRequest(http.MethodGet, "/v1/oracle/prices/0xabc", nil)
	quoteReq.Header.Set("X-API-Key", "tenant-A")
	quoteRes := httptest.NewRecorder()
	oracleHandler.ServeHTTP(quoteRes, quoteReq)
	if quoteRes.Code != http.StatusOK {
		t.Fatalf("expected first oracle request to succeed, got %d", quoteRes.Code)
	}

	quoteRes = httptest.NewRecorder()
	oracleHandler.ServeHTTP(quoteRes, quoteReq)
	if quoteRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second oracle request to hit limit, got %d", quoteRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {
			RatePerSecond: 5,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/positions/1/liquidate": 3,
			},
		},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	handler := limiter.Middleware("positions")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/positions/1/liquidate", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first liquidation request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second liquidation request to exhaust the burst, got %d", res.Code)
	}

	// reads only consume the default cost
	healthReq := httptest.NewRequest(http.MethodGet, "/v1/positions/1/health", nil)
	healthRes := httptest.NewRecorder()
	handler.ServeHTTP(healthRes, healthReq)
	if healthRes.Code != http.StatusOK {
		t.Fatalf("expected health route to succeed with default token cost, got %d", healthRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("positions")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/positions/1", nil)
	reqA.Header.Set("X-API-Key", "tenant-A")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected tenant A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/v1/positions/1", nil)
	reqB.Header.Set("X-API-Key", "tenant-B")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected tenant B request to succeed, got %d", resB.Code)
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"positions": {RatePerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("positions")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/positions/1", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one tracked visitor, got %d", len(limiter.visitors))
	}

	now = now.Add(10 * time.Minute)
	other := httptest.NewRequest(http.MethodGet, "/v1/positions/1", nil)
	other.Header.Set("X-API-Key", "tenant-B")
	handler.ServeHTTP(httptest.NewRecorder(), other)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle visitor to be swept, got %d", len(limiter.visitors))
	}
}
