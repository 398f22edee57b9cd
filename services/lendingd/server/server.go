// Package server exposes the vault modules over HTTP. Reads are public,
// account operations require a bearer token whose subject is the acting
// account, and governance routes require an HMAC-signed operator request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"lpvault/core/types"
	"lpvault/gateway/auth"
	"lpvault/gateway/middleware"
	nativecommon "lpvault/native/common"
	"lpvault/native/lending"
	"lpvault/native/oracle"
	"lpvault/native/positions"
	"lpvault/services/lendingd/journal"
)

const (
	requestBodyLimit      = 1 << 20 // 1 MiB
	defaultRequestTimeout = 10 * time.Second
)

// Config wires the server to the module engines and the gateway middleware.
// Lending, Oracle and Positions are required.
type Config struct {
	Lending   *lending.Engine
	Oracle    *oracle.Engine
	Positions *positions.Keeper
	Journal   *journal.Journal
	Pauses    *nativecommon.Pauses

	Users            *middleware.Authenticator
	Operators        *auth.Authenticator
	AllowedClientCNs []string
	RateLimiter      *middleware.RateLimiter
	Observability    *middleware.Observability
	CORS             middleware.CORSConfig

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server serves the lendingd HTTP API.
type Server struct {
	cfg        Config
	lending    *lending.Engine
	oracle     *oracle.Engine
	positions  *positions.Keeper
	journal    *journal.Journal
	pauses     *nativecommon.Pauses
	allowedCNs map[string]struct{}
	timeout    time.Duration
	logger     *slog.Logger
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Lending == nil {
		return nil, errors.New("server: lending engine is required")
	}
	if cfg.Oracle == nil {
		return nil, errors.New("server: oracle engine is required")
	}
	if cfg.Positions == nil {
		return nil, errors.New("server: positions keeper is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedClientCNs))
	for _, cn := range cfg.AllowedClientCNs {
		if trimmed := strings.TrimSpace(cn); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return &Server{
		cfg:        cfg,
		lending:    cfg.Lending,
		oracle:     cfg.Oracle,
		positions:  cfg.Positions,
		journal:    cfg.Journal,
		pauses:     cfg.Pauses,
		allowedCNs: allowed,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cfg.CORS))
	obs := s.cfg.Observability

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			s.instrument(pub, "public")
			pub.Get("/lending/params", s.handleGetParams)
			pub.Get("/lending/pools/{pool}", s.handleGetPool)
			pub.Get("/lending/totals", s.handleTotals)
			pub.Get("/accounts/{account}/balance", s.handleBalance)
			pub.Get("/accounts/{account}/positions", s.handleAccountPositions)
			pub.Get("/positions", s.handleListPositions)
			pub.Get("/positions/{id}", s.handleGetPosition)
			pub.Get("/positions/{id}/health", s.handleHealth)
			pub.Get("/nfts/{nft}", s.handleGetNFT)
			pub.Get("/oracle/tokens", s.handleOracleTokens)
			pub.Get("/oracle/sources/{token}", s.handleOracleSource)
			pub.Get("/oracle/prices/{token}", s.handleOraclePrice)
			pub.Get("/oracle/valid-period", s.handleGetValidPeriod)
			pub.Get("/events", s.handleListEvents)
			pub.Get("/events/stream", s.handleEventStream)
		})

		v1.Group(func(user chi.Router) {
			s.instrument(user, "positions")
			if s.cfg.Users != nil {
				user.Use(s.cfg.Users.Middleware())
			}
			user.Post("/positions", s.handleDeposit)
			user.Post("/positions/{id}/borrow", s.handleBorrow)
			user.Post("/positions/{id}/repay", s.handleRepay)
			user.Post("/positions/{id}/withdraw", s.handleWithdraw)
			user.Post("/positions/{id}/liquidate", s.handleLiquidate)
			user.Post("/positions/{id}/transfer", s.handleTransferPosition)
			user.Post("/positions/{id}/approve", s.handleApprove)
			user.Post("/accounts/operators", s.handleSetOperator)
			user.Post("/transfers", s.handleTransfer)
		})

		v1.Group(func(op chi.Router) {
			s.instrument(op, "operator")
			op.Use(s.requireClientCN)
			op.Use(s.requireOperator)
			op.Post("/oracle/sources", s.handleAddSources)
			op.Delete("/oracle/sources", s.handleRemoveSources)
			op.Put("/oracle/prices/{token}", s.handleSetFallbackPrice)
			op.Put("/oracle/valid-period", s.handleSetValidPeriod)
			op.Post("/oracle/admins", s.handleOracleAdmin)
			op.Put("/lending/params", s.handleSetParams)
			op.Put("/lending/pools/{pool}", s.handleSetPool)
			op.Put("/lending/paused", s.handleSetPaused)
			op.Post("/lending/admins", s.handleLendingAdmin)
			op.Post("/lending/treasury/withdraw", s.handleWithdrawTreasury)
			op.Post("/nfts", s.handleMintNFT)
			op.Put("/nfts/{nft}/amounts", s.handleSetAmounts)
			op.Put("/pauses/{module}", s.handleSetPause)
		})
	})
	return r
}

func (s *Server) instrument(r chi.Router, name string) {
	if s.cfg.RateLimiter != nil {
		r.Use(s.cfg.RateLimiter.Middleware(name))
	}
	if s.cfg.Observability != nil {
		r.Use(s.cfg.Observability.Middleware(name))
	}
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// requireClientCN enforces the configured client certificate allow list.
// Requests pass through untouched when no list is configured.
func (s *Server) requireClientCN(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedCNs) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if _, ok := s.allowedCNs[cn]; !ok {
			s.logger.Warn("operator certificate rejected", slog.String("common_name", cn))
			writeError(w, http.StatusForbidden, "client certificate not authorised")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	if s.cfg.Operators == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusUnauthorized, "operator authentication not configured")
		})
	}
	return s.cfg.Operators.Middleware(next)
}

// userCall resolves the bearer account into a call context.
func userCall(r *http.Request) (types.CallContext, error) {
	addr, ok := middleware.Account(r.Context())
	if !ok {
		return types.CallContext{}, errUnauthenticated
	}
	return types.DirectCall(addr), nil
}

// operatorCall resolves the signing operator into a call context.
func operatorCall(r *http.Request) (types.CallContext, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return types.CallContext{}, errUnauthenticated
	}
	addr, err := parseAccount("operator account", principal.Account)
	if err != nil {
		return types.CallContext{}, errUnauthenticated
	}
	return types.DirectCall(addr), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathAccount(r *http.Request, name string) (common.Address, error) {
	return parseAccount(name, chi.URLParam(r, name))
}

func pathID(r *http.Request, name string) (uint64, error) {
	return parseID(name, chi.URLParam(r, name))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeError(w, status, message)
}
