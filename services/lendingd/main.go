package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	genesiscfg "lpvault/config"
	"lpvault/core/events"
	"lpvault/gateway/auth"
	"lpvault/gateway/middleware"
	"lpvault/observability"
	"lpvault/observability/logging"
	telemetry "lpvault/observability/otel"
	"lpvault/services/lendingd/config"
	"lpvault/services/lendingd/journal"
	"lpvault/services/lendingd/server"
)

const staticFeedRefresh = 30 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("lendingd: %v", err)
	}
}

func run(cfgPath string) error {
	env := strings.TrimSpace(os.Getenv("LPVAULT_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New("lendingd", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, err := genesiscfg.Load(cfg.GenesisPath)
	if err != nil {
		return fmt.Errorf("load genesis %s: %w", cfg.GenesisPath, err)
	}

	telemetryCfg := telemetry.ConfigFromEnv("lendingd", env)
	telemetryCfg.Network = gen.NetworkName
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()
	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	mods, err := buildModules(gen, db, logger)
	if err != nil {
		return err
	}
	defer mods.close()

	dsn := cfg.Journal.DSN
	if dsn == "" {
		if err := os.MkdirAll(gen.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(gen.DataDir, "journal.db")
	}
	gormDB, err := journal.Open(dsn)
	if err != nil {
		return err
	}
	if err := journal.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	eventLog, err := journal.New(gormDB, logger.With(slog.String("component", "journal")))
	if err != nil {
		return err
	}
	mods.setEmitter(events.Multi{eventLog, observability.EventCounter{}})

	fresh, err := applyGenesis(ctx, gen, db, mods)
	if err != nil {
		return err
	}
	logger.Info("state ready",
		slog.String("network", gen.NetworkName),
		slog.Bool("genesis_applied", fresh),
		slog.String("storage", cfg.Storage.Backend))
	go refreshStaticFeeds(ctx, mods.staticFeeds, staticFeedRefresh)

	operators, closeNonces, err := buildOperatorAuth(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}
	defer closeNonces()

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	srv, err := server.New(server.Config{
		Lending:   mods.lending,
		Oracle:    mods.oracle,
		Positions: mods.positions,
		Journal:   eventLog,
		Pauses:    mods.pauses,
		Users: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.JWT.Secret != "",
			HMACSecret: cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			ClockSkew:  30 * time.Second,
		}, logger),
		Operators:        operators,
		AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
		RateLimiter:      middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendingd",
			Enabled:     true,
			LogRequests: true,
		}, logger),
		CORS:   middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	tlsCfg, err := server.LoadTLS(server.TLSOptions{
		CertFile:         cfg.TLS.CertPath,
		KeyFile:          cfg.TLS.KeyPath,
		ClientCAFile:     cfg.TLS.ClientCAPath,
		AllowInsecure:    cfg.TLS.AllowInsecure,
		AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
	})
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	httpListener, err := listen(cfg.ListenAddress, tlsCfg, env)
	if err != nil {
		return err
	}
	grpcListener, err := listen(cfg.GRPCListenAddress, tlsCfg, env)
	if err != nil {
		_ = httpListener.Close()
		return err
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer, health := server.NewGRPCServer(tlsCfg, logger)
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("http listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Bool("tls", tlsCfg != nil),
			slog.Bool("mtls", cfg.TLS.MTLSEnabled()))
		var err error
		if tlsCfg != nil {
			err = httpServer.ServeTLS(httpListener, "", "")
		} else {
			err = httpServer.Serve(httpListener)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", slog.String("addr", cfg.GRPCListenAddress))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("serve grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		logger.Error("server failed", slog.Any("error", runErr))
	}
	health.Shutdown()
	shutdown(httpServer, grpcServer, cfg.ShutdownTimeout, logger)
	return runErr
}

// buildOperatorAuth constructs the HMAC authenticator. The nonce store is
// optional; without it replay protection does not survive restarts.
func buildOperatorAuth(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (*auth.Authenticator, func(), error) {
	if len(cfg.Operators) == 0 {
		return nil, func() {}, nil
	}
	credentials := make(map[string]auth.Credential, len(cfg.Operators))
	for _, op := range cfg.Operators {
		credentials[op.APIKey] = auth.Credential{Secret: op.Secret, Account: op.Account}
		logger.Info("operator key loaded",
			slog.String("api_key", logging.MaskSecret(op.APIKey)),
			slog.String("account", op.Account))
	}
	opts := auth.Options{Logger: logger}
	closer := func() {}
	if cfg.NonceStore != "" {
		store, err := auth.OpenLevelDBNonces(cfg.NonceStore)
		if err != nil {
			return nil, nil, err
		}
		opts.Persistence = store
		closer = func() { _ = store.Close() }
	}
	authenticator := auth.NewAuthenticator(credentials, opts)
	if opts.Persistence != nil {
		if err := authenticator.HydrateNonces(ctx, time.Now().Add(-10*time.Minute)); err != nil {
			closer()
			return nil, nil, fmt.Errorf("hydrate nonces: %w", err)
		}
	}
	return authenticator, closer, nil
}

// listen opens addr. Plaintext listeners are restricted to loopback
// addresses outside the dev environment.
func listen(addr string, tlsCfg *tls.Config, env string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return nil, fmt.Errorf("plaintext listener %s is restricted to loopback or the dev environment", addr)
		}
	}
	return listener, nil
}

func shutdown(httpServer *http.Server, grpcServer *grpc.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("forcing grpc stop")
		grpcServer.Stop()
	}
}
