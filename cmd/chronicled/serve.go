package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/api"
	"github.com/trialmesh/chronicle/pkg/config"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/export"
	"github.com/trialmesh/chronicle/pkg/guard"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/observability"
	"github.com/trialmesh/chronicle/pkg/store"
	"github.com/trialmesh/chronicle/pkg/verify"
)

// combinedStore is the persistence surface one backend provides to every
// subsystem. Both SQLite and Postgres satisfy it.
type combinedStore interface {
	ledger.Store
	evidence.Store
	anchor.BatchStore
	conflict.Store
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default()

	ctx := context.Background()

	var profile *config.Profile
	if cfg.Profile != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			logger.Error("failed to load deployment profile", "profile", cfg.Profile, "error", err)
			return 1
		}
		profile = p
		cfg.ApplyProfile(p)
		logger.Info("deployment profile loaded", "name", p.Name, "code", p.Code)
	}

	if cfg.IdentitySalt == "" {
		logger.Error("CHRONICLE_IDENTITY_SALT is required; actor identities are never stored raw")
		return 1
	}
	hasher, err := evidence.NewIdentityHasher([]byte(cfg.IdentitySalt))
	if err != nil {
		logger.Error("invalid identity salt", "error", err)
		return 1
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer closeStore()

	lg := ledger.New(st)
	if profile != nil {
		if d := profile.SkewTolerance(); d > 0 {
			lg = lg.WithSkewTolerance(d)
		}
		g, err := buildGuard(profile)
		if err != nil {
			logger.Error("failed to build payload guard", "error", err)
			return 1
		}
		if g != nil {
			lg = lg.WithGuard(g)
			logger.Info("payload guard active", "rules", len(profile.Guard.Rules))
		}
	}

	builder := evidence.NewBuilder(st, hasher)
	manager := conflict.NewManager(st, lg)
	streamVerifier := verify.NewStreamVerifier(st)
	exporter := export.NewExporter(st)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.SampleRate = cfg.TraceSampleRate
	obsCfg.Enabled = cfg.TracingEnabled
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()

	var anchorVerifier *verify.AnchorVerifier
	authorityURL := cfg.AuthorityURL
	if authorityURL == "" && profile != nil {
		authorityURL = profile.Anchor.AuthorityURL
	}
	if authorityURL != "" {
		authority := anchor.NewHTTPAuthority(anchor.HTTPAuthorityConfig{URL: authorityURL})
		client := anchor.NewClient(st, builder, authority, buildDeduper(ctx, cfg, logger), logger)
		worker := anchor.NewWorker(client, st, st, workerConfig(profile), logger)
		worker.Start()
		defer worker.Stop()
		anchorVerifier = verify.NewAnchorVerifier(st, authority)
		logger.Info("anchoring active", "authority", authorityURL)
	} else {
		logger.Warn("no timestamp authority configured; anchor proofs will stay pending")
	}

	validator := api.NewJWTValidator([]byte(cfg.JWTSecret))
	if validator == nil {
		logger.Warn("CHRONICLE_JWT_SECRET not set; every API request will be rejected")
	}

	server := api.NewServer(api.Deps{
		Ledger:    lg,
		Store:     st,
		Manager:   manager,
		Evidence:  builder,
		Bundles:   st,
		Verifier:  streamVerifier,
		Anchors:   anchorVerifier,
		Exporter:  exporter,
		Observer:  obs,
		Validator: validator,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chronicle listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

// setupLogging installs the process-wide logger at the configured level.
func setupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// openStore opens postgres when DATABASE_URL is set, the SQLite file
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) (combinedStore, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		st := store.NewPostgresStore(db)
		if err := st.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to init postgres schema: %w", err)
		}
		slog.Info("store ready", "backend", "postgres")
		return st, func() { _ = db.Close() }, nil
	}

	st, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite at %s: %w", cfg.SQLitePath, err)
	}
	slog.Info("store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	return st, func() { _ = st.Close() }, nil
}

// buildGuard compiles the profile's schema and rules; nil means the profile
// carries no payload policy.
func buildGuard(p *config.Profile) (*guard.Guard, error) {
	schema, err := p.GuardSchema()
	if err != nil {
		return nil, err
	}
	if schema == "" && len(p.Guard.Rules) == 0 {
		return nil, nil
	}
	return guard.New(schema, p.Guard.Rules)
}

// buildDeduper returns the redis-backed deduper when configured and
// reachable, the in-process one otherwise.
func buildDeduper(ctx context.Context, cfg *config.Config, logger *slog.Logger) anchor.Deduper {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to in-memory dedupe", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	logger.Info("anchor dedupe backed by redis", "addr", cfg.RedisAddr)
	return anchor.NewRedisDeduper(rdb, 24*time.Hour)
}

// workerConfig maps profile anchor settings onto the worker schedule. Zero
// values keep the worker defaults.
func workerConfig(p *config.Profile) anchor.WorkerConfig {
	var cfg anchor.WorkerConfig
	if p == nil {
		return cfg
	}
	a := p.Anchor
	cfg.SubmitInterval = time.Duration(a.SubmitIntervalSecs) * time.Second
	cfg.PollInterval = time.Duration(a.PollIntervalSecs) * time.Second
	cfg.BatchLimit = a.BatchLimit
	cfg.RetryInitial = time.Duration(a.RetryInitialSecs) * time.Second
	cfg.RetryMax = time.Duration(a.RetryMaxSecs) * time.Second
	return cfg
}
