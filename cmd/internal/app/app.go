// Package app wires the parley server runtime: config, logging, the session
// engine, and the HTTP/WebSocket surfaces.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/api"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/engine"
	"parley/cmd/internal/gateway"
	"parley/cmd/internal/generate"
	"parley/cmd/internal/history"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the parley server runtime: it owns HTTP server wiring and the
// session engine dependencies.
type App struct {
	cfg Config
	log Logger

	store history.Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *engine.Registry
	ws       *gateway.Gateway
	rest     *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	gen, err := newGenerateClient(cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	flow := engine.NewFlowController(cfg.GenConcurrency, cfg.GenQueueDepth)

	engCfg := engine.Config{
		Model:            cfg.Model,
		SystemPrompt:     cfg.SystemPrompt,
		WindowTurns:      cfg.WindowTurns,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     cfg.RetryBackoff,
		AttemptTimeout:   cfg.AttemptTimeout,
		IncrementTimeout: cfg.IncrementTimeout,
		TurnWatchdog:     cfg.TurnWatchdog,
		CancelGrace:      cfg.CancelGrace,
		CancelOnDetach:   cfg.CancelOnDetach,
	}

	registry := engine.NewRegistry(log, store, gen, flow, engCfg, cfg.SessionIdleTTL, cfg.EvictInterval)

	ws := gateway.NewGateway(log, registry, verifier)
	rest := api.NewHandler(log, store, registry, verifier)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		registry:  registry,
		ws:        ws,
		rest:      rest,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.rest)

	handler := WithRequestLogging(mux, a.log)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Idle eviction runs for the lifetime of the server.
	evictCtx, evictCancel := context.WithCancel(context.Background())
	defer evictCancel()
	go a.registry.Run(evictCtx)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"backend", a.cfg.Backend,
		"model", a.cfg.Model,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Stop eviction, then close store resources (pool etc).
	evictCancel()
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev
// store.
func newStore(ctx context.Context, cfg Config, log Logger) (history.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return history.NewInMemoryStore(), nil, false, nil
	}

	pool, err := newHistoryPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	store, err := history.NewPostgresStore(pool, history.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

// newGenerateClient selects the generation backend.
func newGenerateClient(cfg Config, log Logger) (generate.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "ollama":
		log.Info("backend.ollama", "url", cfg.OllamaURL, "model", cfg.Model)
		return generate.NewOllamaClient(cfg.OllamaURL, 10*time.Second), nil
	case "script":
		// Dev echo backend, no external dependency.
		log.Info("backend.script")
		return generate.NewScriptClient(), nil
	default:
		return nil, errors.New("unknown PARLEY_BACKEND: " + cfg.Backend)
	}
}

// newVerifier selects HMAC token auth when a key is configured, falling back
// to the insecure dev verifier only when policy allows it.
func newVerifier(cfg Config, log Logger) (auth.Verifier, error) {
	key, err := auth.HMACKeyFromEnv()
	switch {
	case err == nil:
		v, err := auth.NewHMACVerifier(key)
		if err != nil {
			return nil, err
		}
		log.Info("auth.hmac_enabled")
		return v, nil
	case errors.Is(err, auth.ErrHMACKeyMissing) && !cfg.RequireAuthHMAC:
		log.Warn("auth.insecure_dev_verifier")
		return auth.InsecureVerifier{}, nil
	default:
		return nil, err
	}
}

// runtimeBaseURL derives a browsable base URL from a bind address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL converts an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
