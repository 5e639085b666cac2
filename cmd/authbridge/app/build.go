package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	authbridge "github.com/giantswarm/mcp-authbridge"
	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/internal/config"
	"github.com/giantswarm/mcp-authbridge/paywall"
	"github.com/giantswarm/mcp-authbridge/providers/oidc"
	"github.com/giantswarm/mcp-authbridge/security"
	"github.com/giantswarm/mcp-authbridge/server"
	"github.com/giantswarm/mcp-authbridge/storage"
	"github.com/giantswarm/mcp-authbridge/storage/memory"
	"github.com/giantswarm/mcp-authbridge/storage/sqlstore"
	"github.com/giantswarm/mcp-authbridge/storage/valkey"
)

// bridge holds the wired process components
type bridge struct {
	server  *server.Server
	mux     *http.ServeMux
	inst    *instrumentation.Instrumentation
	closers []func()
}

// Close releases the store connection and background workers
func (b *bridge) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// build wires every component described by cfg
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *bridge, err error) {
	b := &bridge{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	b.inst, err = instrumentation.New(instrumentation.Config{
		ServiceVersion: Version,
		Enabled:        cfg.Metrics.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg.Storage, logger, b.inst)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeStore)

	provider, err := oidc.New(ctx, oidc.Config{
		Issuer:        cfg.IdP.Issuer,
		ClientID:      cfg.IdP.ClientID,
		SignInURL:     cfg.IdP.SignInURL,
		SessionCookie: cfg.IdP.SessionCookie,
		AllowInsecure: cfg.AllowInsecureHTTP,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up identity provider: %w", err)
	}

	b.server, err = server.New(provider, store, cfg.ServerConfig(), logger)
	if err != nil {
		return nil, err
	}
	b.server.SetInstrumentation(b.inst)

	auditor := security.NewAuditor(logger, cfg.AuditLogging)
	auditor.SetInstrumentation(b.inst)
	b.server.SetAuditor(auditor)

	if cfg.RateLimit.RPS > 0 {
		rl := security.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
		b.closers = append(b.closers, rl.Stop)
		b.server.SetRateLimiter(rl)
	}

	client, err := paywall.NewHTTPClient(paywall.HTTPConfig{
		BaseURL:         cfg.Paywall.BaseURL,
		APIKey:          cfg.Paywall.APIKey,
		Timeout:         cfg.Paywall.Timeout,
		Logger:          logger,
		Instrumentation: b.inst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up paywall client: %w", err)
	}
	svc := paywall.NewService(client, paywall.ServiceConfig{
		CacheTTL:        cfg.Paywall.CacheTTL,
		CacheMaxEntries: cfg.Paywall.CacheMaxEntries,
		Logger:          logger,
		Instrumentation: b.inst,
	})

	handler := authbridge.NewHandler(b.server, svc, logger)
	handler.SetInstrumentation(b.inst)

	b.mux = http.NewServeMux()
	handler.RegisterRoutes(b.mux)
	b.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.Metrics.Enabled {
		b.mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	return b, nil
}

// openStore opens the refresh token store selected by cfg. The returned
// func releases it.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.RefreshTokenStore, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		logger.Warn("Using in-memory refresh token store; tokens are lost on restart")
		return store, store.Stop, nil

	case config.BackendValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		store.SetInstrumentation(inst)
		return store, store.Close, nil

	case config.BackendSQL:
		store, err := openSQLStore(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.SQLAutoMigrate {
			if _, err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		store.SetInstrumentation(inst)
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, &server.ConfigError{Field: "storage.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

func openSQLStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*sqlstore.Store, error) {
	dialect, err := sqlstore.ParseDialect(cfg.SQLDialect)
	if err != nil {
		return nil, &server.ConfigError{Field: "storage.sql_dialect", Reason: err.Error()}
	}
	return sqlstore.Open(ctx, sqlstore.Config{
		Dialect: dialect,
		DSN:     cfg.SQLDSN,
		Logger:  logger,
	})
}
