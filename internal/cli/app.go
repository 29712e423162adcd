package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/pivox-go/pivox/internal/cache"
	"github.com/pivox-go/pivox/internal/config"
	"github.com/pivox-go/pivox/internal/kvstore"
	"github.com/pivox-go/pivox/internal/pool"
	"github.com/pivox-go/pivox/internal/validator"
)

// app bundles the wiring every subcommand needs: config, store, cache,
// and pool manager, built once per invocation.
type app struct {
	cfg   config.Config
	store kvstore.Store
	cache *cache.TieredCache
	pool  *pool.Manager
}

func newApp(log *slog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}

	store, err := kvstore.NewSQLite(filepath.Join(cfg.CacheDir, "pivox.db"))
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: fmt.Errorf("open cache store: %w", err)}
	}

	c := cache.New(store, cache.DefaultCapacities())
	if err := c.Load(context.Background()); err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: fmt.Errorf("load cache: %w", err)}
	}

	mgr := pool.New(pool.Config{
		Sources:           cfg.Adapters(log),
		Validator:         validator.New(validator.DefaultConcurrency),
		Cache:             c,
		TestURL:           cfg.TestURL,
		ValidationTimeout: cfg.ValidationTimeout,
		RefreshInterval:   cfg.RefreshInterval,
		Logger:            log,
	})

	return &app{cfg: cfg, store: store, cache: c, pool: mgr}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}
