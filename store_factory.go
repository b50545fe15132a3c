package chargeq

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/lease/logging"
	"pkt.systems/chargeq/internal/lease/memory"
	"pkt.systems/chargeq/internal/lease/mongostore"
	"pkt.systems/chargeq/internal/lease/retry"
	"pkt.systems/chargeq/internal/lease/sqlstore"
)

// StoreBackend names the implementation behind a store URL.
func StoreBackend(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return "memory", nil
	case "mongodb", "mongodb+srv":
		return "mongodb", nil
	case "sqlserver":
		return string(sqlstore.DialectSQLServer), nil
	case "sqlite3", "sqlite":
		return string(sqlstore.DialectSQLite), nil
	default:
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// OpenStore opens the lease store named by cfg.Store and wraps it with
// tracing and transient-error retries. cfg must be validated.
func OpenStore(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (lease.Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk = clock.Or(clk)
	backend, raw, err := openBackend(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	logger.Info("store.opened", "backend", backend, "prefix", cfg.StorePrefix)
	store := logging.Wrap(raw, logger.With("layer", "backend"), backend)
	store = retry.Wrap(store, logger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StoreRetryMaxAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
		Multiplier:  cfg.StoreRetryMultiplier,
	})
	return store, nil
}

func openBackend(ctx context.Context, cfg Config, clk clock.Clock) (string, lease.Store, error) {
	backend, err := StoreBackend(cfg.Store)
	if err != nil {
		return "", nil, err
	}
	opts := lease.Options{Clock: clk, LeaseTimeout: cfg.LeaseTimeout, HardTTL: cfg.LeaseHardTTL}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreConnectTimeout)
	defer cancel()
	switch backend {
	case "memory":
		return backend, memory.New(opts), nil
	case "mongodb":
		store, err := mongostore.New(connectCtx, mongostore.Config{
			URI:              cfg.Store,
			Database:         cfg.StoreDatabase,
			CollectionPrefix: cfg.StorePrefix,
			ConnectTimeout:   cfg.StoreConnectTimeout,
			Options:          opts,
		})
		if err != nil {
			return "", nil, err
		}
		return backend, store, nil
	case string(sqlstore.DialectSQLServer):
		store, err := sqlstore.Open(connectCtx, sqlstore.Config{
			Dialect:     sqlstore.DialectSQLServer,
			DSN:         cfg.Store,
			TablePrefix: cfg.StorePrefix,
			Options:     opts,
		})
		if err != nil {
			return "", nil, err
		}
		return backend, store, nil
	default:
		dsn, err := SQLiteDSN(cfg.Store)
		if err != nil {
			return "", nil, err
		}
		store, err := sqlstore.Open(connectCtx, sqlstore.Config{
			Dialect:     sqlstore.DialectSQLite,
			DSN:         dsn,
			TablePrefix: cfg.StorePrefix,
			Options:     opts,
		})
		if err != nil {
			return "", nil, err
		}
		return backend, store, nil
	}
}

// SQLiteDSN converts sqlite3:///abs/path.db?opts or sqlite3://rel/path.db
// into a go-sqlite3 file DSN. A busy timeout is added unless present.
func SQLiteDSN(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	path := u.Host + u.Path
	if path == "" {
		return "", fmt.Errorf("sqlite store missing path (expected sqlite3:///path/to/leases.db)")
	}
	path = filepath.Clean(path)
	query := u.Query()
	if query.Get("_busy_timeout") == "" {
		query.Set("_busy_timeout", "5000")
	}
	return "file:" + path + "?" + query.Encode(), nil
}
