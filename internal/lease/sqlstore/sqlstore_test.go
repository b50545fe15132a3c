package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/lease/sqlstore"
	"pkt.systems/chargeq/internal/lease/storetest"
)

func TestSQLiteStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts lease.Options) lease.Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "leases.db") + "?_busy_timeout=5000"
		store, err := sqlstore.Open(context.Background(), sqlstore.Config{
			Dialect: sqlstore.DialectSQLite,
			DSN:     dsn,
			Options: opts,
		})
		if err != nil {
			t.Fatalf("sqlstore.Open: %v", err)
		}
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store
	})
}

var prefixSeq atomic.Int64

func TestSQLServerStoreConformance(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CHARGEQ_TEST_SQLSERVER_DSN"))
	if dsn == "" {
		t.Skip("CHARGEQ_TEST_SQLSERVER_DSN not set")
	}
	run := time.Now().Unix()
	storetest.Run(t, func(t *testing.T, opts lease.Options) lease.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		prefix := fmt.Sprintf("cq%d_%d_", run, prefixSeq.Add(1))
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:     sqlstore.DialectSQLServer,
			DSN:         dsn,
			TablePrefix: prefix,
			Options:     opts,
		})
		if err != nil {
			t.Fatalf("sqlstore.Open: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = store.DropTables(ctx)
			_ = store.Close(ctx)
		})
		return store
	})
}

func TestOpenRejectsBadConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: "postgres", DSN: "x"}); err == nil {
		t.Fatal("expected unsupported dialect error")
	}
	if _, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.DialectSQLite, DSN: "file::memory:", TablePrefix: "bad;prefix"}); err == nil {
		t.Fatal("expected invalid prefix error")
	}
	if _, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.DialectSQLite}); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestSQLiteHardTTLDropsAbandonedLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect: sqlstore.DialectSQLite,
		DSN:     "file:" + filepath.Join(t.TempDir(), "ttl.db"),
		Options: lease.Options{LeaseTimeout: time.Millisecond, HardTTL: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("sqlstore.Open: %v", err)
	}
	defer store.Close(ctx)
	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a"); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	acq, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "b")
	if err != nil {
		t.Fatalf("TryCreate after TTL: %v", err)
	}
	if acq.Reclaimed != nil {
		t.Fatalf("expected TTL removal rather than reclamation, got %+v", acq.Reclaimed)
	}
	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "b"); err != nil {
		t.Fatalf("reentrant TryCreate: %v", err)
	}
	_, err = store.TryCreate(ctx, lease.NameExecution, lease.KindMaster, "")
	if !errors.Is(err, lease.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
