package chargeq

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
)

func TestStoreBackend(t *testing.T) {
	cases := map[string]string{
		"":                              "memory",
		"mem://":                        "memory",
		"memory://":                     "memory",
		"mongodb://localhost:27017/x":   "mongodb",
		"mongodb+srv://cluster.example": "mongodb",
		"sqlserver://sa:pw@localhost":   "sqlserver",
		"sqlite3:///var/lib/leases.db":  "sqlite3",
		"sqlite://leases.db":            "sqlite3",
	}
	for raw, want := range cases {
		got, err := StoreBackend(raw)
		if err != nil {
			t.Fatalf("StoreBackend(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("StoreBackend(%q) = %q, want %q", raw, got, want)
		}
	}
	if _, err := StoreBackend("s3://bucket"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := SQLiteDSN("sqlite3:///var/lib/chargeq/leases.db")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if dsn != "file:/var/lib/chargeq/leases.db?_busy_timeout=5000" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	dsn, err = SQLiteDSN("sqlite3://data/leases.db?_busy_timeout=100&_journal_mode=WAL")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:data/leases.db?") || !strings.Contains(dsn, "_busy_timeout=100") || !strings.Contains(dsn, "_journal_mode=WAL") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if _, err := SQLiteDSN("sqlite3://"); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	ctx := context.Background()
	cfg := Config{BotToken: testToken, DisableWitness: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	store, err := OpenStore(ctx, cfg, pslog.NoopLogger(), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close(ctx)
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	acq, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "owner-a")
	if err != nil {
		t.Fatalf("try create: %v", err)
	}
	if acq.Lease.OwnerID != "owner-a" || !acq.Lease.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("unexpected lease %+v", acq.Lease)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.db")
	cfg := Config{BotToken: testToken, DisableWitness: true, Store: "sqlite3://" + path}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	store, err := OpenStore(ctx, cfg, pslog.NoopLogger(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close(ctx)
	if _, err := store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, "owner-a"); err != nil {
		t.Fatalf("try create: %v", err)
	}
	snap, err := ListLeases(ctx, store)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snap.Leases) != 1 || snap.Leases[0].Name != lease.NameExecution {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
