package ids_test

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/chargeq/internal/ids"
)

func TestNewOwnerIDCarriesPidAndUUIDv7(t *testing.T) {
	t.Parallel()

	id := ids.NewOwnerID()
	marker := fmt.Sprintf("-%d-", os.Getpid())
	idx := strings.LastIndex(id, marker)
	if idx < 0 {
		t.Fatalf("owner id %q missing pid marker %q", id, marker)
	}
	parsed, err := uuid.Parse(id[idx+len(marker):])
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7 UUID, got %d", parsed.Version())
	}
	if other := ids.NewOwnerID(); other == id {
		t.Fatal("expected unique owner ids")
	}
}

func TestNewLockIDParsesAsXID(t *testing.T) {
	t.Parallel()

	raw := ids.NewLockID()
	if _, err := xid.FromString(raw); err != nil {
		t.Fatalf("xid.FromString(%q): %v", raw, err)
	}
	if ids.NewLockID() == raw {
		t.Fatal("expected unique lock ids")
	}
}
