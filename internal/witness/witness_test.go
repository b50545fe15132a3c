package witness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newWitness(t *testing.T, path, owner string) *Witness {
	t.Helper()
	w, err := New(Config{Path: path, OwnerID: owner})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Remove() })
	return w
}

func writeMarker(t *testing.T, path string, m Marker) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCreateAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	ctx := context.Background()

	status, err := w.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	m, err := w.Read()
	require.NoError(t, err)
	require.Equal(t, "owner-a", m.OwnerID)
	require.Equal(t, os.Getpid(), m.PID)

	status, err = w.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}

func TestVerifyRecreatesMissingMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	ctx := context.Background()
	_, err := w.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	status, err := w.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusRecreated, status)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestVerifyRecreatesCorruptMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	status, err := w.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusRecreated, status)
	m, err := w.Read()
	require.NoError(t, err)
	require.Equal(t, "owner-a", m.OwnerID)
}

func TestVerifyReportsLiveForeignMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	foreign := Marker{OwnerID: "owner-b", PID: os.Getppid(), Host: "elsewhere", CreatedAt: time.Now()}
	writeMarker(t, path, foreign)

	status, err := w.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusForeign, status)
	m, err := w.Read()
	require.NoError(t, err)
	require.Equal(t, "owner-b", m.OwnerID, "live foreign marker must be left alone")
}

func TestVerifyReplacesDeadForeignMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	writeMarker(t, path, Marker{OwnerID: "owner-b", PID: 0x7ffffff0, CreatedAt: time.Now()})

	status, err := w.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusRecreated, status)
	m, err := w.Read()
	require.NoError(t, err)
	require.Equal(t, "owner-a", m.OwnerID)
}

func TestCreateReportsLiveForeignMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	writeMarker(t, path, Marker{OwnerID: "owner-b", PID: os.Getppid(), CreatedAt: time.Now()})

	status, err := w.Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusForeign, status)
	m, err := w.Read()
	require.NoError(t, err)
	require.Equal(t, "owner-a", m.OwnerID)
}

func TestRemoveLeavesForeignMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	_, err := w.Create(context.Background())
	require.NoError(t, err)
	writeMarker(t, path, Marker{OwnerID: "owner-b", PID: os.Getppid(), CreatedAt: time.Now()})

	require.NoError(t, w.Remove())
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestRemoveDeletesOwnMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	_, err := w.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, w.Remove())
	require.NoError(t, w.Remove())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestChangesSignalsExternalRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargeq.witness")
	w := newWitness(t, path, "owner-a")
	_, err := w.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("expected change notification after removal")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{OwnerID: "x"})
	require.Error(t, err)
	_, err = New(Config{Path: "/tmp/x"})
	require.Error(t, err)
}
