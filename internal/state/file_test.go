package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
)

func sampleState() *ir.StackState {
	return &ir.StackState{
		Name:   "web",
		ID:     "stack-1",
		Action: ir.ActionCreate,
		Status: ir.StatusComplete,
		Resources: []*ir.RecordRow{
			{
				Name:       "net",
				UUID:       "uuid-net",
				Type:       "test::noop",
				Action:     ir.ActionCreate,
				Status:     ir.StatusComplete,
				ResourceID: "net-1",
				Data:       map[string]string{"cidr": "10.0.0.0/16"},
				Definition: &ir.Definition{Type: "test::noop", Properties: map[string]any{"cidr": "10.0.0.0/16"}},
			},
			{
				Name:       "app",
				UUID:       "uuid-app",
				Type:       "test::noop",
				Action:     ir.ActionCreate,
				Status:     ir.StatusComplete,
				ResourceID: "app-1",
				Definition: &ir.Definition{Type: "test::noop", DependsOn: []string{"net"}},
			},
		},
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, "web")

	st, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st, "unpersisted stack should read as nil")

	require.NoError(t, b.Write(context.Background(), sampleState()))

	got, err := b.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, ir.ActionCreate, got.Action)
	assert.Equal(t, ir.StatusComplete, got.Status)
	require.Len(t, got.Resources, 2)
	assert.Equal(t, "net-1", got.Resources[0].ResourceID)
	assert.Equal(t, map[string]string{"cidr": "10.0.0.0/16"}, got.Resources[0].Data)
	assert.Equal(t, []string{"net"}, got.Resources[1].Definition.DependsOn)
}

func TestFileBackendWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, "web")

	require.NoError(t, b.Write(context.Background(), sampleState()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files should survive a write")
	assert.Equal(t, "web.json", entries[0].Name())
}

func TestFileBackendLock(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, "web")

	require.NoError(t, b.Lock())

	err := b.Lock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")

	require.NoError(t, b.Unlock())
	require.NoError(t, b.Lock())
	require.NoError(t, b.Unlock())
}

func TestFileBackendStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, "web")

	lockPath := filepath.Join(dir, "web.json.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("pid=1\n"), 0644))
	stale := time.Now().Add(-11 * time.Minute)
	require.NoError(t, os.Chtimes(lockPath, stale, stale))

	require.NoError(t, b.Lock())
	require.NoError(t, b.Unlock())
}

func TestFileBackendEncryptedRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "0123456789abcdef0123456789abcdef")

	dir := t.TempDir()
	b := NewFileBackend(dir, "web")
	require.NoError(t, b.Write(context.Background(), sampleState()))

	raw, err := os.ReadFile(filepath.Join(dir, "web.json"))
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw), "state on disk should be encrypted")
	assert.NotContains(t, string(raw), "net-1")

	got, err := b.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "net-1", got.Resources[0].ResourceID)
}

func TestFileBackendSnapshots(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(dir, "web")

	snap := &ir.Snapshot{
		ID:        "snap-1",
		StackName: "web",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Resources: map[string]*ir.RecordSnapshot{
			"net": {ResourceID: "net-1", Data: map[string]string{"cidr": "10.0.0.0/16"}},
		},
	}
	require.NoError(t, b.SaveSnapshot(snap))

	ids, err := b.Snapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1"}, ids)

	got, err := b.LoadSnapshot("snap-1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.StackName)
	assert.Equal(t, "net-1", got.Resources["net"].ResourceID)
}

func TestListStacks(t *testing.T) {
	dir := t.TempDir()

	names, err := ListStacks(dir)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, NewFileBackend(dir, "web").Write(context.Background(), sampleState()))
	beta := sampleState()
	beta.Name = "beta"
	require.NoError(t, NewFileBackend(dir, "beta").Write(context.Background(), beta))
	require.NoError(t, NewFileBackend(dir, "web").SaveSnapshot(&ir.Snapshot{ID: "s1", StackName: "web"}))

	names, err = ListStacks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "web"}, names, "snapshot files must not be listed as stacks")
}

func TestNewBackendLocal(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(&BackendConfig{Type: "local", Config: map[string]string{"dir": dir}}, "web")
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), sampleState()))

	st, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "web", st.Name)
}

func TestNewBackendUnknownType(t *testing.T) {
	_, err := NewBackend(&BackendConfig{Type: "gcs"}, "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}
