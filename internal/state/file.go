package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stackd-io/stackd/internal/ir"
)

// DefaultStateDir is where local stack state lives unless configured.
const DefaultStateDir = ".stackd"

// FileBackend stores one stack's state as a JSON file under a directory.
type FileBackend struct {
	dir   string
	stack string
}

// NewFileBackend returns a file backend for the named stack.
func NewFileBackend(dir, stackName string) *FileBackend {
	return &FileBackend{dir: dir, stack: stackName}
}

func (b *FileBackend) path() string {
	return filepath.Join(b.dir, b.stack+".json")
}

// Read loads the stack state. A missing file means the stack has never been
// persisted and returns (nil, nil).
func (b *FileBackend) Read(ctx context.Context) (*ir.StackState, error) {
	raw, err := os.ReadFile(b.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", b.path(), err)
	}

	if IsEncrypted(raw) {
		raw, err = DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
	}

	var st ir.StackState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", b.path(), err)
	}
	return &st, nil
}

// Write saves the stack state atomically: a temp file in the same directory
// is renamed over the previous state so readers never observe a torn write.
// If STACKD_STATE_ENCRYPTION_KEY is set the file is transparently encrypted.
func (b *FileBackend) Write(ctx context.Context, st *ir.StackState) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, b.stack+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file %s: %w", b.path(), err)
	}
	return nil
}

// Save implements the engine's persistence hook.
func (b *FileBackend) Save(ctx context.Context, st *ir.StackState) error {
	return b.Write(ctx, st)
}

// SaveSnapshot persists a snapshot next to the stack state.
func (b *FileBackend) SaveSnapshot(snap *ir.Snapshot) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	path := filepath.Join(b.dir, fmt.Sprintf("%s.snapshot.%s.json", b.stack, snap.ID))
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reads a snapshot by id.
func (b *FileBackend) LoadSnapshot(id string) (*ir.Snapshot, error) {
	path := filepath.Join(b.dir, fmt.Sprintf("%s.snapshot.%s.json", b.stack, id))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	var snap ir.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Snapshots lists the ids of persisted snapshots for the stack, oldest first.
func (b *FileBackend) Snapshots() ([]string, error) {
	prefix := b.stack + ".snapshot."
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Lock acquires a file lock on the state to prevent concurrent modifications.
func (b *FileBackend) Lock() error {
	lockPath := b.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	// A lock older than 10 minutes is considered stale.
	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) > 10*time.Minute {
			os.Remove(lockPath)
		} else {
			return fmt.Errorf("stack %q is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", b.stack, lockPath)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

// Unlock releases the state lock.
func (b *FileBackend) Unlock() error {
	if err := os.Remove(b.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (b *FileBackend) lockPath() string {
	return b.path() + ".lock"
}

// ListStacks returns the names of stacks persisted under dir.
func ListStacks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.Contains(name, ".snapshot.") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}
