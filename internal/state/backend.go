package state

import (
	"context"
	"fmt"

	"github.com/stackd-io/stackd/internal/ir"
)

// Backend defines the interface for stack state storage backends.
type Backend interface {
	// Read loads the persisted stack state. A backend with no state for the
	// stack returns (nil, nil).
	Read(ctx context.Context) (*ir.StackState, error)

	// Write saves the stack state.
	Write(ctx context.Context, st *ir.StackState) error

	// Lock acquires an exclusive lock on the stack state.
	Lock() error

	// Unlock releases the lock on the stack state.
	Unlock() error
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `json:"type" yaml:"type"` // "local" or "s3"
	Config map[string]string `json:"config" yaml:"config"`
}

// NewBackend creates a state backend for one stack from configuration.
func NewBackend(cfg *BackendConfig, stackName string) (Backend, error) {
	if cfg == nil {
		cfg = &BackendConfig{Type: "local"}
	}

	switch cfg.Type {
	case "local", "":
		dir := cfg.Config["dir"]
		if dir == "" {
			dir = DefaultStateDir
		}
		return NewFileBackend(dir, stackName), nil
	case "s3":
		return newS3Backend(cfg.Config, stackName)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
