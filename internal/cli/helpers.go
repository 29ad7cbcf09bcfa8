package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackd-io/stackd/internal/engine"
	"github.com/stackd-io/stackd/internal/eval"
	"github.com/stackd-io/stackd/internal/ir"
	"github.com/stackd-io/stackd/internal/resource"
	"github.com/stackd-io/stackd/internal/state"
	"github.com/stackd-io/stackd/providers/aws"
	"github.com/stackd-io/stackd/providers/docker"
	"github.com/stackd-io/stackd/providers/null"
)

// loadTemplate evaluates a stack template with the -p property overrides.
func loadTemplate(path string) (*ir.Template, error) {
	return eval.NewEvaluator(flagProperties).LoadTemplate(path)
}

// buildRegistry wires every built-in resource type.
func buildRegistry() (*resource.Registry, error) {
	reg := resource.NewRegistry()
	if err := null.Register(reg, null.NewUniverse()); err != nil {
		return nil, err
	}
	if err := aws.Register(reg, aws.NewClients(flagRegion, flagProfile)); err != nil {
		return nil, err
	}
	if err := docker.Register(reg, docker.NewClients()); err != nil {
		return nil, err
	}
	return reg, nil
}

// openBackend builds the state backend for one stack from the global flags.
func openBackend(stackName string) (state.Backend, error) {
	cfg := &state.BackendConfig{
		Type:   flagBackend,
		Config: map[string]string{},
	}
	for k, v := range flagBackendConfig {
		cfg.Config[k] = v
	}
	if cfg.Type == "local" || cfg.Type == "" {
		if _, ok := cfg.Config["dir"]; !ok {
			cfg.Config["dir"] = flagStateDir
		}
	}
	if cfg.Type == "s3" {
		if _, ok := cfg.Config["region"]; !ok && flagRegion != "" {
			cfg.Config["region"] = flagRegion
		}
		if _, ok := cfg.Config["profile"]; !ok && flagProfile != "" {
			cfg.Config["profile"] = flagProfile
		}
	}
	return state.NewBackend(cfg, stackName)
}

// snapshotStore is the optional backend capability for persisting snapshots.
type snapshotStore interface {
	SaveSnapshot(*ir.Snapshot) error
	LoadSnapshot(string) (*ir.Snapshot, error)
}

// engineStore adapts a state backend to the engine's persistence hook.
type engineStore struct {
	backend state.Backend
}

func (s *engineStore) Save(ctx context.Context, st *ir.StackState) error {
	return s.backend.Write(ctx, st)
}

// Engine metrics register with the default registerer once per process, no
// matter how many stacks a command builds.
var (
	metricsOnce   sync.Once
	engineMetrics *engine.Metrics
)

// stackOptions returns the options every engine stack is built with.
func stackOptions(backend state.Backend) []engine.Option {
	metricsOnce.Do(func() {
		engineMetrics = engine.NewMetrics(prometheus.DefaultRegisterer)
	})
	return []engine.Option{
		engine.WithStore(&engineStore{backend: backend}),
		engine.WithEvents(printEvent),
		engine.WithMetrics(engineMetrics),
	}
}

// loadStack rebuilds an existing stack from its persisted state.
func loadStack(ctx context.Context, name string, backend state.Backend) (*engine.Stack, error) {
	st, err := backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("stack %q does not exist", name)
	}
	reg, err := buildRegistry()
	if err != nil {
		return nil, err
	}
	return engine.Load(st, reg, stackOptions(backend)...)
}

// printEvent renders one resource state transition.
func printEvent(ev engine.Event) {
	if ev.Reason != "" && ev.Status == ir.StatusFailed {
		fmt.Printf("  %s: %s %s (%s)\n", ev.Resource, ev.Action, ev.Status, ev.Reason)
		return
	}
	fmt.Printf("  %s: %s %s\n", ev.Resource, ev.Action, ev.Status)
}

// reportOutcome prints the final stack state after an operation.
func reportOutcome(s *engine.Stack) {
	action, status, reason := s.State()
	if status == ir.StatusComplete {
		fmt.Printf("\n%s %s.\n", action, status)
		return
	}
	fmt.Printf("\n%s %s: %s\n", action, status, reason)
}
