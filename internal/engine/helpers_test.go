package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
	"github.com/stackd-io/stackd/internal/resource"
	"github.com/stackd-io/stackd/providers/null"
)

func nullDef(props map[string]any, deps ...string) *ir.Definition {
	if props == nil {
		props = map[string]any{}
	}
	return &ir.Definition{Type: null.TypeName, Properties: props, DependsOn: deps}
}

func nullRegistry(t *testing.T, u *null.Universe) *resource.Registry {
	t.Helper()
	reg := resource.NewRegistry()
	require.NoError(t, null.Register(reg, u))
	return reg
}

func newTestStack(t *testing.T, tmpl *ir.Template, opts ...Option) (*Stack, *null.Universe) {
	t.Helper()
	u := null.NewUniverse()
	s, err := New("test", tmpl, nullRegistry(t, u), opts...)
	require.NoError(t, err)
	return s, u
}

// eventLog collects progress events; walks deliver them concurrently.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// indexOf returns the position of the first matching event, or -1.
func (l *eventLog) indexOf(name string, action ir.Action, status ir.Status) int {
	for i, e := range l.all() {
		if e.Resource == name && e.Action == action && e.Status == status {
			return i
		}
	}
	return -1
}

type storeSpy struct {
	mu    sync.Mutex
	saves int
	last  *ir.StackState
}

func (s *storeSpy) Save(ctx context.Context, st *ir.StackState) error {
	s.mu.Lock()
	s.saves++
	s.last = st
	s.mu.Unlock()
	return nil
}

func (s *storeSpy) state() (int, *ir.StackState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.last
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
