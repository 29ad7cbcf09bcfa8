package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
	"github.com/stackd-io/stackd/internal/resource"
	"github.com/stackd-io/stackd/providers/null"
)

func TestNewRejectsInvalidTemplate(t *testing.T) {
	u := null.NewUniverse()
	reg := nullRegistry(t, u)

	_, err := New("test", nil, reg)
	require.Error(t, err)

	_, err = New("test", &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil, "b"),
		"b": nullDef(nil, "a"),
	}}, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle detected")
}

func TestNewRecordsStartInInit(t *testing.T) {
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
	}})

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionInit, action)
	assert.Equal(t, ir.StatusComplete, status)

	recAction, recStatus := s.Resource("a").State()
	assert.Equal(t, ir.ActionInit, recAction)
	assert.Equal(t, ir.StatusComplete, recStatus)
}

func TestCreateRespectsDependencyOrder(t *testing.T) {
	log := &eventLog{}
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"net": nullDef(nil),
		"db":  nullDef(nil, "net"),
		"app": nullDef(nil, "net"),
		"lb":  nullDef(nil, "db", "app"),
	}}, WithEvents(log.record))

	require.NoError(t, s.Create(context.Background()))

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionCreate, action)
	assert.Equal(t, ir.StatusComplete, status)
	assert.Equal(t, 4, u.Len())

	// No resource starts before all of its dependencies have completed.
	for name, deps := range map[string][]string{
		"db":  {"net"},
		"app": {"net"},
		"lb":  {"db", "app"},
	} {
		started := log.indexOf(name, ir.ActionCreate, ir.StatusInProgress)
		require.GreaterOrEqual(t, started, 0)
		for _, dep := range deps {
			depDone := log.indexOf(dep, ir.ActionCreate, ir.StatusComplete)
			require.GreaterOrEqual(t, depDone, 0)
			assert.Less(t, depDone, started, "%s started before %s completed", name, dep)
		}
	}
}

func TestCreateValidationRunsFirst(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"good": nullDef(nil),
		"bad":  nullDef(map[string]any{"fail_validate": "bad zone"}),
	}})

	err := s.Create(context.Background())
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "resources.bad")

	// Nothing was provisioned and the stack never left INIT.
	assert.Equal(t, 0, u.Len())
	action, status, _ := s.State()
	assert.Equal(t, ir.ActionInit, action)
	assert.Equal(t, ir.StatusComplete, status)
}

func TestCreateFailureSkipsDependents(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
		"b": nullDef(map[string]any{"fail_create": "quota exhausted"}, "a"),
		"c": nullDef(nil, "b"),
	}})

	err := s.Create(context.Background())
	require.Error(t, err)

	action, status, reason := s.State()
	assert.Equal(t, ir.ActionCreate, action)
	assert.Equal(t, ir.StatusFailed, status)
	assert.Contains(t, reason, "resources.b: quota exhausted")

	assert.True(t, s.Resource("a").IsComplete())

	_, bStatus := s.Resource("b").State()
	assert.Equal(t, ir.StatusFailed, bStatus)

	cAction, _ := s.Resource("c").State()
	assert.Equal(t, ir.ActionInit, cAction, "dependents of a failure are never started")

	assert.Equal(t, 1, u.Len())
}

func TestDeleteReverseOrder(t *testing.T) {
	log := &eventLog{}
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"net": nullDef(nil),
		"db":  nullDef(nil, "net"),
		"app": nullDef(nil, "db"),
	}}, WithEvents(log.record))

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	require.NoError(t, s.Delete(ctx))

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionDelete, action)
	assert.Equal(t, ir.StatusComplete, status)
	assert.Equal(t, 0, u.Len())
	assert.Empty(t, s.Resources())

	// A resource is deleted only after everything depending on it is gone.
	for name, dependents := range map[string][]string{
		"net": {"db"},
		"db":  {"app"},
	} {
		started := log.indexOf(name, ir.ActionDelete, ir.StatusInProgress)
		require.GreaterOrEqual(t, started, 0)
		for _, dependent := range dependents {
			gone := log.indexOf(dependent, ir.ActionDelete, ir.StatusComplete)
			require.GreaterOrEqual(t, gone, 0)
			assert.Less(t, gone, started, "%s deleted before its dependent %s", name, dependent)
		}
	}
}

func TestDeleteHonorsRetainPolicy(t *testing.T) {
	kept := nullDef(map[string]any{"color": "red"})
	kept.DeletionPolicy = ir.RetainResource

	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"kept":    kept,
		"dropped": nullDef(nil),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))

	keptID := s.Resource("kept").ResourceID()
	require.NoError(t, s.Delete(ctx))

	// The record is gone but the external resource survives.
	assert.Empty(t, s.Resources())
	assert.Equal(t, 1, u.Len())
	status, ok := u.Status(keptID)
	require.True(t, ok)
	assert.Equal(t, "running", status)
}

func TestDeleteToleratesAlreadyGone(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	require.NoError(t, s.Delete(ctx))

	// A second delete finds nothing and still succeeds.
	require.NoError(t, s.Delete(ctx))
	assert.Equal(t, 0, u.Len())
}

func TestSuspendAndResume(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
		"b": nullDef(nil, "a"),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	require.NoError(t, s.Suspend(ctx))

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionSuspend, action)
	assert.Equal(t, ir.StatusComplete, status)
	for _, name := range []string{"a", "b"} {
		st, ok := u.Status(s.Resource(name).ResourceID())
		require.True(t, ok)
		assert.Equal(t, "suspended", st)
	}

	require.NoError(t, s.Resume(ctx))
	for _, name := range []string{"a", "b"} {
		st, _ := u.Status(s.Resource(name).ResourceID())
		assert.Equal(t, "running", st)
	}
}

func TestCheck(t *testing.T) {
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	require.NoError(t, s.Check(ctx))

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionCheck, action)
	assert.Equal(t, ir.StatusComplete, status)

	// Check is idempotent.
	require.NoError(t, s.Check(ctx))
	require.NoError(t, s.Check(ctx))
}

func TestSnapshotAndRestore(t *testing.T) {
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.NotEmpty(t, snap.ID)
	require.Contains(t, snap.Resources, "a")
	assert.Equal(t, "red", snap.Resources["a"].Data["color"])
	assert.NotEmpty(t, snap.Resources["a"].Data["snapshot_id"])

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "blue"}),
	}}))
	assert.Equal(t, "blue", s.Resource("a").Data()["color"])

	require.NoError(t, s.Restore(ctx, snap))
	assert.Equal(t, "red", s.Resource("a").Data()["color"])

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionRestore, action)
	assert.Equal(t, ir.StatusComplete, status)
}

func TestStackTimeout(t *testing.T) {
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"slow": nullDef(map[string]any{"create_polls": 1}),
	}}, WithTimeout(100*time.Millisecond))

	err := s.Create(context.Background())
	require.Error(t, err)

	action, status, reason := s.State()
	assert.Equal(t, ir.ActionCreate, action)
	assert.Equal(t, ir.StatusFailed, status)
	assert.True(t, strings.HasSuffix(reason, "timed out"), reason)

	rec := s.Resource("slow")
	_, recStatus := rec.State()
	assert.Equal(t, ir.StatusFailed, recStatus)
	assert.True(t, strings.HasSuffix(rec.StatusReason(), "timed out"), rec.StatusReason())
}

func TestStackZeroTimeout(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
	}}, WithTimeout(0))

	err := s.Create(context.Background())
	require.Error(t, err)

	_, status, reason := s.State()
	assert.Equal(t, ir.StatusFailed, status)
	assert.True(t, strings.HasSuffix(reason, "timed out"), reason)

	// Nothing was scheduled: the record never left INIT and nothing was
	// provisioned.
	action, _ := s.Resource("a").State()
	assert.Equal(t, ir.ActionInit, action)
	assert.Equal(t, 0, u.Len())
}

func TestStorePersistsTransitions(t *testing.T) {
	spy := &storeSpy{}
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
	}}, WithStore(spy))

	require.NoError(t, s.Create(context.Background()))

	saves, last := spy.state()
	assert.Greater(t, saves, 0)
	require.NotNil(t, last)
	assert.Equal(t, ir.ActionCreate, last.Action)
	assert.Equal(t, ir.StatusComplete, last.Status)
	assert.NotEmpty(t, last.TraversalID)
	require.Len(t, last.Resources, 1)
	assert.Equal(t, "a", last.Resources[0].Name)
	assert.NotEmpty(t, last.Resources[0].ResourceID)
}

// marshalingStore encodes every save the way real backends do, so it reads
// record fields while other resources' tasks are still writing theirs.
type marshalingStore struct {
	mu    sync.Mutex
	saves int
}

func (s *marshalingStore) Save(ctx context.Context, st *ir.StackState) error {
	if _, err := json.Marshal(st); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return nil
}

func TestStoreEncodesDuringParallelCreate(t *testing.T) {
	store := &marshalingStore{}
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"create_polls": 1}),
		"b": nullDef(map[string]any{"create_polls": 1}),
		"c": nullDef(map[string]any{"create_polls": 1}),
	}}, WithStore(store))

	require.NoError(t, s.Create(context.Background()))

	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	assert.Greater(t, saves, 0)
	for _, name := range []string{"a", "b", "c"} {
		rec := s.Resource(name)
		assert.True(t, rec.IsComplete(), name)
		assert.NotEmpty(t, rec.ResourceID(), name)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	u := null.NewUniverse()
	reg := nullRegistry(t, u)

	s, err := New("test", &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
		"b": nullDef(nil, "a"),
	}}, reg)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background()))

	loaded, err := Load(s.StackState(), reg)
	require.NoError(t, err)

	assert.Equal(t, s.Name, loaded.Name)
	assert.Equal(t, s.ID, loaded.ID)

	action, status, _ := loaded.State()
	assert.Equal(t, ir.ActionCreate, action)
	assert.Equal(t, ir.StatusComplete, status)

	for _, name := range []string{"a", "b"} {
		orig := s.Resource(name)
		rec := loaded.Resource(name)
		require.NotNil(t, rec)
		assert.Equal(t, orig.ResourceID(), rec.ResourceID())
		assert.Equal(t, orig.UUID, rec.UUID)
	}

	// The loaded stack keeps operating against the same universe.
	require.NoError(t, loaded.Check(context.Background()))
}

// quotaImpl's classifier recognizes errors the default transient check
// does not.
type quotaImpl struct{}

func (quotaImpl) Validate(ctx context.Context, req *resource.Request) error { return nil }

func (quotaImpl) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	return &resource.Progress{Done: true}, nil
}

func (quotaImpl) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (quotaImpl) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	return &resource.Progress{Done: true}, nil
}

func (quotaImpl) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (quotaImpl) IsNotFound(err error) bool { return false }
func (quotaImpl) IsConflict(err error) bool { return false }
func (quotaImpl) IsOverLimit(err error) bool {
	return strings.Contains(err.Error(), "quota")
}

func TestTransientForFoldsInClassifier(t *testing.T) {
	isTransient := transientFor(quotaImpl{})
	assert.True(t, isTransient(errors.New("quota exceeded for project")))
	assert.True(t, isTransient(errors.New("Throttling: rate exceeded")))
	assert.False(t, isTransient(errors.New("access denied")))

	// Without a classifier only the default check applies.
	u := null.NewUniverse()
	impl, err := nullRegistry(t, u).New(null.TypeName)
	require.NoError(t, err)
	fallback := transientFor(impl)
	assert.False(t, fallback(errors.New("quota exceeded for project")))
	assert.True(t, fallback(errors.New("connection reset by peer")))
}
