package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
)

// lastIndexOf returns the position of the last matching event, or -1.
func (l *eventLog) lastIndexOf(name string, action ir.Action, status ir.Status) int {
	events := l.all()
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Resource == name && e.Action == action && e.Status == status {
			return i
		}
	}
	return -1
}

func TestUpdateNoChangeTouchesNothing(t *testing.T) {
	tmpl := &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
	}}
	s, u := newTestStack(t, tmpl)

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	id := s.Resource("a").ResourceID()

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
	}}))

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionUpdate, action)
	assert.Equal(t, ir.StatusComplete, status)

	// The record was not driven through any task.
	recAction, recStatus := s.Resource("a").State()
	assert.Equal(t, ir.ActionCreate, recAction)
	assert.Equal(t, ir.StatusComplete, recStatus)
	assert.Equal(t, id, s.Resource("a").ResourceID())
	assert.Equal(t, 1, u.Len())
}

func TestUpdateInPlace(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	id := s.Resource("a").ResourceID()

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "blue"}),
	}}))

	rec := s.Resource("a")
	assert.Equal(t, id, rec.ResourceID(), "in-place update keeps the external resource")
	assert.Equal(t, "blue", rec.Data()["color"])
	assert.Equal(t, 1, u.Len())

	recAction, recStatus := rec.State()
	assert.Equal(t, ir.ActionUpdate, recAction)
	assert.Equal(t, ir.StatusComplete, recStatus)
}

func TestUpdateAddsAndRemovesResources(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	aID := s.Resource("a").ResourceID()

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
		"b": nullDef(nil, "a"),
	}}))
	require.NotNil(t, s.Resource("b"))
	assert.Equal(t, 2, u.Len())

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"b": nullDef(nil),
	}}))

	assert.Nil(t, s.Resource("a"))
	require.NotNil(t, s.Resource("b"))
	assert.Equal(t, 1, u.Len())
	status, ok := u.Status(aID)
	require.True(t, ok)
	assert.Equal(t, "deleted", status)
}

func TestUpdateReplaceByPolicy(t *testing.T) {
	withPolicy := func(size string) *ir.Definition {
		def := nullDef(map[string]any{"size": size})
		def.UpdatePolicies = map[string]ir.UpdatePolicy{"size": ir.UpdateReplace}
		return def
	}

	log := &eventLog{}
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": withPolicy("small"),
	}}, WithEvents(log.record))

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	oldID := s.Resource("a").ResourceID()

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": withPolicy("large"),
	}}))

	rec := s.Resource("a")
	assert.NotEqual(t, oldID, rec.ResourceID())
	assert.Equal(t, "large", rec.Data()["size"])
	assert.Equal(t, 1, u.Len())

	status, ok := u.Status(oldID)
	require.True(t, ok)
	assert.Equal(t, "deleted", status)

	// The replacement is created before the old resource is removed.
	created := log.lastIndexOf("a", ir.ActionCreate, ir.StatusComplete)
	removed := log.indexOf("a", ir.ActionDelete, ir.StatusInProgress)
	require.GreaterOrEqual(t, created, 0)
	require.GreaterOrEqual(t, removed, 0)
	assert.Less(t, created, removed)
}

func TestUpdateReplaceOnImplementationDemand(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"replace_on_update": true, "size": "small"}),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	oldID := s.Resource("a").ResourceID()

	require.NoError(t, s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"replace_on_update": true, "size": "large"}),
	}}))

	rec := s.Resource("a")
	assert.NotEqual(t, oldID, rec.ResourceID())
	assert.Equal(t, 1, u.Len())

	status, _ := u.Status(oldID)
	assert.Equal(t, "deleted", status)
}

func TestUpdateForbiddenChangeRejectedUpfront(t *testing.T) {
	locked := func(zone string) *ir.Definition {
		def := nullDef(map[string]any{"zone": zone})
		def.UpdatePolicies = map[string]ir.UpdatePolicy{"zone": ir.UpdateForbidden}
		return def
	}

	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": locked("us-east-1a"),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	id := s.Resource("a").ResourceID()

	err := s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
		"a": locked("us-west-2b"),
	}})
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	// The template was never accepted: nothing ran, nothing changed.
	action, status, _ := s.State()
	assert.Equal(t, ir.ActionCreate, action)
	assert.Equal(t, ir.StatusComplete, status)
	assert.Equal(t, id, s.Resource("a").ResourceID())
	assert.Equal(t, "us-east-1a", s.Resource("a").Data()["zone"])
	assert.Equal(t, 1, u.Len())
}

func TestRefResolution(t *testing.T) {
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"db": nullDef(map[string]any{"color": "red"}),
		"app": nullDef(map[string]any{
			"upstream": "ref://db",
			"shade":    "ref://db/color",
		}),
	}})

	require.NoError(t, s.Create(context.Background()))

	db := s.Resource("db")
	app := s.Resource("app")
	assert.Equal(t, db.ResourceID(), app.Data()["upstream"])
	assert.Equal(t, "red", app.Data()["shade"])
}

func TestRollbackOnCreateFailure(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{
		RollbackOnFailure: true,
		Resources: map[string]*ir.Definition{
			"a": nullDef(nil),
			"b": nullDef(map[string]any{"fail_create": "quota exhausted"}, "a"),
		},
	})

	err := s.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionRollback, action)
	assert.Equal(t, ir.StatusComplete, status)

	// A failed create with rollback converges back to nothing.
	assert.Empty(t, s.Resources())
	assert.Equal(t, 0, u.Len())
}

func TestRollbackOnUpdateFailure(t *testing.T) {
	s, u := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
	}})

	ctx := context.Background()
	require.NoError(t, s.Create(ctx))
	oldID := s.Resource("a").ResourceID()

	err := s.Update(ctx, &ir.Template{
		RollbackOnFailure: true,
		Resources: map[string]*ir.Definition{
			"a": nullDef(map[string]any{"color": "blue", "fail_update": "boom"}),
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionRollback, action)
	assert.Equal(t, ir.StatusComplete, status)

	// The failed resource was recreated from its prior definition.
	rec := s.Resource("a")
	require.NotNil(t, rec)
	assert.NotEqual(t, oldID, rec.ResourceID())
	assert.Equal(t, "red", rec.Data()["color"])
	assert.Equal(t, 1, u.Len())

	oldStatus, _ := u.Status(oldID)
	assert.Equal(t, "deleted", oldStatus)
}

func TestConcurrentUpdatesAgreeOnFinalTemplate(t *testing.T) {
	s, _ := newTestStack(t, &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(map[string]any{"color": "red"}),
	}})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx))

	var wg sync.WaitGroup
	for _, color := range []string{"blue", "green", "yellow", "purple"} {
		wg.Add(1)
		go func(color string) {
			defer wg.Done()
			err := s.Update(ctx, &ir.Template{Resources: map[string]*ir.Definition{
				"a": nullDef(map[string]any{"color": color}),
			}})
			if err != nil {
				assert.ErrorIs(t, err, ErrSuperseded)
			}
		}(color)
	}
	wg.Wait()

	// Whichever update was accepted last, the installed template and the
	// converged resource must agree.
	action, status, _ := s.State()
	assert.Equal(t, ir.ActionUpdate, action)
	assert.Equal(t, ir.StatusComplete, status)

	rec := s.Resource("a")
	require.NotNil(t, rec)
	assert.True(t, rec.IsComplete())
	goal := s.currentDefs()["a"]
	require.NotNil(t, goal)
	assert.Equal(t, goal.Properties["color"], rec.Data()["color"])
}

func TestUpdateSupersedesInFlightCreate(t *testing.T) {
	v1 := &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
		"b": nullDef(map[string]any{"create_polls": 1}, "a"),
		"c": nullDef(nil, "b"),
		"d": nullDef(nil, "c"),
	}}
	v2 := &ir.Template{Resources: map[string]*ir.Definition{
		"a": nullDef(nil),
		"b": nullDef(map[string]any{"tier": "gold"}),
		"e": nullDef(nil, "b"),
	}}

	s, u := newTestStack(t, v1)
	ctx := context.Background()

	createErr := make(chan error, 1)
	go func() { createErr <- s.Create(ctx) }()

	// Wait until b is mid-create, so the update lands while the first
	// traversal is still in flight.
	waitFor(t, 10*time.Second, func() bool {
		rec := s.Resource("b")
		if rec == nil {
			return false
		}
		action, status := rec.State()
		return action == ir.ActionCreate && status == ir.StatusInProgress
	})
	// a complete, b mid-create, nothing further.
	waitFor(t, 10*time.Second, func() bool { return u.Len() == 2 })

	require.NoError(t, s.Update(ctx, v2))

	select {
	case err := <-createErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(10 * time.Second):
		t.Fatal("superseded create did not return")
	}

	action, status, _ := s.State()
	assert.Equal(t, ir.ActionUpdate, action)
	assert.Equal(t, ir.StatusComplete, status)

	// The final state matches the last accepted template: the in-flight
	// resource finished and was updated, the abandoned ones never ran.
	resources := s.Resources()
	assert.Len(t, resources, 3)
	for _, name := range []string{"a", "b", "e"} {
		require.Contains(t, resources, name)
		assert.True(t, resources[name].IsComplete(), name)
	}
	assert.NotContains(t, resources, "c")
	assert.NotContains(t, resources, "d")
	assert.Equal(t, "gold", s.Resource("b").Data()["tier"])
	assert.Equal(t, 3, u.Len())
}
