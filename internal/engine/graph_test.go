package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackd-io/stackd/internal/ir"
)

func positions(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	return pos
}

func TestBuildGraphForwardOrder(t *testing.T) {
	defs := map[string]*ir.Definition{
		"net":  nullDef(nil),
		"db":   nullDef(nil, "net"),
		"app":  nullDef(nil, "db", "net"),
		"cdn":  nullDef(nil),
		"edge": nullDef(nil, "app", "cdn"),
	}

	g, err := BuildGraph(defs)
	require.NoError(t, err)

	order := g.ForwardOrder()
	require.Len(t, order, 5)
	pos := positions(order)
	for name, def := range defs {
		for _, dep := range def.DependsOn {
			assert.Less(t, pos[dep], pos[name], "%s must come after %s", name, dep)
		}
	}

	rev := g.ReverseOrder()
	for i := range order {
		assert.Equal(t, order[i], rev[len(rev)-1-i])
	}

	assert.Equal(t, []string{"app", "cdn", "db", "edge", "net"}, g.Names())
}

func TestBuildGraphRefDependencies(t *testing.T) {
	defs := map[string]*ir.Definition{
		"db": nullDef(map[string]any{"size": "small"}),
		"app": nullDef(map[string]any{
			"endpoint": "ref://db/endpoint",
			"nested":   map[string]any{"id": "ref://db"},
		}),
	}

	g, err := BuildGraph(defs)
	require.NoError(t, err)

	assert.Equal(t, []string{"db"}, g.Dependencies("app"))
	assert.Equal(t, []string{"app"}, g.Dependents("db"))
	assert.Equal(t, []string{"db", "app"}, g.ForwardOrder())
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	defs := map[string]*ir.Definition{
		"a": nullDef(nil, "b"),
		"b": nullDef(nil, "a"),
	}

	_, err := BuildGraph(defs)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, err.Error(), "dependency cycle detected: a -> b -> a")
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	_, err := BuildGraph(map[string]*ir.Definition{
		"a": nullDef(nil, "ghost"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `depends on unknown resource "ghost"`)

	_, err = BuildGraph(map[string]*ir.Definition{
		"a": nullDef(map[string]any{"x": "ref://ghost"}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `references unknown resource "ghost"`)
}

func TestBuildGraphRejectsSelfDependency(t *testing.T) {
	_, err := BuildGraph(map[string]*ir.Definition{
		"a": nullDef(nil, "a"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestExtractRefs(t *testing.T) {
	props := map[string]any{
		"plain": "value",
		"id":    "ref://db",
		"list":  []any{"ref://net/cidr", 42},
		"deep":  map[any]any{"k": "ref://db/endpoint"},
	}

	refs := ExtractRefs(props)
	assert.ElementsMatch(t, []string{"ref://db", "ref://net/cidr", "ref://db/endpoint"}, refs)
}

func TestSplitRef(t *testing.T) {
	name, attr := SplitRef("ref://db/endpoint")
	assert.Equal(t, "db", name)
	assert.Equal(t, "endpoint", attr)

	name, attr = SplitRef("ref://db")
	assert.Equal(t, "db", name)
	assert.Equal(t, "", attr)

	name, attr = SplitRef("not-a-ref")
	assert.Equal(t, "", name)
	assert.Equal(t, "", attr)
}

func TestResolveRefs(t *testing.T) {
	lookup := func(name, attr string) (any, bool) {
		if name == "db" && attr == "" {
			return "db-123", true
		}
		if name == "db" && attr == "endpoint" {
			return "db.internal:5432", true
		}
		return nil, false
	}

	in := map[string]any{
		"id":      "ref://db",
		"dsn":     "ref://db/endpoint",
		"missing": "ref://other",
		"list":    []any{"ref://db", "literal"},
	}

	out, ok := ResolveRefs(in, lookup).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "db-123", out["id"])
	assert.Equal(t, "db.internal:5432", out["dsn"])
	assert.Equal(t, "ref://other", out["missing"], "unresolvable refs are left verbatim")
	assert.Equal(t, []any{"db-123", "literal"}, out["list"])
}
