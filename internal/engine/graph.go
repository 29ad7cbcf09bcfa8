package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stackd-io/stackd/internal/ir"
)

// Graph is the dependency DAG over a stack's resource names. Edges point from
// a resource to the resources it depends on. The graph is read-only after
// construction and safe for concurrent reads.
type Graph struct {
	nodes    map[string]*graphNode
	order    []string // topological order (forward: create/update)
	revOrder []string // reverse order (delete)
}

type graphNode struct {
	name       string
	deps       []string // resources this node depends on
	dependents []string // resources that depend on this node
}

// BuildGraph constructs the dependency graph from resource definitions,
// resolving both explicit depends_on entries and implicit ref:// references
// found in property values. A cycle or a reference to an unknown resource is
// a validation failure, reported before anything is scheduled.
func BuildGraph(defs map[string]*ir.Definition) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
		g.nodes[name] = &graphNode{name: name}
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		node := g.nodes[name]
		seen := make(map[string]bool)

		for _, dep := range def.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, validationf("resources.%s depends on unknown resource %q", name, dep)
			}
			if dep == name {
				return nil, validationf("resources.%s depends on itself", name)
			}
			if !seen[dep] {
				seen[dep] = true
				node.deps = append(node.deps, dep)
			}
		}

		for _, ref := range ExtractRefs(def.Properties) {
			dep, _ := SplitRef(ref)
			if dep == "" {
				continue
			}
			if _, ok := g.nodes[dep]; !ok {
				return nil, validationf("resources.%s references unknown resource %q", name, dep)
			}
			if dep != name && !seen[dep] {
				seen[dep] = true
				node.deps = append(node.deps, dep)
			}
		}
	}

	for name, node := range g.nodes {
		for _, dep := range node.deps {
			g.nodes[dep].dependents = append(g.nodes[dep].dependents, name)
		}
	}

	if cycle := g.findCycle(names); cycle != nil {
		return nil, validationf("dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}

	g.order = g.topoSort(names)
	g.revOrder = make([]string, len(g.order))
	for i, name := range g.order {
		g.revOrder[len(g.order)-1-i] = name
	}

	return g, nil
}

// ForwardOrder returns a topological ordering usable for create/update: every
// resource appears after all the resources it depends on.
func (g *Graph) ForwardOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ReverseOrder returns the exact reverse, used for delete.
func (g *Graph) ReverseOrder() []string {
	out := make([]string, len(g.revOrder))
	copy(out, g.revOrder)
	return out
}

// Dependencies returns the resources name depends on.
func (g *Graph) Dependencies(name string) []string {
	if node, ok := g.nodes[name]; ok {
		return node.deps
	}
	return nil
}

// Dependents returns the resources that depend on name.
func (g *Graph) Dependents(name string) []string {
	if node, ok := g.nodes[name]; ok {
		return node.dependents
	}
	return nil
}

// Names returns all node names, sorted.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findCycle runs a DFS and returns the members of the first cycle found, in
// walk order, or nil when the graph is acyclic.
func (g *Graph) findCycle(names []string) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)

		deps := append([]string(nil), g.nodes[name].deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				// Trim the stack to the cycle members and close the loop.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// topoSort performs Kahn's algorithm. Ties are broken by name so the order is
// deterministic. The graph is known acyclic by the time this runs.
func (g *Graph) topoSort(names []string) []string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, name := range names {
		inDegree[name] = len(g.nodes[name].deps)
	}

	var queue []string
	for _, name := range names {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, name)

		dependents := append([]string(nil), g.nodes[name].dependents...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	return sorted
}

// refPrefix marks a property value as a reference to another resource:
// ref://<name> resolves to the resource's external id, ref://<name>/<attr>
// to one of its data attributes.
const refPrefix = "ref://"

// ExtractRefs walks a property value and collects every ref:// expression.
func ExtractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, refPrefix) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	}
	return refs
}

// SplitRef splits a ref:// expression into resource name and attribute.
// ref://db/endpoint -> ("db", "endpoint"); ref://db -> ("db", "").
func SplitRef(ref string) (name, attr string) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", ""
	}
	path := ref[len(refPrefix):]
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// ResolveRefs substitutes every ref:// expression in a property value using
// lookup. Unresolvable references are left verbatim.
func ResolveRefs(v any, lookup func(name, attr string) (any, bool)) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, refPrefix) {
			name, attr := SplitRef(val)
			if resolved, ok := lookup(name, attr); ok {
				return resolved
			}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = ResolveRefs(v, lookup)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = ResolveRefs(v, lookup)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = ResolveRefs(v, lookup)
		}
		return out
	default:
		return v
	}
}
