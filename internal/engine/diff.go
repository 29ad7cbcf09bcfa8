package engine

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/stackd-io/stackd/internal/ir"
)

// ChangeKind classifies what a definition change requires of a resource.
// "Needs replacement" is an expected branch of update classification, so it
// is a variant here rather than an error.
type ChangeKind int

const (
	// ChangeNone means the definitions are equivalent; nothing runs.
	ChangeNone ChangeKind = iota
	// ChangeUpdate means the change can be applied in place.
	ChangeUpdate
	// ChangeReplace means the resource must be recreated.
	ChangeReplace
	// ChangeCreate means the resource does not exist yet.
	ChangeCreate
	// ChangeDelete means the resource left the desired state.
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangeUpdate:
		return "update"
	case ChangeReplace:
		return "replace"
	case ChangeCreate:
		return "create"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is the result of diffing an old definition against a new one.
type Change struct {
	Kind ChangeKind
	// ChangedKeys are the property names that differ, sorted.
	ChangedKeys []string
}

// Classify diffs two definitions for the named resource. A changed property
// whose declared update policy forbids changes is a validation failure; one
// whose policy forces replacement upgrades the whole change to replace. A
// type change always replaces.
func Classify(name string, old, new *ir.Definition) (Change, error) {
	if old == nil {
		return Change{Kind: ChangeCreate}, nil
	}
	if new == nil {
		return Change{Kind: ChangeDelete}, nil
	}

	if old.Type != new.Type {
		return Change{Kind: ChangeReplace}, nil
	}

	changed := diffKeys(old.Properties, new.Properties)
	if len(changed) == 0 {
		return Change{Kind: ChangeNone}, nil
	}

	kind := ChangeUpdate
	for _, key := range changed {
		switch new.PolicyFor(key) {
		case ir.UpdateForbidden:
			return Change{}, validationf("resources.%s: property %q cannot be changed", name, key)
		case ir.UpdateReplace:
			kind = ChangeReplace
		}
	}

	return Change{Kind: kind, ChangedKeys: changed}, nil
}

// diffKeys returns the property names whose values differ between the two
// bags, sorted.
func diffKeys(prior, desired map[string]any) []string {
	keys := make(map[string]bool)
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]
		if inPrior != inDesired || !valueEqual(priorVal, desiredVal) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// valueEqual compares property values after normalizing map key types, so a
// YAML-decoded map[any]any compares equal to its map[string]any form.
func valueEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeValue(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeValue(v)
		}
		return out
	default:
		return val
	}
}
