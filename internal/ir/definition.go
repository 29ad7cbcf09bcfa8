package ir

// DeletionPolicy controls what happens to the external resource when its
// record is deleted from the stack.
type DeletionPolicy string

const (
	// DeleteResource removes the external resource (default).
	DeleteResource DeletionPolicy = "delete"
	// RetainResource leaves the external resource in place.
	RetainResource DeletionPolicy = "retain"
	// SnapshotResource captures the resource's data before removing it.
	SnapshotResource DeletionPolicy = "snapshot"
)

// UpdatePolicy declares how a change to a single property is applied.
type UpdatePolicy string

const (
	// UpdateInPlace applies the change without recreating the resource (default).
	UpdateInPlace UpdatePolicy = "in_place"
	// UpdateReplace forces delete-then-create when the property changes.
	UpdateReplace UpdatePolicy = "replace"
	// UpdateForbidden rejects the template before anything is scheduled.
	UpdateForbidden UpdatePolicy = "forbidden"
)

// Definition is the resolved declaration of a single resource. It is produced
// by the template layer and never mutated by the engine.
type Definition struct {
	Type           string                  `yaml:"type" json:"type"`
	Properties     map[string]any          `yaml:"properties" json:"properties"`
	DependsOn      []string                `yaml:"depends_on" json:"depends_on,omitempty"`
	DeletionPolicy DeletionPolicy          `yaml:"deletion_policy" json:"deletion_policy,omitempty"`
	UpdatePolicies map[string]UpdatePolicy `yaml:"update_policies" json:"update_policies,omitempty"`
}

// Template is a fully resolved desired state: an ordered set of resource
// definitions plus stack-wide attributes.
type Template struct {
	Resources         map[string]*Definition `yaml:"resources" json:"resources"`
	TimeoutMinutes    int                    `yaml:"timeout_minutes" json:"timeout_minutes,omitempty"`
	RollbackOnFailure bool                   `yaml:"rollback_on_failure" json:"rollback_on_failure,omitempty"`
}

// PolicyFor returns the update policy declared for a property, defaulting to
// in-place.
func (d *Definition) PolicyFor(key string) UpdatePolicy {
	if p, ok := d.UpdatePolicies[key]; ok && p != "" {
		return p
	}
	return UpdateInPlace
}
