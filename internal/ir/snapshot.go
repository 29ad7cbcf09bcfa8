package ir

import "time"

// Snapshot captures a stack's resources at a point in time, sufficient to
// restore them later.
type Snapshot struct {
	ID        string                     `json:"id"`
	StackName string                     `json:"stack_name"`
	CreatedAt time.Time                  `json:"created_at"`
	Resources map[string]*RecordSnapshot `json:"resources"`
}

// RecordSnapshot is the captured state of one resource.
type RecordSnapshot struct {
	ResourceID string            `json:"resource_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Properties map[string]any    `json:"properties,omitempty"`
}
