package ir

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Action is a resource lifecycle action.
type Action string

const (
	ActionInit     Action = "INIT"
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionSuspend  Action = "SUSPEND"
	ActionResume   Action = "RESUME"
	ActionCheck    Action = "CHECK"
	ActionSnapshot Action = "SNAPSHOT"
	ActionRestore  Action = "RESTORE"
	ActionAdopt    Action = "ADOPT"
	ActionRollback Action = "ROLLBACK"
)

// Status is the progress of the current action.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

// Record is the mutable runtime state of one resource within a stack. The
// task driving the record mutates it while the coordinator persists it from
// other goroutines, so every mutable field is guarded by mu.
type Record struct {
	Name string
	UUID string

	mu           sync.Mutex
	definition   *Definition
	resourceID   string
	data         map[string]string
	action       Action
	status       Status
	statusReason string
}

// NewRecord returns a record in (INIT, COMPLETE), the state every resource
// starts in when a stack is instantiated.
func NewRecord(name string, def *Definition) *Record {
	return &Record{
		Name:       name,
		UUID:       uuid.New().String(),
		definition: def,
		data:       make(map[string]string),
		action:     ActionInit,
		status:     StatusComplete,
	}
}

// Definition returns the template definition the record was last converged to.
func (r *Record) Definition() *Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.definition
}

// SetDefinition records the definition the resource now satisfies.
func (r *Record) SetDefinition(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definition = def
}

// ResourceID returns the external system's handle, empty until provisioning
// begins.
func (r *Record) ResourceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resourceID
}

// SetResourceID stores the external system's handle.
func (r *Record) SetResourceID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resourceID = id
}

// Data returns a copy of the record's free-form key/value pairs, such as
// provider outputs referenced by other resources.
func (r *Record) Data() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.data))
	for k, v := range r.data {
		out[k] = v
	}
	return out
}

// DataValue looks up a single key in the record's data.
func (r *Record) DataValue(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	return v, ok
}

// MergeData folds the given pairs into the record's data.
func (r *Record) MergeData(kv map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range kv {
		r.data[k] = v
	}
}

// State returns the current (action, status) pair.
func (r *Record) State() (Action, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.action, r.status
}

// StatusReason returns the human-readable reason for the current state.
func (r *Record) StatusReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusReason
}

// SetState moves the record to (action, status) with the given reason.
func (r *Record) SetState(action Action, status Status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.action = action
	r.status = status
	r.statusReason = reason
}

// SetInProgress marks the record as executing the given action.
func (r *Record) SetInProgress(action Action) {
	r.SetState(action, StatusInProgress, fmt.Sprintf("%s in progress", action))
}

// SetComplete marks the current action as finished successfully.
func (r *Record) SetComplete(action Action) {
	r.SetState(action, StatusComplete, fmt.Sprintf("%s complete", action))
}

// SetFailed marks the current action as failed with the error's message as
// the reason.
func (r *Record) SetFailed(action Action, err error) {
	r.SetState(action, StatusFailed, err.Error())
}

// IsComplete reports whether the record's last action finished successfully.
func (r *Record) IsComplete() bool {
	_, status := r.State()
	return status == StatusComplete
}
