package null

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stackd-io/stackd/internal/resource"
)

// TypeName is the resource type served by this package.
const TypeName = "null::resource"

// Universe is the in-memory world null resources live in. Tests and dry runs
// share one universe to observe what the engine actually did.
type Universe struct {
	mu      sync.Mutex
	entries map[string]*entry
	serial  int
}

type entry struct {
	name      string
	status    string // running, suspended, deleted
	data      map[string]string
	pollsLeft int
}

// NewUniverse returns an empty universe.
func NewUniverse() *Universe {
	return &Universe{entries: make(map[string]*entry)}
}

// Register wires the null resource type into a registry, with all instances
// backed by u.
func Register(reg *resource.Registry, u *Universe) error {
	return reg.Register(TypeName, func() resource.Implementation {
		return &Resource{universe: u}
	})
}

// Len returns the number of live (non-deleted) resources.
func (u *Universe) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, e := range u.entries {
		if e.status != "deleted" {
			n++
		}
	}
	return n
}

// Status returns the status of the resource with the given external id.
func (u *Universe) Status(id string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.entries[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Resource is a fully in-memory implementation. Its behavior is steered by
// properties so tests can provoke slow polls, failures, and replacements:
//
//	create_polls: N   - create completes after N completion checks
//	delete_polls: N   - delete completes after N completion checks
//	fail_create: msg  - create start fails with msg
//	fail_poll: msg    - the first create completion check fails with msg
//	replace_on_update - any update demands replacement
type Resource struct {
	universe *Universe
}

func (r *Resource) Validate(ctx context.Context, req *resource.Request) error {
	if msg, ok := req.Properties["fail_validate"].(string); ok {
		return errors.New(msg)
	}
	for _, key := range []string{"create_polls", "delete_polls"} {
		if v, ok := req.Properties[key]; ok {
			if n, ok := asInt(v); !ok || n < 0 {
				return fmt.Errorf("property %q must be a non-negative integer", key)
			}
		}
	}
	return nil
}

func (r *Resource) HandleCreate(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	if msg, ok := req.Properties["fail_create"].(string); ok {
		return nil, errors.New(msg)
	}

	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	u.serial++
	id := fmt.Sprintf("null-%s-%d", req.Name, u.serial)
	polls := intProp(req.Properties, "create_polls")

	e := &entry{
		name:      req.Name,
		status:    "running",
		data:      dataFor(req),
		pollsLeft: polls,
	}
	u.entries[id] = e

	if polls == 0 {
		return &resource.Progress{ResourceID: id, Done: true, Data: e.data}, nil
	}
	return &resource.Progress{ResourceID: id, Token: id}, nil
}

func (r *Resource) CheckCreateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	if msg, ok := req.Properties["fail_poll"].(string); ok {
		return false, errors.New(msg)
	}

	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[token]
	if !ok {
		return false, resource.ErrNotFound
	}
	if e.pollsLeft > 0 {
		e.pollsLeft--
	}
	return e.pollsLeft == 0, nil
}

func (r *Resource) HandleDelete(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[req.ResourceID]
	if !ok || e.status == "deleted" {
		return nil, resource.ErrNotFound
	}
	polls := intProp(req.Properties, "delete_polls")
	if polls == 0 {
		e.status = "deleted"
		return &resource.Progress{Done: true}, nil
	}
	e.pollsLeft = polls
	return &resource.Progress{Token: req.ResourceID}, nil
}

func (r *Resource) CheckDeleteComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[token]
	if !ok {
		return true, nil
	}
	if e.pollsLeft > 0 {
		e.pollsLeft--
		return false, nil
	}
	e.status = "deleted"
	return true, nil
}

// HandleUpdate applies the changed properties in place, unless the definition
// demands replacement.
func (r *Resource) HandleUpdate(ctx context.Context, req *resource.Request, changed []string) (*resource.Progress, error) {
	if _, ok := req.Properties["replace_on_update"]; ok {
		return nil, resource.ErrNeedsReplacement
	}
	if msg, ok := req.Properties["fail_update"].(string); ok {
		return nil, errors.New(msg)
	}

	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[req.ResourceID]
	if !ok || e.status == "deleted" {
		return nil, resource.ErrNotFound
	}
	e.data = dataFor(req)
	return &resource.Progress{Done: true, Data: e.data}, nil
}

func (r *Resource) CheckUpdateComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Resource) HandleSuspend(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	return r.setStatus(req.ResourceID, "running", "suspended")
}

func (r *Resource) CheckSuspendComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Resource) HandleResume(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	return r.setStatus(req.ResourceID, "suspended", "running")
}

func (r *Resource) CheckResumeComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Resource) HandleCheck(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[req.ResourceID]
	if !ok || e.status == "deleted" {
		return nil, resource.ErrNotFound
	}
	return &resource.Progress{Done: true}, nil
}

func (r *Resource) CheckCheckComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Resource) HandleSnapshot(ctx context.Context, req *resource.Request) (*resource.Progress, error) {
	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[req.ResourceID]
	if !ok || e.status == "deleted" {
		return nil, resource.ErrNotFound
	}
	data := map[string]string{"snapshot_id": uuid.New().String()}
	for k, v := range e.data {
		data[k] = v
	}
	return &resource.Progress{Done: true, Data: data}, nil
}

func (r *Resource) CheckSnapshotComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Resource) HandleRestore(ctx context.Context, req *resource.Request, snapshot map[string]string) (*resource.Progress, error) {
	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[req.ResourceID]
	if !ok || e.status == "deleted" {
		return nil, resource.ErrNotFound
	}
	e.data = make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		e.data[k] = v
	}
	return &resource.Progress{Done: true, Data: e.data}, nil
}

func (r *Resource) CheckRestoreComplete(ctx context.Context, req *resource.Request, token string) (bool, error) {
	return true, nil
}

func (r *Resource) setStatus(id, from, to string) (*resource.Progress, error) {
	u := r.universe
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[id]
	if !ok || e.status == "deleted" {
		return nil, resource.ErrNotFound
	}
	if e.status != from {
		return nil, fmt.Errorf("resource %s is %s, expected %s", id, e.status, from)
	}
	e.status = to
	return &resource.Progress{Done: true}, nil
}

// dataFor projects the string-valued properties into record data.
func dataFor(req *resource.Request) map[string]string {
	data := make(map[string]string)
	for k, v := range req.Properties {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}
	return data
}

func intProp(props map[string]any, key string) int {
	if v, ok := props[key]; ok {
		if n, ok := asInt(v); ok && n > 0 {
			return n
		}
	}
	return 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
