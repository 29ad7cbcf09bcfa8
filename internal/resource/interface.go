package resource

import (
	"context"
	"errors"
)

// ErrNotFound reports that the external resource no longer exists. The engine
// treats it as success for delete and surfaces it otherwise.
var ErrNotFound = errors.New("resource not found")

// ErrNeedsReplacement is returned by an Updater when the requested change
// cannot be applied in place. The coordinator reacts by scheduling
// delete-then-create instead of update.
var ErrNeedsReplacement = errors.New("update requires replacement")

// Request carries everything an implementation needs to act on one resource.
// Property references to other resources have already been resolved by the
// coordinator.
type Request struct {
	StackName string
	Name      string
	Type      string

	// Properties is the resolved desired property bag.
	Properties map[string]any
	// PriorProperties is the property bag the resource was last provisioned
	// with, when one exists.
	PriorProperties map[string]any

	// ResourceID is the external handle from a previous operation, empty on
	// first create.
	ResourceID string
	// Data is the record's persisted key/value data.
	Data map[string]string
}

// Progress is the outcome of starting an operation. An operation that
// finishes synchronously sets Done; otherwise Token is handed back to the
// matching completion check until it reports true.
type Progress struct {
	// ResourceID is the external handle, set once provisioning begins.
	ResourceID string
	// Token is an opaque poll token for the completion check.
	Token string
	// Done reports immediate completion, skipping the poll loop.
	Done bool
	// Data is merged into the record's persisted data.
	Data map[string]string
}

// Implementation is the per-type adapter that knows how to call the
// underlying provisioning API. Create and delete are mandatory; everything
// else is an optional capability discovered by type assertion.
type Implementation interface {
	// Validate runs synchronous pre-flight checks, called once before any
	// action.
	Validate(ctx context.Context, req *Request) error

	HandleCreate(ctx context.Context, req *Request) (*Progress, error)
	CheckCreateComplete(ctx context.Context, req *Request, token string) (bool, error)

	HandleDelete(ctx context.Context, req *Request) (*Progress, error)
	CheckDeleteComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// Updater applies property changes in place. Implementations return
// ErrNeedsReplacement from HandleUpdate when the change cannot be applied
// live.
type Updater interface {
	HandleUpdate(ctx context.Context, req *Request, changed []string) (*Progress, error)
	CheckUpdateComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// Suspender pauses a running resource.
type Suspender interface {
	HandleSuspend(ctx context.Context, req *Request) (*Progress, error)
	CheckSuspendComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// Resumer resumes a suspended resource.
type Resumer interface {
	HandleResume(ctx context.Context, req *Request) (*Progress, error)
	CheckResumeComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// Checker verifies a resource still matches reality without mutating it.
type Checker interface {
	HandleCheck(ctx context.Context, req *Request) (*Progress, error)
	CheckCheckComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// Snapshotter captures point-in-time resource state.
type Snapshotter interface {
	HandleSnapshot(ctx context.Context, req *Request) (*Progress, error)
	CheckSnapshotComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// Restorer restores a resource from previously captured data.
type Restorer interface {
	HandleRestore(ctx context.Context, req *Request, snapshot map[string]string) (*Progress, error)
	CheckRestoreComplete(ctx context.Context, req *Request, token string) (bool, error)
}

// ErrorClassifier lets an implementation classify errors surfaced by its API
// client.
type ErrorClassifier interface {
	IsNotFound(err error) bool
	IsConflict(err error) bool
	IsOverLimit(err error) bool
}

// IsNotFound classifies err using the implementation's classifier when it has
// one, falling back to the ErrNotFound sentinel.
func IsNotFound(impl Implementation, err error) bool {
	if c, ok := impl.(ErrorClassifier); ok && c.IsNotFound(err) {
		return true
	}
	return errors.Is(err, ErrNotFound)
}

// IsOverLimit classifies err as an over-limit/throttling failure.
func IsOverLimit(impl Implementation, err error) bool {
	if c, ok := impl.(ErrorClassifier); ok {
		return c.IsOverLimit(err)
	}
	return false
}
