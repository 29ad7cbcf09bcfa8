package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stackd-io/stackd/internal/ir"
)

// ErrSuperseded is returned to the caller of an update whose traversal was
// replaced by a newer accepted template. The stack's final status belongs to
// the live traversal, so the superseded call writes nothing.
var ErrSuperseded = errors.New("traversal superseded by a newer update")

// ValidationError rejects input before any external call is made: dependency
// cycles, unknown references, forbidden property changes.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "ValidationError: " + e.Reason
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ResourceFailure wraps an error raised by an external operation or its poll,
// carrying the failing resource's name and action.
type ResourceFailure struct {
	Name   string
	Action ir.Action
	Err    error
}

func (e *ResourceFailure) Error() string {
	return fmt.Sprintf("ResourceFailure: resources.%s: %v", e.Name, e.Err)
}

func (e *ResourceFailure) Unwrap() error {
	return e.Err
}

// TimeoutError reports that an operation exceeded its wall-clock budget.
type TimeoutError struct {
	Name   string
	Action ir.Action
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout: resources.%s: %s timed out", e.Name, e.Action)
}

// StackTimeoutError reports that the whole-stack budget elapsed.
type StackTimeoutError struct {
	Stack  string
	Action ir.Action
}

func (e *StackTimeoutError) Error() string {
	return fmt.Sprintf("Timeout: stack %s: %s timed out", e.Stack, e.Action)
}

// aggregateReasons joins the contributing failure reasons into a single stack
// status reason.
func aggregateReasons(errs []error) string {
	reasons := make([]string, 0, len(errs))
	for _, err := range errs {
		reasons = append(reasons, err.Error())
	}
	return strings.Join(reasons, "; ")
}
