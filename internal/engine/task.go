package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stackd-io/stackd/internal/ir"
	"github.com/stackd-io/stackd/internal/logging"
	"github.com/stackd-io/stackd/internal/resource"
)

// Task is a resumable unit of work driving one record through one action: a
// single start step that issues the external operation, then zero or more
// poll steps separated by cooperative yield points. A task owns no state
// beyond what it writes into its record.
type Task struct {
	Record *ir.Record
	Action ir.Action

	// Start issues the external operation. It may report immediate
	// completion via Progress.Done.
	Start func(ctx context.Context) (*resource.Progress, error)
	// Poll is the non-blocking completion check for the token returned by
	// Start.
	Poll func(ctx context.Context, token string) (bool, error)

	// Interval is the base poll interval; jitter is applied around it.
	Interval time.Duration

	// Guard, when set, is consulted before the task mutates anything. A
	// false return means the task is superseded and must not run.
	Guard func() bool

	// Transient, when set, replaces the default transient-error check used
	// to decide whether a failed poll is retried.
	Transient func(error) bool

	// OnTransition is invoked after every record state change, e.g. to
	// persist the row and emit an event.
	OnTransition func(*ir.Record)
}

func (t *Task) notify() {
	if t.OnTransition != nil {
		t.OnTransition(t.Record)
	}
}

// Scheduler drives tasks to completion. Tasks for independent records run
// concurrently; the scheduler guarantees that no two tasks ever drive the
// same record at the same time.
type Scheduler struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	retry   *RetryPolicy
	metrics *Metrics
}

// NewScheduler returns a scheduler. metrics may be nil.
func NewScheduler(metrics *Metrics) *Scheduler {
	return &Scheduler{
		locks:   make(map[string]*sync.Mutex),
		retry:   DefaultRetryPolicy(),
		metrics: metrics,
	}
}

// lockFor returns the mutex serializing tasks on one record.
func (s *Scheduler) lockFor(recordUUID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[recordUUID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[recordUUID] = l
	}
	return l
}

// Run executes a task with the given wall-clock budget. The start step runs
// once; poll steps repeat with a jittered sleep until completion, failure, or
// timeout. Transient poll errors are retried with backoff; any other poll
// error is wrapped as a ResourceFailure and the record set FAILED before it
// is returned. Cancellation is cooperative: between polls only, and a
// cancelled task does not mutate the record further, leaving that to its
// caller.
func (s *Scheduler) Run(ctx context.Context, t *Task, timeout time.Duration) error {
	lock := s.lockFor(t.Record.UUID)
	lock.Lock()
	defer lock.Unlock()

	if t.Guard != nil && !t.Guard() {
		return ErrSuperseded
	}

	started := time.Now()
	deadline := started.Add(timeout)

	t.Record.SetInProgress(t.Action)
	t.notify()

	logging.Debug("task started", "resource", t.Record.Name, "action", t.Action)

	progress, err := t.Start(ctx)
	if err != nil {
		return s.fail(t, err, started)
	}
	if progress == nil {
		// A nil report with a nil error counts as synchronous completion.
		progress = &resource.Progress{Done: true}
	}
	s.applyProgress(t.Record, progress)

	done := progress.Done
	token := progress.Token

	for !done {
		if time.Now().After(deadline) {
			terr := &TimeoutError{Name: t.Record.Name, Action: t.Action}
			t.Record.SetFailed(t.Action, terr)
			t.notify()
			s.metrics.observeOperation(string(t.Action), "timeout", time.Since(started))
			return terr
		}

		select {
		case <-ctx.Done():
			// Cancelled at a yield point. State is left to the caller.
			return ctx.Err()
		case <-time.After(jitteredInterval(t.Interval)):
		}

		transient := IsTransientError
		if t.Transient != nil {
			transient = t.Transient
		}
		pollErr := RetryWithBackoff(ctx, s.retry, func() error {
			var err error
			done, err = t.Poll(ctx, token)
			s.metrics.observePoll()
			return err
		}, transient)
		if pollErr != nil {
			if errors.Is(pollErr, context.Canceled) || errors.Is(pollErr, context.DeadlineExceeded) {
				return pollErr
			}
			return s.fail(t, pollErr, started)
		}
	}

	t.Record.SetComplete(t.Action)
	t.notify()
	s.metrics.observeOperation(string(t.Action), "complete", time.Since(started))
	logging.Debug("task complete", "resource", t.Record.Name, "action", t.Action, "duration", time.Since(started))
	return nil
}

// fail records the error on the record and returns it wrapped as a
// ResourceFailure (unless it already carries a kind). A needs-replacement
// signal is not a failure: it passes through untouched so the caller can
// recreate the resource.
func (s *Scheduler) fail(t *Task, err error, started time.Time) error {
	if errors.Is(err, resource.ErrNeedsReplacement) {
		return err
	}

	var failure error
	var vErr *ValidationError
	var rErr *ResourceFailure
	var tErr *TimeoutError
	switch {
	case errors.As(err, &vErr), errors.As(err, &rErr), errors.As(err, &tErr):
		failure = err
	default:
		failure = &ResourceFailure{Name: t.Record.Name, Action: t.Action, Err: err}
	}

	t.Record.SetFailed(t.Action, failure)
	t.notify()
	s.metrics.observeOperation(string(t.Action), "failed", time.Since(started))
	logging.Debug("task failed", "resource", t.Record.Name, "action", t.Action, "error", failure)
	return failure
}

// applyProgress merges a start/poll progress report into the record.
func (s *Scheduler) applyProgress(rec *ir.Record, p *resource.Progress) {
	if p.ResourceID != "" {
		rec.SetResourceID(p.ResourceID)
	}
	rec.MergeData(p.Data)
}
