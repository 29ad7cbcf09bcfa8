package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stackd-io/stackd/internal/ir"
	"github.com/stackd-io/stackd/internal/logging"
	"github.com/stackd-io/stackd/internal/resource"
)

// Store persists the stack and its resource rows. Implementations live
// outside the engine; a nil store is valid and persists nothing.
type Store interface {
	Save(ctx context.Context, st *ir.StackState) error
}

// Event is a progress notification for one resource state transition.
type Event struct {
	Resource string
	Action   ir.Action
	Status   ir.Status
	Reason   string
}

// EventFunc receives progress events if set.
type EventFunc func(Event)

// Stack owns a set of resource records plus their dependency graph and runs
// whole-stack actions by scheduling per-resource tasks in dependency order.
type Stack struct {
	Name string
	ID   string

	Timeout           time.Duration
	RollbackOnFailure bool

	mu        sync.Mutex
	resources map[string]*ir.Record
	defs      map[string]*ir.Definition // current template generation
	graph     *Graph
	action    ir.Action
	status    ir.Status
	reason    string

	traversalMu sync.Mutex
	traversalID string

	registry *resource.Registry
	sched    *Scheduler
	metrics  *Metrics
	store    Store
	onEvent  EventFunc
}

// Option configures a Stack.
type Option func(*Stack)

// WithStore sets the persistence backend.
func WithStore(st Store) Option {
	return func(s *Stack) { s.store = st }
}

// WithEvents sets the progress event callback.
func WithEvents(fn EventFunc) Option {
	return func(s *Stack) { s.onEvent = fn }
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Stack) { s.metrics = m }
}

// WithTimeout overrides the whole-stack timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Stack) { s.Timeout = d }
}

// New instantiates a stack from a resolved template. Every resource record
// starts in (INIT, COMPLETE). The dependency graph is validated here; a cycle
// or unknown reference aborts before anything is scheduled.
func New(name string, tmpl *ir.Template, registry *resource.Registry, opts ...Option) (*Stack, error) {
	if tmpl == nil {
		return nil, validationf("template is nil")
	}

	graph, err := BuildGraph(tmpl.Resources)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		Name:              name,
		ID:                uuid.New().String(),
		Timeout:           DefaultStackTimeout,
		RollbackOnFailure: tmpl.RollbackOnFailure,
		resources:         make(map[string]*ir.Record, len(tmpl.Resources)),
		defs:              tmpl.Resources,
		graph:             graph,
		action:            ir.ActionInit,
		status:            ir.StatusComplete,
		registry:          registry,
	}
	if tmpl.TimeoutMinutes > 0 {
		s.Timeout = time.Duration(tmpl.TimeoutMinutes) * time.Minute
	}

	for name, def := range tmpl.Resources {
		s.resources[name] = ir.NewRecord(name, def)
	}

	for _, opt := range opts {
		opt(s)
	}
	s.sched = NewScheduler(s.metrics)

	return s, nil
}

// Load rebuilds a stack from its persisted rows.
func Load(st *ir.StackState, registry *resource.Registry, opts ...Option) (*Stack, error) {
	defs := make(map[string]*ir.Definition, len(st.Resources))
	for _, row := range st.Resources {
		defs[row.Name] = row.Definition
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		return nil, err
	}

	s := &Stack{
		Name:              st.Name,
		ID:                st.ID,
		Timeout:           DefaultStackTimeout,
		RollbackOnFailure: st.Rollback,
		resources:         make(map[string]*ir.Record, len(st.Resources)),
		defs:              defs,
		graph:             graph,
		action:            st.Action,
		status:            st.Status,
		reason:            st.StatusReason,
		traversalID:       st.TraversalID,
		registry:          registry,
	}
	if st.TimeoutMinutes > 0 {
		s.Timeout = time.Duration(st.TimeoutMinutes) * time.Minute
	}
	for _, row := range st.Resources {
		s.resources[row.Name] = row.Restore()
	}

	for _, opt := range opts {
		opt(s)
	}
	s.sched = NewScheduler(s.metrics)

	return s, nil
}

// State returns the stack's (action, status, reason) triple.
func (s *Stack) State() (ir.Action, ir.Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action, s.status, s.reason
}

// Resources returns a snapshot of the stack's records by name.
func (s *Stack) Resources() map[string]*ir.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ir.Record, len(s.resources))
	for name, rec := range s.resources {
		out[name] = rec
	}
	return out
}

// Resource returns the record for name, or nil.
func (s *Stack) Resource(name string) *ir.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resources[name]
}

// Create provisions every resource in dependency order. On failure with
// rollback enabled, everything created so far is torn down again.
func (s *Stack) Create(ctx context.Context) error {
	if err := s.validateAll(ctx, s.currentDefs()); err != nil {
		return err
	}

	tid := s.mintTraversal()
	goal := s.currentDefs()
	goalGraph := s.currentGraph()

	s.setStackState(tid, ir.ActionCreate, ir.StatusInProgress, "stack creation started")

	errs, superseded := s.converge(ctx, tid, ir.ActionCreate, goal, goalGraph, goalGraph)
	if superseded {
		return ErrSuperseded
	}
	return s.finish(ctx, tid, ir.ActionCreate, errs, map[string]*ir.Definition{})
}

// Delete removes every resource in reverse dependency order: a resource is
// deleted only after everything that depends on it is gone.
func (s *Stack) Delete(ctx context.Context) error {
	tid := s.mintTraversal()
	oldGraph := s.currentGraph()
	emptyGraph, _ := BuildGraph(map[string]*ir.Definition{})

	s.setStackState(tid, ir.ActionDelete, ir.StatusInProgress, "stack deletion started")

	errs, superseded := s.converge(ctx, tid, ir.ActionDelete, map[string]*ir.Definition{}, emptyGraph, oldGraph)
	if superseded {
		return ErrSuperseded
	}

	if len(errs) > 0 {
		s.setStackState(tid, ir.ActionDelete, ir.StatusFailed, aggregateReasons(errs))
		return errors.Join(errs...)
	}
	s.setStackState(tid, ir.ActionDelete, ir.StatusComplete, "stack deletion complete")
	return nil
}

// Suspend pauses every resource whose implementation supports suspension.
func (s *Stack) Suspend(ctx context.Context) error {
	return s.simpleOp(ctx, ir.ActionSuspend)
}

// Resume resumes every resource whose implementation supports it.
func (s *Stack) Resume(ctx context.Context) error {
	return s.simpleOp(ctx, ir.ActionResume)
}

// Check verifies every resource against reality without mutating anything.
func (s *Stack) Check(ctx context.Context) error {
	return s.simpleOp(ctx, ir.ActionCheck)
}

// Snapshot captures the stack's resources and returns the snapshot.
func (s *Stack) Snapshot(ctx context.Context) (*ir.Snapshot, error) {
	snap := &ir.Snapshot{
		ID:        uuid.New().String(),
		StackName: s.Name,
		CreatedAt: time.Now().UTC(),
		Resources: make(map[string]*ir.RecordSnapshot),
	}

	err := s.simpleOp(ctx, ir.ActionSnapshot)

	s.mu.Lock()
	for name, rec := range s.resources {
		snap.Resources[name] = &ir.RecordSnapshot{
			ResourceID: rec.ResourceID(),
			Data:       rec.Data(),
			Properties: rec.Definition().Properties,
		}
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore drives every resource back to the state captured in the snapshot.
// Implementations without restore support are left untouched.
func (s *Stack) Restore(ctx context.Context, snap *ir.Snapshot) error {
	if snap == nil {
		return validationf("snapshot is nil")
	}
	return s.runWalk(ctx, ir.ActionRestore, func(ctx context.Context, rec *ir.Record, impl resource.Implementation, req *resource.Request) (*Task, error) {
		rs := snap.Resources[rec.Name]
		restorer, ok := impl.(resource.Restorer)
		if rs == nil || !ok {
			return s.noopTask(rec, ir.ActionRestore), nil
		}
		return &Task{
			Record: rec,
			Action: ir.ActionRestore,
			Start: func(ctx context.Context) (*resource.Progress, error) {
				return restorer.HandleRestore(ctx, req, rs.Data)
			},
			Poll: func(ctx context.Context, token string) (bool, error) {
				return restorer.CheckRestoreComplete(ctx, req, token)
			},
			Transient:    transientFor(impl),
			OnTransition: s.transitionHook(),
		}, nil
	})
}

// simpleOp runs a non-structural action (suspend/resume/check/snapshot) over
// every resource in forward dependency order.
func (s *Stack) simpleOp(ctx context.Context, action ir.Action) error {
	return s.runWalk(ctx, action, func(ctx context.Context, rec *ir.Record, impl resource.Implementation, req *resource.Request) (*Task, error) {
		return s.capabilityTask(rec, impl, req, action)
	})
}

// runWalk executes one task per resource in forward dependency order, then
// folds the failures into the stack status.
func (s *Stack) runWalk(ctx context.Context, action ir.Action, build func(context.Context, *ir.Record, resource.Implementation, *resource.Request) (*Task, error)) error {
	tid := s.mintTraversal()
	graph := s.currentGraph()

	s.setStackState(tid, action, ir.StatusInProgress, fmt.Sprintf("stack %s started", action))

	opCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	errs := s.walk(opCtx, graph.ForwardOrder(), graph.Dependencies, func(ctx context.Context, name string) error {
		rec := s.Resource(name)
		if rec == nil {
			return nil
		}
		def := rec.Definition()
		impl, err := s.registry.New(def.Type)
		if err != nil {
			return &ResourceFailure{Name: name, Action: action, Err: err}
		}
		req := s.requestFor(rec, def, nil)
		task, err := build(ctx, rec, impl, req)
		if err != nil {
			return err
		}
		return s.runTask(ctx, rec, task)
	})
	if opCtx.Err() != nil && ctx.Err() == nil {
		errs = append(errs, &StackTimeoutError{Stack: s.Name, Action: action})
	}

	if len(errs) > 0 {
		s.setStackState(tid, action, ir.StatusFailed, aggregateReasons(errs))
		return errors.Join(errs...)
	}
	s.setStackState(tid, action, ir.StatusComplete, fmt.Sprintf("stack %s complete", action))
	return nil
}

// finish folds per-resource failures into the stack status and, when rollback
// is enabled for a create/update, converges back to the prior template.
func (s *Stack) finish(ctx context.Context, tid string, action ir.Action, errs []error, priorDefs map[string]*ir.Definition) error {
	if len(errs) == 0 {
		s.setStackState(tid, action, ir.StatusComplete, fmt.Sprintf("stack %s complete", action))
		return nil
	}

	reason := aggregateReasons(errs)
	failure := errors.Join(errs...)

	if s.RollbackOnFailure {
		if err := s.rollbackTo(ctx, tid, priorDefs, reason); err != nil {
			if errors.Is(err, ErrSuperseded) {
				return failure
			}
			return errors.Join(failure, err)
		}
		return failure
	}

	s.setStackState(tid, action, ir.StatusFailed, reason)
	return failure
}

// walk runs one function per name, starting each only once every dependency
// it names (within this walk) has finished. A failed dependency skips its
// dependents; independent branches keep running. Cancellation of ctx halts
// scheduling of not-yet-started names.
func (s *Stack) walk(ctx context.Context, names []string, deps func(string) []string, run func(context.Context, string) error) []error {
	scheduled := make(map[string]bool, len(names))
	for _, name := range names {
		scheduled[name] = true
	}

	completed := make(map[string]bool, len(names))
	failed := make(map[string]bool, len(names))
	var walkMu sync.Mutex
	cond := sync.NewCond(&walkMu)
	var errs []error

	// Wake waiters when the operation is cancelled or times out.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			walkMu.Lock()
			cond.Broadcast()
			walkMu.Unlock()
		case <-stop:
		}
	}()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			walkMu.Lock()
			for {
				if ctx.Err() != nil {
					walkMu.Unlock()
					return nil
				}
				ready := true
				depFailed := false
				for _, dep := range deps(name) {
					if !scheduled[dep] {
						continue
					}
					if failed[dep] {
						depFailed = true
						break
					}
					if !completed[dep] {
						ready = false
						break
					}
				}
				if depFailed {
					failed[name] = true
					cond.Broadcast()
					walkMu.Unlock()
					return nil
				}
				if ready {
					break
				}
				cond.Wait()
			}
			walkMu.Unlock()

			if ctx.Err() != nil {
				return nil
			}

			err := run(ctx, name)

			walkMu.Lock()
			if err != nil {
				failed[name] = true
				if !errors.Is(err, ErrSuperseded) {
					errs = append(errs, err)
				}
			} else {
				completed[name] = true
			}
			cond.Broadcast()
			walkMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	close(stop)
	return errs
}

// runTask runs a task under the per-resource timeout; a cancelled task is
// translated into a timeout failure on the record here, since the task itself
// never mutates state after cancellation.
func (s *Stack) runTask(ctx context.Context, rec *ir.Record, task *Task) error {
	err := s.sched.Run(ctx, task, DefaultTimeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		terr := &TimeoutError{Name: rec.Name, Action: task.Action}
		rec.SetFailed(task.Action, terr)
		s.transitionHook()(rec)
		return terr
	}
	return err
}

// capabilityTask builds a task for an optional capability; implementations
// lacking it complete the action as a no-op.
func (s *Stack) capabilityTask(rec *ir.Record, impl resource.Implementation, req *resource.Request, action ir.Action) (*Task, error) {
	var handle func(context.Context, *resource.Request) (*resource.Progress, error)
	var check func(context.Context, *resource.Request, string) (bool, error)

	switch action {
	case ir.ActionSuspend:
		if c, ok := impl.(resource.Suspender); ok {
			handle, check = c.HandleSuspend, c.CheckSuspendComplete
		}
	case ir.ActionResume:
		if c, ok := impl.(resource.Resumer); ok {
			handle, check = c.HandleResume, c.CheckResumeComplete
		}
	case ir.ActionCheck:
		if c, ok := impl.(resource.Checker); ok {
			handle, check = c.HandleCheck, c.CheckCheckComplete
		}
	case ir.ActionSnapshot:
		if c, ok := impl.(resource.Snapshotter); ok {
			handle, check = c.HandleSnapshot, c.CheckSnapshotComplete
		}
	default:
		return nil, fmt.Errorf("no capability mapping for action %s", action)
	}

	if handle == nil {
		return s.noopTask(rec, action), nil
	}
	return &Task{
		Record: rec,
		Action: action,
		Start: func(ctx context.Context) (*resource.Progress, error) {
			return handle(ctx, req)
		},
		Poll: func(ctx context.Context, token string) (bool, error) {
			return check(ctx, req, token)
		},
		Transient:    transientFor(impl),
		OnTransition: s.transitionHook(),
	}, nil
}

// transientFor folds an implementation's own error classification into the
// default transient check, so errors the implementation declares as
// rate-limiting are retried even when their text does not look transient.
func transientFor(impl resource.Implementation) func(error) bool {
	return func(err error) bool {
		return resource.IsOverLimit(impl, err) || IsTransientError(err)
	}
}

// noopTask completes an action immediately, used when an implementation does
// not provide the optional capability.
func (s *Stack) noopTask(rec *ir.Record, action ir.Action) *Task {
	return &Task{
		Record: rec,
		Action: action,
		Start: func(ctx context.Context) (*resource.Progress, error) {
			return &resource.Progress{Done: true}, nil
		},
		OnTransition: s.transitionHook(),
	}
}

// requestFor builds the implementation request for a record, resolving
// ref:// expressions against the records of completed dependencies.
func (s *Stack) requestFor(rec *ir.Record, def *ir.Definition, prior *ir.Definition) *resource.Request {
	props, _ := ResolveRefs(normalizeValue(def.Properties), s.lookupRef).(map[string]any)
	req := &resource.Request{
		StackName:  s.Name,
		Name:       rec.Name,
		Type:       def.Type,
		Properties: props,
		ResourceID: rec.ResourceID(),
		Data:       rec.Data(),
	}
	if prior != nil {
		req.PriorProperties, _ = normalizeValue(prior.Properties).(map[string]any)
	}
	return req
}

// lookupRef resolves ref://name and ref://name/attr against a record's
// external id and persisted data.
func (s *Stack) lookupRef(name, attr string) (any, bool) {
	s.mu.Lock()
	rec := s.resources[name]
	s.mu.Unlock()
	if rec == nil {
		return nil, false
	}
	if attr == "" {
		id := rec.ResourceID()
		if id == "" {
			return nil, false
		}
		return id, true
	}
	if v, ok := rec.DataValue(attr); ok {
		return v, true
	}
	if v, ok := rec.Definition().Properties[attr]; ok {
		return v, true
	}
	return nil, false
}

// validateAll runs each implementation's pre-flight validation once, before
// any action is scheduled.
func (s *Stack) validateAll(ctx context.Context, defs map[string]*ir.Definition) error {
	for name, def := range defs {
		impl, err := s.registry.New(def.Type)
		if err != nil {
			return validationf("resources.%s: %v", name, err)
		}
		req := &resource.Request{
			StackName:  s.Name,
			Name:       name,
			Type:       def.Type,
			Properties: normalizeValue(def.Properties).(map[string]any),
		}
		if err := impl.Validate(ctx, req); err != nil {
			return validationf("resources.%s: %v", name, err)
		}
	}
	return nil
}

func (s *Stack) currentDefs() map[string]*ir.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs
}

func (s *Stack) currentGraph() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// transitionHook persists the stack and emits an event after every record
// state change.
func (s *Stack) transitionHook() func(*ir.Record) {
	return func(rec *ir.Record) {
		s.persist()
		if s.onEvent != nil {
			action, status := rec.State()
			s.onEvent(Event{
				Resource: rec.Name,
				Action:   action,
				Status:   status,
				Reason:   rec.StatusReason(),
			})
		}
	}
}

// setStackState writes the stack triple only while tid is still the live
// traversal, so a superseded operation never overwrites its successor's
// status.
func (s *Stack) setStackState(tid string, action ir.Action, status ir.Status, reason string) {
	if tid != "" && !s.live(tid) {
		return
	}
	s.mu.Lock()
	s.action = action
	s.status = status
	s.reason = reason
	s.mu.Unlock()
	s.persist()
}

// persist saves the stack rows; persistence failures are logged, not fatal.
func (s *Stack) persist() {
	if s.store == nil {
		return
	}
	st := s.stackState()
	if err := s.store.Save(context.Background(), st); err != nil {
		logging.Warn("failed to persist stack state", "stack", s.Name, "error", err)
	}
}

// stackState builds the persisted row form of the stack.
func (s *Stack) stackState() *ir.StackState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &ir.StackState{
		Name:           s.Name,
		ID:             s.ID,
		Action:         s.action,
		Status:         s.status,
		StatusReason:   s.reason,
		TimeoutMinutes: int(s.Timeout / time.Minute),
		Rollback:       s.RollbackOnFailure,
		TraversalID:    s.currentTraversal(),
	}
	for _, name := range s.graph.ForwardOrder() {
		if rec, ok := s.resources[name]; ok {
			st.Resources = append(st.Resources, rec.Row())
		}
	}
	// Records outside the current graph (pending cleanup) are persisted too.
	for name, rec := range s.resources {
		if _, ok := s.graph.nodes[name]; !ok {
			st.Resources = append(st.Resources, rec.Row())
		}
	}
	return st
}

// StackState returns the persisted row form of the stack.
func (s *Stack) StackState() *ir.StackState {
	return s.stackState()
}
