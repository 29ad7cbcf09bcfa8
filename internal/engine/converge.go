package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackd-io/stackd/internal/ir"
	"github.com/stackd-io/stackd/internal/logging"
	"github.com/stackd-io/stackd/internal/resource"
)

// Update converges the stack onto a new desired template. A traversal id is
// minted for the accepted template; if another update is accepted while this
// one is in flight, this traversal is superseded: its unstarted nodes are
// abandoned, its in-flight tasks finish and their outcome becomes input to
// the newer traversal, and ErrSuperseded is returned.
func (s *Stack) Update(ctx context.Context, tmpl *ir.Template) error {
	if tmpl == nil || tmpl.Resources == nil {
		return validationf("update template is nil")
	}

	goalGraph, err := BuildGraph(tmpl.Resources)
	if err != nil {
		return err
	}
	if err := s.validateAll(ctx, tmpl.Resources); err != nil {
		return err
	}
	// Reject forbidden property changes before accepting the template.
	for name, goalDef := range tmpl.Resources {
		if rec := s.Resource(name); rec != nil {
			if _, err := Classify(name, rec.Definition(), goalDef); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	priorDefs := s.defs
	oldGraph := s.graph
	s.defs = tmpl.Resources
	s.graph = goalGraph
	if tmpl.TimeoutMinutes > 0 {
		s.Timeout = time.Duration(tmpl.TimeoutMinutes) * time.Minute
	}
	s.RollbackOnFailure = tmpl.RollbackOnFailure
	// Minted in the same critical section as the template swap, so the live
	// traversal always matches the installed template generation.
	tid := s.mintTraversal()
	s.mu.Unlock()
	s.setStackState(tid, ir.ActionUpdate, ir.StatusInProgress, "stack update started")
	logging.Info("update accepted", "stack", s.Name, "traversal", tid)

	errs, superseded := s.converge(ctx, tid, ir.ActionUpdate, tmpl.Resources, goalGraph, oldGraph)
	if superseded {
		return ErrSuperseded
	}
	return s.finish(ctx, tid, ir.ActionUpdate, errs, priorDefs)
}

// converge runs one traversal: a forward phase that creates/updates/replaces
// every goal node once its goal-graph dependencies are terminal, then a
// cleanup phase that deletes replaced and removed records in reverse
// dependency order of the old graph. Only the live traversal makes progress;
// a stale one abandons every node it has not started.
func (s *Stack) converge(ctx context.Context, tid string, stackAction ir.Action, goal map[string]*ir.Definition, goalGraph, oldGraph *Graph) ([]error, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	// Forward phase over the goal graph.
	replaced := make(map[string]*ir.Record)
	var replacedMu sync.Mutex

	errs := s.walk(opCtx, goalGraph.ForwardOrder(), goalGraph.Dependencies, func(ctx context.Context, name string) error {
		old, err := s.convergeNode(ctx, tid, name, goal[name])
		if err != nil {
			return err
		}
		if old != nil {
			replacedMu.Lock()
			replaced[name] = old
			replacedMu.Unlock()
		}
		return nil
	})

	if !s.live(tid) {
		return errs, true
	}

	// Cleanup phase: replaced records plus records whose names left the goal.
	cleanup := make(map[string]*ir.Record)
	s.mu.Lock()
	for name, rec := range s.resources {
		if _, ok := goal[name]; !ok {
			cleanup[name] = rec
		}
	}
	s.mu.Unlock()
	for name, rec := range replaced {
		cleanup[cleanupKey(name)] = rec
	}

	if len(cleanup) > 0 {
		order, deps := cleanupOrder(cleanup, oldGraph)
		cleanupErrs := s.walk(opCtx, order, deps, func(ctx context.Context, key string) error {
			return s.deleteRecord(ctx, tid, key, cleanup[key])
		})
		errs = append(errs, cleanupErrs...)
	}

	if opCtx.Err() != nil && ctx.Err() == nil {
		errs = append(errs, &StackTimeoutError{Stack: s.Name, Action: stackAction})
	}

	return errs, !s.live(tid)
}

// convergeNode settles the record (waiting out any in-flight task from a
// previous traversal), classifies goal against current, and runs the
// required create/update task. It returns the superseded old record when the
// node was replaced.
func (s *Stack) convergeNode(ctx context.Context, tid, name string, goalDef *ir.Definition) (*ir.Record, error) {
	if !s.live(tid) {
		return nil, ErrSuperseded
	}

	cur := s.Resource(name)
	if cur != nil {
		// An in-flight task from a previous traversal is allowed to finish;
		// its outcome is reality input to this traversal.
		s.settle(cur)
	}
	if !s.live(tid) {
		return nil, ErrSuperseded
	}

	change, err := s.classifyNode(name, cur, goalDef)
	if err != nil {
		return nil, err
	}

	switch change.Kind {
	case ChangeNone:
		return nil, nil

	case ChangeCreate:
		rec := cur
		if rec == nil || !reusableForCreate(rec) {
			rec = ir.NewRecord(name, goalDef)
		} else {
			rec.SetDefinition(goalDef)
		}
		if err := s.runTask(ctx, rec, s.createTask(rec, goalDef, tid)); err != nil {
			s.adoptRecord(name, rec)
			return nil, err
		}
		s.adoptRecord(name, rec)
		return nil, nil

	case ChangeUpdate:
		impl, err := s.registry.New(goalDef.Type)
		if err != nil {
			return nil, &ResourceFailure{Name: name, Action: ir.ActionUpdate, Err: err}
		}
		updater, ok := impl.(resource.Updater)
		if !ok {
			return s.replaceNode(ctx, tid, name, cur, goalDef)
		}
		prior := cur.Definition()
		req := s.requestFor(cur, goalDef, prior)
		task := &Task{
			Record: cur,
			Action: ir.ActionUpdate,
			Guard:  func() bool { return s.live(tid) },
			Start: func(ctx context.Context) (*resource.Progress, error) {
				return updater.HandleUpdate(ctx, req, change.ChangedKeys)
			},
			Poll: func(ctx context.Context, token string) (bool, error) {
				return updater.CheckUpdateComplete(ctx, req, token)
			},
			Transient:    transientFor(impl),
			OnTransition: s.transitionHook(),
		}
		err = s.runTask(ctx, cur, task)
		if errors.Is(err, resource.ErrNeedsReplacement) {
			return s.replaceNode(ctx, tid, name, cur, goalDef)
		}
		if err != nil {
			return nil, err
		}
		cur.SetDefinition(goalDef)
		s.persist()
		return nil, nil

	case ChangeReplace:
		return s.replaceNode(ctx, tid, name, cur, goalDef)

	default:
		return nil, fmt.Errorf("unexpected change kind %s for resources.%s", change.Kind, name)
	}
}

// classifyNode decides the action for one node: goal vs currently-observed.
func (s *Stack) classifyNode(name string, cur *ir.Record, goalDef *ir.Definition) (Change, error) {
	if cur == nil || reusableForCreate(cur) {
		return Change{Kind: ChangeCreate}, nil
	}
	if action, status := cur.State(); status == ir.StatusFailed && action != ir.ActionDelete {
		// A failed resource is recreated rather than patched.
		return Change{Kind: ChangeReplace}, nil
	}
	return Classify(name, cur.Definition(), goalDef)
}

// reusableForCreate reports whether the record has never been provisioned.
func reusableForCreate(rec *ir.Record) bool {
	action, status := rec.State()
	if action == ir.ActionInit {
		return true
	}
	return action == ir.ActionDelete && status == ir.StatusComplete
}

// replaceNode creates the replacement before the old record is touched; the
// old record is handed to the cleanup phase, so dependents always observe the
// new resource and the old one outlives its last dependent.
func (s *Stack) replaceNode(ctx context.Context, tid, name string, old *ir.Record, goalDef *ir.Definition) (*ir.Record, error) {
	newRec := ir.NewRecord(name, goalDef)
	if err := s.runTask(ctx, newRec, s.createTask(newRec, goalDef, tid)); err != nil {
		// The failed replacement becomes the visible record; the old one
		// still exists externally and is kept for cleanup or rollback.
		s.adoptRecord(name, newRec)
		if old != nil {
			return old, err
		}
		return nil, err
	}
	s.adoptRecord(name, newRec)
	if old == nil || old.ResourceID() == "" {
		return nil, nil
	}
	return old, nil
}

// createTask builds the create task for a record.
func (s *Stack) createTask(rec *ir.Record, def *ir.Definition, tid string) *Task {
	impl, err := s.registry.New(def.Type)
	task := &Task{
		Record:       rec,
		Action:       ir.ActionCreate,
		Guard:        func() bool { return s.live(tid) },
		OnTransition: s.transitionHook(),
	}
	if err != nil {
		task.Start = func(ctx context.Context) (*resource.Progress, error) {
			return nil, err
		}
		return task
	}
	req := s.requestFor(rec, def, nil)
	task.Start = func(ctx context.Context) (*resource.Progress, error) {
		// References resolve against dependency records, which are terminal
		// by the time this task starts.
		req = s.requestFor(rec, def, nil)
		return impl.HandleCreate(ctx, req)
	}
	task.Poll = func(ctx context.Context, token string) (bool, error) {
		return impl.CheckCreateComplete(ctx, req, token)
	}
	task.Transient = transientFor(impl)
	return task
}

// deleteRecord drives one record through delete, honoring its deletion
// policy, and drops it from the stack on success.
func (s *Stack) deleteRecord(ctx context.Context, tid, key string, rec *ir.Record) error {
	if rec == nil {
		return nil
	}
	if !s.live(tid) {
		return ErrSuperseded
	}
	s.settle(rec)
	if !s.live(tid) {
		return ErrSuperseded
	}

	def := rec.Definition()
	policy := def.DeletionPolicy
	if policy == "" {
		policy = ir.DeleteResource
	}

	impl, err := s.registry.New(def.Type)
	if err != nil {
		return &ResourceFailure{Name: rec.Name, Action: ir.ActionDelete, Err: err}
	}
	req := s.requestFor(rec, def, nil)

	var task *Task
	switch policy {
	case ir.RetainResource, ir.SnapshotResource:
		if policy == ir.SnapshotResource {
			if snap, ok := impl.(resource.Snapshotter); ok {
				if p, err := snap.HandleSnapshot(ctx, req); err == nil && p != nil {
					rec.MergeData(p.Data)
				}
			}
		}
		// The external resource is left in place; only the record goes away.
		task = s.noopTask(rec, ir.ActionDelete)
	default:
		task = &Task{
			Record: rec,
			Action: ir.ActionDelete,
			Guard:  func() bool { return s.live(tid) },
			Start: func(ctx context.Context) (*resource.Progress, error) {
				if rec.ResourceID() == "" {
					// Never provisioned; nothing to tear down.
					return &resource.Progress{Done: true}, nil
				}
				p, err := impl.HandleDelete(ctx, req)
				if err != nil && resource.IsNotFound(impl, err) {
					// Already gone counts as deleted.
					return &resource.Progress{Done: true}, nil
				}
				return p, err
			},
			Poll: func(ctx context.Context, token string) (bool, error) {
				done, err := impl.CheckDeleteComplete(ctx, req, token)
				if err != nil && resource.IsNotFound(impl, err) {
					return true, nil
				}
				return done, err
			},
			Transient:    transientFor(impl),
			OnTransition: s.transitionHook(),
		}
	}

	if err := s.runTask(ctx, rec, task); err != nil {
		return err
	}

	s.mu.Lock()
	if existing, ok := s.resources[rec.Name]; ok && existing == rec {
		delete(s.resources, rec.Name)
	}
	s.mu.Unlock()
	s.persist()
	return nil
}

// adoptRecord installs a record as the current one for its name.
func (s *Stack) adoptRecord(name string, rec *ir.Record) {
	s.mu.Lock()
	s.resources[name] = rec
	s.mu.Unlock()
	s.persist()
}

// settle blocks until any task currently driving the record has finished.
func (s *Stack) settle(rec *ir.Record) {
	lock := s.sched.lockFor(rec.UUID)
	lock.Lock()
	lock.Unlock() //nolint:staticcheck // barrier only: wait out the in-flight task
}

// rollbackTo converges back to the template that was active before the
// failed operation. The rollback traversal replaces the failed one, but a
// newer user update wins over the rollback.
func (s *Stack) rollbackTo(ctx context.Context, failedTID string, priorDefs map[string]*ir.Definition, failureReason string) error {
	priorGraph, err := BuildGraph(priorDefs)
	if err != nil {
		return err
	}

	// The CAS and the template swap share one critical section so the live
	// traversal never points at a template other than the one installed.
	tid := uuid.New().String()
	s.mu.Lock()
	if !s.casTraversal(failedTID, tid) {
		s.mu.Unlock()
		return ErrSuperseded
	}
	oldGraph := s.graph
	s.defs = priorDefs
	s.graph = priorGraph
	s.mu.Unlock()

	s.setStackState(tid, ir.ActionRollback, ir.StatusInProgress, "rollback started: "+failureReason)
	logging.Info("rolling back", "stack", s.Name, "traversal", tid)

	errs, superseded := s.converge(ctx, tid, ir.ActionRollback, priorDefs, priorGraph, oldGraph)
	if superseded {
		return ErrSuperseded
	}
	if len(errs) > 0 {
		s.setStackState(tid, ir.ActionRollback, ir.StatusFailed, aggregateReasons(errs))
		return errors.Join(errs...)
	}
	s.setStackState(tid, ir.ActionRollback, ir.StatusComplete, "rollback complete")
	return nil
}

// cleanupOrder orders cleanup records by the old graph's reverse order
// (dependents deleted before their dependencies); replaced-record keys sort
// with their original name. Records unknown to the old graph go last.
func cleanupOrder(cleanup map[string]*ir.Record, oldGraph *Graph) ([]string, func(string) []string) {
	position := make(map[string]int)
	for i, name := range oldGraph.ReverseOrder() {
		position[name] = i
	}

	keys := make([]string, 0, len(cleanup))
	for key := range cleanup {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, iok := position[baseName(keys[i])]
		pj, jok := position[baseName(keys[j])]
		if iok != jok {
			return iok
		}
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})

	// A record is deleted only after every cleanup record that depended on
	// it (per the old graph) is gone.
	deps := func(key string) []string {
		var out []string
		for _, dependent := range oldGraph.Dependents(baseName(key)) {
			for _, candidate := range []string{dependent, cleanupKey(dependent)} {
				if _, ok := cleanup[candidate]; ok {
					out = append(out, candidate)
				}
			}
		}
		return out
	}
	return keys, deps
}

// cleanupKey namespaces a replaced record so it can coexist with the live
// record of the same name during cleanup.
func cleanupKey(name string) string {
	return name + "#replaced"
}

func baseName(key string) string {
	if i := strings.Index(key, "#"); i >= 0 {
		return key[:i]
	}
	return key
}

// Traversal bookkeeping. The traversal id is the single piece of
// cross-cutting mutable state; it is read and compare-and-set under its own
// lock so a task can atomically decide whether it is still live.

// mintTraversal accepts a new desired state: a fresh id becomes the only live
// traversal.
func (s *Stack) mintTraversal() string {
	tid := uuid.New().String()
	s.traversalMu.Lock()
	s.traversalID = tid
	s.traversalMu.Unlock()
	return tid
}

// live reports whether tid is still the stack's live traversal.
func (s *Stack) live(tid string) bool {
	s.traversalMu.Lock()
	defer s.traversalMu.Unlock()
	return s.traversalID == tid
}

// casTraversal installs next only if old is still live.
func (s *Stack) casTraversal(old, next string) bool {
	s.traversalMu.Lock()
	defer s.traversalMu.Unlock()
	if s.traversalID != old {
		return false
	}
	s.traversalID = next
	return true
}

// currentTraversal returns the live traversal id.
func (s *Stack) currentTraversal() string {
	s.traversalMu.Lock()
	defer s.traversalMu.Unlock()
	return s.traversalID
}
