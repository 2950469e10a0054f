package backend

import (
	"sync"

	"taskmill/internal/fingerprint"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// Task is the record of one unit of memoized computation.
//
// Everything below mu is guarded by it. The lock is leaf-level: no backend
// operation holds two task locks at once. Multi-task protocols (edge
// reconciliation, activation fan-out) collect work under one lock and apply
// it after release, one task at a time.
type Task struct {
	id   ids.TaskID
	kind TaskKind

	// ttype and fp are set for persistent kinds; body for transient kinds.
	// All are immutable after creation.
	ttype TaskType
	fp    fingerprint.Fingerprint
	body  Body

	mu      sync.Mutex
	state   State
	epoch   uint64
	removed bool

	output   outputCell
	slots    []slotCell
	nextSlot int

	// slotMappings is held here between runs and handed to the executor for
	// the duration of one run (nil while taken).
	slotMappings SlotMappings

	// deps and children are the sets recorded by the most recent completed
	// run; runDeps and runChildren accumulate during an in-flight run and
	// replace them at completion. deps is emptied (and its edges unregistered)
	// when a run starts; children absent from the new set yield child edge
	// removals at completion.
	deps        map[value.Ref]struct{}
	runDeps     map[value.Ref]struct{}
	children    map[ids.TaskID]struct{}
	runChildren map[ids.TaskID]struct{}

	// parents is the inverse of children across all tasks.
	parents map[ids.TaskID]struct{}

	// activeCount is the number of active parents (plus the external anchor
	// for transient tasks). Zero means unreachable and eligible for removal.
	activeCount int

	executions uint64
}

func newPersistentTask(id ids.TaskID, tt TaskType, fp fingerprint.Fingerprint) *Task {
	return &Task{
		id:       id,
		kind:     tt.Kind,
		ttype:    tt,
		fp:       fp,
		state:    StateDirty,
		children: make(map[ids.TaskID]struct{}),
		parents:  make(map[ids.TaskID]struct{}),
		deps:     make(map[value.Ref]struct{}),
	}
}

// setState applies one validated state machine step. A disallowed step means
// a synchronization bug, never a recoverable condition.
func (t *Task) setState(to State) {
	if !isAllowedTransition(t.state, to) {
		panic(internalf("disallowed transition for task %d: %s -> %s", t.id, t.state, to))
	}
	t.state = to
}

func newTransientTask(id ids.TaskID, kind TaskKind, body Body) *Task {
	return &Task{
		id:       id,
		kind:     kind,
		body:     body,
		state:    StateScheduled,
		children: make(map[ids.TaskID]struct{}),
		parents:  make(map[ids.TaskID]struct{}),
		deps:     make(map[value.Ref]struct{}),
		// Transient tasks carry an implicit anchor released explicitly by
		// their creator.
		activeCount: 1,
	}
}

// executionStarted transitions Scheduled -> InProgress under a fresh epoch
// and hands out the slot-mapping table. Any other state rejects the attempt.
//
// The task's dependency edges are cleared here, not at completion: the new
// run has observed nothing yet, so a concurrent change of a formerly-read
// cell must not dirty it. The caller unregisters the returned refs from their
// writers' reader sets.
func (t *Task) executionStarted() (*ExecutionSpec, []value.Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed || t.state != StateScheduled {
		return nil, nil, false
	}
	t.setState(StateInProgress)
	t.epoch++
	t.executions++

	cleared := make([]value.Ref, 0, len(t.deps))
	for ref := range t.deps {
		cleared = append(cleared, ref)
	}
	t.deps = make(map[value.Ref]struct{})

	t.runDeps = make(map[value.Ref]struct{})
	t.runChildren = make(map[ids.TaskID]struct{})
	t.nextSlot = len(t.slots)

	mappings := t.slotMappings
	if mappings == nil {
		mappings = make(SlotMappings)
	}
	t.slotMappings = nil

	return &ExecutionSpec{
		Task:         t.id,
		Epoch:        t.epoch,
		Kind:         t.kind,
		Type:         t.ttype,
		Body:         t.body,
		SlotMappings: mappings,
	}, cleared, true
}

// recordDep notes that this task, while in progress, read the given cell.
func (t *Task) recordDep(ref value.Ref) {
	t.mu.Lock()
	if t.runDeps != nil {
		t.runDeps[ref] = struct{}{}
	}
	t.mu.Unlock()
}

// getFreshSlot returns the next unused slot index for the current run.
// Indices are monotonic within a run and never collide with mapped indices
// from earlier runs.
func (t *Task) getFreshSlot() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.nextSlot
	t.nextSlot++
	for len(t.slots) <= idx {
		t.slots = append(t.slots, slotCell{})
	}
	return idx
}

// currentExecution reports whether the run identified by epoch is still the
// live, non-stale execution. Bodies poll this after every wake-up so a
// suspended stale run unwinds instead of hanging on an abandoned cell.
func (t *Task) currentExecution(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.removed && t.state == StateInProgress && t.epoch == epoch
}

// completionEffects is the cross-task work a completion produces, applied by
// the backend after the task's lock is released.
type completionEffects struct {
	// invalidate collects readers whose observed values changed or vanished.
	invalidate []ids.TaskID
	// removedChildren lost their child edge from this task.
	removedChildren []ids.TaskID
	// parentWasActive tells whether removedChildren each lost an active
	// parent contribution.
	parentWasActive bool
	// reschedule is true when the run went stale mid-flight and the executor
	// must run the task again.
	reschedule bool
}

// executionCompleted finishes the run for the given epoch.
//
//   - InProgress(epoch): the result is written to the output cell, slots the
//     rerun stopped emitting are abandoned, dependency and child sets are
//     reconciled, and the task becomes Done.
//   - InProgressDirty(epoch): the run is stale; the result is discarded so
//     dependents only ever observe the latest value, and the task is
//     re-scheduled (Scheduled when active, Dirty otherwise).
//   - Any other state or epoch: a completion for a run that no longer exists;
//     ignored entirely.
func (t *Task) executionCompleted(epoch uint64, newMappings SlotMappings, result value.Result) (completionEffects, bool) {
	var fx completionEffects

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed || !t.state.InProgress() || t.epoch != epoch {
		return fx, false
	}

	if t.state == StateInProgressDirty {
		// The run is stale; keep the edges it did register so the next start
		// clears them, but discard its result outright.
		t.deps = t.runDeps
		t.runDeps = nil
		t.runChildren = nil
		t.slotMappings = newMappings
		if t.activeCount > 0 {
			t.setState(StateScheduled)
			fx.reschedule = true
		} else {
			t.setState(StateDirty)
		}
		return fx, true
	}

	// Output write: a changed value returns the prior readers for
	// invalidation; an equal value invalidates nobody.
	if old, changed := t.output.write(result); changed {
		for r := range old {
			fx.invalidate = append(fx.invalidate, r)
		}
	}

	// Abandon slots whose token vanished from this run. Slots assigned this
	// epoch carry updatedEpoch == epoch regardless of whether their content
	// changed.
	kept := make(map[int]struct{}, len(newMappings))
	for _, idx := range newMappings {
		kept[idx] = struct{}{}
	}
	for i := range t.slots {
		s := &t.slots[i]
		if !s.has {
			continue
		}
		if _, ok := kept[i]; ok && s.updatedEpoch == epoch {
			continue
		}
		for r := range s.abandon() {
			fx.invalidate = append(fx.invalidate, r)
		}
	}

	// Dependency edges were cleared at start; this run's reads are the
	// complete new set.
	t.deps = t.runDeps
	t.runDeps = nil

	// Reconcile children: entries absent from this run lose their active
	// contribution from this task.
	for c := range t.children {
		if _, ok := t.runChildren[c]; !ok {
			fx.removedChildren = append(fx.removedChildren, c)
		}
	}
	t.children = t.runChildren
	t.runChildren = nil
	fx.parentWasActive = t.activeCount > 0

	t.slotMappings = newMappings
	t.setState(StateDone)
	return fx, true
}

// invalidateLocked applies the invalidation state transition. Returns whether
// the task must be handed to the scheduler.
//
// Once tasks hold their result forever and ignore invalidation.
func (t *Task) invalidateLocked() (schedule bool) {
	if t.kind == KindOnce {
		return false
	}
	switch t.state {
	case StateDone:
		if t.activeCount > 0 {
			t.setState(StateScheduled)
			return true
		}
		t.setState(StateDirty)
	case StateInProgress:
		t.setState(StateInProgressDirty)
	}
	// Scheduled, Dirty, InProgressDirty: nothing to do.
	return false
}

// snapshotChildrenLocked copies the current children set. Caller must hold
// t.mu.
func (t *Task) snapshotChildrenLocked() []ids.TaskID {
	out := make([]ids.TaskID, 0, len(t.children))
	for c := range t.children {
		out = append(out, c)
	}
	return out
}

// TaskInfo is a point-in-time snapshot of a task's observable bookkeeping,
// exposed for diagnostics and tests.
type TaskInfo struct {
	ID          ids.TaskID
	Kind        TaskKind
	State       State
	Epoch       uint64
	ActiveCount int
	Executions  uint64
	Children    int
	Parents     int
	HasOutput   bool
}

func (t *Task) info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		ID:          t.id,
		Kind:        t.kind,
		State:       t.state,
		Epoch:       t.epoch,
		ActiveCount: t.activeCount,
		Executions:  t.executions,
		Children:    len(t.children),
		Parents:     len(t.parents),
		HasOutput:   t.output.has,
	}
}
