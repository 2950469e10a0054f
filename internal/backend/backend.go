package backend

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"taskmill/internal/event"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// Backend is the in-memory store of tasks, values, edges, and liveness.
//
// It is a passive, fully thread-safe library object: task bodies run on an
// external executor which calls back in through the methods below. Deferred
// work (deactivation, removal) is handed to the executor through
// Scheduler.ScheduleBackgroundJob and run via RunBackgroundJob.
type Backend struct {
	tasks   *ids.Store[Task]
	taskIDs *ids.Factory[ids.TaskID]

	jobs   *ids.Store[backgroundJob]
	jobIDs *ids.Factory[ids.JobID]

	// cache maps fingerprint -> task id. LoadOrStore gives the CAS-based
	// single-flight insertion the memoization contract requires; the loser
	// discards its tentative id through the factory's reuse path.
	cache sync.Map

	log     zerolog.Logger
	metrics *metrics

	liveTasks   atomic.Int64
	cachedTasks atomic.Int64
	executions  atomic.Uint64
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Backend) { b.log = log }
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		tasks:   ids.NewStore[Task](),
		taskIDs: ids.NewFactory[ids.TaskID](),
		jobs:    ids.NewStore[backgroundJob](),
		jobIDs:  ids.NewFactory[ids.JobID](),
		log:     zerolog.Nop(),
		metrics: noopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) task(id ids.TaskID) *Task {
	return b.tasks.Get(uint32(id))
}

// TryStartTaskExecution grants one execution attempt, or returns nil when the
// task is not in a runnable state (not Scheduled, already running, removed).
func (b *Backend) TryStartTaskExecution(id ids.TaskID) *ExecutionSpec {
	t := b.task(id)
	if t == nil {
		return nil
	}
	spec, cleared, ok := t.executionStarted()
	if !ok {
		return nil
	}
	// The fresh run has observed nothing; drop its old registrations so
	// changes it has not seen cannot dirty it.
	for _, ref := range cleared {
		b.unregisterReader(ref, id)
	}
	b.executions.Add(1)
	b.metrics.executionStarted(spec.Kind)
	b.log.Debug().Uint32("task", uint32(id)).Uint64("epoch", spec.Epoch).Msg("execution started")
	return spec
}

// TaskExecutionCompleted applies the run's result and reconciles the task's
// edges. It returns true iff the run went stale mid-flight and the task must
// be executed again.
func (b *Backend) TaskExecutionCompleted(id ids.TaskID, epoch uint64, newMappings SlotMappings, result value.Result, sched Scheduler) bool {
	t := b.task(id)
	if t == nil {
		return false
	}

	fx, ok := t.executionCompleted(epoch, newMappings, result)
	if !ok {
		b.log.Debug().Uint32("task", uint32(id)).Uint64("epoch", epoch).Msg("stale completion ignored")
		return false
	}

	// Cross-task effects strictly after t's lock is released.
	if len(fx.removedChildren) > 0 {
		b.disconnectChildren(id, fx.removedChildren, fx.parentWasActive, sched)
	}
	if len(fx.invalidate) > 0 {
		b.NotifySlotChange(fx.invalidate, sched)
	}
	if fx.reschedule {
		b.log.Debug().Uint32("task", uint32(id)).Uint64("epoch", epoch).Msg("dirty run discarded, rescheduling")
	}
	return fx.reschedule
}

// TryReadTaskOutput reads the output of task for reader, recording the
// dependency edge. A not-yet-ready output yields a wake handle; the caller
// suspends and retries after it fires.
//
// Reading a Dirty task that is active demands it: the task is scheduled so
// the suspended reader eventually makes progress. A read does not schedule a
// Dirty task whose active count is zero.
func (b *Backend) TryReadTaskOutput(id, reader ids.TaskID, sched Scheduler) (value.Result, event.Listener, error) {
	t := b.task(id)
	if t == nil {
		return value.Result{}, nil, internalf("read output of unknown task %d", id)
	}
	if reader != 0 {
		r := b.task(reader)
		if r == nil {
			return value.Result{}, nil, internalf("unknown reader task %d", reader)
		}
		r.recordDep(value.OutputOf(id))
	}

	t.mu.Lock()
	var (
		res      value.Result
		listener event.Listener
	)
	// A value is only observable once the producing run is Done; reads of a
	// dirty or in-flight task suspend so dependents never act on values the
	// producer is about to replace.
	if t.state == StateDone {
		res, listener = t.output.read(reader)
	} else {
		listener = t.output.event.Listen()
	}
	schedule := false
	if listener != nil && t.state == StateDirty && t.activeCount > 0 {
		t.setState(StateScheduled)
		schedule = true
	}
	t.mu.Unlock()

	if schedule {
		sched.Schedule(id)
	}
	return res, listener, nil
}

// TryReadTaskOutputUntracked reads without creating an edge.
func (b *Backend) TryReadTaskOutputUntracked(id ids.TaskID) (value.Result, event.Listener, error) {
	t := b.task(id)
	if t == nil {
		return value.Result{}, nil, internalf("read output of unknown task %d", id)
	}
	t.mu.Lock()
	var (
		res      value.Result
		listener event.Listener
	)
	if t.state == StateDone {
		res, listener = t.output.readUntracked()
	} else {
		listener = t.output.event.Listen()
	}
	t.mu.Unlock()
	return res, listener, nil
}

// ReadTaskSlot reads slot index of task for reader, recording the dependency.
// An unwritten slot yields a wake handle.
func (b *Backend) ReadTaskSlot(id ids.TaskID, index int, reader ids.TaskID, sched Scheduler) (value.Content, event.Listener, error) {
	t := b.task(id)
	if t == nil {
		return value.Content{}, nil, internalf("read slot of unknown task %d", id)
	}
	if reader != 0 {
		r := b.task(reader)
		if r == nil {
			return value.Content{}, nil, internalf("unknown reader task %d", reader)
		}
		r.recordDep(value.SlotOf(id, index))
	}

	t.mu.Lock()
	if index < 0 || index >= len(t.slots) {
		t.mu.Unlock()
		return value.Content{}, nil, internalf("slot index %d out of range for task %d", index, id)
	}
	content, listener := t.slots[index].readContent(reader)
	schedule := false
	if listener != nil && t.state == StateDirty && t.activeCount > 0 {
		t.setState(StateScheduled)
		schedule = true
	}
	t.mu.Unlock()

	if schedule {
		sched.Schedule(id)
	}
	return content, listener, nil
}

// ReadTaskSlotUntracked reads a slot without creating an edge. An unwritten
// slot yields a wake handle without registering anything.
func (b *Backend) ReadTaskSlotUntracked(id ids.TaskID, index int) (value.Content, event.Listener, error) {
	t := b.task(id)
	if t == nil {
		return value.Content{}, nil, internalf("read slot of unknown task %d", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return value.Content{}, nil, internalf("slot index %d out of range for task %d", index, id)
	}
	content, listener := t.slots[index].readContentUntracked()
	return content, listener, nil
}

// GetFreshSlot returns the next unused slot index for the task's current run.
func (b *Backend) GetFreshSlot(id ids.TaskID) (int, error) {
	t := b.task(id)
	if t == nil {
		return 0, internalf("fresh slot for unknown task %d", id)
	}
	return t.getFreshSlot(), nil
}

// UpdateTaskSlot assigns content to the slot and invalidates dependents when
// the content changed.
func (b *Backend) UpdateTaskSlot(id ids.TaskID, index int, content value.Content, sched Scheduler) error {
	t := b.task(id)
	if t == nil {
		return internalf("update slot of unknown task %d", id)
	}

	t.mu.Lock()
	if index < 0 || index >= len(t.slots) {
		t.mu.Unlock()
		return internalf("slot index %d out of range for task %d", index, id)
	}
	old, changed := t.slots[index].assign(content, t.epoch)
	t.mu.Unlock()

	if changed && len(old) > 0 {
		readers := make([]ids.TaskID, 0, len(old))
		for r := range old {
			readers = append(readers, r)
		}
		b.NotifySlotChange(readers, sched)
	}
	return nil
}

// InvalidateTask marks the task's output stale. A Done active task is
// re-scheduled immediately; an in-progress run is marked dirty without being
// aborted (its result is discarded on completion; slot assignments it already
// made stay in place).
func (b *Backend) InvalidateTask(id ids.TaskID, sched Scheduler) {
	b.NotifySlotChange([]ids.TaskID{id}, sched)
}

// NotifySlotChange invalidates every listed task; used for the fan-out over
// reader sets returned by changed writes.
//
// The fan-out is two-phase: every task is marked stale before any is handed
// to the scheduler, so a re-executed dependent can never observe a sibling
// that is about to be invalidated as still Done.
func (b *Backend) NotifySlotChange(tasks []ids.TaskID, sched Scheduler) {
	var toSchedule []ids.TaskID
	for _, id := range tasks {
		t := b.task(id)
		if t == nil {
			continue
		}
		t.mu.Lock()
		schedule := t.invalidateLocked()
		t.mu.Unlock()

		b.metrics.invalidated()
		if schedule {
			toSchedule = append(toSchedule, id)
		}
	}
	for _, id := range toSchedule {
		sched.Schedule(id)
	}
}

// IsExecutionCurrent reports whether the run identified by (task, epoch) is
// still live and non-stale. Suspended bodies poll this after each wake-up.
func (b *Backend) IsExecutionCurrent(id ids.TaskID, epoch uint64) bool {
	t := b.task(id)
	return t != nil && t.currentExecution(epoch)
}

// CreateTransientTask creates a never-memoized Root or Once task. The task is
// anchored (active) until ReleaseTransientTask drops the anchor, and is
// scheduled immediately.
func (b *Backend) CreateTransientTask(kind TaskKind, body Body, sched Scheduler) (ids.TaskID, error) {
	if kind.Persistent() {
		return 0, internalf("task kind %s is not transient", kind)
	}
	if body == nil {
		return 0, internalf("transient task requires a body")
	}

	id := b.taskIDs.Get()
	t := newTransientTask(id, kind, body)
	b.tasks.Insert(uint32(id), t)
	b.liveTasks.Add(1)
	b.metrics.taskCreated()
	b.log.Debug().Uint32("task", uint32(id)).Str("kind", kind.String()).Msg("transient task created")

	sched.Schedule(id)
	return id, nil
}

// ReleaseTransientTask drops the external anchor of a Root/Once task,
// triggering the deactivation cascade that may ultimately free its subtree.
func (b *Backend) ReleaseTransientTask(id ids.TaskID, sched Scheduler) {
	t := b.task(id)
	if t == nil {
		return
	}
	b.dropActiveContribution(t, sched)
}

// TaskInfo returns a diagnostic snapshot, or false for an unknown id.
func (b *Backend) TaskInfo(id ids.TaskID) (TaskInfo, bool) {
	t := b.task(id)
	if t == nil {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// Stats summarizes the backend's bookkeeping.
type Stats struct {
	LiveTasks   int64
	CachedTasks int64
	Executions  uint64
}

// Stats returns current counters.
func (b *Backend) Stats() Stats {
	return Stats{
		LiveTasks:   b.liveTasks.Load(),
		CachedTasks: b.cachedTasks.Load(),
		Executions:  b.executions.Load(),
	}
}
