// Package backend implements the in-memory store at the heart of taskmill:
// task records, output and slot cells, the dependency graph, activation
// bookkeeping, the memoization cache, and the background jobs that reclaim
// unreachable work.
//
// It is intentionally split into:
//   - Passive state (tasks, cells, edges) guarded by per-task locks
//   - A facade (Backend) exposing the operations the executor calls into
//   - Background jobs (deactivate/remove) the backend hands to the executor
//
// The backend never blocks and never runs task bodies itself; reads of
// not-yet-ready values return a wake handle instead of a value.
package backend

import (
	"taskmill/internal/fingerprint"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// FuncID names a registered native function.
type FuncID uint32

// TraitID names a registered trait (a set of dynamically dispatched methods).
type TraitID uint32

// TaskKind discriminates the closed set of task shapes.
type TaskKind uint8

const (
	// KindNative is a persistent task fully determined by (function, inputs).
	KindNative TaskKind = iota + 1
	// KindResolveNative is like KindNative but its reference inputs are
	// resolved to concrete contents before the call.
	KindResolveNative
	// KindResolveTrait dispatches (trait, method) on the resolved type of the
	// first input at run time.
	KindResolveTrait
	// KindRoot is a transient, never-memoized task anchored externally.
	KindRoot
	// KindOnce is a transient task that completes at most once and then
	// holds its result.
	KindOnce
)

// Persistent reports whether tasks of this kind are memoized in the cache.
func (k TaskKind) Persistent() bool {
	return k == KindNative || k == KindResolveNative || k == KindResolveTrait
}

func (k TaskKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindResolveNative:
		return "resolve-native"
	case KindResolveTrait:
		return "resolve-trait"
	case KindRoot:
		return "root"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// TaskType is the immutable specification of a persistent task: its kind,
// callee, and input vector. Two TaskTypes with the same fingerprint share one
// task entry.
type TaskType struct {
	Kind   TaskKind
	Func   FuncID
	Trait  TraitID
	Method string
	Inputs []any
}

// Fingerprint computes the memoization key of the task type.
func (tt TaskType) Fingerprint() fingerprint.Fingerprint {
	return fingerprint.Of(uint8(tt.Kind), uint32(tt.Func), uint32(tt.Trait), tt.Method, tt.Inputs)
}

// SlotToken is a caller-supplied call-site key that anchors a slot assignment
// to a stable index across reruns (see SlotMappings).
type SlotToken uint64

// SlotMappings remembers, per token, the slot index used last run. Fresh
// tokens get fresh indices; tokens missing from a rerun cause their slots to
// be abandoned and their readers invalidated.
type SlotMappings map[SlotToken]int

// TaskContext is the cooperative context a task body executes against. The
// runtime implements it; the backend only defines the contract.
//
// Reads suspend the body's goroutine until the source value is available, or
// fail once the execution has gone stale.
type TaskContext interface {
	// TaskID is the id of the executing task.
	TaskID() ids.TaskID

	// ReadOutput reads the output of another task, recording a dependency.
	ReadOutput(task ids.TaskID) (value.Result, error)

	// ReadRef resolves a reference chain down to a concrete content,
	// recording a dependency for every hop.
	ReadRef(ref value.Ref) (value.Content, error)

	// EmitSlot publishes content under the stable slot for token and returns
	// a reference to it.
	EmitSlot(token SlotToken, content value.Content) (value.Ref, error)

	// SpawnChild creates-or-finds the persistent task for tt, connects it as
	// a child of the executing task, and returns its id.
	SpawnChild(tt TaskType) (ids.TaskID, error)
}

// Body is a transient task body. Persistent tasks dispatch through the
// runtime's function registry instead.
type Body func(tc TaskContext) (value.Ref, error)

// ExecutionSpec describes one granted execution attempt.
type ExecutionSpec struct {
	Task  ids.TaskID
	Epoch uint64
	Kind  TaskKind

	// Type is the persistent task specification; zero for transient tasks.
	Type TaskType

	// Body is the transient body; nil for persistent tasks.
	Body Body

	// SlotMappings is the slot-mapping side table taken from the task for the
	// duration of the run. The executor hands the (possibly updated) table
	// back through TaskExecutionCompleted.
	SlotMappings SlotMappings
}

// Scheduler is the backend's view of the executor: the two callbacks through
// which deferred work is handed over. Implementations must not block.
type Scheduler interface {
	// Schedule requests that the task be started (TryStartTaskExecution)
	// at some future point.
	Schedule(task ids.TaskID)

	// ScheduleBackgroundJob requests that RunBackgroundJob(id) be invoked
	// once, asynchronously.
	ScheduleBackgroundJob(job ids.JobID)
}
