package backend

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"taskmill/internal/ids"
	"taskmill/internal/value"
)

const typeInt value.TypeID = 1

// fakeSched records scheduler callbacks so tests can drive deferred work
// deterministically.
type fakeSched struct {
	mu    sync.Mutex
	tasks []ids.TaskID
	jobs  []ids.JobID
}

func (s *fakeSched) Schedule(task ids.TaskID) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
}

func (s *fakeSched) ScheduleBackgroundJob(job ids.JobID) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

func (s *fakeSched) takeTasks() []ids.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tasks
	s.tasks = nil
	return out
}

func (s *fakeSched) scheduledTask(id ids.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t == id {
			return true
		}
	}
	return false
}

// drainJobs runs background jobs, including those enqueued by jobs, until
// none remain.
func (s *fakeSched) drainJobs(b *Backend) {
	for {
		s.mu.Lock()
		if len(s.jobs) == 0 {
			s.mu.Unlock()
			return
		}
		job := s.jobs[0]
		s.jobs = s.jobs[1:]
		s.mu.Unlock()
		b.RunBackgroundJob(job, s)
	}
}

func noBody(_ TaskContext) (value.Ref, error) { return value.Ref{}, nil }

func nativeType(fn FuncID, inputs ...any) TaskType {
	return TaskType{Kind: KindNative, Func: fn, Inputs: inputs}
}

// runProducing performs one full execution of id that publishes n into the
// token-1 slot and points the output at it.
func runProducing(t *testing.T, b *Backend, s *fakeSched, id ids.TaskID, n int64) {
	t.Helper()
	spec := b.TryStartTaskExecution(id)
	require.NotNil(t, spec, "task %d must be startable", id)

	idx, ok := spec.SlotMappings[1]
	if !ok {
		var err error
		idx, err = b.GetFreshSlot(id)
		require.NoError(t, err)
	}
	require.NoError(t, b.UpdateTaskSlot(id, idx, value.Content{Type: typeInt, Value: n}, s))

	reschedule := b.TaskExecutionCompleted(id, spec.Epoch, SlotMappings{1: idx}, value.Ok(value.SlotOf(id, idx)), s)
	require.False(t, reschedule)
}

// newActiveRoot creates a transient root and starts its (never completed)
// execution so persistent children can be spawned under an active parent.
func newActiveRoot(t *testing.T, b *Backend, s *fakeSched) (ids.TaskID, *ExecutionSpec) {
	t.Helper()
	root, err := b.CreateTransientTask(KindRoot, noBody, s)
	require.NoError(t, err)
	spec := b.TryStartTaskExecution(root)
	require.NotNil(t, spec)
	return root, spec
}

func TestGetOrCreate_MemoizesByFingerprint(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	a, err := b.GetOrCreatePersistentTask(nativeType(1, "x"), root, s)
	require.NoError(t, err)
	same, err := b.GetOrCreatePersistentTask(nativeType(1, "x"), root, s)
	require.NoError(t, err)
	other, err := b.GetOrCreatePersistentTask(nativeType(1, "y"), root, s)
	require.NoError(t, err)

	require.Equal(t, a, same)
	require.NotEqual(t, a, other)
	require.EqualValues(t, 2, b.Stats().CachedTasks)
}

func TestGetOrCreate_SingleFlight(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	tt := nativeType(7, "contested")
	const callers = 10

	var wg sync.WaitGroup
	got := make([]ids.TaskID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.GetOrCreatePersistentTask(tt, root, s)
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.Equal(t, got[0], got[i], "all racing callers must observe one id")
	}
	require.EqualValues(t, 1, b.Stats().CachedTasks, "exactly one task entry per fingerprint")
}

func TestTryStart_RejectsNonScheduledStates(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	// Persistent child: activation schedules it.
	child, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)
	require.True(t, s.scheduledTask(child))

	spec := b.TryStartTaskExecution(child)
	require.NotNil(t, spec)

	// A second start while in progress is rejected.
	require.Nil(t, b.TryStartTaskExecution(child))

	// Done is not runnable either.
	require.False(t, b.TaskExecutionCompleted(child, spec.Epoch, SlotMappings{}, value.Ok(value.OutputOf(root)), s))
	require.Nil(t, b.TryStartTaskExecution(child))
}

func TestRead_SuspendsUntilDoneThenDeliversValue(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)

	res, listener, err := b.TryReadTaskOutput(producer, root, s)
	require.NoError(t, err)
	require.NotNil(t, listener, "reading an unexecuted task must suspend")
	require.False(t, res.Failed())

	runProducing(t, b, s, producer, 41)

	select {
	case <-listener:
	default:
		t.Fatal("completion must wake the suspended reader")
	}

	res, listener, err = b.TryReadTaskOutput(producer, root, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.Equal(t, value.SlotOf(producer, 0), res.Ref)

	content, listener, err := b.ReadTaskSlot(producer, 0, root, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.Equal(t, int64(41), content.Value)
}

func TestInvalidate_ActiveDoneTaskIsRescheduled(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)
	runProducing(t, b, s, producer, 1)

	s.takeTasks()
	b.InvalidateTask(producer, s)
	require.True(t, s.scheduledTask(producer))

	info, ok := b.TaskInfo(producer)
	require.True(t, ok)
	require.Equal(t, StateScheduled, info.State)

	// Repeated invalidation while already scheduled is a no-op.
	s.takeTasks()
	b.InvalidateTask(producer, s)
	require.False(t, s.scheduledTask(producer))
}

func TestEqualValueWrite_InvalidatesNobody(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, rootSpec := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)
	runProducing(t, b, s, producer, 1)

	// Root reads output and slot, then completes: it is now a Done reader.
	res, listener, err := b.TryReadTaskOutput(producer, root, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	_, listener, err = b.ReadTaskSlot(producer, res.Ref.Index, root, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.False(t, b.TaskExecutionCompleted(root, rootSpec.Epoch, SlotMappings{}, value.Ok(res.Ref), s))

	// Re-run the producer with an identical value.
	b.InvalidateTask(producer, s)
	s.takeTasks()
	runProducing(t, b, s, producer, 1)

	info, ok := b.TaskInfo(root)
	require.True(t, ok)
	require.Equal(t, StateDone, info.State, "equal-value write must not invalidate the reader")
	require.False(t, s.scheduledTask(root))
}

func TestChangedWrite_InvalidatesReaders(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, rootSpec := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)
	runProducing(t, b, s, producer, 1)

	res, _, err := b.TryReadTaskOutput(producer, root, s)
	require.NoError(t, err)
	_, _, err = b.ReadTaskSlot(producer, res.Ref.Index, root, s)
	require.NoError(t, err)
	require.False(t, b.TaskExecutionCompleted(root, rootSpec.Epoch, SlotMappings{}, value.Ok(res.Ref), s))

	b.InvalidateTask(producer, s)
	s.takeTasks()
	runProducing(t, b, s, producer, 2)

	info, ok := b.TaskInfo(root)
	require.True(t, ok)
	require.Equal(t, StateScheduled, info.State, "changed slot content must invalidate the reader")
	require.True(t, s.scheduledTask(root))
}

func TestInvalidate_DuringRun_DiscardsResultAndReschedules(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)

	spec := b.TryStartTaskExecution(producer)
	require.NotNil(t, spec)

	b.InvalidateTask(producer, s)
	info, _ := b.TaskInfo(producer)
	require.Equal(t, StateInProgressDirty, info.State)

	idx, err := b.GetFreshSlot(producer)
	require.NoError(t, err)
	require.NoError(t, b.UpdateTaskSlot(producer, idx, value.Content{Type: typeInt, Value: int64(9)}, s))

	reschedule := b.TaskExecutionCompleted(producer, spec.Epoch, SlotMappings{1: idx}, value.Ok(value.SlotOf(producer, idx)), s)
	require.True(t, reschedule, "a dirty run must be re-executed")

	info, _ = b.TaskInfo(producer)
	require.Equal(t, StateScheduled, info.State)
	require.False(t, info.HasOutput, "the stale result must be discarded")
}

func TestCompletion_StaleEpochIgnored(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)

	first := b.TryStartTaskExecution(producer)
	require.NotNil(t, first)
	b.InvalidateTask(producer, s)
	require.True(t, b.TaskExecutionCompleted(producer, first.Epoch, SlotMappings{}, value.Ok(value.OutputOf(root)), s))

	second := b.TryStartTaskExecution(producer)
	require.NotNil(t, second)
	require.NotEqual(t, first.Epoch, second.Epoch)

	// A completion carrying the dead epoch changes nothing.
	require.False(t, b.TaskExecutionCompleted(producer, first.Epoch, SlotMappings{}, value.Ok(value.OutputOf(root)), s))
	info, _ := b.TaskInfo(producer)
	require.Equal(t, StateInProgress, info.State)

	runProducingEpoch(t, b, s, producer, second, 5)
	info, _ = b.TaskInfo(producer)
	require.Equal(t, StateDone, info.State)
}

// runProducingEpoch finishes an already-started spec with value n.
func runProducingEpoch(t *testing.T, b *Backend, s *fakeSched, id ids.TaskID, spec *ExecutionSpec, n int64) {
	t.Helper()
	idx, ok := spec.SlotMappings[1]
	if !ok {
		var err error
		idx, err = b.GetFreshSlot(id)
		require.NoError(t, err)
	}
	require.NoError(t, b.UpdateTaskSlot(id, idx, value.Content{Type: typeInt, Value: n}, s))
	require.False(t, b.TaskExecutionCompleted(id, spec.Epoch, SlotMappings{1: idx}, value.Ok(value.SlotOf(id, idx)), s))
}

func TestSlotMappings_StableAcrossRuns(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)
	runProducing(t, b, s, producer, 1)

	b.InvalidateTask(producer, s)
	spec := b.TryStartTaskExecution(producer)
	require.NotNil(t, spec)
	idx, ok := spec.SlotMappings[1]
	require.True(t, ok, "the token used last run must map to its old index")
	require.Equal(t, 0, idx)
}

func TestAbandonedSlot_InvalidatesItsReaders(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, rootSpec := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)

	// First run publishes two slots.
	spec := b.TryStartTaskExecution(producer)
	require.NotNil(t, spec)
	idxA, err := b.GetFreshSlot(producer)
	require.NoError(t, err)
	idxB, err := b.GetFreshSlot(producer)
	require.NoError(t, err)
	require.NoError(t, b.UpdateTaskSlot(producer, idxA, value.Content{Type: typeInt, Value: int64(1)}, s))
	require.NoError(t, b.UpdateTaskSlot(producer, idxB, value.Content{Type: typeInt, Value: int64(2)}, s))
	mappings := SlotMappings{1: idxA, 2: idxB}
	require.False(t, b.TaskExecutionCompleted(producer, spec.Epoch, mappings, value.Ok(value.SlotOf(producer, idxA)), s))

	// Root reads the second slot and completes.
	_, listener, err := b.ReadTaskSlot(producer, idxB, root, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.False(t, b.TaskExecutionCompleted(root, rootSpec.Epoch, SlotMappings{}, value.Ok(value.SlotOf(producer, idxB)), s))

	// Rerun only emits the first token; the second slot is abandoned.
	b.InvalidateTask(producer, s)
	s.takeTasks()
	spec = b.TryStartTaskExecution(producer)
	require.NotNil(t, spec)
	require.NoError(t, b.UpdateTaskSlot(producer, idxA, value.Content{Type: typeInt, Value: int64(1)}, s))
	require.False(t, b.TaskExecutionCompleted(producer, spec.Epoch, SlotMappings{1: idxA}, value.Ok(value.SlotOf(producer, idxA)), s))

	info, _ := b.TaskInfo(root)
	require.Equal(t, StateScheduled, info.State, "readers of abandoned slots must be invalidated")

	// The abandoned slot reads as unwritten again.
	_, listener, err = b.ReadTaskSlotUntracked(producer, idxB)
	require.NoError(t, err)
	require.NotNil(t, listener)
}

func TestActivation_SpawningSchedulesDirtyChildren(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	child, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)

	info, _ := b.TaskInfo(child)
	require.Equal(t, 1, info.ActiveCount)
	require.Equal(t, StateScheduled, info.State)
	require.True(t, s.scheduledTask(child))
}

func TestDeactivation_ReleaseRemovesSubtreeAndReusesIds(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, rootSpec := newActiveRoot(t, b, s)

	const width = 100
	children := make([]ids.TaskID, 0, width)
	for i := 0; i < width; i++ {
		id, err := b.GetOrCreatePersistentTask(nativeType(1, int64(i)), root, s)
		require.NoError(t, err)
		children = append(children, id)
	}
	require.False(t, b.TaskExecutionCompleted(root, rootSpec.Epoch, SlotMappings{}, value.Ok(value.OutputOf(children[0])), s))
	require.EqualValues(t, width, b.Stats().CachedTasks)

	b.ReleaseTransientTask(root, s)
	s.drainJobs(b)

	require.EqualValues(t, 0, b.Stats().LiveTasks)
	require.EqualValues(t, 0, b.Stats().CachedTasks)
	cached := 0
	b.ForEachCachedTask(func(ids.TaskID) { cached++ })
	require.Zero(t, cached)

	for _, id := range children {
		_, ok := b.TaskInfo(id)
		require.False(t, ok, "task %d must be removed", id)
	}

	// Freed ids are handed out again.
	fresh, err := b.CreateTransientTask(KindOnce, noBody, s)
	require.NoError(t, err)
	require.LessOrEqual(t, uint32(fresh), uint32(width+1), "removal must return ids for reuse")
}

func TestDeactivation_SharedChildSurvivesOneParent(t *testing.T) {
	b := New()
	s := &fakeSched{}
	rootA, _ := newActiveRoot(t, b, s)
	rootB, _ := newActiveRoot(t, b, s)

	shared, err := b.GetOrCreatePersistentTask(nativeType(1, "shared"), rootA, s)
	require.NoError(t, err)
	again, err := b.GetOrCreatePersistentTask(nativeType(1, "shared"), rootB, s)
	require.NoError(t, err)
	require.Equal(t, shared, again)

	info, _ := b.TaskInfo(shared)
	require.Equal(t, 2, info.ActiveCount)

	b.ReleaseTransientTask(rootA, s)
	s.drainJobs(b)

	info, ok := b.TaskInfo(shared)
	require.True(t, ok, "a child with a remaining active parent must survive")
	require.Equal(t, 1, info.ActiveCount)

	b.ReleaseTransientTask(rootB, s)
	s.drainJobs(b)
	_, ok = b.TaskInfo(shared)
	require.False(t, ok)
}

func TestChildReconciliation_DroppedChildDeactivates(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	parent, err := b.GetOrCreatePersistentTask(nativeType(1, "parent"), root, s)
	require.NoError(t, err)

	// Run 1: parent spawns a child.
	spec := b.TryStartTaskExecution(parent)
	require.NotNil(t, spec)
	child, err := b.GetOrCreatePersistentTask(nativeType(1, "leaf"), parent, s)
	require.NoError(t, err)
	require.False(t, b.TaskExecutionCompleted(parent, spec.Epoch, SlotMappings{}, value.Ok(value.OutputOf(child)), s))

	info, _ := b.TaskInfo(child)
	require.Equal(t, 1, info.ActiveCount)

	// Run 2: parent no longer spawns it.
	b.InvalidateTask(parent, s)
	spec = b.TryStartTaskExecution(parent)
	require.NotNil(t, spec)
	require.False(t, b.TaskExecutionCompleted(parent, spec.Epoch, SlotMappings{}, value.Ok(value.OutputOf(root)), s))
	s.drainJobs(b)

	_, ok := b.TaskInfo(child)
	require.False(t, ok, "a child dropped by reconciliation with no other parents must be removed")
}

func TestEdgeReconciliation_StaleReaderNotInvalidated(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	a, err := b.GetOrCreatePersistentTask(nativeType(1, "a"), root, s)
	require.NoError(t, err)
	reader, err := b.GetOrCreatePersistentTask(nativeType(1, "r"), root, s)
	require.NoError(t, err)
	runProducing(t, b, s, a, 1)

	// Run 1 of reader: reads a's output and slot.
	spec := b.TryStartTaskExecution(reader)
	require.NotNil(t, spec)
	res, listener, err := b.TryReadTaskOutput(a, reader, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	_, listener, err = b.ReadTaskSlot(a, res.Ref.Index, reader, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.False(t, b.TaskExecutionCompleted(reader, spec.Epoch, SlotMappings{}, value.Ok(res.Ref), s))

	// Run 2 of reader: reads nothing. Starting the run clears its edges.
	b.InvalidateTask(reader, s)
	spec = b.TryStartTaskExecution(reader)
	require.NotNil(t, spec)
	require.False(t, b.TaskExecutionCompleted(reader, spec.Epoch, SlotMappings{}, value.Ok(value.OutputOf(root)), s))

	// a changes; the reader must stay Done.
	s.takeTasks()
	b.InvalidateTask(a, s)
	s.takeTasks()
	runProducing(t, b, s, a, 99)

	info, _ := b.TaskInfo(reader)
	require.Equal(t, StateDone, info.State)
	require.False(t, s.scheduledTask(reader))
}

func TestOnceTask_IgnoresInvalidation(t *testing.T) {
	b := New()
	s := &fakeSched{}

	once, err := b.CreateTransientTask(KindOnce, noBody, s)
	require.NoError(t, err)
	runProducing(t, b, s, once, 7)

	b.InvalidateTask(once, s)
	info, _ := b.TaskInfo(once)
	require.Equal(t, StateDone, info.State, "a Once task holds its result")
}

func TestUnknownIds_AreInternalErrors(t *testing.T) {
	b := New()
	s := &fakeSched{}

	_, _, err := b.TryReadTaskOutput(42, 0, s)
	require.ErrorIs(t, err, ErrInternal)

	root, _ := newActiveRoot(t, b, s)
	_, _, err = b.TryReadTaskOutput(root, 42, s)
	require.ErrorIs(t, err, ErrInternal, "an unknown reader id is an invariant violation")

	_, _, err = b.ReadTaskSlot(root, 3, 0, s)
	require.ErrorIs(t, err, ErrInternal, "out-of-range slot index")
}

func TestFailureResult_IsAValue(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	producer, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)

	spec := b.TryStartTaskExecution(producer)
	require.NotNil(t, spec)
	require.False(t, b.TaskExecutionCompleted(producer, spec.Epoch, SlotMappings{}, value.Fail(errors.New("boom")), s))

	res, listener, err := b.TryReadTaskOutput(producer, root, s)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.True(t, res.Failed())
	require.EqualError(t, res.Err, "boom")

	// A later re-execution may succeed.
	b.InvalidateTask(producer, s)
	runProducing(t, b, s, producer, 3)
	res, _, err = b.TryReadTaskOutput(producer, root, s)
	require.NoError(t, err)
	require.False(t, res.Failed())
}

func TestRunBackgroundJob_ConsumesIdExactlyOnce(t *testing.T) {
	b := New()
	s := &fakeSched{}
	root, _ := newActiveRoot(t, b, s)

	child, err := b.GetOrCreatePersistentTask(nativeType(1), root, s)
	require.NoError(t, err)
	_ = child

	b.ReleaseTransientTask(root, s)
	s.mu.Lock()
	require.NotEmpty(t, s.jobs)
	job := s.jobs[0]
	s.mu.Unlock()

	b.RunBackgroundJob(job, s)
	// The consumed id went back to the allocator and was handed straight to
	// the removal job the deactivation pass enqueued, so this second
	// invocation runs that removal job; the deactivation job does not run
	// again.
	b.RunBackgroundJob(job, s)
	s.drainJobs(b)

	require.EqualValues(t, 0, b.Stats().LiveTasks)
}
