package backend

import "taskmill/internal/ids"

// Background jobs carry the deferred liveness work the backend must not do
// inline: deactivation fan-outs and task removal. Jobs get their own ids from
// a separate factory; each id is consumed exactly once by RunBackgroundJob
// and then returned to the factory.

type jobKind uint8

const (
	jobDeactivateTasks jobKind = iota + 1
	jobRemoveTasks
)

type backgroundJob struct {
	kind jobKind

	// deactivate lists tasks that each lost one active parent; the decrement
	// has not been applied yet.
	deactivate []ids.TaskID

	// zeroed lists tasks already settled at activeCount == 0, candidates for
	// removal once the fan-out completes.
	zeroed []ids.TaskID

	// remove lists tasks to erase; only set on jobRemoveTasks.
	remove []ids.TaskID
}

func (b *Backend) enqueueJob(job backgroundJob, sched Scheduler) {
	id := b.jobIDs.Get()
	b.jobs.Insert(uint32(id), &job)
	sched.ScheduleBackgroundJob(id)
}

// RunBackgroundJob executes the job registered under id. The entry is
// consumed on first use and the id returned to the allocator, so a job never
// runs twice; a second call with the same id is a no-op unless the id has
// meanwhile been handed to a newly enqueued job, which that call then runs.
func (b *Backend) RunBackgroundJob(id ids.JobID, sched Scheduler) {
	jp := b.jobs.Get(uint32(id))
	if jp == nil {
		return
	}
	job := *jp
	b.jobs.Remove(uint32(id))
	b.jobIDs.Reuse(id)

	switch job.kind {
	case jobDeactivateTasks:
		b.runDeactivateTasks(job, sched)
	case jobRemoveTasks:
		b.runRemoveTasks(job)
	}
	b.metrics.jobRan()
}

// runDeactivateTasks applies the pending decrements. Each worklist entry is
// one lost active parent; a task crossing to zero pushes one entry per child
// edge and joins the removal candidates. The threshold is crossed at most
// once per pass, which bounds the traversal on cyclic graphs.
func (b *Backend) runDeactivateTasks(job backgroundJob, sched Scheduler) {
	zeroed := append([]ids.TaskID(nil), job.zeroed...)
	stack := append([]ids.TaskID(nil), job.deactivate...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		t := b.task(id)
		if t == nil {
			continue
		}
		t.mu.Lock()
		if t.removed || t.activeCount == 0 {
			t.mu.Unlock()
			continue
		}
		t.activeCount--
		if t.activeCount == 0 {
			zeroed = append(zeroed, id)
			stack = append(stack, t.snapshotChildrenLocked()...)
		}
		t.mu.Unlock()
	}

	if len(zeroed) > 0 {
		// Removal re-verifies activeCount under each task's lock, so a task
		// resurrected between the two jobs survives.
		b.enqueueJob(backgroundJob{kind: jobRemoveTasks, remove: zeroed}, sched)
	}
}

// runRemoveTasks erases tasks that settled at activeCount == 0: the cache
// entry is deleted first (so no caller can adopt a dying id), then cells are
// torn down, edges to neighbors dropped, and finally the id handed back for
// reuse.
func (b *Backend) runRemoveTasks(job backgroundJob) {
	for _, id := range job.remove {
		b.removeTask(id)
	}
}
