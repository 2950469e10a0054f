package backend

import (
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// Activation bookkeeping.
//
// A task's activeCount equals the number of active parents pointing at it
// (plus the external anchor for transient tasks). Propagation is strictly
// child-first and locks one task at a time: a task's children are pushed onto
// the worklist only when the task crosses the zero threshold, which happens
// at most once per pass, so traversal terminates even on cyclic child graphs
// without a separate visited set.

// connectChild inserts child into parent's child set and, when the parent is
// active, propagates an active-count increment through child's subtree.
//
// A parent of 0 records no edge (the caller anchors liveness elsewhere).
// Returns false when the child has been removed concurrently; the caller must
// re-resolve the id.
func (b *Backend) connectChild(parent, child ids.TaskID, sched Scheduler) bool {
	c := b.task(child)
	if c == nil {
		return false
	}
	// No parent entry (anchorless caller, or a spawner that was removed
	// mid-run): record no edge; the child's liveness is someone else's
	// problem.
	p := (*Task)(nil)
	if parent != 0 {
		p = b.task(parent)
	}
	if p == nil {
		c.mu.Lock()
		removed := c.removed
		c.mu.Unlock()
		return !removed
	}

	p.mu.Lock()
	_, known := p.children[child]
	if !known {
		p.children[child] = struct{}{}
	}
	if p.runChildren != nil {
		p.runChildren[child] = struct{}{}
	}
	parentActive := p.activeCount > 0
	p.mu.Unlock()

	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		// Roll the half-added edge back; the caller retries with a fresh id.
		p.mu.Lock()
		if !known {
			delete(p.children, child)
		}
		if p.runChildren != nil && !known {
			delete(p.runChildren, child)
		}
		p.mu.Unlock()
		return false
	}
	c.parents[parent] = struct{}{}
	c.mu.Unlock()

	if !known && parentActive {
		b.addActiveContribution(child, sched)
	}
	return true
}

// disconnectChildren removes the child edges a completed run no longer has
// and, when the parent was active, propagates the lost contributions.
func (b *Backend) disconnectChildren(parent ids.TaskID, children []ids.TaskID, parentWasActive bool, sched Scheduler) {
	for _, child := range children {
		c := b.task(child)
		if c == nil {
			continue
		}
		c.mu.Lock()
		delete(c.parents, parent)
		c.mu.Unlock()

		if parentWasActive {
			b.dropActiveContribution(c, sched)
		}
	}
}

// addActiveContribution gives task one additional active parent and fans the
// +1 out to its children wherever a task transitions from inactive to active.
// Newly active Dirty tasks are scheduled.
func (b *Backend) addActiveContribution(task ids.TaskID, sched Scheduler) {
	var toSchedule []ids.TaskID
	stack := []ids.TaskID{task}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		t := b.task(id)
		if t == nil {
			continue
		}
		t.mu.Lock()
		if t.removed {
			t.mu.Unlock()
			continue
		}
		t.activeCount++
		if t.activeCount == 1 {
			if t.state == StateDirty {
				t.setState(StateScheduled)
				toSchedule = append(toSchedule, id)
			}
			stack = append(stack, t.snapshotChildrenLocked()...)
		}
		t.mu.Unlock()
	}

	for _, id := range toSchedule {
		sched.Schedule(id)
	}
}

// dropActiveContribution removes one active parent from t. Reaching zero
// defers the subtree fan-out to an asynchronous DeactivateTasks job.
func (b *Backend) dropActiveContribution(t *Task, sched Scheduler) {
	t.mu.Lock()
	if t.removed || t.activeCount == 0 {
		t.mu.Unlock()
		return
	}
	t.activeCount--
	if t.activeCount > 0 {
		t.mu.Unlock()
		return
	}
	children := t.snapshotChildrenLocked()
	id := t.id
	t.mu.Unlock()

	b.enqueueJob(backgroundJob{
		kind:       jobDeactivateTasks,
		deactivate: children,
		zeroed:     []ids.TaskID{id},
	}, sched)
}

// unregisterReader removes reader from the reader set the given edge points
// at, keeping invariant 1 symmetric after edge removal.
func (b *Backend) unregisterReader(ref value.Ref, reader ids.TaskID) {
	w := b.task(ref.Task)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch ref.Kind {
	case value.TaskOutputRef:
		w.output.unregister(reader)
	case value.TaskSlotRef:
		if ref.Index >= 0 && ref.Index < len(w.slots) {
			w.slots[ref.Index].unregister(reader)
		}
	}
}
