package backend

import (
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// removeTask erases one task that settled at activeCount == 0.
//
// Order matters: the removed flag and the cache deletion happen under the
// task's lock before any teardown, so a concurrent GetOrCreatePersistentTask
// either sees the cache entry gone (and creates a fresh task) or observes the
// removed flag on connect and retries.
func (b *Backend) removeTask(id ids.TaskID) {
	t := b.task(id)
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.removed || t.activeCount != 0 {
		// Resurrected since the deactivation pass settled; keep it.
		t.mu.Unlock()
		return
	}
	t.removed = true

	if t.kind.Persistent() {
		// Delete before the id can be reused so the cache never returns an
		// id whose task has been removed.
		if b.cache.CompareAndDelete(t.fp, t.id) {
			b.cachedTasks.Add(-1)
		}
	}

	deps := make([]value.Ref, 0, len(t.deps)+len(t.runDeps))
	for ref := range t.deps {
		deps = append(deps, ref)
	}
	for ref := range t.runDeps {
		deps = append(deps, ref)
	}
	children := t.snapshotChildrenLocked()
	parents := make([]ids.TaskID, 0, len(t.parents))
	for p := range t.parents {
		parents = append(parents, p)
	}

	t.output.teardown()
	for i := range t.slots {
		t.slots[i].abandon()
	}
	t.mu.Unlock()

	// Drop this task from every neighbor's edge set, one lock at a time.
	for _, ref := range deps {
		b.unregisterReader(ref, id)
	}
	for _, cid := range children {
		if c := b.task(cid); c != nil {
			c.mu.Lock()
			delete(c.parents, id)
			c.mu.Unlock()
		}
	}
	for _, pid := range parents {
		if p := b.task(pid); p != nil {
			p.mu.Lock()
			delete(p.children, id)
			delete(p.runChildren, id)
			p.mu.Unlock()
		}
	}

	b.tasks.Remove(uint32(id))
	b.taskIDs.Reuse(id)
	b.liveTasks.Add(-1)
	b.metrics.taskRemoved()
	b.log.Debug().Uint32("task", uint32(id)).Msg("task removed")
}
