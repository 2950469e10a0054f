package backend

import "taskmill/internal/ids"

// GetOrCreatePersistentTask returns the task id memoized under tt's
// fingerprint, creating the task on first use, and connects it as a child of
// parent (taskmill's activation root for it).
//
// Insertion is single-flight: racing callers all observe one winning id; the
// loser's tentative task is discarded and its id reused.
func (b *Backend) GetOrCreatePersistentTask(tt TaskType, parent ids.TaskID, sched Scheduler) (ids.TaskID, error) {
	if !tt.Kind.Persistent() {
		return 0, internalf("task kind %s is not persistent", tt.Kind)
	}
	fp := tt.Fingerprint()

	for {
		if v, ok := b.cache.Load(fp); ok {
			id := v.(ids.TaskID)
			if b.connectChild(parent, id, sched) {
				b.metrics.cacheHit()
				return id, nil
			}
			// The cached task was removed between lookup and connect;
			// retry against the fresh cache state.
			continue
		}

		id := b.taskIDs.Get()
		t := newPersistentTask(id, tt, fp)
		b.tasks.Insert(uint32(id), t)

		if actual, loaded := b.cache.LoadOrStore(fp, id); loaded {
			// Lost the insertion race: discard the tentative task, adopt the
			// winner's id.
			b.tasks.Remove(uint32(id))
			b.taskIDs.Reuse(id)
			winner := actual.(ids.TaskID)
			if b.connectChild(parent, winner, sched) {
				b.metrics.cacheHit()
				return winner, nil
			}
			continue
		}

		b.liveTasks.Add(1)
		b.cachedTasks.Add(1)
		b.metrics.cacheMiss()
		b.metrics.taskCreated()
		b.log.Debug().Uint32("task", uint32(id)).Str("kind", tt.Kind.String()).Str("fingerprint", fp.String()).Msg("task created")
		b.connectChild(parent, id, sched)
		return id, nil
	}
}

// ForEachCachedTask visits every task currently present in the memoization
// cache. Safe against concurrent insertion; a concurrently inserted or
// removed entry may or may not be visited.
func (b *Backend) ForEachCachedTask(fn func(ids.TaskID)) {
	b.cache.Range(func(_, v any) bool {
		fn(v.(ids.TaskID))
		return true
	})
}

