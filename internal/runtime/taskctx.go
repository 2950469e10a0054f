package runtime

import (
	"fmt"

	"taskmill/internal/backend"
	"taskmill/internal/event"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// taskCtx is the cooperative context one execution attempt runs against. It
// is confined to the body's goroutine; mappings and newMappings need no lock.
type taskCtx struct {
	rt    *Runtime
	id    ids.TaskID
	epoch uint64

	// mappings is the slot-mapping table taken from the task at start;
	// newMappings records the tokens this run actually used and is handed
	// back at completion.
	mappings    backend.SlotMappings
	newMappings backend.SlotMappings
}

var _ backend.TaskContext = (*taskCtx)(nil)

func (c *taskCtx) TaskID() ids.TaskID { return c.id }

// await suspends the body until the wake handle fires, then re-checks that
// this run is still current. A stale run unwinds with ErrStaleExecution
// instead of spinning on cells its successor may never write.
func (c *taskCtx) await(listener event.Listener) error {
	select {
	case <-listener:
	case <-c.rt.ctx.Done():
		return ErrStopped
	}
	if !c.rt.b.IsExecutionCurrent(c.id, c.epoch) {
		return ErrStaleExecution
	}
	return nil
}

// ReadOutput reads another task's output, recording the dependency and
// suspending while the producer has not finished.
func (c *taskCtx) ReadOutput(task ids.TaskID) (value.Result, error) {
	for {
		res, listener, err := c.rt.b.TryReadTaskOutput(task, c.id, c.rt)
		if err != nil {
			return value.Result{}, err
		}
		if listener == nil {
			return res, nil
		}
		if err := c.await(listener); err != nil {
			return value.Result{}, err
		}
	}
}

// ReadSlot reads one slot of another task, recording the dependency.
func (c *taskCtx) ReadSlot(task ids.TaskID, index int) (value.Content, error) {
	for {
		content, listener, err := c.rt.b.ReadTaskSlot(task, index, c.id, c.rt)
		if err != nil {
			return value.Content{}, err
		}
		if listener == nil {
			return content, nil
		}
		if err := c.await(listener); err != nil {
			return value.Content{}, err
		}
	}
}

// ReadRef resolves a reference chain down to a concrete content: output refs
// are followed to the result ref they carry, slot refs read the slot.
// A failure result anywhere in the chain surfaces as an error.
func (c *taskCtx) ReadRef(ref value.Ref) (value.Content, error) {
	for hops := 0; ; hops++ {
		if hops > maxRefHops {
			return value.Content{}, fmt.Errorf("reference chain too deep at %s", ref)
		}
		switch ref.Kind {
		case value.TaskSlotRef:
			return c.ReadSlot(ref.Task, ref.Index)
		case value.TaskOutputRef:
			res, err := c.ReadOutput(ref.Task)
			if err != nil {
				return value.Content{}, err
			}
			if res.Failed() {
				return value.Content{}, fmt.Errorf("dependency task %d failed: %w", ref.Task, res.Err)
			}
			ref = res.Ref
		default:
			return value.Content{}, fmt.Errorf("cannot resolve zero reference")
		}
	}
}

const maxRefHops = 64

// EmitSlot publishes content under the stable slot index for token. The
// index is carried over from the previous run when the token was seen before,
// fresh otherwise.
func (c *taskCtx) EmitSlot(token backend.SlotToken, content value.Content) (value.Ref, error) {
	idx, ok := c.newMappings[token]
	if !ok {
		if prev, seen := c.mappings[token]; seen {
			idx = prev
		} else {
			fresh, err := c.rt.b.GetFreshSlot(c.id)
			if err != nil {
				return value.Ref{}, err
			}
			idx = fresh
		}
		c.newMappings[token] = idx
	}
	if err := c.rt.b.UpdateTaskSlot(c.id, idx, content, c.rt); err != nil {
		return value.Ref{}, err
	}
	return value.SlotOf(c.id, idx), nil
}

// SpawnChild creates-or-finds the persistent task for tt and connects it as a
// child of this task.
func (c *taskCtx) SpawnChild(tt backend.TaskType) (ids.TaskID, error) {
	return c.rt.b.GetOrCreatePersistentTask(tt, c.id, c.rt)
}

// resolveInputs replaces every Ref input with its resolved content.
func (c *taskCtx) resolveInputs(inputs []any) ([]any, error) {
	out := make([]any, len(inputs))
	for i, in := range inputs {
		if ref, ok := in.(value.Ref); ok {
			content, err := c.ReadRef(ref)
			if err != nil {
				return nil, err
			}
			out[i] = content
			continue
		}
		out[i] = in
	}
	return out, nil
}

// Call spawns the persistent task for tt as a child of tc and resolves its
// output to a concrete content. It is the common way one body invokes
// another.
func Call(tc backend.TaskContext, tt backend.TaskType) (value.Content, error) {
	child, err := tc.SpawnChild(tt)
	if err != nil {
		return value.Content{}, err
	}
	return tc.ReadRef(value.OutputOf(child))
}
