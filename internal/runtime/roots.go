package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"taskmill/internal/backend"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// RootHandle anchors the liveness of a transient Root or Once task. The whole
// subtree the task spawns stays active until Release drops the anchor, after
// which the deactivation cascade reclaims everything unreachable.
type RootHandle struct {
	rt       *Runtime
	id       ids.TaskID
	released atomic.Bool
}

// CreateRoot creates an anchored Root task and schedules it.
func (r *Runtime) CreateRoot(body backend.Body) (*RootHandle, error) {
	id, err := r.b.CreateTransientTask(backend.KindRoot, body, r)
	if err != nil {
		return nil, err
	}
	return &RootHandle{rt: r, id: id}, nil
}

// CreateOnce creates an anchored Once task: it executes at most once and then
// holds its result, ignoring invalidation.
func (r *Runtime) CreateOnce(body backend.Body) (*RootHandle, error) {
	id, err := r.b.CreateTransientTask(backend.KindOnce, body, r)
	if err != nil {
		return nil, err
	}
	return &RootHandle{rt: r, id: id}, nil
}

// Task returns the anchored task's id.
func (h *RootHandle) Task() ids.TaskID { return h.id }

// Release drops the external anchor. Idempotent.
func (h *RootHandle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.rt.b.ReleaseTransientTask(h.id, h.rt)
	}
}

// ReadResult blocks until the anchored task has an output and returns it.
// The read is untracked: external observers are not part of the dependency
// graph.
func (h *RootHandle) ReadResult(ctx context.Context) (value.Result, error) {
	for {
		res, listener, err := h.rt.b.TryReadTaskOutputUntracked(h.id)
		if err != nil {
			return value.Result{}, err
		}
		if listener == nil {
			return res, nil
		}
		select {
		case <-listener:
		case <-ctx.Done():
			return value.Result{}, ctx.Err()
		case <-h.rt.ctx.Done():
			return value.Result{}, ErrStopped
		}
	}
}

// ReadValue blocks until the anchored task has an output and resolves it to a
// concrete content, following the reference chain with untracked reads.
func (h *RootHandle) ReadValue(ctx context.Context) (value.Content, error) {
	res, err := h.ReadResult(ctx)
	if err != nil {
		return value.Content{}, err
	}
	if res.Failed() {
		return value.Content{}, fmt.Errorf("root task %d failed: %w", h.id, res.Err)
	}
	return h.rt.readRefUntracked(ctx, res.Ref)
}

// readRefUntracked resolves a reference chain without creating edges; used by
// external observers only.
func (r *Runtime) readRefUntracked(ctx context.Context, ref value.Ref) (value.Content, error) {
	for hops := 0; ; hops++ {
		if hops > maxRefHops {
			return value.Content{}, fmt.Errorf("reference chain too deep at %s", ref)
		}
		switch ref.Kind {
		case value.TaskSlotRef:
			for {
				content, listener, err := r.b.ReadTaskSlotUntracked(ref.Task, ref.Index)
				if err != nil {
					return value.Content{}, err
				}
				if listener == nil {
					return content, nil
				}
				select {
				case <-listener:
				case <-ctx.Done():
					return value.Content{}, ctx.Err()
				}
			}
		case value.TaskOutputRef:
			res, err := r.readOutputUntracked(ctx, ref.Task)
			if err != nil {
				return value.Content{}, err
			}
			if res.Failed() {
				return value.Content{}, fmt.Errorf("task %d failed: %w", ref.Task, res.Err)
			}
			ref = res.Ref
		default:
			return value.Content{}, fmt.Errorf("cannot resolve zero reference")
		}
	}
}

func (r *Runtime) readOutputUntracked(ctx context.Context, id ids.TaskID) (value.Result, error) {
	for {
		res, listener, err := r.b.TryReadTaskOutputUntracked(id)
		if err != nil {
			return value.Result{}, err
		}
		if listener == nil {
			return res, nil
		}
		select {
		case <-listener:
		case <-ctx.Done():
			return value.Result{}, ctx.Err()
		}
	}
}
