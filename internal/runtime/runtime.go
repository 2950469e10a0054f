// Package runtime is the reference executor for the taskmill backend.
//
// The backend is passive; this package supplies the active half: it schedules
// task executions onto goroutines, runs background jobs on a fixed worker
// pool, dispatches persistent task kinds through the function and trait
// registries, and implements the cooperative TaskContext that task bodies
// execute against.
//
// Suspension model: a read of a not-yet-ready value blocks only the body's
// own goroutine on the wake handle returned by the backend. The pool of task
// goroutines is therefore elastic; only the background job workers are a
// fixed-size pool.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"taskmill/internal/backend"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// ErrStaleExecution is returned from reads inside a task body whose run was
// invalidated mid-flight. The body unwinds; its result is discarded and the
// task re-executed.
var ErrStaleExecution = errors.New("task execution went stale")

// ErrStopped is returned by operations on a stopped runtime.
var ErrStopped = errors.New("runtime stopped")

// Runtime drives a Backend: it is the Scheduler the backend calls back into
// and the owner of the worker goroutines.
type Runtime struct {
	b   *backend.Backend
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry

	// Background job queue: unbounded so backend completion paths never
	// block, drained by a fixed errgroup pool.
	jobMu    sync.Mutex
	jobQueue []ids.JobID
	jobCond  *sync.Cond
	stopped  bool
	workers  *errgroup.Group

	jobWorkers int

	// pending counts scheduled-but-unfinished task executions and background
	// jobs; Wait blocks until it reaches zero.
	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithJobWorkers sets the background job pool size. Defaults to 2.
func WithJobWorkers(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.jobWorkers = n
		}
	}
}

// New creates a runtime around b and starts its background job workers.
func New(b *backend.Backend, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		b:          b,
		log:        zerolog.Nop(),
		ctx:        ctx,
		cancel:     cancel,
		registry:   NewRegistry(),
		jobWorkers: 2,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.jobCond = sync.NewCond(&r.jobMu)
	r.pendingCond = sync.NewCond(&r.pendingMu)

	r.workers = &errgroup.Group{}
	for i := 0; i < r.jobWorkers; i++ {
		r.workers.Go(r.jobWorker)
	}
	return r
}

// Backend exposes the driven backend for direct reads and diagnostics.
func (r *Runtime) Backend() *backend.Backend { return r.b }

// Registry exposes the function/trait registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Schedule implements backend.Scheduler: it requests one execution attempt.
// The attempt may find the task no longer runnable; that is normal.
func (r *Runtime) Schedule(task ids.TaskID) {
	if !r.track() {
		return
	}
	go func() {
		defer r.untrack()
		r.runTask(task)
	}()
}

// ScheduleBackgroundJob implements backend.Scheduler.
func (r *Runtime) ScheduleBackgroundJob(job ids.JobID) {
	if !r.track() {
		return
	}
	r.jobMu.Lock()
	if r.stopped {
		r.jobMu.Unlock()
		r.untrack()
		return
	}
	r.jobQueue = append(r.jobQueue, job)
	r.jobCond.Signal()
	r.jobMu.Unlock()
}

func (r *Runtime) jobWorker() error {
	for {
		r.jobMu.Lock()
		for len(r.jobQueue) == 0 && !r.stopped {
			r.jobCond.Wait()
		}
		if r.stopped && len(r.jobQueue) == 0 {
			r.jobMu.Unlock()
			return nil
		}
		job := r.jobQueue[0]
		r.jobQueue = r.jobQueue[1:]
		r.jobMu.Unlock()

		r.b.RunBackgroundJob(job, r)
		r.untrack()
	}
}

func (r *Runtime) track() bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
	}
	r.pendingMu.Lock()
	r.pending++
	r.pendingMu.Unlock()
	return true
}

func (r *Runtime) untrack() {
	r.pendingMu.Lock()
	r.pending--
	if r.pending == 0 {
		r.pendingCond.Broadcast()
	}
	r.pendingMu.Unlock()
}

// Wait blocks until all scheduled executions and background jobs have
// finished, or ctx is done.
func (r *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	abort := false
	go func() {
		r.pendingMu.Lock()
		for r.pending != 0 && !abort {
			r.pendingCond.Wait()
		}
		r.pendingMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.pendingMu.Lock()
		abort = true
		r.pendingCond.Broadcast()
		r.pendingMu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Stop cancels outstanding work and joins the job workers. Suspended task
// bodies observe the cancellation on their next wake-up.
func (r *Runtime) Stop() {
	r.cancel()
	r.jobMu.Lock()
	r.stopped = true
	r.jobCond.Broadcast()
	r.jobMu.Unlock()
	_ = r.workers.Wait()
}

// Invalidate marks a task stale, re-scheduling it if active.
func (r *Runtime) Invalidate(task ids.TaskID) {
	r.b.InvalidateTask(task, r)
}

// runTask performs one granted execution attempt end to end.
func (r *Runtime) runTask(id ids.TaskID) {
	spec := r.b.TryStartTaskExecution(id)
	if spec == nil {
		return
	}

	tc := &taskCtx{
		rt:          r,
		id:          spec.Task,
		epoch:       spec.Epoch,
		mappings:    spec.SlotMappings,
		newMappings: make(backend.SlotMappings),
	}

	ref, err := r.dispatch(tc, spec)
	var result value.Result
	if err != nil {
		result = value.Fail(err)
	} else {
		result = value.Ok(ref)
	}

	if r.b.TaskExecutionCompleted(spec.Task, spec.Epoch, tc.newMappings, result, r) {
		r.Schedule(spec.Task)
	}
}

// dispatch invokes the task's body according to its kind. Panics inside a
// body become failure values, never crashes.
func (r *Runtime) dispatch(tc *taskCtx, spec *backend.ExecutionSpec) (ref value.Ref, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task body panic: %v", p)
			r.log.Error().Uint32("task", uint32(spec.Task)).Interface("panic", p).Msg("task body panicked")
		}
	}()

	switch spec.Kind {
	case backend.KindRoot, backend.KindOnce:
		return spec.Body(tc)

	case backend.KindNative:
		fn, ok := r.registry.Func(spec.Type.Func)
		if !ok {
			return value.Ref{}, fmt.Errorf("unregistered function %d", spec.Type.Func)
		}
		return fn(tc, spec.Type.Inputs)

	case backend.KindResolveNative:
		inputs, rerr := tc.resolveInputs(spec.Type.Inputs)
		if rerr != nil {
			return value.Ref{}, rerr
		}
		fn, ok := r.registry.Func(spec.Type.Func)
		if !ok {
			return value.Ref{}, fmt.Errorf("unregistered function %d", spec.Type.Func)
		}
		return fn(tc, inputs)

	case backend.KindResolveTrait:
		inputs, rerr := tc.resolveInputs(spec.Type.Inputs)
		if rerr != nil {
			return value.Ref{}, rerr
		}
		if len(inputs) == 0 {
			return value.Ref{}, fmt.Errorf("trait call %q needs a receiver input", spec.Type.Method)
		}
		receiver, ok := inputs[0].(value.Content)
		if !ok {
			return value.Ref{}, fmt.Errorf("trait call %q receiver is not a resolvable reference", spec.Type.Method)
		}
		fn, ok := r.registry.TraitImpl(spec.Type.Trait, spec.Type.Method, receiver.Type)
		if !ok {
			return value.Ref{}, fmt.Errorf("no implementation of trait %d method %q for type %d",
				spec.Type.Trait, spec.Type.Method, receiver.Type)
		}
		return fn(tc, inputs)

	default:
		return value.Ref{}, fmt.Errorf("unknown task kind %d", spec.Kind)
	}
}
