// Command taskmill runs a small demonstration pipeline on the incremental
// engine: a diamond of persistent tasks over one mutable source, executed
// once, invalidated, and executed again, printing how little work the second
// pass needed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"taskmill/internal/backend"
	"taskmill/internal/ids"
	"taskmill/internal/runtime"
	"taskmill/internal/value"
)

const typeInt value.TypeID = 1

func main() {
	var (
		verbose = flag.Bool("verbose", false, "enable debug logging")
		workers = flag.Int("job-workers", 2, "background job worker count")
		timeout = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if err := run(log, *workers, *timeout); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func run(log zerolog.Logger, jobWorkers int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := backend.New(backend.WithLogger(log))
	rt := runtime.New(b, runtime.WithLogger(log), runtime.WithJobWorkers(jobWorkers))
	defer rt.Stop()

	// The mutable source the pipeline derives everything from.
	var source atomic.Int64
	source.Store(1)

	reg := rt.Registry()
	emit := func(tc backend.TaskContext, n int64) (value.Ref, error) {
		return tc.EmitSlot(1, value.Content{Type: typeInt, Value: n})
	}
	intArg := func(inputs []any, i int) (int64, error) {
		c, ok := inputs[i].(value.Content)
		if !ok {
			return 0, fmt.Errorf("input %d is not a resolved content", i)
		}
		n, ok := c.Value.(int64)
		if !ok {
			return 0, fmt.Errorf("input %d is not an int64", i)
		}
		return n, nil
	}

	readSource := reg.RegisterFunc("read-source", func(tc backend.TaskContext, _ []any) (value.Ref, error) {
		return emit(tc, source.Load())
	})
	double := reg.RegisterFunc("double", func(tc backend.TaskContext, inputs []any) (value.Ref, error) {
		n, err := intArg(inputs, 0)
		if err != nil {
			return value.Ref{}, err
		}
		return emit(tc, n*2)
	})
	addOne := reg.RegisterFunc("add-one", func(tc backend.TaskContext, inputs []any) (value.Ref, error) {
		n, err := intArg(inputs, 0)
		if err != nil {
			return value.Ref{}, err
		}
		return emit(tc, n+1)
	})
	sum := reg.RegisterFunc("sum", func(tc backend.TaskContext, inputs []any) (value.Ref, error) {
		lhs, err := intArg(inputs, 0)
		if err != nil {
			return value.Ref{}, err
		}
		rhs, err := intArg(inputs, 1)
		if err != nil {
			return value.Ref{}, err
		}
		return emit(tc, lhs+rhs)
	})

	var sourceTask atomic.Uint32

	root, err := rt.CreateRoot(func(tc backend.TaskContext) (value.Ref, error) {
		src, err := tc.SpawnChild(backend.TaskType{Kind: backend.KindNative, Func: readSource})
		if err != nil {
			return value.Ref{}, err
		}
		sourceTask.Store(uint32(src))

		left, err := tc.SpawnChild(backend.TaskType{
			Kind: backend.KindResolveNative, Func: double, Inputs: []any{value.OutputOf(src)},
		})
		if err != nil {
			return value.Ref{}, err
		}
		right, err := tc.SpawnChild(backend.TaskType{
			Kind: backend.KindResolveNative, Func: addOne, Inputs: []any{value.OutputOf(src)},
		})
		if err != nil {
			return value.Ref{}, err
		}

		total, err := tc.SpawnChild(backend.TaskType{
			Kind: backend.KindResolveNative, Func: sum,
			Inputs: []any{value.OutputOf(left), value.OutputOf(right)},
		})
		if err != nil {
			return value.Ref{}, err
		}
		return value.OutputOf(total), nil
	})
	if err != nil {
		return err
	}
	defer root.Release()

	report := func(label string) error {
		got, err := root.ReadValue(ctx)
		if err != nil {
			return err
		}
		if err := rt.Wait(ctx); err != nil {
			return err
		}
		stats := b.Stats()
		fmt.Printf("%s: result=%v tasks=%d cached=%d executions=%d\n",
			label, got.Value, stats.LiveTasks, stats.CachedTasks, stats.Executions)
		return nil
	}

	if err := report("initial"); err != nil {
		return err
	}

	// Change the source and invalidate only the task that read it; the
	// engine re-executes just the affected cone of the diamond.
	source.Store(20)
	rt.Invalidate(ids.TaskID(sourceTask.Load()))
	if err := rt.Wait(ctx); err != nil {
		return err
	}
	return report("after change")
}
