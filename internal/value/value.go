// Package value defines the value contract shared by the backend and the
// runtime: references into the task graph, opaque slot contents, and
// execution results.
//
// Task execution failures are values, not panics or control flow: they are
// stored in output cells and read by dependents like any other result, which
// keeps the dependency graph consistent across failing runs.
package value

import (
	"fmt"
	"reflect"

	"taskmill/internal/ids"
)

// RefKind discriminates the two shapes a reference can take.
type RefKind uint8

const (
	// TaskOutputRef points at the output cell of a task.
	TaskOutputRef RefKind = iota + 1
	// TaskSlotRef points at one slot of a task.
	TaskSlotRef
)

// Ref is a reference to the output or a slot of a task.
//
// Refs are the currency of the engine: task outputs are Refs (usually into
// the producing task's own slots), and inputs may carry Refs produced by
// earlier tasks.
type Ref struct {
	Kind  RefKind
	Task  ids.TaskID
	Index int
}

// OutputOf returns a reference to the output cell of task t.
func OutputOf(t ids.TaskID) Ref {
	return Ref{Kind: TaskOutputRef, Task: t}
}

// SlotOf returns a reference to slot index of task t.
func SlotOf(t ids.TaskID, index int) Ref {
	return Ref{Kind: TaskSlotRef, Task: t, Index: index}
}

// IsZero reports whether r is the zero reference (no target).
func (r Ref) IsZero() bool { return r.Kind == 0 }

func (r Ref) String() string {
	switch r.Kind {
	case TaskOutputRef:
		return fmt.Sprintf("output(%d)", r.Task)
	case TaskSlotRef:
		return fmt.Sprintf("slot(%d,%d)", r.Task, r.Index)
	default:
		return "ref(zero)"
	}
}

// TypeID tags the payload stored in a Content. It drives trait method
// dispatch and nothing else; the engine never inspects payloads beyond
// equality.
type TypeID uint32

// Content is an opaque tagged payload published into a slot.
//
// A zero Content (nil Value) represents an empty slot.
type Content struct {
	Type  TypeID
	Value any
}

// IsEmpty reports whether the content carries no payload.
func (c Content) IsEmpty() bool { return c.Value == nil }

// Equaler lets payloads define structural equality. Payloads that do not
// implement it are compared with reflect.DeepEqual.
type Equaler interface {
	Equal(other any) bool
}

// Equal compares two payloads structurally.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if e, ok := a.(Equaler); ok {
		return e.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

// ContentEqual compares two contents structurally, tag included.
func ContentEqual(a, b Content) bool {
	return a.Type == b.Type && Equal(a.Value, b.Value)
}

// Result is the outcome of one task execution: a reference on success or an
// error value on failure.
type Result struct {
	Ref Ref
	Err error
}

// Ok returns a successful result.
func Ok(ref Ref) Result { return Result{Ref: ref} }

// Fail returns a failed result.
func Fail(err error) Result { return Result{Err: err} }

// Failed reports whether the result carries a failure.
func (r Result) Failed() bool { return r.Err != nil }

// ResultEqual compares results; failures compare by message so a re-run that
// fails identically does not invalidate dependents.
func ResultEqual(a, b Result) bool {
	if (a.Err != nil) != (b.Err != nil) {
		return false
	}
	if a.Err != nil {
		return a.Err.Error() == b.Err.Error()
	}
	return a.Ref == b.Ref
}
