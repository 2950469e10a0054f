package backend

import (
	"taskmill/internal/event"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// outputCell holds the single output value of a task.
//
// Reader tracking lives on the writer: a changed write clears the readers set
// and returns it to the caller, which makes invalidation a pure fan-out over
// the returned set with no reverse scan.
//
// All methods must be called with the owning task's lock held.
type outputCell struct {
	has     bool
	result  value.Result
	readers map[ids.TaskID]struct{}
	event   event.Event
}

// read returns the value and records reader, or returns a wake handle if the
// cell is not yet populated. Readers are only recorded on successful reads;
// a woken reader re-reads and registers then.
func (o *outputCell) read(reader ids.TaskID) (value.Result, event.Listener) {
	if !o.has {
		return value.Result{}, o.event.Listen()
	}
	if reader != 0 {
		if o.readers == nil {
			o.readers = make(map[ids.TaskID]struct{})
		}
		o.readers[reader] = struct{}{}
	}
	return o.result, nil
}

// readUntracked is read without reader registration; used by debug and
// read-only paths.
func (o *outputCell) readUntracked() (value.Result, event.Listener) {
	if !o.has {
		return value.Result{}, o.event.Listen()
	}
	return o.result, nil
}

// write stores the result. An unchanged write is a no-op. A changed write (or
// the first write) stores the value, wakes pending readers, and returns the
// prior readers set so the caller can invalidate dependents.
func (o *outputCell) write(res value.Result) (old map[ids.TaskID]struct{}, changed bool) {
	if o.has && value.ResultEqual(o.result, res) {
		// Readers suspended across the re-run still need waking; they will
		// re-read the unchanged value once the task is Done.
		o.event.Notify()
		return nil, false
	}
	wasPopulated := o.has
	o.has = true
	o.result = res
	if wasPopulated {
		old = o.readers
		o.readers = nil
	}
	o.event.Notify()
	return old, wasPopulated
}

// teardown empties the cell and releases any stragglers still waiting on it.
func (o *outputCell) teardown() {
	o.has = false
	o.result = value.Result{}
	o.readers = nil
	o.event.Notify()
}

// unregister drops reader from the readers set, if present.
func (o *outputCell) unregister(reader ids.TaskID) {
	delete(o.readers, reader)
}
