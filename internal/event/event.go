// Package event provides the wake handle used by suspended reads.
package event

import "sync"

// Listener is a one-shot wake handle. It is closed on the next Notify of the
// Event it was obtained from and never receives a value.
type Listener <-chan struct{}

// Event is a broadcast notification source.
//
// Listen returns a handle tied to the current generation; Notify closes that
// generation's channel, waking every outstanding listener exactly once, and
// starts a fresh generation. An Event is ready to use in its zero value.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

// Listen returns a wake handle for the next Notify.
func (e *Event) Listen() Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// Notify wakes all outstanding listeners. Listeners obtained after Notify
// returns wait for the following Notify.
func (e *Event) Notify() {
	e.mu.Lock()
	ch := e.ch
	e.ch = nil
	e.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
