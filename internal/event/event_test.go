package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fired(l Listener) bool {
	select {
	case <-l:
		return true
	default:
		return false
	}
}

func TestListen_NotFiredBeforeNotify(t *testing.T) {
	var e Event
	l := e.Listen()
	require.False(t, fired(l))
}

func TestNotify_WakesAllOutstandingListeners(t *testing.T) {
	var e Event
	a := e.Listen()
	b := e.Listen()

	e.Notify()

	require.True(t, fired(a))
	require.True(t, fired(b))
}

func TestNotify_WithoutListenersIsNoop(t *testing.T) {
	var e Event
	e.Notify()
	e.Notify()

	// A listener obtained afterwards waits for the next generation.
	l := e.Listen()
	require.False(t, fired(l))
	e.Notify()
	require.True(t, fired(l))
}

func TestListen_GenerationsAreOneShot(t *testing.T) {
	var e Event
	first := e.Listen()
	e.Notify()

	second := e.Listen()
	require.True(t, fired(first))
	require.False(t, fired(second), "listener from a later generation must not observe an earlier notify")
}

func TestNotify_WakesBlockedGoroutine(t *testing.T) {
	var e Event
	l := e.Listen()

	done := make(chan struct{})
	go func() {
		<-l
		close(done)
	}()

	e.Notify()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked listener was not woken")
	}
}
