package backend

import (
	"taskmill/internal/event"
	"taskmill/internal/ids"
	"taskmill/internal/value"
)

// slotCell holds one indexed intermediate value a task publishes during
// execution. Like outputCell, reader tracking lives on the writer.
//
// updatedEpoch records the last run that assigned the slot; completion uses
// it together with the slot mappings to abandon slots the rerun stopped
// emitting.
//
// All methods must be called with the owning task's lock held.
type slotCell struct {
	has          bool
	content      value.Content
	updatedEpoch uint64
	readers      map[ids.TaskID]struct{}
	event        event.Event
}

// readContent returns the content and records reader, or a wake handle if the
// slot is not yet written.
func (s *slotCell) readContent(reader ids.TaskID) (value.Content, event.Listener) {
	if !s.has {
		return value.Content{}, s.event.Listen()
	}
	if reader != 0 {
		if s.readers == nil {
			s.readers = make(map[ids.TaskID]struct{})
		}
		s.readers[reader] = struct{}{}
	}
	return s.content, nil
}

// readContentUntracked reads without registering. An unpopulated slot yields
// a wake handle without mutating the cell.
func (s *slotCell) readContentUntracked() (value.Content, event.Listener) {
	if !s.has {
		return value.Content{}, s.event.Listen()
	}
	return s.content, nil
}

// assign sets the slot content for the given run epoch. An unchanged assign
// only refreshes the epoch. A changed assign stores the content, wakes
// pending readers, and returns the prior readers for invalidation.
func (s *slotCell) assign(content value.Content, epoch uint64) (old map[ids.TaskID]struct{}, changed bool) {
	s.updatedEpoch = epoch
	if s.has && value.ContentEqual(s.content, content) {
		return nil, false
	}
	wasPopulated := s.has
	s.has = true
	s.content = content
	if wasPopulated {
		old = s.readers
		s.readers = nil
	}
	s.event.Notify()
	return old, wasPopulated
}

// abandon empties the slot because its token vanished from a rerun. Returns
// the readers that must be invalidated. Pending listeners are woken so that
// suspended readers can observe their own staleness instead of hanging.
func (s *slotCell) abandon() map[ids.TaskID]struct{} {
	old := s.readers
	s.has = false
	s.content = value.Content{}
	s.readers = nil
	s.event.Notify()
	return old
}

// unregister drops reader from the readers set, if present.
func (s *slotCell) unregister(reader ids.TaskID) {
	delete(s.readers, reader)
}
