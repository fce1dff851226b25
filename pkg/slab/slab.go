// Package slab implements a small arena+stable-index container, used by
// pkg/delivery to hold reader/writer accounts so other subsystems can
// reference an account by a stable integer index or look it up by peer ID
// without ever holding a raw pointer into a slice that might move or be
// invalidated mid-iteration (spec §9 design note: "arena+index").
//
// This generalizes the teacher's exporter.TCPInfoCollector pattern (a
// mutex-guarded map of connection-scoped state keyed by net.Conn) to a
// slab keyed by a stable index, since accounts here are removed during
// callback-driven iteration and must not invalidate sibling indices.
package slab

// Index identifies a slot in a Slab. It remains valid until its slot is
// removed; Put reuses the indices of removed slots (most recently freed
// first), so after Remove the same Index can refer to a later value.
type Index int

// Slab is a generic arena: Put inserts and returns a stable index, Get
// retrieves by index, Remove frees the slot. Removal during iteration
// (Each) is deferred until Each returns, matching the engine's
// "addable"/"removable" deferred-queue discipline (spec §4.3).
type Slab[T any] struct {
	slots   []slot[T]
	free    []Index
	pending []Index // removals requested during Each, applied after
	inEach  bool
}

type slot[T any] struct {
	value T
	used  bool
}

// New creates an empty Slab.
func New[T any]() *Slab[T] {
	return &Slab[T]{}
}

// Put inserts value and returns its stable index.
func (s *Slab[T]) Put(value T) Index {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[idx] = slot[T]{value: value, used: true}
		return idx
	}
	s.slots = append(s.slots, slot[T]{value: value, used: true})
	return Index(len(s.slots) - 1)
}

// Get returns the value at idx and whether it is present.
func (s *Slab[T]) Get(idx Index) (T, bool) {
	if int(idx) < 0 || int(idx) >= len(s.slots) || !s.slots[idx].used {
		var zero T
		return zero, false
	}
	return s.slots[idx].value, true
}

// Set overwrites the value at idx, if present.
func (s *Slab[T]) Set(idx Index, value T) bool {
	if int(idx) < 0 || int(idx) >= len(s.slots) || !s.slots[idx].used {
		return false
	}
	s.slots[idx].value = value
	return true
}

// Remove frees idx. If called during Each, the removal is deferred until
// Each returns, so the iteration in progress never observes a hole.
func (s *Slab[T]) Remove(idx Index) {
	if s.inEach {
		s.pending = append(s.pending, idx)
		return
	}
	s.remove(idx)
}

func (s *Slab[T]) remove(idx Index) {
	if int(idx) < 0 || int(idx) >= len(s.slots) || !s.slots[idx].used {
		return
	}
	var zero T
	s.slots[idx] = slot[T]{value: zero, used: false}
	s.free = append(s.free, idx)
}

// Each calls f for every occupied slot, in index order. f may call Remove
// on any index (including the one being visited); those removals apply
// once Each returns.
func (s *Slab[T]) Each(f func(Index, T)) {
	s.inEach = true
	for i := range s.slots {
		if s.slots[i].used {
			f(Index(i), s.slots[i].value)
		}
	}
	s.inEach = false

	if len(s.pending) > 0 {
		pending := s.pending
		s.pending = nil
		for _, idx := range pending {
			s.remove(idx)
		}
	}
}

// Len returns the number of occupied slots.
func (s *Slab[T]) Len() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].used {
			n++
		}
	}
	return n
}
