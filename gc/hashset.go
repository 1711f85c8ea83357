package gc

import (
	"hash/maphash"
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/trace"
)

const minBuckets = 8

// HashSet is an open-addressing set of heap objects, meant to be a field of
// a heap object and traced from its Trace method.
//
// A strong set keeps its elements alive. A weak set does not: after each
// collection, elements that died are removed. Removal leaves a tombstone so
// lookup chains stay intact; tombstones are dropped on the next rehash.
type HashSet[T Object] struct {
	weak       bool
	seed       maphash.Seed
	buckets    []WeakMember[T]
	size       int
	tombstones int
}

// NewHashSet returns an empty strong set.
func NewHashSet[T Object]() *HashSet[T] {
	return &HashSet[T]{seed: maphash.MakeSeed()}
}

// NewWeakHashSet returns an empty weak set.
func NewWeakHashSet[T Object]() *HashSet[T] {
	return &HashSet[T]{weak: true, seed: maphash.MakeSeed()}
}

// Len returns the number of elements.
func (s *HashSet[T]) Len() int { return s.size }

// IsWeak reports whether s holds its elements weakly.
func (s *HashSet[T]) IsWeak() bool { return s.weak }

func (s *HashSet[T]) hash(v T) uint64 {
	return maphash.Comparable(s.seed, v)
}

// find returns the bucket holding v, or -1.
func (s *HashSet[T]) find(v T) int {
	if len(s.buckets) == 0 {
		return -1
	}
	mask := uint64(len(s.buckets) - 1)
	for i, n := s.hash(v)&mask, 0; n < len(s.buckets); i, n = (i+1)&mask, n+1 {
		b := &s.buckets[i]
		switch {
		case b.IsHashTableDeletedValue():
			continue
		case b.IsNull():
			return -1
		case b.raw == v:
			return int(i)
		}
	}
	return -1
}

// Contains reports whether v is in the set.
func (s *HashSet[T]) Contains(v T) bool {
	return s.find(v) >= 0
}

// Add inserts v, a non-nil heap object. Returns false if it was present.
func (s *HashSet[T]) Add(v T) bool {
	var zero T
	if v == zero {
		return false
	}
	if s.find(v) >= 0 {
		return false
	}
	if (s.size+s.tombstones+1)*4 > len(s.buckets)*3 {
		s.rehash()
	}

	mask := uint64(len(s.buckets) - 1)
	for i := s.hash(v) & mask; ; i = (i + 1) & mask {
		b := &s.buckets[i]
		if b.IsHashTableDeletedValue() {
			s.tombstones--
		} else if !b.IsNull() {
			continue
		}
		b.Set(v)
		s.size++
		return true
	}
}

// Remove deletes v. Returns false if it was absent.
func (s *HashSet[T]) Remove(v T) bool {
	i := s.find(v)
	if i < 0 {
		return false
	}
	s.removeAt(i)
	return true
}

func (s *HashSet[T]) removeAt(i int) {
	s.buckets[i].MarkHashTableDeleted()
	s.size--
	s.tombstones++
}

// rehash grows the table if it is more than half full of live entries and
// drops tombstones.
func (s *HashSet[T]) rehash() {
	n := len(s.buckets)
	switch {
	case n == 0:
		n = minBuckets
	case s.size*2 >= n:
		n *= 2
	}

	old := s.buckets
	s.buckets = make([]WeakMember[T], n)
	s.size, s.tombstones = 0, 0
	mask := uint64(n - 1)
	for i := range old {
		b := &old[i]
		if b.IsHashTableDeletedValue() || b.IsNull() {
			continue
		}
		j := s.hash(b.raw) & mask
		for !s.buckets[j].IsNull() {
			j = (j + 1) & mask
		}
		// Entries were checked on insert.
		s.buckets[j].raw = b.raw
		s.size++
	}
}

// Range calls f for each element until f returns false.
func (s *HashSet[T]) Range(f func(T) bool) {
	for i := range s.buckets {
		b := &s.buckets[i]
		if b.IsHashTableDeletedValue() || b.IsNull() {
			continue
		}
		if !f(b.raw) {
			return
		}
	}
}

// Trace traces the set's elements. Strong sets mark every element. Weak
// sets mark every element in a Strongify collection and otherwise schedule
// removal of the dead ones.
func (s *HashSet[T]) Trace(v Visitor) {
	if !s.weak || v.IsStrongifying() {
		for i := range s.buckets {
			s.buckets[i].TraceInCollection(v, true)
		}
		return
	}
	if s.size > 0 {
		v.RegisterWeakCallback(unsafe.Pointer(s), sweepWeakSet[T])
	}
}

func sweepWeakSet[T Object](v trace.Visitor, self unsafe.Pointer) {
	s := (*HashSet[T])(self)
	for i := range s.buckets {
		if s.buckets[i].TraceInCollection(v, false) {
			s.removeAt(i)
		}
	}
}
