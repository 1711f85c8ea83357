package gc

import (
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/trace"
)

// Member is a strong reference from one heap object to another. It is not a
// root: the referent stays alive only while the owner is reachable and
// traces the member from its Trace method.
//
// The zero value is a nil member.
type Member[T Object] struct {
	raw T
	// deleted marks a hash table tombstone. It is never a valid referent
	// and skips the heap object check.
	deleted bool
}

// NewMember returns a member referring to raw.
func NewMember[T Object](raw T) Member[T] {
	checkHeapObject("Member", raw)
	return Member[T]{raw: raw}
}

// Get returns the referent. A tombstone reads as nil.
func (m *Member[T]) Get() T { return m.raw }

// Set replaces the referent.
func (m *Member[T]) Set(raw T) {
	checkHeapObject("Member", raw)
	m.raw = raw
	m.deleted = false
}

// SetFrom replaces the referent with that of src.
func (m *Member[T]) SetFrom(src Ref[T]) { m.Set(src.Get()) }

// Clear sets the referent to nil.
func (m *Member[T]) Clear() {
	var zero T
	m.raw = zero
	m.deleted = false
}

// IsNull reports whether the member has no referent.
func (m *Member[T]) IsNull() bool {
	var zero T
	return m.raw == zero
}

// MarkHashTableDeleted turns the member into a tombstone.
func (m *Member[T]) MarkHashTableDeleted() {
	var zero T
	m.raw = zero
	m.deleted = true
}

// IsHashTableDeletedValue reports whether the member is a tombstone.
func (m *Member[T]) IsHashTableDeletedValue() bool { return m.deleted }

// Trace marks the referent.
func (m *Member[T]) Trace(v Visitor) {
	if !m.deleted {
		v.Mark(m.raw)
	}
}

// TraceInCollection traces the member as a collection entry. A strong
// entry is never dead.
func (m *Member[T]) TraceInCollection(v Visitor, _ bool) (dead bool) {
	m.Trace(v)
	return false
}

// WeakMember is a reference that does not keep its referent alive. After a
// collection in which nothing strong reached the referent, the member reads
// as nil. In a Strongify collection weak members behave like Members.
type WeakMember[T Object] struct {
	raw     T
	deleted bool
}

// NewWeakMember returns a weak member referring to raw.
func NewWeakMember[T Object](raw T) WeakMember[T] {
	checkHeapObject("WeakMember", raw)
	return WeakMember[T]{raw: raw}
}

// Get returns the referent, nil once it has been collected.
func (w *WeakMember[T]) Get() T { return w.raw }

// Set replaces the referent.
func (w *WeakMember[T]) Set(raw T) {
	checkHeapObject("WeakMember", raw)
	w.raw = raw
	w.deleted = false
}

// SetFrom replaces the referent with that of src.
func (w *WeakMember[T]) SetFrom(src Ref[T]) { w.Set(src.Get()) }

// Clear sets the referent to nil.
func (w *WeakMember[T]) Clear() {
	var zero T
	w.raw = zero
	w.deleted = false
}

// IsNull reports whether the member has no referent.
func (w *WeakMember[T]) IsNull() bool {
	var zero T
	return w.raw == zero
}

// MarkHashTableDeleted turns the member into a tombstone.
func (w *WeakMember[T]) MarkHashTableDeleted() {
	var zero T
	w.raw = zero
	w.deleted = true
}

// IsHashTableDeletedValue reports whether the member is a tombstone.
func (w *WeakMember[T]) IsHashTableDeletedValue() bool { return w.deleted }

// Trace registers w for clearing once marking is done. w must stay at the
// same address until the collection ends, which holds for a field of a heap
// object.
func (w *WeakMember[T]) Trace(v Visitor) {
	if w.deleted || w.IsNull() {
		return
	}
	if v.IsStrongifying() {
		v.Mark(w.raw)
		return
	}
	v.RegisterWeakCallback(unsafe.Pointer(w), clearWeakMember[T])
}

func clearWeakMember[T Object](v trace.Visitor, self unsafe.Pointer) {
	w := (*WeakMember[T])(self)
	if !w.IsNull() && !v.IsHeapObjectAlive(w.raw) {
		var zero T
		w.raw = zero
	}
}

// TraceInCollection is the weak-entry protocol of collections. With
// strongify set it marks the referent and reports the entry live; otherwise
// it only reports whether the referent is dead, leaving removal to the
// collection. Must be called after marking when strongify is false.
func (w *WeakMember[T]) TraceInCollection(v Visitor, strongify bool) (dead bool) {
	if w.deleted || w.IsNull() {
		return false
	}
	if strongify {
		v.Mark(w.raw)
		return false
	}
	return !v.IsHeapObjectAlive(w.raw)
}
