package gc

// noCopy may be embedded into structs which must not be copied after first
// use. See go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Persistent is a root handle owned by one goroutine.
//
// It registers with the thread state of the goroutine that creates it (or
// with the main thread state if T embeds MainThreadOnly) and keeps its
// referent alive until Dispose. Create, mutate and dispose it on that
// goroutine; reads are unchecked. A Persistent must be disposed before its
// thread state detaches, otherwise the detach reports a leak.
type Persistent[T Object] struct {
	_ noCopy
	h handle[T, threadLocal]
}

// NewPersistent registers a new root for raw, which may be nil.
func NewPersistent[T Object](raw T) *Persistent[T] {
	p := new(Persistent[T])
	p.h.init(raw)
	return p
}

// NewPersistentFrom registers a new root for the current referent of src:
// another handle, a Member or a WeakMember.
func NewPersistentFrom[T Object](src Ref[T]) *Persistent[T] {
	return NewPersistent(src.Get())
}

// Clone returns an independent root for the same referent.
func (p *Persistent[T]) Clone() *Persistent[T] {
	return NewPersistent(p.h.get())
}

// Get returns the referent.
func (p *Persistent[T]) Get() T { return p.h.get() }

// Set replaces the referent. The registration is unchanged.
func (p *Persistent[T]) Set(raw T) { p.h.set(raw) }

// SetFrom replaces the referent with that of src.
func (p *Persistent[T]) SetFrom(src Ref[T]) { p.h.set(src.Get()) }

// Clear sets the referent to nil. The handle stays registered.
func (p *Persistent[T]) Clear() {
	var zero T
	p.h.set(zero)
}

// Release returns the referent and clears the handle, which stays
// registered as a nil root until Dispose.
func (p *Persistent[T]) Release() T { return p.h.release() }

// IsNull reports whether the handle has no referent.
func (p *Persistent[T]) IsNull() bool {
	var zero T
	return p.h.get() == zero
}

// Dispose unregisters the handle. Further use is a programming error;
// disposing twice is a no-op.
func (p *Persistent[T]) Dispose() { p.h.dispose() }

// CrossThreadPersistent is a root handle usable from any goroutine.
//
// It registers with the process-wide cross-thread region, so it may be
// created on one goroutine and disposed on another. Every access takes the
// region lock.
type CrossThreadPersistent[T Object] struct {
	_ noCopy
	h handle[T, crossThread]
}

// NewCrossThreadPersistent registers a new cross-thread root for raw.
func NewCrossThreadPersistent[T Object](raw T) *CrossThreadPersistent[T] {
	p := new(CrossThreadPersistent[T])
	p.h.init(raw)
	return p
}

// NewCrossThreadPersistentFrom registers a new cross-thread root for the
// current referent of src.
func NewCrossThreadPersistentFrom[T Object](src Ref[T]) *CrossThreadPersistent[T] {
	return NewCrossThreadPersistent(src.Get())
}

// Clone returns an independent root for the same referent.
func (p *CrossThreadPersistent[T]) Clone() *CrossThreadPersistent[T] {
	return NewCrossThreadPersistent(p.h.get())
}

// Get returns the referent.
func (p *CrossThreadPersistent[T]) Get() T { return p.h.get() }

// Set replaces the referent.
func (p *CrossThreadPersistent[T]) Set(raw T) { p.h.set(raw) }

// SetFrom replaces the referent with that of src.
func (p *CrossThreadPersistent[T]) SetFrom(src Ref[T]) { p.h.set(src.Get()) }

// Clear sets the referent to nil.
func (p *CrossThreadPersistent[T]) Clear() {
	var zero T
	p.h.set(zero)
}

// Release returns the referent and clears the handle.
func (p *CrossThreadPersistent[T]) Release() T { return p.h.release() }

// IsNull reports whether the handle has no referent.
func (p *CrossThreadPersistent[T]) IsNull() bool {
	var zero T
	return p.h.get() == zero
}

// Dispose unregisters the handle.
func (p *CrossThreadPersistent[T]) Dispose() { p.h.dispose() }
