package gc

import (
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/collector"
	"github.com/kolkov/gcroots/internal/heap/persistentnode"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

// regionPolicy decides where a handle registers its node and how its raw
// pointer is guarded. Implementations are zero-size; the handle calls them
// through a zero value of the type parameter.
type regionPolicy interface {
	// register allocates a node for self. The returned state is the owner
	// the handle must be disposed from, nil if any goroutine may.
	register(self unsafe.Pointer, cb trace.Callback, a threadstate.Affinity) (*persistentnode.Node, *threadstate.ThreadState)
	unregister(n *persistentnode.Node, owner *threadstate.ThreadState)

	// lock and unlock guard raw against a concurrent trace.
	lock()
	unlock()

	// shade reports a newly stored referent to a collection in progress.
	// Called under lock.
	shade(raw trace.GarbageCollected)

	// checkThread asserts the caller may mutate a handle owned by owner.
	checkThread(owner *threadstate.ThreadState)

	name() string
}

// threadLocal registers with the thread state matching the referent's
// affinity.
type threadLocal struct{}

func (threadLocal) register(self unsafe.Pointer, cb trace.Callback, a threadstate.Affinity) (*persistentnode.Node, *threadstate.ThreadState) {
	ts := threadstate.StateFor(a)
	if ts == nil {
		if a == threadstate.MainThreadOnly {
			panic(ErrNoMainThreadState)
		}
		panic(ErrNoThreadState)
	}
	if assert.Enabled {
		assert.That(ts.CheckThread(), "persistent of %s type created off %s", a, ts)
	}
	return ts.PersistentRegion().AllocatePersistentNode(self, cb), ts
}

func (threadLocal) unregister(n *persistentnode.Node, owner *threadstate.ThreadState) {
	owner.PersistentRegion().FreePersistentNode(n)
}

func (threadLocal) lock()                        {}
func (threadLocal) unlock()                      {}
func (threadLocal) shade(trace.GarbageCollected) {}

func (threadLocal) checkThread(owner *threadstate.ThreadState) {
	if assert.Enabled {
		assert.That(owner.CheckThread(), "persistent owned by %s used off its goroutine", owner)
	}
}

func (threadLocal) name() string { return "Persistent" }

// crossThread registers with the process-wide cross-thread region.
type crossThread struct{}

func (crossThread) register(self unsafe.Pointer, cb trace.Callback, _ threadstate.Affinity) (*persistentnode.Node, *threadstate.ThreadState) {
	return threadstate.CrossThreadPersistentRegion().AllocatePersistentNode(self, cb), nil
}

func (crossThread) unregister(n *persistentnode.Node, _ *threadstate.ThreadState) {
	threadstate.CrossThreadPersistentRegion().FreePersistentNode(n)
}

func (crossThread) lock()   { threadstate.CrossThreadPersistentRegion().Lock() }
func (crossThread) unlock() { threadstate.CrossThreadPersistentRegion().Unlock() }

// shade keeps raw alive if a collection is marking: the region may already
// have been traced, so the new referent would otherwise go unseen.
func (crossThread) shade(raw trace.GarbageCollected) { collector.Shade(raw) }

func (crossThread) checkThread(*threadstate.ThreadState) {}

func (crossThread) name() string { return "CrossThreadPersistent" }

// handle is the root handle shared by Persistent and CrossThreadPersistent.
// It owns exactly one node from registration until dispose.
type handle[T Object, P regionPolicy] struct {
	raw   T
	node  *persistentnode.Node
	owner *threadstate.ThreadState
}

// init registers h. h must not move afterwards: its address is the node's
// self pointer.
func (h *handle[T, P]) init(raw T) {
	var p P
	checkHeapObject(p.name(), raw)
	h.node, h.owner = p.register(unsafe.Pointer(h), traceHandle[T, P], affinityOf[T]())
	h.store(p, raw)
}

// store replaces raw under the policy lock.
func (h *handle[T, P]) store(p P, raw T) {
	p.lock()
	h.raw = raw
	p.shade(raw)
	p.unlock()
}

// traceHandle is the callback bound into every handle node.
func traceHandle[T Object, P regionPolicy](v trace.Visitor, self unsafe.Pointer) {
	h := (*handle[T, P])(self)
	v.Mark(h.raw)
}

func (h *handle[T, P]) checkLive(op string) {
	if assert.Enabled {
		var p P
		assert.That(h.node != nil, "%s.%s after Dispose", p.name(), op)
	}
}

func (h *handle[T, P]) get() T {
	var p P
	h.checkLive("Get")
	p.lock()
	raw := h.raw
	p.unlock()
	return raw
}

func (h *handle[T, P]) set(raw T) {
	var p P
	h.checkLive("Set")
	p.checkThread(h.owner)
	checkHeapObject(p.name(), raw)
	h.store(p, raw)
}

func (h *handle[T, P]) release() T {
	var p P
	var zero T
	h.checkLive("Release")
	p.checkThread(h.owner)
	p.lock()
	raw := h.raw
	h.raw = zero
	p.unlock()
	return raw
}

func (h *handle[T, P]) dispose() {
	if h.node == nil {
		return
	}
	var p P
	var zero T
	p.checkThread(h.owner)
	p.lock()
	h.raw = zero
	p.unlock()
	p.unregister(h.node, h.owner)
	h.node = nil
	h.owner = nil
}

// checkHeapObject asserts that a non-nil referent is a live heap object.
func checkHeapObject(kind string, raw trace.GarbageCollected) {
	if !assert.Enabled || trace.IsNil(raw) {
		return
	}
	assert.That(collector.IsHeapObject(raw), "%s assigned %T that is not a live heap object", kind, raw)
}
