// Package gc provides root handles and references for a tracing
// mark-sweep heap.
//
// Objects live in a [Heap] and implement [GarbageCollected]. References
// between heap objects are [Member] (strong) and [WeakMember] (cleared when
// the referent dies) fields, traced by the owner's Trace method. References
// from outside the heap are roots:
//
//   - [Persistent] belongs to one goroutine. It registers with that
//     goroutine's [ThreadState], so the goroutine must attach one first.
//   - [CrossThreadPersistent] may be created, used and disposed from any
//     goroutine. It registers with a single process-wide region behind a
//     mutex.
//
// Go has no destructors: a root stays registered until Dispose.
//
// # Quick Start
//
//	h := gc.NewHeap(gc.HeapOptions{Name: "app"})
//	ts, _ := h.AttachThread()
//	defer ts.Detach()
//
//	root := gc.NewPersistent(gc.New(h, &Node{Name: "root"}))
//	defer root.Dispose()
//
//	root.Get().Child.Set(gc.New(h, &Node{Name: "child"}))
//	h.Collect() // root and child survive
//
// # Registration
//
// Every handle owns one node in a persistent region. Regions hand out nodes
// from 256-node slot blocks through a free list, so creating and disposing a
// handle is O(1). The collector traces each region once per collection,
// rebuilding its free list and releasing blocks that became empty.
//
// # Thread Affinity
//
// Thread affinity is goroutine affinity. A type that embeds
// [MainThreadOnly] registers its persistents with the main thread state
// (see [Heap.AttachMainThread]) instead of the current one.
//
// # Assertions
//
// Handle misuse (wrong goroutine, use after Dispose, assigning an object
// that is not in any heap) panics with an assertion failure. Build with
// -tags gcroots_release to compile the checks out.
//
// # Collections
//
// A collection requires the goroutines owning thread states of the heap to
// be quiescent: none of them may create, mutate or dispose a Persistent
// until Collect returns.
//
// Any goroutine may create, set and dispose cross-thread persistents and
// register new objects while a collection runs. A referent stored into a
// cross-thread persistent, or registered, before marking finishes survives
// that collection along with everything it references. Members written
// during a collection get no such guarantee: an object reachable only
// through a Member written mid-collection may be swept.
package gc
