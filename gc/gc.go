package gc

import (
	"errors"

	"github.com/kolkov/gcroots/internal/heap/collector"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

var (
	// ErrNoThreadState is the panic value when a Persistent is created on a
	// goroutine without an attached thread state.
	ErrNoThreadState = errors.New("gc: no thread state attached to this goroutine")

	// ErrNoMainThreadState is the panic value when a Persistent of a
	// MainThreadOnly type is created with no main thread state attached.
	ErrNoMainThreadState = errors.New("gc: no main thread state attached")
)

// Types re-exported from the collector.
type (
	GarbageCollected = trace.GarbageCollected
	Visitor          = trace.Visitor
	WeakCallback     = trace.WeakCallback
	Heap             = collector.Heap
	HeapOptions      = collector.Options
	Stats            = collector.Stats
	MarkingMode      = collector.MarkingMode
	ThreadState      = threadstate.ThreadState
)

// Marking modes.
const (
	WeakProcessing = collector.WeakProcessing
	Strongify      = collector.Strongify
)

// Object constrains handle referents: comparable garbage-collected values,
// in practice pointers to structs that implement Trace.
type Object interface {
	comparable
	GarbageCollected
}

// Ref is anything a handle can be copied from.
type Ref[T Object] interface {
	Get() T
}

// NewHeap returns an open heap.
func NewHeap(opts HeapOptions) *Heap {
	return collector.New(opts)
}

// New registers obj with h and returns it, for use in expressions:
//
//	n := gc.New(h, &Node{Name: "root"})
func New[T Object](h *Heap, obj T) T {
	h.Register(obj)
	return obj
}

// MainThreadOnly is embedded in types whose persistents must live in the
// main thread state:
//
//	type Document struct {
//		gc.MainThreadOnly
//		...
//	}
type MainThreadOnly struct{}

func (MainThreadOnly) mainThreadOnly() {}

type mainThreadAffine interface {
	mainThreadOnly()
}

// affinityOf returns the thread affinity declared by T.
func affinityOf[T Object]() threadstate.Affinity {
	var zero T
	if _, ok := any(zero).(mainThreadAffine); ok {
		return threadstate.MainThreadOnly
	}
	return threadstate.AnyThread
}

// LiveCrossThreadPersistents returns the number of registered cross-thread
// persistents in the process.
func LiveCrossThreadPersistents() int {
	return threadstate.CrossThreadPersistentRegion().PersistentCount()
}

// LivePersistents returns the number of persistents registered with the
// calling goroutine's thread state, or 0 if none is attached.
func LivePersistents() int {
	ts := threadstate.Current()
	if ts == nil {
		return 0
	}
	return ts.PersistentRegion().PersistentCount()
}
