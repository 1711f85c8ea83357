// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/report"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

// ErrHeapInUse is returned by Close while thread states are still attached.
var ErrHeapInUse = errors.New("heap closed with attached thread states")

// Finalizer is implemented by objects that want a callback when swept.
type Finalizer interface {
	Finalize()
}

// header is the collector's per-object bookkeeping.
type header struct {
	marked bool
}

// Heap is a mark-sweep heap of GarbageCollected objects.
//
// Objects are registered explicitly and identified by their interface
// value, so only pointer-shaped types make sense as heap objects. Roots are
// the persistent regions of the thread states attached through this heap
// plus the process-wide cross-thread region.
type Heap struct {
	opts Options
	log  zerolog.Logger

	// objects maps trace.GarbageCollected -> *header.
	objects     sync.Map
	objectCount atomic.Int64

	threadsMu sync.Mutex
	threads   map[*threadstate.ThreadState]struct{}

	collectMu   sync.Mutex
	collecting  atomic.Bool
	collections atomic.Uint64
	lastStats   atomic.Pointer[Stats]

	// barrierMu orders Register and Shade against the end of marking.
	// grey holds objects they reported during a collection.
	barrierMu sync.Mutex
	grey      []trace.GarbageCollected

	closed atomic.Bool
}

// Options configures a Heap.
type Options struct {
	// Name identifies the heap in logs and reports.
	Name string
	// Logger receives collection and leak logs. The zero value discards.
	Logger zerolog.Logger
	// CaptureSites records where each persistent was created so that leak
	// reports can point at it.
	CaptureSites bool
	// Mode is the marking mode used by Collect.
	Mode MarkingMode
}

// heaps is every open heap, consulted by IsHeapObject and Shade.
var heaps struct {
	mu   sync.RWMutex
	list []*Heap
}

// collectingHeaps counts collections in progress across all heaps.
var collectingHeaps atomic.Int32

// New returns an open heap.
func New(opts Options) *Heap {
	if opts.Name == "" {
		opts.Name = "heap"
	}
	h := &Heap{
		opts:    opts,
		log:     opts.Logger.With().Str("heap", opts.Name).Logger(),
		threads: make(map[*threadstate.ThreadState]struct{}),
	}
	if opts.CaptureSites {
		threadstate.CrossThreadPersistentRegion().SetSiteCapture(true)
	}

	heaps.mu.Lock()
	heaps.list = append(heaps.list, h)
	heaps.mu.Unlock()
	return h
}

// Name returns the heap name.
func (h *Heap) Name() string {
	return h.opts.Name
}

// Register adds obj to the heap. Registering an object twice is a no-op.
//
// An object registered while a collection runs survives that collection,
// together with everything it references when marking finishes. Register
// must not be called from a Trace method.
func (h *Heap) Register(obj trace.GarbageCollected) {
	if assert.Enabled {
		assert.That(!trace.IsNil(obj), "%s: registered a nil object", h.opts.Name)
		assert.That(!h.closed.Load(), "%s: object registered on a closed heap", h.opts.Name)
	}
	h.barrierMu.Lock()
	defer h.barrierMu.Unlock()
	if _, loaded := h.objects.LoadOrStore(obj, &header{}); !loaded {
		h.objectCount.Add(1)
		if h.collecting.Load() {
			h.grey = append(h.grey, obj)
		}
	}
}

// Shade keeps obj alive through any collection of its heap that is still
// marking. Cross-thread persistents call it, under the cross-thread region
// lock, whenever they store a new referent.
func Shade(obj trace.GarbageCollected) {
	if collectingHeaps.Load() == 0 || trace.IsNil(obj) {
		return
	}
	heaps.mu.RLock()
	defer heaps.mu.RUnlock()
	for _, h := range heaps.list {
		if h.collecting.Load() && h.Contains(obj) {
			h.shade(obj)
			return
		}
	}
}

func (h *Heap) shade(obj trace.GarbageCollected) {
	h.barrierMu.Lock()
	defer h.barrierMu.Unlock()
	if h.collecting.Load() {
		h.grey = append(h.grey, obj)
	}
}

// takeGrey empties the grey list. The caller holds barrierMu.
func (h *Heap) takeGrey() []trace.GarbageCollected {
	grey := h.grey
	h.grey = nil
	return grey
}

// Contains reports whether obj is a live object of this heap.
func (h *Heap) Contains(obj trace.GarbageCollected) bool {
	if trace.IsNil(obj) {
		return false
	}
	_, ok := h.objects.Load(obj)
	return ok
}

func (h *Heap) lookup(obj trace.GarbageCollected) *header {
	v, ok := h.objects.Load(obj)
	if !ok {
		return nil
	}
	return v.(*header)
}

// ObjectCount returns the number of live objects.
func (h *Heap) ObjectCount() int {
	return int(h.objectCount.Load())
}

// IsHeapObject reports whether obj is a live object of any open heap. It is
// the oracle behind the handle assertions.
func IsHeapObject(obj trace.GarbageCollected) bool {
	if trace.IsNil(obj) {
		return false
	}
	heaps.mu.RLock()
	defer heaps.mu.RUnlock()
	for _, h := range heaps.list {
		if h.Contains(obj) {
			return true
		}
	}
	return false
}

// AttachThread attaches a thread state for the calling goroutine whose
// persistents are roots of this heap.
func (h *Heap) AttachThread() (*threadstate.ThreadState, error) {
	return h.attach(false)
}

// AttachMainThread is AttachThread for the main thread state.
func (h *Heap) AttachMainThread() (*threadstate.ThreadState, error) {
	return h.attach(true)
}

func (h *Heap) attach(main bool) (*threadstate.ThreadState, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%s: attach to closed heap", h.opts.Name)
	}
	ts, err := threadstate.Attach(threadstate.AttachOptions{
		Main:         main,
		CaptureSites: h.opts.CaptureSites,
		OnDetach:     h.forget,
	})
	if err != nil {
		return nil, err
	}

	h.threadsMu.Lock()
	h.threads[ts] = struct{}{}
	h.threadsMu.Unlock()
	h.log.Debug().Str("thread", ts.String()).Msg("thread state attached")
	return ts, nil
}

func (h *Heap) forget(ts *threadstate.ThreadState) {
	h.threadsMu.Lock()
	delete(h.threads, ts)
	h.threadsMu.Unlock()
	h.log.Debug().Str("thread", ts.String()).Msg("thread state detached")
}

// Threads returns the attached thread states.
func (h *Heap) Threads() []*threadstate.ThreadState {
	h.threadsMu.Lock()
	defer h.threadsMu.Unlock()
	out := make([]*threadstate.ThreadState, 0, len(h.threads))
	for ts := range h.threads {
		out = append(out, ts)
	}
	return out
}

// SweepOrphans releases this heap's thread states whose goroutine exited
// without detaching, logging a leak report for each. Returns the number of
// states released.
func (h *Heap) SweepOrphans() int {
	mine := make(map[*threadstate.ThreadState]bool)
	for _, ts := range h.Threads() {
		mine[ts] = true
	}

	released := 0
	for _, ts := range findOrphans() {
		if !mine[ts] {
			continue
		}
		err := threadstate.ReleaseOrphan(ts)
		if errors.Is(err, threadstate.ErrNotOrphaned) {
			// Attached after the orphan scan took its goroutine snapshot.
			continue
		}
		h.log.Warn().Str("thread", ts.String()).Msg("goroutine exited without detaching its thread state")
		if err != nil {
			report.LogLeaks(h.log, err)
		}
		released++
	}
	return released
}

// findOrphans is threadstate.Orphans, replaced in tests.
var findOrphans = threadstate.Orphans

// Close releases orphaned thread states and removes the heap from the
// liveness oracle. It fails with ErrHeapInUse if live goroutines still have
// thread states attached; the heap stays open in that case.
func (h *Heap) Close() error {
	h.SweepOrphans()
	if n := len(h.Threads()); n > 0 {
		return fmt.Errorf("%s: %w (%d)", h.opts.Name, ErrHeapInUse, n)
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	heaps.mu.Lock()
	for i, other := range heaps.list {
		if other == h {
			heaps.list = append(heaps.list[:i], heaps.list[i+1:]...)
			break
		}
	}
	heaps.mu.Unlock()
	h.log.Debug().Int("objects", h.ObjectCount()).Msg("heap closed")
	return nil
}
