// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

// MarkingMode selects how weak roots are treated during a collection.
type MarkingMode int

const (
	// WeakProcessing treats weak roots as weak: their referents are cleared
	// when nothing strong reaches them.
	WeakProcessing MarkingMode = iota
	// Strongify treats every weak root as strong for one collection.
	Strongify
)

// String returns the mode name as used in configuration files.
func (m MarkingMode) String() string {
	switch m {
	case WeakProcessing:
		return "weak"
	case Strongify:
		return "strongify"
	default:
		return "unknown"
	}
}

// ParseMarkingMode is the inverse of MarkingMode.String.
func ParseMarkingMode(s string) (MarkingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "weak":
		return WeakProcessing, nil
	case "strongify", "strong":
		return Strongify, nil
	default:
		return 0, fmt.Errorf("unknown marking mode %q", s)
	}
}

// Stats summarizes one collection.
type Stats struct {
	Mode MarkingMode
	// Roots is the number of live persistents traced.
	Roots int
	// Threads is the number of thread states whose regions were traced.
	Threads int
	// Marked is the number of objects found reachable.
	Marked int
	// Swept is the number of objects reclaimed.
	Swept int
	// WeakCallbacks is the number of weak callbacks run.
	WeakCallbacks int
	// Finalized is the number of swept objects that implemented Finalizer.
	Finalized int
	Duration  time.Duration
	Timestamp time.Time
}

// Collect runs a full mark-sweep collection with the heap's marking mode.
func (h *Heap) Collect() Stats {
	return h.CollectWithMode(h.opts.Mode)
}

// CollectWithMode runs a full mark-sweep collection.
//
// The caller must ensure no goroutine allocates, frees or dereferences a
// thread-local persistent of this heap while the collection runs. Region
// asserts catch allocation and free from other goroutines; reads are not
// checked.
//
// Cross-thread persistents may be created, set and disposed concurrently:
// every referent they store before marking finishes is shaded and
// survives. Objects registered during the collection survive it as well.
// The last marking step runs under the cross-thread region lock; a Trace
// method reached only from that step deadlocks if it waits for another
// goroutine's cross-thread store or registration.
func (h *Heap) CollectWithMode(mode MarkingMode) Stats {
	h.collectMu.Lock()
	defer h.collectMu.Unlock()
	collectingHeaps.Add(1)
	defer collectingHeaps.Add(-1)
	h.barrierMu.Lock()
	h.collecting.Store(true)
	h.barrierMu.Unlock()

	start := time.Now()
	stats := Stats{Mode: mode, Timestamp: start}
	v := &markingVisitor{heap: h, mode: mode}

	// Roots.
	for _, ts := range h.Threads() {
		if ts.IsDetached() {
			continue
		}
		stats.Roots += ts.PersistentRegion().TracePersistentNodes(v)
		stats.Threads++
	}
	cross := threadstate.CrossThreadPersistentRegion()
	stats.Roots += cross.TracePersistentNodes(v)

	v.drain()
	for {
		h.barrierMu.Lock()
		grey := h.takeGrey()
		h.barrierMu.Unlock()
		if len(grey) == 0 {
			break
		}
		v.markAll(grey)
		v.drain()
	}

	// No cross-thread store or registration can slip in from here until
	// the sweep is done.
	cross.Lock()
	h.barrierMu.Lock()
	v.markAll(h.takeGrey())
	v.drain()

	// Weak processing sees the final mark state and may not mark.
	v.weakPhase = true
	for _, w := range v.weak {
		w.cb(v, w.self)
	}
	stats.WeakCallbacks = len(v.weak)
	stats.Marked = v.marked

	var finalize []Finalizer
	h.objects.Range(func(key, value any) bool {
		hdr := value.(*header)
		if hdr.marked {
			hdr.marked = false
			return true
		}
		h.objects.Delete(key)
		h.objectCount.Add(-1)
		stats.Swept++
		if f, ok := key.(Finalizer); ok {
			finalize = append(finalize, f)
		}
		return true
	})
	h.collecting.Store(false)
	h.barrierMu.Unlock()
	cross.Unlock()

	for _, f := range finalize {
		f.Finalize()
	}
	stats.Finalized = len(finalize)

	stats.Duration = time.Since(start)
	h.collections.Add(1)
	h.lastStats.Store(&stats)

	h.log.Debug().
		Str("mode", mode.String()).
		Int("roots", stats.Roots).
		Int("threads", stats.Threads).
		Int("marked", stats.Marked).
		Int("swept", stats.Swept).
		Int("weak_callbacks", stats.WeakCallbacks).
		Dur("duration", stats.Duration).
		Msg("collection finished")
	return stats
}

// Collections returns the number of completed collections.
func (h *Heap) Collections() uint64 {
	return h.collections.Load()
}

// LastStats returns the stats of the most recent collection, or nil.
func (h *Heap) LastStats() *Stats {
	return h.lastStats.Load()
}

// markingVisitor is the trace.Visitor handed to roots and objects.
type markingVisitor struct {
	heap *Heap
	mode MarkingMode

	worklist  []trace.GarbageCollected
	weak      []weakEntry
	weakPhase bool
	marked    int
}

type weakEntry struct {
	self unsafe.Pointer
	cb   trace.WeakCallback
}

func (v *markingVisitor) Mark(obj trace.GarbageCollected) {
	if trace.IsNil(obj) {
		return
	}
	if assert.Enabled {
		assert.That(!v.weakPhase, "%s: object marked during weak processing", v.heap.opts.Name)
	}
	hdr := v.heap.lookup(obj)
	if hdr == nil || hdr.marked {
		// Objects of other heaps are not ours to trace.
		return
	}
	hdr.marked = true
	v.marked++
	v.worklist = append(v.worklist, obj)
}

func (v *markingVisitor) markAll(objs []trace.GarbageCollected) {
	for _, obj := range objs {
		v.Mark(obj)
	}
}

func (v *markingVisitor) drain() {
	for len(v.worklist) > 0 {
		last := len(v.worklist) - 1
		obj := v.worklist[last]
		v.worklist[last] = nil
		v.worklist = v.worklist[:last]
		obj.Trace(v)
	}
}

func (v *markingVisitor) RegisterWeakCallback(self unsafe.Pointer, cb trace.WeakCallback) {
	if assert.Enabled {
		assert.That(!v.weakPhase, "%s: weak callback registered during weak processing", v.heap.opts.Name)
	}
	v.weak = append(v.weak, weakEntry{self: self, cb: cb})
}

func (v *markingVisitor) IsStrongifying() bool {
	return v.mode == Strongify
}

// IsHeapObjectAlive reports whether obj survives this collection. Objects
// owned by another open heap count as alive.
func (v *markingVisitor) IsHeapObjectAlive(obj trace.GarbageCollected) bool {
	if trace.IsNil(obj) {
		return true
	}
	if hdr := v.heap.lookup(obj); hdr != nil {
		return hdr.marked
	}
	return IsHeapObject(obj)
}
