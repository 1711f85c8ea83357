// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persistentnode

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/stackdepot"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

// ErrLiveRegistrations is wrapped by LeakError.
var ErrLiveRegistrations = errors.New("persistent region closed with live registrations")

// Leak describes one registration still alive when its region closed.
type Leak struct {
	// Self is the address of the handle that owns the node.
	Self unsafe.Pointer
	// Site is the allocation-site hash, 0 if site capture was off.
	Site uint64
}

// LeakError is returned by Region.Close when registrations remain.
type LeakError struct {
	Region string
	Leaks  []Leak
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("%s: %s (%d live)", e.Region, ErrLiveRegistrations, len(e.Leaks))
}

func (e *LeakError) Unwrap() error {
	return ErrLiveRegistrations
}

// Region owns the root registrations of one allocation domain: the
// persistents of one goroutine, or the cross-thread pool.
//
// Region is not synchronized. The owner guarantees exclusive access, either
// by confining it to one goroutine or by wrapping it in a CrossThreadRegion.
type Region struct {
	name         string
	captureSites bool

	freeListHead *Node
	slots        *slots

	// persistentCount is the number of used nodes. NumberOfPersistents
	// cross-checks it against an actual walk.
	persistentCount int

	// tracing is set while TracePersistentNodes runs, to catch mutators
	// that allocate or free during a collection.
	tracing bool
}

// Option configures a Region.
type Option func(*Region)

// WithName sets the name used in leak reports.
func WithName(name string) Option {
	return func(r *Region) { r.name = name }
}

// WithSiteCapture records the allocation site of every node.
func WithSiteCapture(enabled bool) Option {
	return func(r *Region) { r.captureSites = enabled }
}

// NewRegion returns an empty region. No slot block is allocated until the
// first registration.
func NewRegion(opts ...Option) *Region {
	r := &Region{name: "persistent region"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the region name.
func (r *Region) Name() string {
	return r.name
}

// AllocatePersistentNode registers the handle at self with its trace
// callback and returns the node now owned by that handle.
func (r *Region) AllocatePersistentNode(self unsafe.Pointer, cb trace.Callback) *Node {
	if assert.Enabled {
		assert.That(!r.tracing, "%s: persistent allocated during tracing", r.name)
	}
	if r.freeListHead == nil {
		r.ensureSlots()
	}

	n := r.freeListHead
	r.freeListHead = n.FreeListNext()
	n.Initialize(self, cb)
	if r.captureSites {
		n.site = stackdepot.Capture(1)
	}
	r.persistentCount++
	return n
}

// ensureSlots links a fresh block at the head of the block list and threads
// all of its nodes onto the (empty) free list.
func (r *Region) ensureSlots() {
	if assert.Enabled {
		assert.That(r.freeListHead == nil, "%s: new slot block with a non-empty free list", r.name)
	}
	s := new(slots)
	for i := range s.nodes {
		n := &s.nodes[i]
		n.SetFreeListNext(r.freeListHead)
		r.freeListHead = n
	}
	s.next = r.slots
	r.slots = s
}

// FreePersistentNode returns n to the free list. Memory is only given back
// by the next TracePersistentNodes.
func (r *Region) FreePersistentNode(n *Node) {
	if assert.Enabled {
		assert.That(!r.tracing, "%s: persistent freed during tracing", r.name)
		assert.That(n != nil && !n.IsUnused(), "%s: persistent node freed twice", r.name)
		assert.That(r.persistentCount > 0, "%s: free with no live persistents", r.name)
	}
	n.SetFreeListNext(r.freeListHead)
	r.freeListHead = n
	r.persistentCount--
}

// TracePersistentNodes traces every used node with v and rebuilds the free
// list. A block whose nodes are all unused is unlinked and dropped. Returns
// the number of nodes traced.
func (r *Region) TracePersistentNodes(v trace.Visitor) int {
	r.tracing = true
	defer func() { r.tracing = false }()

	r.freeListHead = nil
	traced := 0
	var prev *slots
	s := r.slots
	for s != nil {
		var freeListNext, freeListLast *Node
		freeCount := 0
		for i := range s.nodes {
			n := &s.nodes[i]
			if n.IsUnused() {
				if freeListNext == nil {
					freeListLast = n
				}
				n.SetFreeListNext(freeListNext)
				freeListNext = n
				freeCount++
				continue
			}
			n.TracePersistentNode(v)
			traced++
		}

		if freeCount == SlotsPerBlock {
			dead := s
			s = s.next
			if prev == nil {
				r.slots = s
			} else {
				prev.next = s
			}
			dead.next = nil
			continue
		}

		if freeListLast != nil {
			freeListLast.SetFreeListNext(r.freeListHead)
			r.freeListHead = freeListNext
		}
		prev = s
		s = s.next
	}
	return traced
}

// PersistentCount returns the maintained number of live registrations.
func (r *Region) PersistentCount() int {
	return r.persistentCount
}

// NumberOfPersistents walks every block and counts used nodes. It asserts
// that the walk agrees with PersistentCount. Not for hot paths.
func (r *Region) NumberOfPersistents() int {
	count := 0
	for s := r.slots; s != nil; s = s.next {
		for i := range s.nodes {
			if !s.nodes[i].IsUnused() {
				count++
			}
		}
	}
	if assert.Enabled {
		assert.That(count == r.persistentCount,
			"%s: walked %d live persistents, counter says %d", r.name, count, r.persistentCount)
	}
	return count
}

// SlotBlocks returns the number of slot blocks currently owned.
func (r *Region) SlotBlocks() int {
	n := 0
	for s := r.slots; s != nil; s = s.next {
		n++
	}
	return n
}

// Leaks lists every used node.
func (r *Region) Leaks() []Leak {
	var leaks []Leak
	for s := r.slots; s != nil; s = s.next {
		for i := range s.nodes {
			n := &s.nodes[i]
			if !n.IsUnused() {
				leaks = append(leaks, Leak{Self: n.self, Site: n.site})
			}
		}
	}
	return leaks
}

// Close drops every slot block. If registrations are still live it returns
// a *LeakError describing them; the region is emptied either way and its
// handles must not be used again.
func (r *Region) Close() error {
	var err error
	if r.persistentCount > 0 {
		err = &LeakError{Region: r.name, Leaks: r.Leaks()}
	}
	r.slots = nil
	r.freeListHead = nil
	r.persistentCount = 0
	return err
}
