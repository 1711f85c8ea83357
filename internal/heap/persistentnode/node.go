// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package persistentnode stores GC root registrations.
//
// A Node is one root: the address of a handle plus the Callback that traces
// it. Nodes live in fixed blocks of SlotsPerBlock entries owned by a Region,
// which hands them out and takes them back through an intrusive free list in
// O(1). Once per collection the region traces every used node and, in the
// same walk, rebuilds the free list and releases blocks that became empty.
package persistentnode

import (
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

// SlotsPerBlock is the number of nodes in one slot block.
const SlotsPerBlock = 256

// Node is a single root registration slot.
//
// A node is in exactly one of two states, tagged by trace:
//   - used:   self and trace are set, next is nil
//   - unused: trace is nil, self is nil, next links the free list
type Node struct {
	self  unsafe.Pointer
	trace trace.Callback
	next  *Node

	// site is the stackdepot hash of the code that allocated the node, or 0.
	site uint64
}

// Initialize binds the node to the handle at self.
func (n *Node) Initialize(self unsafe.Pointer, cb trace.Callback) {
	if assert.Enabled {
		assert.That(n.IsUnused(), "persistent node initialized twice")
		assert.That(cb != nil, "persistent node initialized without a trace callback")
	}
	n.self = self
	n.trace = cb
	n.next = nil
}

// SetFreeListNext marks the node unused and links it in front of next.
func (n *Node) SetFreeListNext(next *Node) {
	if assert.Enabled {
		assert.That(next == nil || next.IsUnused(), "free list linked to a used node")
	}
	n.self = nil
	n.trace = nil
	n.next = next
	n.site = 0
}

// FreeListNext returns the next unused node, or nil.
func (n *Node) FreeListNext() *Node {
	if assert.Enabled {
		assert.That(n.IsUnused(), "free list walked through a used node")
	}
	return n.next
}

// IsUnused reports whether the node is on a free list.
func (n *Node) IsUnused() bool {
	return n.trace == nil
}

// Self returns the handle address the node was initialized with.
func (n *Node) Self() unsafe.Pointer {
	return n.self
}

// Site returns the allocation-site hash, 0 if none was captured.
func (n *Node) Site() uint64 {
	return n.site
}

// TracePersistentNode runs the bound callback with v.
func (n *Node) TracePersistentNode(v trace.Visitor) {
	if assert.Enabled {
		assert.That(!n.IsUnused(), "traced an unused persistent node")
	}
	n.trace(v, n.self)
}

// slots is one fixed block of nodes, singly linked to the region's other
// blocks.
type slots struct {
	next  *slots
	nodes [SlotsPerBlock]Node
}
