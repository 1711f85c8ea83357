// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persistentnode

import (
	"sync"
	"unsafe"

	"github.com/kolkov/gcroots/internal/heap/trace"
)

// CrossThreadRegion is a Region that any goroutine may use. Every operation
// holds one mutex for its whole duration.
//
// A trace callback must not allocate or free through the same region: the
// mutex is not reentrant and the call deadlocks.
type CrossThreadRegion struct {
	mu     sync.Mutex
	region *Region
}

// NewCrossThreadRegion returns an empty cross-thread region.
func NewCrossThreadRegion(opts ...Option) *CrossThreadRegion {
	opts = append([]Option{WithName("cross-thread persistent region")}, opts...)
	return &CrossThreadRegion{region: NewRegion(opts...)}
}

// AllocatePersistentNode is Region.AllocatePersistentNode under the lock.
func (c *CrossThreadRegion) AllocatePersistentNode(self unsafe.Pointer, cb trace.Callback) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region.AllocatePersistentNode(self, cb)
}

// FreePersistentNode is Region.FreePersistentNode under the lock.
func (c *CrossThreadRegion) FreePersistentNode(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.region.FreePersistentNode(n)
}

// TracePersistentNodes is Region.TracePersistentNodes under the lock.
func (c *CrossThreadRegion) TracePersistentNodes(v trace.Visitor) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region.TracePersistentNodes(v)
}

// Lock acquires the region mutex. Cross-thread handles hold it while they
// read or replace their pointer so that a concurrent trace pass never sees a
// torn update.
func (c *CrossThreadRegion) Lock() { c.mu.Lock() }

// Unlock releases the region mutex.
func (c *CrossThreadRegion) Unlock() { c.mu.Unlock() }

// PersistentCount returns the maintained number of live registrations.
func (c *CrossThreadRegion) PersistentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region.PersistentCount()
}

// NumberOfPersistents is Region.NumberOfPersistents under the lock.
func (c *CrossThreadRegion) NumberOfPersistents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region.NumberOfPersistents()
}

// SlotBlocks returns the number of slot blocks currently owned.
func (c *CrossThreadRegion) SlotBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region.SlotBlocks()
}

// Leaks lists every live registration.
func (c *CrossThreadRegion) Leaks() []Leak {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region.Leaks()
}

// SetSiteCapture toggles allocation-site capture for future registrations.
func (c *CrossThreadRegion) SetSiteCapture(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.region.captureSites = enabled
}
