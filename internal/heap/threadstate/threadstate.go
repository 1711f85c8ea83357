// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package threadstate binds persistent regions to goroutines.
//
// A goroutine that creates thread-affine persistent handles must first
// Attach a ThreadState. Current finds it again from the goroutine id, and the
// handle registers into that state's region. Exactly one state may be the
// main thread state: types declaring MainThreadOnly affinity register there
// no matter which state is current.
//
// The process-wide cross-thread region is also reachable from here, since it
// is the region for handles that have no thread at all.
package threadstate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/persistentnode"
)

var (
	// ErrAlreadyAttached is returned when the goroutine already has a state.
	ErrAlreadyAttached = errors.New("goroutine already has an attached thread state")

	// ErrMainAlreadyAttached is returned when a second main state is attached.
	ErrMainAlreadyAttached = errors.New("main thread state already attached")

	// ErrWrongThread is returned by Detach off the owning goroutine.
	ErrWrongThread = errors.New("thread state used off its owning goroutine")
)

// Affinity says which thread state a type's persistents belong to.
type Affinity int

const (
	// AnyThread persistents register with the current goroutine's state.
	AnyThread Affinity = iota
	// MainThreadOnly persistents register with the main thread state.
	MainThreadOnly
)

// String returns the affinity name.
func (a Affinity) String() string {
	switch a {
	case AnyThread:
		return "AnyThread"
	case MainThreadOnly:
		return "MainThreadOnly"
	default:
		return "Unknown"
	}
}

// ThreadState is the per-goroutine root state.
//
// Its region is only touched by the owning goroutine, or by the collector
// while that goroutine is quiescent.
type ThreadState struct {
	id     uint32
	gid    int64
	main   bool
	region *persistentnode.Region

	onDetach func(*ThreadState)
	detached atomic.Bool
}

// AttachOptions configures Attach.
type AttachOptions struct {
	// Main makes this the main thread state.
	Main bool
	// CaptureSites records allocation sites of every persistent.
	CaptureSites bool
	// OnDetach runs after Detach closed the region.
	OnDetach func(*ThreadState)
}

var (
	// states maps goroutine id -> *ThreadState.
	states sync.Map

	mainMu    sync.Mutex
	mainState *ThreadState

	nextID atomic.Uint32

	crossThreadRegion = persistentnode.NewCrossThreadRegion()
)

// Attach binds a new ThreadState to the calling goroutine.
func Attach(opts AttachOptions) (*ThreadState, error) {
	gid := goroutineID()
	if _, ok := states.Load(gid); ok {
		return nil, fmt.Errorf("goroutine %d: %w", gid, ErrAlreadyAttached)
	}

	id := nextID.Add(1)
	ts := &ThreadState{
		id:       id,
		gid:      gid,
		main:     opts.Main,
		onDetach: opts.OnDetach,
	}
	name := fmt.Sprintf("thread state %d (goroutine %d)", id, gid)
	if opts.Main {
		name = fmt.Sprintf("main thread state (goroutine %d)", gid)
	}
	ts.region = persistentnode.NewRegion(
		persistentnode.WithName(name),
		persistentnode.WithSiteCapture(opts.CaptureSites),
	)

	if opts.Main {
		mainMu.Lock()
		if mainState != nil {
			mainMu.Unlock()
			return nil, ErrMainAlreadyAttached
		}
		mainState = ts
		mainMu.Unlock()
	}

	states.Store(gid, ts)
	return ts, nil
}

// Current returns the calling goroutine's state, or nil.
func Current() *ThreadState {
	v, ok := states.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*ThreadState)
}

// MainThreadState returns the main thread state, or nil.
func MainThreadState() *ThreadState {
	mainMu.Lock()
	defer mainMu.Unlock()
	return mainState
}

// StateFor returns the state persistents of the given affinity register
// with from the calling goroutine, or nil if there is none.
func StateFor(a Affinity) *ThreadState {
	if a == MainThreadOnly {
		return MainThreadState()
	}
	return Current()
}

// CrossThreadPersistentRegion returns the process-wide region for
// cross-thread persistents.
func CrossThreadPersistentRegion() *persistentnode.CrossThreadRegion {
	return crossThreadRegion
}

// ID returns the state's sequence number, unique for the process lifetime.
func (ts *ThreadState) ID() uint32 {
	return ts.id
}

// GoroutineID returns the id of the owning goroutine.
func (ts *ThreadState) GoroutineID() int64 {
	return ts.gid
}

// IsMainThread reports whether this is the main thread state.
func (ts *ThreadState) IsMainThread() bool {
	return ts.main
}

// IsDetached reports whether Detach has run.
func (ts *ThreadState) IsDetached() bool {
	return ts.detached.Load()
}

// PersistentRegion returns the region for this state's persistents.
func (ts *ThreadState) PersistentRegion() *persistentnode.Region {
	if assert.Enabled {
		assert.That(!ts.detached.Load(), "persistent region of a detached thread state")
	}
	return ts.region
}

// CheckThread reports whether the caller runs on the owning goroutine.
func (ts *ThreadState) CheckThread() bool {
	return goroutineID() == ts.gid
}

// Detach unbinds the state from its goroutine and closes its region. It
// returns the region's *persistentnode.LeakError if persistents are still
// registered. Must run on the owning goroutine.
func (ts *ThreadState) Detach() error {
	if !ts.CheckThread() {
		return fmt.Errorf("detach %d from goroutine %d: %w", ts.id, goroutineID(), ErrWrongThread)
	}
	return ts.detach()
}

func (ts *ThreadState) detach() error {
	if !ts.detached.CompareAndSwap(false, true) {
		return nil
	}
	states.CompareAndDelete(ts.gid, ts)
	if ts.main {
		mainMu.Lock()
		if mainState == ts {
			mainState = nil
		}
		mainMu.Unlock()
	}

	err := ts.region.Close()
	if ts.onDetach != nil {
		ts.onDetach(ts)
	}
	return err
}

// String returns the state's region name.
func (ts *ThreadState) String() string {
	return ts.region.Name()
}
