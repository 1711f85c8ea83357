// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"bytes"
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/gcroots/internal/heap/persistentnode"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
	"github.com/kolkov/gcroots/internal/heap/trace"
)

type object struct {
	name      string
	children  []*object
	finalized *int
}

func (o *object) Trace(v trace.Visitor) {
	for _, c := range o.children {
		v.Mark(c)
	}
}

func (o *object) Finalize() {
	if o.finalized != nil {
		*o.finalized++
	}
}

// holder keeps a weak reference to target.
type holder struct {
	target *object
}

func (h *holder) Trace(v trace.Visitor) {
	if v.IsStrongifying() {
		v.Mark(h.target)
		return
	}
	v.RegisterWeakCallback(unsafe.Pointer(h), clearDeadTarget)
}

func clearDeadTarget(v trace.Visitor, self unsafe.Pointer) {
	h := (*holder)(self)
	if h.target != nil && !v.IsHeapObjectAlive(h.target) {
		h.target = nil
	}
}

// hookObject runs fn the first time it is traced.
type hookObject struct {
	fn func()
}

func (o *hookObject) Trace(trace.Visitor) {
	if fn := o.fn; fn != nil {
		o.fn = nil
		fn()
	}
}

// root is a minimal persistent: one strong slot.
type root struct {
	obj trace.GarbageCollected
}

func traceRoot(v trace.Visitor, self unsafe.Pointer) {
	v.Mark((*root)(self).obj)
}

func newHeap(t *testing.T, opts Options) *Heap {
	t.Helper()
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	opts.Logger = zerolog.Nop()
	h := New(opts)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// attach attaches a thread state and detaches it on cleanup.
func attach(t *testing.T, h *Heap) *threadstate.ThreadState {
	t.Helper()
	ts, err := h.AttachThread()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Detach() })
	return ts
}

func TestCollectSweepsUnreachable(t *testing.T) {
	h := newHeap(t, Options{})
	ts := attach(t, h)

	finalized := 0
	b := &object{name: "b", finalized: &finalized}
	a := &object{name: "a", children: []*object{b}, finalized: &finalized}
	c := &object{name: "c", finalized: &finalized}
	for _, o := range []*object{a, b, c} {
		h.Register(o)
	}
	require.Equal(t, 3, h.ObjectCount())

	r := &root{obj: a}
	n := ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(r), traceRoot)

	stats := h.Collect()
	assert.Equal(t, 1, stats.Roots)
	assert.Equal(t, 1, stats.Threads)
	assert.Equal(t, 2, stats.Marked)
	assert.Equal(t, 1, stats.Swept)
	assert.Equal(t, 1, stats.Finalized)
	assert.Equal(t, 1, finalized)
	assert.True(t, h.Contains(a))
	assert.True(t, h.Contains(b))
	assert.False(t, h.Contains(c))
	assert.Equal(t, 2, h.ObjectCount())

	// Marks are reset between collections.
	ts.PersistentRegion().FreePersistentNode(n)
	stats = h.Collect()
	assert.Equal(t, 0, stats.Marked)
	assert.Equal(t, 2, stats.Swept)
	assert.Equal(t, 0, h.ObjectCount())
	assert.Equal(t, uint64(2), h.Collections())
	require.NotNil(t, h.LastStats())
	assert.Equal(t, 2, h.LastStats().Swept)
}

func TestCollectCycle(t *testing.T) {
	h := newHeap(t, Options{})
	ts := attach(t, h)

	a := &object{name: "a"}
	b := &object{name: "b", children: []*object{a}}
	a.children = []*object{b}
	h.Register(a)
	h.Register(b)

	r := &root{obj: a}
	n := ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(r), traceRoot)
	assert.Equal(t, 2, h.Collect().Marked)

	ts.PersistentRegion().FreePersistentNode(n)
	assert.Equal(t, 2, h.Collect().Swept)
}

func TestCollectCrossThreadRoots(t *testing.T) {
	h := newHeap(t, Options{})
	obj := &object{name: "shared"}
	h.Register(obj)

	cross := threadstate.CrossThreadPersistentRegion()
	r := &root{obj: obj}
	n := cross.AllocatePersistentNode(unsafe.Pointer(r), traceRoot)

	stats := h.Collect()
	assert.Equal(t, 0, stats.Threads)
	assert.Equal(t, 1, stats.Marked)
	assert.True(t, h.Contains(obj))

	cross.FreePersistentNode(n)
	h.Collect()
	assert.False(t, h.Contains(obj))
}

func TestWeakProcessing(t *testing.T) {
	h := newHeap(t, Options{})
	ts := attach(t, h)

	target := &object{name: "target"}
	hold := &holder{target: target}
	h.Register(target)
	h.Register(hold)

	r := &root{obj: hold}
	n := ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(r), traceRoot)
	t.Cleanup(func() { ts.PersistentRegion().FreePersistentNode(n) })

	stats := h.CollectWithMode(Strongify)
	assert.Equal(t, Strongify, stats.Mode)
	assert.Equal(t, 0, stats.WeakCallbacks)
	assert.Same(t, target, hold.target)
	assert.True(t, h.Contains(target))

	stats = h.CollectWithMode(WeakProcessing)
	assert.Equal(t, 1, stats.WeakCallbacks)
	assert.Nil(t, hold.target)
	assert.False(t, h.Contains(target))
}

func TestWeakToOtherHeapStaysAlive(t *testing.T) {
	h := newHeap(t, Options{})
	other := newHeap(t, Options{Name: "other"})
	ts := attach(t, h)

	target := &object{name: "foreign"}
	other.Register(target)
	hold := &holder{target: target}
	h.Register(hold)

	r := &root{obj: hold}
	n := ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(r), traceRoot)
	t.Cleanup(func() { ts.PersistentRegion().FreePersistentNode(n) })

	h.Collect()
	assert.Same(t, target, hold.target)
}

func TestIsHeapObject(t *testing.T) {
	h := New(Options{Name: "oracle", Logger: zerolog.Nop()})
	obj := &object{}
	assert.False(t, IsHeapObject(obj))
	assert.False(t, IsHeapObject(nil))
	assert.False(t, IsHeapObject((*object)(nil)))

	h.Register(obj)
	h.Register(obj)
	assert.Equal(t, 1, h.ObjectCount())
	assert.True(t, IsHeapObject(obj))

	require.NoError(t, h.Close())
	assert.False(t, IsHeapObject(obj))
	require.NoError(t, h.Close())
}

func TestCloseWithAttachedThread(t *testing.T) {
	h := New(Options{Name: "busy", Logger: zerolog.Nop()})
	ts, err := h.AttachThread()
	require.NoError(t, err)

	err = h.Close()
	assert.ErrorIs(t, err, ErrHeapInUse)

	require.NoError(t, ts.Detach())
	assert.Empty(t, h.Threads())
	require.NoError(t, h.Close())

	_, err = h.AttachThread()
	assert.Error(t, err)
}

func TestSweepOrphans(t *testing.T) {
	var logs bytes.Buffer
	h := New(Options{Name: "orphans", Logger: zerolog.New(&logs), CaptureSites: true})
	t.Cleanup(func() { _ = h.Close() })

	attached := make(chan error)
	go func() {
		ts, err := h.AttachThread()
		if err == nil {
			ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(ts), traceRoot)
		}
		attached <- err
	}()
	require.NoError(t, <-attached)
	require.Len(t, h.Threads(), 1)

	released := 0
	for i := 0; i < 1000 && released == 0; i++ {
		runtime.Gosched()
		released = h.SweepOrphans()
	}
	require.Equal(t, 1, released)
	assert.Empty(t, h.Threads())
	assert.Contains(t, logs.String(), "goroutine exited without detaching")
	assert.Contains(t, logs.String(), "persistent leaked")
}

func TestSweepOrphansSkipsLiveGoroutine(t *testing.T) {
	var logs bytes.Buffer
	h := New(Options{Name: "live", Logger: zerolog.New(&logs)})
	t.Cleanup(func() { _ = h.Close() })
	ts := attach(t, h)

	// A state attached between the goroutine snapshot and the state scan
	// shows up as an orphan although its goroutine is running.
	saved := findOrphans
	findOrphans = func() []*threadstate.ThreadState { return []*threadstate.ThreadState{ts} }
	t.Cleanup(func() { findOrphans = saved })

	assert.Zero(t, h.SweepOrphans())
	assert.False(t, ts.IsDetached())
	assert.Len(t, h.Threads(), 1)
	assert.NotContains(t, logs.String(), "without detaching")
	assert.NotContains(t, logs.String(), "teardown failed")
}

func TestShadeAndRegisterDuringCollection(t *testing.T) {
	h := newHeap(t, Options{})
	ts := attach(t, h)

	shaded := &object{name: "shaded"}
	child := &object{name: "child"}
	h.Register(shaded)
	h.Register(child)
	late := &object{name: "late", children: []*object{child}}
	trigger := &hookObject{fn: func() {
		Shade(shaded)
		h.Register(late)
	}}
	h.Register(trigger)

	r := &root{obj: trigger}
	n := ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(r), traceRoot)
	defer ts.PersistentRegion().FreePersistentNode(n)

	stats := h.Collect()
	assert.Equal(t, 4, stats.Marked, "trigger, shaded, late and its child")
	assert.Zero(t, stats.Swept)
	assert.True(t, h.Contains(late))
	assert.True(t, h.Contains(child))

	// Outside a collection Shade does nothing.
	Shade(shaded)
	stats = h.Collect()
	assert.Equal(t, 1, stats.Marked)
	assert.Equal(t, 3, stats.Swept)
	assert.Equal(t, 1, h.ObjectCount())
}

func TestDetachedThreadLeakError(t *testing.T) {
	h := newHeap(t, Options{})
	ts, err := h.AttachThread()
	require.NoError(t, err)
	ts.PersistentRegion().AllocatePersistentNode(unsafe.Pointer(ts), traceRoot)

	err = ts.Detach()
	var leakErr *persistentnode.LeakError
	require.True(t, errors.As(err, &leakErr))
	assert.Len(t, leakErr.Leaks, 1)
	assert.Empty(t, h.Threads())
}

func TestParseMarkingMode(t *testing.T) {
	tests := []struct {
		in      string
		want    MarkingMode
		wantErr bool
	}{
		{"", WeakProcessing, false},
		{"weak", WeakProcessing, false},
		{"Strongify", Strongify, false},
		{" strong ", Strongify, false},
		{"sometimes", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMarkingMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, got, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, s string) MarkingMode {
	t.Helper()
	m, err := ParseMarkingMode(s)
	require.NoError(t, err)
	return m
}
