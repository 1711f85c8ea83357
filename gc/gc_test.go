package gc_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/gcroots/gc"
	heapassert "github.com/kolkov/gcroots/internal/heap/assert"
	"github.com/kolkov/gcroots/internal/heap/report"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
)

type Node struct {
	Name  string
	Child gc.Member[*Node]
	Peer  gc.WeakMember[*Node]
	Seen  *gc.HashSet[*Node]
}

func (n *Node) Trace(v gc.Visitor) {
	n.Child.Trace(v)
	n.Peer.Trace(v)
	if n.Seen != nil {
		n.Seen.Trace(v)
	}
}

// Document may only be rooted from the main thread state.
type Document struct {
	gc.MainThreadOnly
	Title string
}

func (*Document) Trace(gc.Visitor) {}

func newHeap(t *testing.T) *gc.Heap {
	t.Helper()
	h := gc.NewHeap(gc.HeapOptions{Name: t.Name(), Logger: zerolog.Nop()})
	t.Cleanup(func() { assert.NoError(t, h.Close()) })
	return h
}

func attach(t *testing.T, h *gc.Heap) *gc.ThreadState {
	t.Helper()
	ts, err := h.AttachThread()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, ts.Detach()) })
	return ts
}

// recovered runs f and returns what it panicked with.
func recovered(f func()) (r any) {
	defer func() { r = recover() }()
	f()
	return nil
}

func isAssertion(r any) bool {
	_, ok := r.(*heapassert.Failure)
	return ok
}

func skipWithoutAssertions(t *testing.T) {
	t.Helper()
	if !gc.GetInfo().Assertions {
		t.Skip("assertions compiled out")
	}
}

// requireAssertion checks that f trips a debug assertion. Test goroutine
// only.
func requireAssertion(t *testing.T, f func()) {
	t.Helper()
	skipWithoutAssertions(t)
	r := recovered(f)
	require.True(t, isAssertion(r), "want assertion failure, got %v", r)
}

func TestPersistentLifecycle(t *testing.T) {
	h := newHeap(t)
	attach(t, h)

	a := gc.New(h, &Node{Name: "a"})
	b := gc.New(h, &Node{Name: "b"})
	base := gc.LivePersistents()

	p := gc.NewPersistent(a)
	assert.Equal(t, base+1, gc.LivePersistents())
	assert.Same(t, a, p.Get())

	p.Set(b)
	assert.Same(t, b, p.Get())
	p.Clear()
	assert.True(t, p.IsNull())
	assert.Equal(t, base+1, gc.LivePersistents(), "assignment keeps the registration")

	p.Dispose()
	assert.Equal(t, base, gc.LivePersistents())
	p.Dispose()
	assert.Equal(t, base, gc.LivePersistents())
}

func TestPersistentKeepsReferentAlive(t *testing.T) {
	h := newHeap(t)
	attach(t, h)

	root := gc.New(h, &Node{Name: "root"})
	child := gc.New(h, &Node{Name: "child"})
	root.Child.Set(child)
	orphan := gc.New(h, &Node{Name: "orphan"})

	p := gc.NewPersistent(root)
	stats := h.Collect()
	assert.Equal(t, 1, stats.Roots)
	assert.True(t, h.Contains(root))
	assert.True(t, h.Contains(child))
	assert.False(t, h.Contains(orphan))

	p.Dispose()
	h.Collect()
	assert.Equal(t, 0, h.ObjectCount())
}

func TestPersistentRelease(t *testing.T) {
	h := newHeap(t)
	attach(t, h)

	obj := gc.New(h, &Node{Name: "obj"})
	p := gc.NewPersistent(obj)
	defer p.Dispose()
	base := gc.LivePersistents()

	assert.Same(t, obj, p.Release())
	assert.True(t, p.IsNull())
	assert.Equal(t, base, gc.LivePersistents(), "Release keeps the registration")

	h.Collect()
	assert.False(t, h.Contains(obj))
}

func TestPersistentCopies(t *testing.T) {
	h := newHeap(t)
	attach(t, h)
	base := gc.LivePersistents()

	holder := gc.New(h, &Node{Name: "holder"})
	target := gc.New(h, &Node{Name: "target"})
	holder.Child.Set(target)

	p := gc.NewPersistentFrom[*Node](&holder.Child)
	q := p.Clone()
	c := gc.NewCrossThreadPersistentFrom[*Node](p)
	assert.Equal(t, base+2, gc.LivePersistents())
	assert.Same(t, target, q.Get())
	assert.Same(t, target, c.Get())

	// Copies are independent registrations.
	p.Dispose()
	assert.Same(t, target, q.Get())
	q.Clear()
	h.Collect()
	assert.True(t, h.Contains(target), "still rooted by the cross-thread copy")

	q.SetFrom(c)
	c.Dispose()
	h.Collect()
	assert.True(t, h.Contains(target))
	q.Dispose()
}

func TestPersistentWithoutThreadState(t *testing.T) {
	h := newHeap(t)
	obj := gc.New(h, &Node{})
	require.Nil(t, threadstate.Current())
	assert.PanicsWithValue(t, gc.ErrNoThreadState, func() { gc.NewPersistent(obj) })
}

func TestPersistentWrongGoroutine(t *testing.T) {
	skipWithoutAssertions(t)
	h := newHeap(t)
	attach(t, h)
	p := gc.NewPersistent(gc.New(h, &Node{}))
	defer p.Dispose()

	var clearPanic, disposePanic any
	done := make(chan struct{})
	go func() {
		defer close(done)
		clearPanic = recovered(p.Clear)
		disposePanic = recovered(p.Dispose)
	}()
	<-done

	assert.True(t, isAssertion(clearPanic), "Clear off goroutine: %v", clearPanic)
	assert.True(t, isAssertion(disposePanic), "Dispose off goroutine: %v", disposePanic)
	assert.False(t, p.IsNull(), "failed mutation must not apply")
}

func TestPersistentNonHeapObject(t *testing.T) {
	h := newHeap(t)
	attach(t, h)
	p := gc.NewPersistent[*Node](nil)
	defer p.Dispose()

	requireAssertion(t, func() { p.Set(&Node{Name: "stray"}) })
	requireAssertion(t, func() { gc.NewPersistent(&Node{Name: "stray"}) })
}

func TestPersistentUseAfterDispose(t *testing.T) {
	h := newHeap(t)
	attach(t, h)
	p := gc.NewPersistent(gc.New(h, &Node{}))
	p.Dispose()

	requireAssertion(t, func() { p.Get() })
	requireAssertion(t, func() { p.Set(nil) })
}

func TestMainThreadOnly(t *testing.T) {
	skipWithoutAssertions(t)
	h := newHeap(t)
	doc := gc.New(h, &Document{Title: "index"})

	assert.PanicsWithValue(t, gc.ErrNoMainThreadState, func() { gc.NewPersistent(doc) })

	main, err := h.AttachMainThread()
	require.NoError(t, err)
	defer func() { assert.NoError(t, main.Detach()) }()

	p := gc.NewPersistent(doc)
	assert.Equal(t, 1, main.PersistentRegion().PersistentCount())

	// A worker with its own state still may not root a main-thread type.
	var workerPanic any
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts, err := h.AttachThread()
		if !assert.NoError(t, err) {
			return
		}
		defer func() { assert.NoError(t, ts.Detach()) }()
		workerPanic = recovered(func() { gc.NewPersistent(doc) })
		assert.Equal(t, 0, ts.PersistentRegion().PersistentCount())
	}()
	<-done
	assert.True(t, isAssertion(workerPanic), "worker rooted a main-thread type: %v", workerPanic)

	p.Dispose()
	assert.Equal(t, 0, main.PersistentRegion().PersistentCount())
}

//go:noinline
func rootForever(obj *Node) *gc.Persistent[*Node] {
	return gc.NewPersistent(obj)
}

func TestLeakSiteNamesCaller(t *testing.T) {
	h := gc.NewHeap(gc.HeapOptions{Name: t.Name(), Logger: zerolog.Nop(), CaptureSites: true})
	t.Cleanup(func() { assert.NoError(t, h.Close()) })
	ts, err := h.AttachThread()
	require.NoError(t, err)

	rootForever(gc.New(h, &Node{Name: "leaked"}))

	r := report.FromError(ts.Detach())
	require.NotNil(t, r)
	text := r.String()
	assert.Contains(t, text, "gc_test.rootForever()")
	assert.NotContains(t, text, "gc.NewPersistent")
	assert.NotContains(t, text, "(*handle")
}

func TestGetInfo(t *testing.T) {
	info := gc.GetInfo()
	assert.Equal(t, gc.Version, info.Version)
	assert.Equal(t, 256, info.SlotsPerBlock)
	assert.Equal(t, heapassert.Enabled, info.Assertions)
}
