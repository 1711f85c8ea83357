// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stackdepot records where root handles were created.
//
// Each unique call stack is stored once and referenced by a 64-bit FNV-1a
// hash, so a persistent node only carries one extra word for its allocation
// site. Sites are resolved to text only when a leak is reported.
//
// Usage:
//
//	site := stackdepot.Capture(2)
//	...
//	fmt.Print(stackdepot.Lookup(site).Format())
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// MaxFrames is the number of frames kept per allocation site.
const MaxFrames = 16

// Site is one captured call stack.
type Site struct {
	PC [MaxFrames]uintptr
}

// sites maps hash -> *Site. Entries are never evicted; the number of
// distinct handle construction sites in a program is small.
var sites sync.Map

// internalPrefixes are frames hidden from formatted sites: they belong to
// the handle machinery rather than to the code that created the handle.
var internalPrefixes = []string{
	"runtime.",
	"github.com/kolkov/gcroots/internal/heap/stackdepot.Capture",
	"github.com/kolkov/gcroots/internal/heap/persistentnode.(*",
	"github.com/kolkov/gcroots/gc.(*handle",
	"github.com/kolkov/gcroots/gc.threadLocal",
	"github.com/kolkov/gcroots/gc.crossThread",
	"github.com/kolkov/gcroots/gc.NewPersistent",
	"github.com/kolkov/gcroots/gc.NewCrossThreadPersistent",
	"github.com/kolkov/gcroots/gc.(*Persistent[",
	"github.com/kolkov/gcroots/gc.(*CrossThreadPersistent[",
}

// Capture records the caller's stack and returns its hash. skip counts
// frames above Capture's caller to drop, as in runtime.Callers (0 means the
// stack starts at the caller of Capture). Returns 0 if no frames are
// available.
func Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}

	hash := hashPCs(pcs[:n])
	if _, ok := sites.Load(hash); ok {
		return hash
	}
	sites.Store(hash, &Site{PC: pcs})
	return hash
}

// Lookup returns the site stored under hash, or nil.
func Lookup(hash uint64) *Site {
	if hash == 0 {
		return nil
	}
	v, ok := sites.Load(hash)
	if !ok {
		return nil
	}
	return v.(*Site)
}

func hashPCs(pcs []uintptr) uint64 {
	h := fnv.New64a()
	for _, pc := range pcs {
		//nolint:gosec // G103: reading the PC word as bytes for hashing
		_, _ = h.Write((*[8]byte)(unsafe.Pointer(&pc))[:])
	}
	return h.Sum64()
}

// Format renders the site one frame per two lines, hiding runtime and
// handle-internal frames:
//
//	main.newCache()
//	    /src/cache.go:41
func (s *Site) Format() string {
	if s == nil {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(s.PC[:])
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !isInternal(frame.Function) {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <internal>\n"
	}
	return buf.String()
}

func isInternal(fn string) bool {
	for _, p := range internalPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// Len returns the number of distinct sites recorded.
func Len() int {
	n := 0
	sites.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every recorded site. Test use only; not safe against
// concurrent Capture.
func Reset() {
	sites = sync.Map{}
}
