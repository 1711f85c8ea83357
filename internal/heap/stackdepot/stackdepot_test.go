// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stackdepot

import (
	"strings"
	"sync"
	"testing"
)

// TestCapture tests basic capture and lookup.
func TestCapture(t *testing.T) {
	Reset()

	hash := Capture(0)
	if hash == 0 {
		t.Fatal("Capture returned zero hash")
	}

	site := Lookup(hash)
	if site == nil {
		t.Fatal("Lookup returned nil for a captured hash")
	}
	if site.PC[0] == 0 {
		t.Error("captured site has no program counters")
	}
}

// TestCaptureDeduplication tests that one call site yields one entry.
func TestCaptureDeduplication(t *testing.T) {
	Reset()

	var hashes [2]uint64
	for i := range hashes {
		hashes[i] = Capture(0)
	}

	if hashes[0] != hashes[1] {
		t.Errorf("same call site produced %x and %x", hashes[0], hashes[1])
	}
	if Lookup(hashes[0]) != Lookup(hashes[1]) {
		t.Error("expected the same *Site for a deduplicated hash")
	}
	if got := Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestLookupMissing(t *testing.T) {
	Reset()

	if Lookup(0) != nil {
		t.Error("Lookup(0) should be nil")
	}
	if Lookup(0x123456789abcdef0) != nil {
		t.Error("Lookup of an unknown hash should be nil")
	}
}

// TestFormat tests that the test function itself shows up in the output.
func TestFormat(t *testing.T) {
	Reset()

	formatted := Lookup(Capture(0)).Format()
	if !strings.Contains(formatted, "TestFormat") {
		t.Errorf("Format() does not mention the capturing function:\n%s", formatted)
	}
	if strings.Contains(formatted, "runtime.goexit") {
		t.Errorf("Format() leaked runtime frames:\n%s", formatted)
	}
}

func TestFormatNil(t *testing.T) {
	var s *Site
	if got := s.Format(); got != "  <unknown>\n" {
		t.Errorf("nil Format() = %q", got)
	}
}

func TestIsInternal(t *testing.T) {
	tests := []struct {
		fn   string
		want bool
	}{
		{"runtime.goexit", true},
		{"github.com/kolkov/gcroots/internal/heap/persistentnode.(*Region).AllocatePersistentNode", true},
		{"github.com/kolkov/gcroots/gc.NewPersistent[...]", true},
		{"github.com/kolkov/gcroots/gc.NewPersistentFrom[...]", true},
		{"github.com/kolkov/gcroots/gc.NewCrossThreadPersistent[...]", true},
		{"github.com/kolkov/gcroots/gc.(*Persistent[...]).Clone", true},
		{"github.com/kolkov/gcroots/gc.(*CrossThreadPersistent[...]).Clone", true},
		{"github.com/kolkov/gcroots/gc.New[...]", false},
		{"github.com/kolkov/gcroots/gc.NewHashSet[...]", false},
		{"github.com/kolkov/gcroots/gc.(*handle[...]).init", true},
		{"github.com/kolkov/gcroots/internal/heap/stackdepot.Capture", true},
		{"github.com/kolkov/gcroots/internal/heap/report.TestFormat", false},
		{"main.main", false},
	}
	for _, tt := range tests {
		if got := isInternal(tt.fn); got != tt.want {
			t.Errorf("isInternal(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

// TestCaptureConcurrent tests concurrent capture from many goroutines.
func TestCaptureConcurrent(t *testing.T) {
	Reset()

	const goroutines = 50
	var wg sync.WaitGroup
	hashes := make(chan uint64, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hashes <- Capture(0)
		}()
	}
	wg.Wait()
	close(hashes)

	for h := range hashes {
		if Lookup(h) == nil {
			t.Errorf("hash %x missing after concurrent capture", h)
		}
	}
}
