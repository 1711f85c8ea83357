// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package census snapshots the root state of a heap.
//
// A census lists every persistent region reachable from a heap with its live
// count, slot block count and allocation sites. It is encoded as canonical
// CBOR so that two censuses of the same state are byte-identical, and carries
// a semantic format version that Decode checks before trusting the layout.
package census

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/mod/semver"

	"github.com/kolkov/gcroots/internal/heap/collector"
	"github.com/kolkov/gcroots/internal/heap/persistentnode"
	"github.com/kolkov/gcroots/internal/heap/report"
	"github.com/kolkov/gcroots/internal/heap/stackdepot"
	"github.com/kolkov/gcroots/internal/heap/threadstate"
)

// FormatVersion is written into every census. Decode accepts any version
// with the same major.
const FormatVersion = "v1.0.0"

// ErrIncompatibleFormat is returned by Decode for a census of another major
// format version.
var ErrIncompatibleFormat = errors.New("incompatible census format")

// Census is one snapshot.
type Census struct {
	Format  string    `cbor:"1,keyasint"`
	Taken   time.Time `cbor:"2,keyasint"`
	Heap    string    `cbor:"3,keyasint"`
	Objects int       `cbor:"4,keyasint"`

	CrossThread Region   `cbor:"5,keyasint"`
	Threads     []Region `cbor:"6,keyasint,omitempty"`

	LastCollection *Collection `cbor:"7,keyasint,omitempty"`
}

// Region describes one persistent region.
type Region struct {
	Name   string `cbor:"1,keyasint"`
	Main   bool   `cbor:"2,keyasint,omitempty"`
	Live   int    `cbor:"3,keyasint"`
	Blocks int    `cbor:"4,keyasint"`
	Sites  []Site `cbor:"5,keyasint,omitempty"`
}

// Site is a group of live persistents created at the same place.
type Site struct {
	// Stack is the formatted allocation stack, empty when not captured.
	Stack string `cbor:"1,keyasint,omitempty"`
	Count int    `cbor:"2,keyasint"`
}

// Collection summarizes the most recent collection.
type Collection struct {
	Mode     string        `cbor:"1,keyasint"`
	Roots    int           `cbor:"2,keyasint"`
	Marked   int           `cbor:"3,keyasint"`
	Swept    int           `cbor:"4,keyasint"`
	Duration time.Duration `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("census: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Take snapshots h. Like a collection it reads thread-local regions, so the
// goroutines attached to h must be quiescent.
func Take(h *collector.Heap) *Census {
	c := &Census{
		Format:  FormatVersion,
		Taken:   time.Now(),
		Heap:    h.Name(),
		Objects: h.ObjectCount(),
	}

	cross := threadstate.CrossThreadPersistentRegion()
	c.CrossThread = Region{
		Name:   "cross-thread",
		Live:   cross.PersistentCount(),
		Blocks: cross.SlotBlocks(),
		Sites:  sites(cross.Leaks()),
	}

	for _, ts := range h.Threads() {
		if ts.IsDetached() {
			continue
		}
		r := ts.PersistentRegion()
		c.Threads = append(c.Threads, Region{
			Name:   ts.String(),
			Main:   ts.IsMainThread(),
			Live:   r.PersistentCount(),
			Blocks: r.SlotBlocks(),
			Sites:  sites(r.Leaks()),
		})
	}

	if s := h.LastStats(); s != nil {
		c.LastCollection = &Collection{
			Mode:     s.Mode.String(),
			Roots:    s.Roots,
			Marked:   s.Marked,
			Swept:    s.Swept,
			Duration: s.Duration,
		}
	}
	return c
}

func sites(live []persistentnode.Leak) []Site {
	groups := report.Group(live)
	if len(groups) == 0 {
		return nil
	}
	out := make([]Site, 0, len(groups))
	for _, g := range groups {
		s := Site{Count: g.Count}
		if g.Site != 0 {
			s.Stack = strings.TrimRight(stackdepot.Lookup(g.Site).Format(), "\n")
		}
		out = append(out, s)
	}
	return out
}

// Live returns the total live persistents across every region.
func (c *Census) Live() int {
	n := c.CrossThread.Live
	for _, r := range c.Threads {
		n += r.Live
	}
	return n
}

// Marshal encodes c as canonical CBOR.
func Marshal(c *Census) ([]byte, error) {
	return encMode.Marshal(c)
}

// Unmarshal decodes a census and checks its format version.
func Unmarshal(data []byte) (*Census, error) {
	var c Census
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("census: unmarshal: %w", err)
	}
	if !semver.IsValid(c.Format) {
		return nil, fmt.Errorf("census: invalid format version %q", c.Format)
	}
	if semver.Major(c.Format) != semver.Major(FormatVersion) {
		return nil, fmt.Errorf("census: format %s, want %s.x: %w",
			c.Format, semver.Major(FormatVersion), ErrIncompatibleFormat)
	}
	return &c, nil
}

// Write encodes c to w.
func Write(w io.Writer, c *Census) error {
	return encMode.NewEncoder(w).Encode(c)
}

// Read decodes one census from r.
func Read(r io.Reader) (*Census, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("census: read: %w", err)
	}
	return Unmarshal(data)
}

// Format writes a human-readable rendering of c.
//
//nolint:errcheck // best-effort diagnostic output
func (c *Census) Format(w io.Writer) {
	fmt.Fprintf(w, "census of heap %q (format %s)\n", c.Heap, c.Format)
	fmt.Fprintf(w, "taken:    %s\n", c.Taken.Format(time.RFC3339))
	fmt.Fprintf(w, "objects:  %d\n", c.Objects)
	fmt.Fprintf(w, "live:     %d persistents in %d regions\n", c.Live(), len(c.Threads)+1)
	if lc := c.LastCollection; lc != nil {
		fmt.Fprintf(w, "last gc:  mode=%s roots=%d marked=%d swept=%d in %s\n",
			lc.Mode, lc.Roots, lc.Marked, lc.Swept, lc.Duration)
	}

	formatRegion(w, c.CrossThread)
	for _, r := range c.Threads {
		formatRegion(w, r)
	}
}

//nolint:errcheck // best-effort diagnostic output
func formatRegion(w io.Writer, r Region) {
	main := ""
	if r.Main {
		main = " [main]"
	}
	fmt.Fprintf(w, "\n%s%s: %d live, %d slot blocks\n", r.Name, main, r.Live, r.Blocks)
	for _, s := range r.Sites {
		if s.Stack == "" {
			fmt.Fprintf(w, "  %d at an unrecorded site\n", s.Count)
			continue
		}
		fmt.Fprintf(w, "  %d at:\n", s.Count)
		for _, line := range strings.Split(s.Stack, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}
