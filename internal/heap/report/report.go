// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package report renders persistent leak reports.
//
// A leak is a persistent still registered when its region was torn down.
// Leaks are grouped by allocation site, so a loop that leaked a thousand
// handles produces one entry with a count.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kolkov/gcroots/internal/heap/persistentnode"
	"github.com/kolkov/gcroots/internal/heap/stackdepot"
)

// SiteLeaks is every leak from one allocation site.
type SiteLeaks struct {
	// Site is the stackdepot hash, 0 when site capture was off.
	Site  uint64
	Count int
}

// LeakReport is the grouped form of a persistentnode.LeakError.
type LeakReport struct {
	Region string
	Total  int
	Sites  []SiteLeaks
}

// FromError builds a report from err, or returns nil if err does not wrap a
// *persistentnode.LeakError.
func FromError(err error) *LeakReport {
	var leakErr *persistentnode.LeakError
	if !errors.As(err, &leakErr) {
		return nil
	}

	return &LeakReport{
		Region: leakErr.Region,
		Total:  len(leakErr.Leaks),
		Sites:  Group(leakErr.Leaks),
	}
}

// Group counts leaks per allocation site, largest group first.
func Group(leaks []persistentnode.Leak) []SiteLeaks {
	counts := make(map[uint64]int)
	for _, l := range leaks {
		counts[l.Site]++
	}
	out := make([]SiteLeaks, 0, len(counts))
	for site, n := range counts {
		out = append(out, SiteLeaks{Site: site, Count: n})
	}
	// Ties by hash so output is stable.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Site < out[j].Site
	})
	return out
}

// Format writes the report:
//
//	==================
//	WARNING: PERSISTENT LEAK
//	thread state 3 (goroutine 18): 2 live persistents
//
//	2 persistents created at:
//	  main.newCache()
//	      /src/cache.go:41
//	==================
//
//nolint:errcheck // best-effort diagnostic output
func (r *LeakReport) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: PERSISTENT LEAK\n")
	fmt.Fprintf(w, "%s: %d live %s\n", r.Region, r.Total, plural(r.Total, "persistent"))

	for _, s := range r.Sites {
		fmt.Fprintf(w, "\n")
		if s.Site == 0 {
			fmt.Fprintf(w, "%d %s created at an unrecorded site\n", s.Count, plural(s.Count, "persistent"))
			fmt.Fprintf(w, "  (enable capture_sites to record creation stacks)\n")
			continue
		}
		fmt.Fprintf(w, "%d %s created at:\n", s.Count, plural(s.Count, "persistent"))
		fmt.Fprint(w, stackdepot.Lookup(s.Site).Format())
	}

	fmt.Fprintf(w, "==================\n")
}

// String returns the formatted report.
func (r *LeakReport) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}

// LogLeaks logs one warning per leak site in err. Errors that are not leak
// errors are logged as-is.
func LogLeaks(log zerolog.Logger, err error) {
	r := FromError(err)
	if r == nil {
		log.Error().Err(err).Msg("thread state teardown failed")
		return
	}
	for _, s := range r.Sites {
		ev := log.Warn().
			Str("region", r.Region).
			Int("count", s.Count)
		if s.Site != 0 {
			ev = ev.Str("site", strings.TrimSpace(stackdepot.Lookup(s.Site).Format()))
		}
		ev.Msg("persistent leaked")
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
