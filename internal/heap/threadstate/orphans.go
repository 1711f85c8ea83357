// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadstate

import "errors"

// ErrNotOrphaned is returned by ReleaseOrphan for a state whose goroutine
// is still running.
var ErrNotOrphaned = errors.New("thread state goroutine is still running")

// Orphans returns the attached states whose goroutine has exited without
// calling Detach. Their persistents keep pinning objects until released.
//
// The scan dumps every goroutine header, roughly 1ms per 1000 goroutines.
func Orphans() []*ThreadState {
	live := liveGoroutineIDs()
	var orphans []*ThreadState
	states.Range(func(key, value any) bool {
		if _, ok := live[key.(int64)]; !ok {
			orphans = append(orphans, value.(*ThreadState))
		}
		return true
	})
	return orphans
}

// ReleaseOrphan detaches a state whose goroutine has exited. Like Detach it
// returns the region's leak error, which for an orphan is the normal case.
func ReleaseOrphan(ts *ThreadState) error {
	if _, ok := liveGoroutineIDs()[ts.gid]; ok {
		return ErrNotOrphaned
	}
	return ts.detach()
}
