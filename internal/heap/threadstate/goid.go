// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Goroutine identity.
//
// Thread affinity in this package is goroutine affinity: a ThreadState is
// bound to the goroutine that attached it, whichever OS thread it runs on.
// The id is read from the header line of runtime.Stack, which is stable
// across Go versions and architectures.

package threadstate

import "runtime"

// goroutineID returns the id of the calling goroutine.
func goroutineID() int64 {
	// "goroutine 123 [running]:\n" fits comfortably in 64 bytes.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the id from a "goroutine N [...]" header, or returns 0
// if buf does not start with one.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	var gid int64
	for i := len(prefix); i < len(buf); i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}

// liveGoroutineIDs returns the ids of every goroutine in the process.
func liveGoroutineIDs() map[int64]struct{} {
	// Grow until the dump fits; runtime.Stack truncates silently.
	size := 64 << 10
	var buf []byte
	for {
		buf = make([]byte, size)
		n := runtime.Stack(buf, true)
		if n < size {
			buf = buf[:n]
			break
		}
		size *= 2
	}

	live := make(map[int64]struct{})
	for start := 0; start < len(buf); {
		end := start
		for end < len(buf) && buf[end] != '\n' {
			end++
		}
		if gid := parseGID(buf[start:end]); gid != 0 {
			live[gid] = struct{}{}
		}
		start = end + 1
	}
	return live
}
