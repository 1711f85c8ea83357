// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package assert is the debug-only assertion layer of the heap.
//
// Assertions are on by default. Building with the gcroots_release tag turns
// Enabled into a false constant, and every call site guarded by
// "if assert.Enabled" is compiled out. Misuse that would have tripped an
// assertion is then undefined behaviour, not a reported error.
//
// Usage:
//
//	if assert.Enabled {
//		assert.That(node.IsUnused(), "node initialized twice")
//	}
package assert

import "fmt"

// Failure is the panic value raised by a failed assertion.
type Failure struct {
	Message string
}

// Error implements error.
func (f *Failure) Error() string {
	return "gcroots: assertion failed: " + f.Message
}

// That panics with a *Failure if cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}

// Fail panics with a *Failure unconditionally.
func Fail(format string, args ...any) {
	panic(&Failure{Message: fmt.Sprintf(format, args...)})
}
