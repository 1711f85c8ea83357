// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trace defines the contract between the collector and everything it
// traces: heap objects, root handles and weak references.
//
// Dispatch from the collector into a handle never goes through an interface
// method on the handle itself. A root registration stores an opaque self
// pointer next to a Callback bound at registration time; the collector calls
// the callback with its visitor and the self pointer. This keeps the root
// record fixed-size and free of per-record method tables.
package trace

import (
	"reflect"
	"unsafe"
)

// GarbageCollected is implemented by every object managed by the collector.
//
// Trace must report every strong outgoing edge through v, typically by
// calling Trace on each Member field, and every weak edge by calling Trace on
// each WeakMember field.
type GarbageCollected interface {
	Trace(v Visitor)
}

// LivenessBroker answers whether an object survived the marking done so far.
type LivenessBroker interface {
	IsHeapObjectAlive(obj GarbageCollected) bool
}

// Visitor is handed to every Trace call during a collection.
type Visitor interface {
	LivenessBroker

	// Mark records obj as reachable. Nil objects and objects unknown to the
	// collector are ignored.
	Mark(obj GarbageCollected)

	// RegisterWeakCallback schedules cb(v, self) to run once marking is
	// complete and before anything is swept.
	RegisterWeakCallback(self unsafe.Pointer, cb WeakCallback)

	// IsStrongifying reports whether weak edges must be treated as strong
	// for the current marking pass.
	IsStrongifying() bool
}

// Callback traces the handle identified by self.
type Callback func(v Visitor, self unsafe.Pointer)

// WeakCallback processes the weak slots of the object identified by self
// after marking. The visitor only answers liveness questions at that point.
type WeakCallback func(v Visitor, self unsafe.Pointer)

// IsNil reports whether obj is a nil interface or wraps a nil pointer.
func IsNil(obj GarbageCollected) bool {
	if obj == nil {
		return true
	}
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
