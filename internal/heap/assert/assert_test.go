// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package assert

import (
	"strings"
	"testing"
)

func TestThat(t *testing.T) {
	That(true, "never")

	defer func() {
		r := recover()
		f, ok := r.(*Failure)
		if !ok {
			t.Fatalf("recover() = %#v, want *Failure", r)
		}
		if f.Message != "slot 3 reused" {
			t.Errorf("Message = %q, want %q", f.Message, "slot 3 reused")
		}
		if !strings.HasPrefix(f.Error(), "gcroots: assertion failed") {
			t.Errorf("Error() = %q", f.Error())
		}
	}()
	That(false, "slot %d reused", 3)
}
