// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build gcroots_release

package assert

// Enabled reports whether debug assertions are compiled in.
const Enabled = false
