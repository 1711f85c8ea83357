// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kolkov/gcroots/internal/heap/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, config.Log{Level: "warn", Format: "json"})

	log.Info().Msg("hidden")
	log.Warn().Int("count", 2).Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"count":2`)
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, config.Log{Level: "debug", Format: "console"})

	log.Debug().Str("heap", "main").Msg("collection finished")
	out := buf.String()
	assert.Contains(t, out, "DBG")
	assert.Contains(t, out, "collection finished")
	assert.Contains(t, out, "heap=main")
	assert.NotContains(t, out, "{")
}

func TestNewBadLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, config.Log{Level: "loud", Format: "json"})
	log.Debug().Msg("debug")
	log.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}
