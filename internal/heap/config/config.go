// Copyright 2025 The gcroots Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads gcroots.toml and the GCROOTS_OPTIONS environment
// variable.
//
// The file is optional. GCROOTS_OPTIONS holds space-separated key=value
// pairs, in the manner of GORACE, and wins over the file:
//
//	GCROOTS_OPTIONS="log_level=debug capture_sites=1 marking_mode=strongify"
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/kolkov/gcroots/internal/heap/collector"
)

// FileName is the configuration file looked up by Find.
const FileName = "gcroots.toml"

// EnvVar is the environment variable read by Load.
const EnvVar = "GCROOTS_OPTIONS"

// Config is the full configuration.
type Config struct {
	Log    Log    `toml:"log"`
	Heap   Heap   `toml:"heap"`
	Stress Stress `toml:"stress"`

	// Path is the file the configuration was read from, empty if none.
	Path string `toml:"-"`
}

// Log configures the logger.
type Log struct {
	// Level is a zerolog level name.
	Level string `toml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format"`
}

// Heap configures the collector.
type Heap struct {
	Name         string `toml:"name"`
	CaptureSites bool   `toml:"capture_sites"`
	// MarkingMode is "weak" or "strongify".
	MarkingMode string `toml:"marking_mode"`
}

// Stress sizes the stress workload.
type Stress struct {
	Threads int `toml:"threads"`
	Handles int `toml:"handles"`
	Rounds  int `toml:"rounds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Heap: Heap{
			Name:        "gcroots",
			MarkingMode: "weak",
		},
		Stress: Stress{
			Threads: 4,
			Handles: 250,
			Rounds:  3,
		},
	}
}

// Load reads path over the defaults, then applies GCROOTS_OPTIONS. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyOptions(os.Getenv(EnvVar)); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvVar, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find walks up from dir looking for gcroots.toml. Returns "" if there is
// none.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	c.Path = path
	return nil
}

// ApplyOptions applies space-separated key=value pairs.
func (c *Config) ApplyOptions(opts string) error {
	for _, field := range strings.Fields(opts) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("malformed option %q, want key=value", field)
		}
		if err := c.set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "log_level":
		c.Log.Level = value
	case "log_format":
		c.Log.Format = value
	case "heap_name":
		c.Heap.Name = value
	case "capture_sites":
		c.Heap.CaptureSites, err = strconv.ParseBool(value)
	case "marking_mode":
		c.Heap.MarkingMode = value
	case "stress_threads":
		c.Stress.Threads, err = strconv.Atoi(value)
	case "stress_handles":
		c.Stress.Handles, err = strconv.Atoi(value)
	case "stress_rounds":
		c.Stress.Rounds, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	if err != nil {
		return fmt.Errorf("option %s: %w", key, err)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if _, err := collector.ParseMarkingMode(c.Heap.MarkingMode); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format %q: want console or json", c.Log.Format)
	}
	if c.Stress.Threads < 1 || c.Stress.Handles < 0 || c.Stress.Rounds < 1 {
		return fmt.Errorf("stress: threads and rounds must be positive, handles non-negative (got %d/%d/%d)",
			c.Stress.Threads, c.Stress.Handles, c.Stress.Rounds)
	}
	return nil
}

// HeapOptions returns collector options for the heap section. Validate must
// have passed.
func (c *Config) HeapOptions(log zerolog.Logger) collector.Options {
	mode, _ := collector.ParseMarkingMode(c.Heap.MarkingMode)
	return collector.Options{
		Name:         c.Heap.Name,
		Logger:       log,
		CaptureSites: c.Heap.CaptureSites,
		Mode:         mode,
	}
}
