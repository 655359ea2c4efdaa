// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates stategraph configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps config files at 1MB to prevent memory exhaustion
// from maliciously large files.
const MaxConfigFileSize = 1 * 1024 * 1024

// ErrConfigTooLarge is returned when a config file exceeds MaxConfigFileSize.
var ErrConfigTooLarge = errors.New("config file exceeds maximum allowed size")

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("5m", "30s") as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level stategraph configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

// EngineConfig configures serialization sessions.
type EngineConfig struct {
	// MaxDirectDepth is the recursion depth at which encode/decode calls
	// move off the native stack.
	MaxDirectDepth int `yaml:"max_direct_depth" validate:"gte=1"`

	// MaxWireLength caps length-prefixed values read from a stream, in
	// bytes. Guards against corrupt length prefixes.
	MaxWireLength int `yaml:"max_wire_length" validate:"gte=1024"`
}

// StoreConfig configures the snapshot store.
type StoreConfig struct {
	// Path is the snapshot store directory.
	Path string `yaml:"path" validate:"required"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables GC.
	GCInterval Duration `yaml:"gc_interval" validate:"gte=0"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is one of json, text.
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxDirectDepth: 64,
			MaxWireLength:  64 * 1024 * 1024,
		},
		Store: StoreConfig{
			Path:       ".stategraph/snapshots",
			SyncWrites: true,
			GCInterval: Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path, overlaying it on the defaults.
//
// Inputs:
//   - path: YAML file path. An empty path returns Default().
//
// Outputs:
//   - *Config: Validated configuration.
//   - error: Non-nil on read, parse, or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrConfigTooLarge, info.Size(), MaxConfigFileSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileSize))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				return fmt.Errorf("config field %s failed %s validation", ve.Namespace(), ve.Tag())
			}
		}
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
