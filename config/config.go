//  Copyright 2019 Google Inc. All Rights Reserved.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package config holds the resolved settings every core component is built
// from: on-disk layout, build parallelism, rollback retention and the
// timeouts applied to fetches, builds and sandboxed commands. Loading these
// values from a file or flags is an external collaborator's job; this
// package only defines the record's shape and its defaults.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the resolved configuration shared by every core package. The
// zero value is not valid; use Default and override fields, or Validate
// after populating one by hand.
type Config struct {
	// Root is the base directory under which RecipeDirs, CacheDir,
	// SandboxDir, StateDir and ToolchainDir default to well-known
	// subdirectories.
	Root string

	// RecipeDirs is the ordered list of directories searched for recipes,
	// first match wins.
	RecipeDirs []string

	// CacheDir holds downloaded sources and built artifacts, keyed by
	// content hash.
	CacheDir string

	// SandboxDir is the base directory under which per-build sandbox roots
	// are created.
	SandboxDir string

	// StateDir holds the package database, lockfile and rollback log.
	StateDir string

	// ToolchainDir holds toolchain profiles and the active-toolchain
	// symlink.
	ToolchainDir string

	// Jobs bounds how many packages may build concurrently. Validate
	// replaces Jobs<1 with DefaultJobs.
	Jobs int

	// Retention is how many of the newest pre-operation snapshots are kept
	// when older ones are pruned; the rollback log itself is not pruned.
	Retention int

	// FetchTimeout bounds a single source or artifact download, including
	// retries.
	FetchTimeout time.Duration

	// BuildTimeout bounds a single build phase invocation (build, check,
	// install) within the sandbox.
	BuildTimeout time.Duration
}

// Default number of snapshots kept when a Config does not set Retention
// explicitly.
const DefaultRetention = 5

// Default bound on concurrent builds when a Config does not set Jobs.
const DefaultJobs = 2

// Default fetches and build-phase timeouts.
const (
	DefaultFetchTimeout = 10 * time.Minute
	DefaultBuildTimeout = 2 * time.Hour
)

// Default returns a Config rooted at root with every path and limit set to
// its default, ready for callers to override selectively.
func Default(root string) *Config {
	return &Config{
		Root:         root,
		RecipeDirs:   []string{filepath.Join(root, "recipes")},
		CacheDir:     filepath.Join(root, "cache"),
		SandboxDir:   filepath.Join(root, "sandbox"),
		StateDir:     filepath.Join(root, "state"),
		ToolchainDir: filepath.Join(root, "toolchains"),
		Jobs:         DefaultJobs,
		Retention:    DefaultRetention,
		FetchTimeout: DefaultFetchTimeout,
		BuildTimeout: DefaultBuildTimeout,
	}
}

// Validate fills in any zero-valued field with its default and rejects a
// Config that is missing required paths.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("config: Root must be set")
	}
	if len(c.RecipeDirs) == 0 {
		c.RecipeDirs = []string{filepath.Join(c.Root, "recipes")}
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.Root, "cache")
	}
	if c.SandboxDir == "" {
		c.SandboxDir = filepath.Join(c.Root, "sandbox")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, "state")
	}
	if c.ToolchainDir == "" {
		c.ToolchainDir = filepath.Join(c.Root, "toolchains")
	}
	if c.Jobs < 1 {
		c.Jobs = DefaultJobs
	}
	if c.Retention < 1 {
		c.Retention = DefaultRetention
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	return nil
}

// LockfilePath is the path to the resolver's persisted lockfile.
func (c *Config) LockfilePath() string {
	return filepath.Join(c.StateDir, "lockfile.json")
}

// RollbackLogPath is the path to the append-only transaction log.
func (c *Config) RollbackLogPath() string {
	return filepath.Join(c.StateDir, "rollback.jsonl")
}

// PackageDBPath is the path to the installed-package database directory.
func (c *Config) PackageDBPath() string {
	return filepath.Join(c.StateDir, "packages")
}

// ToolchainStatePath is the path to the toolchain manager's persisted TOML
// state file.
func (c *Config) ToolchainStatePath() string {
	return filepath.Join(c.ToolchainDir, "toolchains.toml")
}
