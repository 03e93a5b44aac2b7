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

// Package toolchain is the toolchain manager (C8): it registers installed
// versions of the compiler, headers, linker and C library, switches
// between them with single-rename atomicity, rebuilds the self-hosting
// toolchain in canonical order, and runs a compile-and-execute validation
// suite after every switch.
package toolchain

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio"
	"github.com/kilnforge/kiln/kerr"
)

// Profile is one named toolchain configuration (spec §3 "Toolchain
// state"): the active compiler/kernel pair plus the binutils/libc
// versions it was validated against.
type Profile struct {
	GCCActive    string `toml:"gcc_active"`
	KernelActive string `toml:"kernel_active"`
	Binutils     string `toml:"binutils"`
	Glibc        string `toml:"glibc"`
}

// CrossEntry records a cross-compilation target's component versions.
type CrossEntry struct {
	GCC      string `toml:"gcc"`
	Binutils string `toml:"binutils"`
	Glibc    string `toml:"glibc"`
}

// HistoryEntry is one state-transition record, appended on every
// successful switch (spec §3 "history").
type HistoryEntry struct {
	Timestamp time.Time `toml:"timestamp"`
	Action    string    `toml:"action"`
	Detail    string    `toml:"detail"`
}

// State is the single persisted toolchain-state file (spec §3): "{
// active_profile, profiles: {name -> {gcc_active, kernel_active,
// binutils, glibc}}, gcc_versions, kernel_versions, cross: {triplet ->
// ...}, history}".
type State struct {
	ActiveProfile  string                `toml:"active_profile"`
	Profiles       map[string]Profile    `toml:"profiles"`
	GCCVersions    []string              `toml:"gcc_versions"`
	KernelVersions []string              `toml:"kernel_versions"`
	Cross          map[string]CrossEntry `toml:"cross"`
	History        []HistoryEntry        `toml:"history"`
}

func newState() *State {
	return &State{
		Profiles: map[string]Profile{},
		Cross:    map[string]CrossEntry{},
	}
}

// loadState reads the toolchain state file, returning a fresh empty state
// if it does not yet exist.
func loadState(path string) (*State, error) {
	s := newState()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, kerr.New(kerr.ToolchainValidationFailed, "", "load_state", err)
	}
	if _, err := toml.Decode(string(data), s); err != nil {
		return nil, kerr.New(kerr.ToolchainValidationFailed, "", "load_state", err)
	}
	if s.Profiles == nil {
		s.Profiles = map[string]Profile{}
	}
	if s.Cross == nil {
		s.Cross = map[string]CrossEntry{}
	}
	return s, nil
}

// saveState persists the state file atomically (write-then-rename,
// spec §5 "the lockfile is rewritten ... with a full-file write-then-
// rename" — the toolchain state file follows the same discipline).
func saveState(path string, s *State) error {
	var buf strings.Builder
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(s); err != nil {
		return kerr.New(kerr.ToolchainValidationFailed, "", "save_state", err)
	}
	if err := renameio.WriteFile(path, []byte(buf.String()), 0644); err != nil {
		return kerr.New(kerr.ToolchainValidationFailed, "", "save_state", err)
	}
	return nil
}
