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

package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
)

// Manager owns the toolchain state file and the symlink tree it points
// into. It holds no package-level state (spec §9); callers construct one
// rooted at whatever directories a test needs.
type Manager struct {
	StatePath  string
	BinDir     string // holds the cc/c++/cpp symlinks
	KernelDir  string // holds the boot-image symlink
	GCCRoot    string // GCCRoot/<version>/bin holds the real compiler binaries
	KernelRoot string // KernelRoot/<version> holds the real boot image

	mu sync.Mutex
}

// New returns a Manager persisting state at statePath.
func New(statePath, binDir, kernelDir, gccRoot, kernelRoot string) *Manager {
	return &Manager{StatePath: statePath, BinDir: binDir, KernelDir: kernelDir, GCCRoot: gccRoot, KernelRoot: kernelRoot}
}

func (m *Manager) load() (*State, error) { return loadState(m.StatePath) }

// symlinkAtomic creates a symlink at a temporary path next to target and
// renames it over target in a single step (spec §4.8 "each symlink is
// created at a temporary path and then renamed over the target").
func symlinkAtomic(oldname, target string) error {
	tmp := target + ".tmp-" + fmt.Sprintf("%d", time.Now().UnixNano())
	if err := os.Symlink(oldname, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SwitchCompiler atomically replaces the cc/c++/cpp symlinks to point at
// GCCRoot/version's binaries (spec §4.8 switch_compiler).
func (m *Manager) SwitchCompiler(version string) error {
	versionBin := filepath.Join(m.GCCRoot, version, "bin")
	if _, err := os.Stat(versionBin); err != nil {
		return kerr.New(kerr.ToolchainValidationFailed, "gcc", "switch_compiler", err)
	}
	for link, real := range map[string]string{
		"cc":  "gcc",
		"c++": "g++",
		"cpp": "cpp",
	} {
		if err := symlinkAtomic(filepath.Join(versionBin, real), filepath.Join(m.BinDir, link)); err != nil {
			return kerr.New(kerr.ToolchainValidationFailed, "gcc", "switch_compiler", err)
		}
	}
	return nil
}

// SwitchKernel atomically replaces the boot-image symlink (spec §4.8
// switch_kernel).
func (m *Manager) SwitchKernel(version string) error {
	image := filepath.Join(m.KernelRoot, version)
	if _, err := os.Stat(image); err != nil {
		return kerr.New(kerr.ToolchainValidationFailed, "kernel", "switch_kernel", err)
	}
	if err := symlinkAtomic(image, m.KernelDir); err != nil {
		return kerr.New(kerr.ToolchainValidationFailed, "kernel", "switch_kernel", err)
	}
	return nil
}

// stateSnapshot is the toolchain manager's own lightweight snapshot of the
// state file plus symlink targets, independent of txn's package-install
// snapshots (spec §4.8 "snapshots the current toolchain state (including
// symlink targets) before switching").
type stateSnapshot struct {
	state        *State
	ccTarget     string
	cxxTarget    string
	cppTarget    string
	kernelTarget string
}

func (m *Manager) snapshot() (*stateSnapshot, error) {
	s, err := m.load()
	if err != nil {
		return nil, err
	}
	snap := &stateSnapshot{state: s}
	snap.ccTarget, _ = os.Readlink(filepath.Join(m.BinDir, "cc"))
	snap.cxxTarget, _ = os.Readlink(filepath.Join(m.BinDir, "c++"))
	snap.cppTarget, _ = os.Readlink(filepath.Join(m.BinDir, "cpp"))
	snap.kernelTarget, _ = os.Readlink(m.KernelDir)
	return snap, nil
}

func (m *Manager) restore(snap *stateSnapshot) error {
	if snap.ccTarget != "" {
		symlinkAtomic(snap.ccTarget, filepath.Join(m.BinDir, "cc"))
	}
	if snap.cxxTarget != "" {
		symlinkAtomic(snap.cxxTarget, filepath.Join(m.BinDir, "c++"))
	}
	if snap.cppTarget != "" {
		symlinkAtomic(snap.cppTarget, filepath.Join(m.BinDir, "cpp"))
	}
	if snap.kernelTarget != "" {
		symlinkAtomic(snap.kernelTarget, m.KernelDir)
	}
	return saveState(m.StatePath, snap.state)
}

func (m *Manager) appendHistory(s *State, action, detail string) {
	s.History = append(s.History, HistoryEntry{Timestamp: time.Now(), Action: action, Detail: detail})
}

// SetActive snapshots the current state, switches kind ("gcc" or
// "kernel") to version under profile, validates the result with a quick
// compile-and-run probe, and restores the snapshot on failure (spec §4.8
// set_active).
func (m *Manager) SetActive(ctx context.Context, kind, version, profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshot()
	if err != nil {
		return err
	}

	switch kind {
	case "gcc":
		if err := m.SwitchCompiler(version); err != nil {
			m.restore(snap)
			return err
		}
	case "kernel":
		if err := m.SwitchKernel(version); err != nil {
			m.restore(snap)
			return err
		}
	default:
		return kerr.New(kerr.ToolchainValidationFailed, kind, "set_active", nil).WithReason("unknown toolchain component")
	}

	if err := quickValidate(ctx, m.BinDir); err != nil {
		clog.Warningf(ctx, "toolchain: set_active %s=%s failed quick validation, restoring snapshot: %v", kind, version, err)
		if restoreErr := m.restore(snap); restoreErr != nil {
			return kerr.New(kerr.ToolchainValidationFailed, kind, "set_active", restoreErr).WithReason("validation failed and restore also failed")
		}
		return kerr.New(kerr.ToolchainValidationFailed, kind, "set_active", err)
	}

	s := snap.state
	p := s.Profiles[profile]
	if kind == "gcc" {
		p.GCCActive = version
	} else {
		p.KernelActive = version
	}
	s.Profiles[profile] = p
	s.ActiveProfile = profile
	m.appendHistory(s, "set_active", fmt.Sprintf("%s=%s profile=%s", kind, version, profile))

	return saveState(m.StatePath, s)
}
