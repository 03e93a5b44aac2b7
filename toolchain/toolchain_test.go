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
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSaveState_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolchain.toml")

	s, err := loadState(path)
	if err != nil {
		t.Fatalf("loadState() on a missing file = %v", err)
	}
	if s.ActiveProfile != "" || len(s.Profiles) != 0 {
		t.Fatalf("loadState() on a missing file = %+v, want an empty state", s)
	}

	s.ActiveProfile = "default"
	s.Profiles["default"] = Profile{GCCActive: "13.2.0", KernelActive: "6.6", Binutils: "2.41"}
	s.GCCVersions = []string{"13.2.0"}
	s.History = append(s.History, HistoryEntry{Action: "set_active", Detail: "gcc=13.2.0 profile=default"})

	if err := saveState(path, s); err != nil {
		t.Fatalf("saveState() = %v", err)
	}

	loaded, err := loadState(path)
	if err != nil {
		t.Fatalf("loadState() after save = %v", err)
	}
	if loaded.ActiveProfile != "default" {
		t.Errorf("loadState().ActiveProfile = %q, want default", loaded.ActiveProfile)
	}
	profile, ok := loaded.Profiles["default"]
	if !ok || profile.GCCActive != "13.2.0" || profile.KernelActive != "6.6" {
		t.Errorf("loadState().Profiles[default] = %+v, %v", profile, ok)
	}
	if len(loaded.History) != 1 || loaded.History[0].Action != "set_active" {
		t.Errorf("loadState().History = %+v", loaded.History)
	}
}

func TestContains(t *testing.T) {
	list := []string{"1.0", "2.0"}
	if !contains(list, "1.0") {
		t.Error("contains() = false for a present element")
	}
	if contains(list, "3.0") {
		t.Error("contains() = true for an absent element")
	}
}

func TestRegisterVersion(t *testing.T) {
	s := newState()
	registerVersion(s, "final-compiler", "13.2.0")
	registerVersion(s, "final-compiler", "13.2.0")
	registerVersion(s, "headers", "6.6")

	if len(s.GCCVersions) != 1 || s.GCCVersions[0] != "13.2.0" {
		t.Errorf("GCCVersions = %v, want one 13.2.0 (no duplicate)", s.GCCVersions)
	}
	if len(s.KernelVersions) != 1 || s.KernelVersions[0] != "6.6" {
		t.Errorf("KernelVersions = %v, want one 6.6", s.KernelVersions)
	}
}

// fakeToolchainTree lays out a GCCRoot/version/bin and KernelRoot/version
// directory pair, the minimal shape SwitchCompiler/SwitchKernel check for
// without needing a real compiler present.
func fakeToolchainTree(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	kernelDir := filepath.Join(root, "kernel", "current")
	gccRoot := filepath.Join(root, "gcc")
	kernelRoot := filepath.Join(root, "kernel-versions")

	if err := os.MkdirAll(binDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(gccRoot, "13.2.0", "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(kernelRoot, "6.6"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(kernelDir), 0755); err != nil {
		t.Fatal(err)
	}

	return New(filepath.Join(root, "state.toml"), binDir, kernelDir, gccRoot, kernelRoot)
}

func TestManager_SwitchCompilerAndKernel(t *testing.T) {
	m := fakeToolchainTree(t)

	if err := m.SwitchCompiler("13.2.0"); err != nil {
		t.Fatalf("SwitchCompiler() = %v", err)
	}
	target, err := os.Readlink(filepath.Join(m.BinDir, "cc"))
	if err != nil {
		t.Fatalf("Readlink(cc) = %v", err)
	}
	want := filepath.Join(m.GCCRoot, "13.2.0", "bin", "gcc")
	if target != want {
		t.Errorf("cc -> %q, want %q", target, want)
	}

	if err := m.SwitchKernel("6.6"); err != nil {
		t.Fatalf("SwitchKernel() = %v", err)
	}
	kernelTarget, err := os.Readlink(m.KernelDir)
	if err != nil {
		t.Fatalf("Readlink(KernelDir) = %v", err)
	}
	if kernelTarget != filepath.Join(m.KernelRoot, "6.6") {
		t.Errorf("KernelDir -> %q, want %q", kernelTarget, filepath.Join(m.KernelRoot, "6.6"))
	}
}

func TestManager_SwitchCompilerMissingVersion(t *testing.T) {
	m := fakeToolchainTree(t)
	if err := m.SwitchCompiler("99.0.0"); err == nil {
		t.Fatal("SwitchCompiler() with a nonexistent version succeeded")
	}
}

func TestManager_SnapshotRestoresSymlinks(t *testing.T) {
	m := fakeToolchainTree(t)
	if err := m.SwitchCompiler("13.2.0"); err != nil {
		t.Fatalf("SwitchCompiler() = %v", err)
	}
	if err := m.SwitchKernel("6.6"); err != nil {
		t.Fatalf("SwitchKernel() = %v", err)
	}

	snap, err := m.snapshot()
	if err != nil {
		t.Fatalf("snapshot() = %v", err)
	}

	if err := os.MkdirAll(filepath.Join(m.GCCRoot, "14.0.0", "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchCompiler("14.0.0"); err != nil {
		t.Fatalf("SwitchCompiler(14.0.0) = %v", err)
	}

	if err := m.restore(snap); err != nil {
		t.Fatalf("restore() = %v", err)
	}
	target, err := os.Readlink(filepath.Join(m.BinDir, "cc"))
	if err != nil {
		t.Fatalf("Readlink(cc) after restore = %v", err)
	}
	if target != filepath.Join(m.GCCRoot, "13.2.0", "bin", "gcc") {
		t.Errorf("cc -> %q after restore, want the 13.2.0 target", target)
	}
}

func TestManager_RuntimeReport(t *testing.T) {
	m := fakeToolchainTree(t)
	s, err := m.load()
	if err != nil {
		t.Fatalf("load() = %v", err)
	}
	s.ActiveProfile = "default"
	s.Profiles["default"] = Profile{GCCActive: "13.2.0", KernelActive: "6.6"}
	if err := saveState(m.StatePath, s); err != nil {
		t.Fatalf("saveState() = %v", err)
	}

	report, err := m.RuntimeReport()
	if err != nil {
		t.Fatalf("RuntimeReport() = %v", err)
	}
	if report.ActiveProfile != "default" || report.GCCActive != "13.2.0" || report.KernelActive != "6.6" {
		t.Errorf("RuntimeReport() = %+v", report)
	}
	if report.HostTriplet == "" {
		t.Error("RuntimeReport().HostTriplet is empty")
	}
}
