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

package bootstrap

import (
	"bufio"
	"context"
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/pkgdb"
	"github.com/kilnforge/kiln/resolve"
)

// smokeTests is the fixed command set spec §4.9 step 6 names.
var smokeTests = [][]string{
	{"/bin/sh", "-c", "echo ok"},
	{"/bin/ls", "--version"},
}

// SmokeTestResult reports one smoke-test command's outcome.
type SmokeTestResult struct {
	Command string
	OK      bool
	Output  string
}

// ValidateRootfs runs the fixed smoke-test set against rootfs and, for
// any ELF file whose shared libraries fail to resolve, looks up the first
// provider of each missing library in idx, builds it (C4) and installs it
// into rootfs (C6) (spec §4.9 step 6). The provider's own dependencies
// are not resolved or built.
func (m *Manager) ValidateRootfs(ctx context.Context, rootfs string, idx *resolve.Index) ([]SmokeTestResult, error) {
	var results []SmokeTestResult
	for _, argv := range smokeTests {
		bin := filepath.Join(rootfs, argv[0])
		cmd := exec.CommandContext(ctx, bin, argv[1:]...)
		out, err := cmd.CombinedOutput()
		results = append(results, SmokeTestResult{Command: strings.Join(argv, " "), OK: err == nil, Output: string(out)})
	}

	missing, err := scanMissingLibraries(rootfs)
	if err != nil {
		clog.Warningf(ctx, "bootstrap: shared-library scan failed: %v", err)
	}
	for _, lib := range missing {
		providers := idx.ProvidesIndex[lib]
		if len(providers) == 0 {
			m.emit("rootfs.library.unresolved", map[string]any{"library": lib})
			continue
		}
		name := providers[0]
		m.emit("rootfs.library.provider", map[string]any{"library": lib, "package": name})
		if err := m.buildAndInstallOne(ctx, rootfs, name); err != nil {
			return results, kerr.New(kerr.InstallFailed, name, "validate_rootfs", err)
		}
	}
	return results, nil
}

// buildAndInstallOne builds a single missing-library provider (C4) and
// installs its artifact into rootfs as a non-explicit package (C6). It
// does not resolve (C5) or build the provider's dependencies.
func (m *Manager) buildAndInstallOne(ctx context.Context, rootfs, name string) error {
	artifactPath, rec, err := m.Builder.Build(ctx, name, build.Options{})
	if err != nil {
		return err
	}
	return m.PkgDB.Install(artifactPath, name, rec.Version, pkgdb.InstallOptions{DestRoot: rootfs, Explicit: false})
}

// scanMissingLibraries walks rootfs looking for ELF executables and
// shared objects, then runs each through ldd to collect "not found"
// library names (spec §4.9 step 6 "scanning ELF files with a
// shared-library resolver"). Best-effort: assumes the host can execute
// the rootfs's binaries (matching architecture), which holds for the
// common case of bootstrapping a rootfs for the build host itself.
func scanMissingLibraries(rootfs string) ([]string, error) {
	seen := map[string]bool{}
	var missing []string

	err := filepath.Walk(rootfs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(rootfs, path)
		if relErr != nil {
			return relErr
		}
		top := firstComponent(rel)
		if info.IsDir() && pseudoFilesystems[top] {
			return filepath.SkipDir
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if !isELF(path) {
			return nil
		}
		for _, lib := range lddNotFound(path) {
			if !seen[lib] {
				seen[lib] = true
				missing = append(missing, lib)
			}
		}
		return nil
	})
	sort.Strings(missing)
	return missing, err
}

func isELF(path string) bool {
	f, err := elf.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func lddNotFound(path string) []string {
	out, _ := exec.Command("ldd", path).Output()
	var missing []string
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "not found") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				missing = append(missing, fields[0])
			}
		}
	}
	return missing
}
