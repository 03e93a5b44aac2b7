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

package txn

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/recipe"
)

// RevdepReport is the typed boundary to the external health-check
// reporter (SPEC_FULL.md C5): per installed package, the depends that are
// not installed and the shared libraries its executables fail to resolve.
type RevdepReport struct {
	Name             string
	MissingDepends   []string
	MissingLibraries []string
}

// RevdepCheck reports, for every installed package, depends whose names
// are not installed, and optionally (CheckLdd) any shared library its
// manifest's executables fail to resolve (spec §4.7).
func (m *Manager) RevdepCheck(ctx context.Context, checkLDD bool) ([]RevdepReport, error) {
	installed, err := m.PkgDB.ListInstalled()
	if err != nil {
		return nil, err
	}
	installedSet := map[string]bool{}
	for _, n := range installed {
		installedSet[n] = true
	}

	var reports []RevdepReport
	for _, name := range installed {
		rec, err := m.Repo.Load(name, "")
		if err != nil {
			continue
		}
		report := RevdepReport{Name: name}
		for _, d := range rec.Dependencies {
			if d.Optional {
				continue
			}
			if !dependencySatisfiedByInstalled(d, installedSet) {
				report.MissingDepends = append(report.MissingDepends, d.Name)
			}
		}

		if checkLDD {
			if pkgRec, ok := m.PkgDB.Query(name); ok {
				libs, err := missingLibrariesForManifest(ctx, pkgRec.Manifest)
				if err != nil {
					clog.Warningf(ctx, "txn: revdep ldd scan for %s: %v", name, err)
				}
				report.MissingLibraries = libs
			}
		}

		if len(report.MissingDepends) > 0 || len(report.MissingLibraries) > 0 {
			reports = append(reports, report)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports, nil
}

func dependencySatisfiedByInstalled(d recipe.Dependency, installed map[string]bool) bool {
	if d.Kind == recipe.Alternatives {
		for _, alt := range d.Alternatives {
			if dependencySatisfiedByInstalled(alt, installed) {
				return true
			}
		}
		return false
	}
	return installed[d.Name]
}

// missingLibrariesForManifest runs the shared-library resolver over every
// regular file in manifestPath and collects the "not found" entries.
func missingLibrariesForManifest(ctx context.Context, manifestPath string) ([]string, error) {
	lines, err := readManifestLines(manifestPath)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var missing []string
	for _, path := range lines {
		if strings.HasSuffix(path, "/") {
			continue
		}
		for _, lib := range resolveSharedLibraries(ctx, path) {
			if !seen[lib] {
				seen[lib] = true
				missing = append(missing, lib)
			}
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// resolveSharedLibraries invokes ldd on path and returns the library
// names it reports as "not found" (spec §4.7 "invoke a shared-library
// resolver and report any not found libraries"). A non-ELF or
// non-executable file yields no entries rather than an error, since most
// manifest entries are not binaries.
func resolveSharedLibraries(ctx context.Context, path string) []string {
	cmd := exec.CommandContext(ctx, "ldd", path)
	out, _ := cmd.Output()

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

// readManifestLines reads a manifest file (one path per line, directory
// entries suffixed with "/") without importing pkgdb's unexported reader.
func readManifestLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
