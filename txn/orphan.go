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
	"fmt"
	"sort"

	"github.com/kilnforge/kiln/pkgdb"
	"github.com/kilnforge/kiln/recipe"
)

// OrphanDryRun returns the installed, non-explicit packages that no other
// installed package depends on (spec §4.7, §8 scenario 6).
func (m *Manager) OrphanDryRun() ([]string, error) {
	installed, err := m.PkgDB.ListInstalled()
	if err != nil {
		return nil, err
	}

	required := map[string]bool{}
	for _, name := range installed {
		rec, err := m.Repo.Load(name, "")
		if err != nil {
			continue
		}
		for _, d := range append(append([]recipe.Dependency{}, rec.Dependencies...), rec.OptionalDependencies...) {
			markRequired(d, required)
		}
	}

	var orphans []string
	for _, name := range installed {
		installedRec, ok := m.PkgDB.Query(name)
		if !ok || installedRec.Explicit {
			continue
		}
		if required[name] {
			continue
		}
		if rec, err := m.Repo.Load(name, ""); err == nil && providesAny(rec, required) {
			continue
		}
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	return orphans, nil
}

func markRequired(d recipe.Dependency, required map[string]bool) {
	if d.Kind == recipe.Alternatives {
		for _, alt := range d.Alternatives {
			markRequired(alt, required)
		}
		return
	}
	required[d.Name] = true
}

func providesAny(rec *recipe.Recipe, required map[string]bool) bool {
	for _, p := range rec.Provides {
		if required[p] {
			return true
		}
	}
	return false
}

// RemoveOrphans removes the orphan set (or reports it, with dryRun=true).
// A per-package removal failure does not abort the rest of the sweep
// (spec §7 "orphan removal continues past individual failures, collecting
// a per-package error list").
func (m *Manager) RemoveOrphans(dryRun, force bool) (removed []string, errs []error) {
	orphans, err := m.OrphanDryRun()
	if err != nil {
		return nil, []error{err}
	}
	if dryRun {
		return orphans, nil
	}

	for _, name := range orphans {
		if _, err := m.PkgDB.Remove(name, pkgdb.RemoveOptions{Purge: force}); err != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", name, err))
			continue
		}
		if logErr := m.log.append(Event{Type: EventOrphanRemoved, Package: name}); logErr != nil {
			errs = append(errs, fmt.Errorf("orphan %s: log: %w", name, logErr))
			continue
		}
		removed = append(removed, name)
	}
	return removed, errs
}
