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
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/pkgdb"
	"github.com/kilnforge/kiln/resolve"
)

// UpgradeOptions configures Upgrade.
type UpgradeOptions struct {
	// IncludeOptional pulls optional dependencies into the resolve.
	IncludeOptional bool
	// Commit installs the built artifacts into the real root. Without it,
	// Upgrade resolves, builds and sandbox-validates but changes nothing.
	Commit bool
	// DestRoot is the real installation root used when Commit is set.
	DestRoot string
	// KeepSandbox retains the validation sandbox for inspection.
	KeepSandbox bool
	// Jobs is passed to each package's build as its parallel job count
	// (values below 1 mean 1); the packages are built one after another.
	Jobs int
}

// UpgradeResult reports what Upgrade resolved, built and (if committed)
// installed.
type UpgradeResult struct {
	Order     []string
	Installed []string
}

// Upgrade runs the composed upgrade path spec §4.7 describes: "resolve
// dependencies, build each package in order, install all artifacts into a
// sandbox for validation, and — only if the caller commits — install them
// into the real root via C6 with upgrade=true. On commit failure the
// operation must attempt to remove any package partially applied in the
// same transaction."
func (m *Manager) Upgrade(ctx context.Context, names []string, opts UpgradeOptions) (*UpgradeResult, error) {
	roots := make([]resolve.Requirement, 0, len(names))
	for _, n := range names {
		roots = append(roots, resolve.Requirement{Name: n})
	}
	result, err := m.Resolver.Resolve(ctx, roots, resolve.Options{AllowOptional: opts.IncludeOptional})
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, kerr.Wrap(kerr.ResolveFailed, nil, "upgrade resolve failed: %s", strings.Join(result.Issues, "; "))
	}
	// result.Order lists candidate IDs; build and install by package name.
	order := make([]string, 0, len(result.Order))
	for _, id := range result.Order {
		for _, c := range result.Chosen {
			if c.ID() == id {
				order = append(order, c.Name)
				break
			}
		}
	}
	result.Order = order

	artifacts := map[string]string{}
	recipes := map[string]string{}
	for _, name := range result.Order {
		artifactPath, rec, err := m.Builder.Build(ctx, name, build.Options{Jobs: opts.Jobs})
		if err != nil {
			return nil, kerr.Wrap(kerr.BuildFailed, err, "upgrade build of %q failed", name)
		}
		artifacts[name] = artifactPath
		recipes[name] = rec.Version
	}

	sbName := fmt.Sprintf("upgrade-validate-%d", len(result.Order))
	sb, err := m.Sandboxes.Create(ctx, sbName, nil, opts.KeepSandbox)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !opts.KeepSandbox {
			m.Sandboxes.Destroy(sbName, false)
		}
	}()

	checkDB, err := pkgdb.Open(filepath.Join(sb.TmpDir(), "validate-db"))
	if err != nil {
		return nil, err
	}
	defer checkDB.Close()

	for _, name := range result.Order {
		if err := checkDB.Install(artifacts[name], name, recipes[name], pkgdb.InstallOptions{DestRoot: sb.InstallDir()}); err != nil {
			return nil, kerr.Wrap(kerr.CheckFailed, err, "upgrade validation of %q failed", name)
		}
	}

	res := &UpgradeResult{Order: result.Order}
	if !opts.Commit {
		clog.Infof(ctx, "txn: upgrade of %s validated (commit=false, no changes applied)", strings.Join(names, ","))
		return res, nil
	}

	if _, err := m.SnapshotBefore(result.Order, "upgrade", nil); err != nil {
		return nil, err
	}

	var applied []string
	explicit := map[string]bool{}
	for _, n := range names {
		explicit[n] = true
	}
	for _, name := range result.Order {
		if err := m.PkgDB.Install(artifacts[name], name, recipes[name], pkgdb.InstallOptions{
			DestRoot: opts.DestRoot, Upgrade: true, Explicit: explicit[name],
		}); err != nil {
			m.bestEffortUndo(applied)
			return nil, kerr.Wrap(kerr.InstallFailed, err, "upgrade commit of %q failed, rolled back %d applied package(s)", name, len(applied))
		}
		applied = append(applied, name)
	}

	if err := m.log.append(Event{Type: EventUpgradeOp, Detail: strings.Join(result.Order, ",")}); err != nil {
		return nil, err
	}
	res.Installed = applied
	return res, nil
}

// RevdepFixOptions configures RevdepFix.
type RevdepFixOptions struct {
	Fix      bool
	DryRun   bool
	Jobs     int
	CheckLdd bool
}

// RevdepFix schedules a rebuild-and-reinstall via the upgrade path for
// every package RevdepCheck flags (spec §4.7 "for each affected package,
// schedule a rebuild-and-reinstall via the upgrade path").
func (m *Manager) RevdepFix(ctx context.Context, opts RevdepFixOptions) ([]string, error) {
	reports, err := m.RevdepCheck(ctx, opts.CheckLdd)
	if err != nil {
		return nil, err
	}
	affected := make([]string, 0, len(reports))
	for _, r := range reports {
		affected = append(affected, r.Name)
	}
	if opts.DryRun || !opts.Fix || len(affected) == 0 {
		return affected, nil
	}

	res, err := m.Upgrade(ctx, affected, UpgradeOptions{Commit: true, Jobs: opts.Jobs})
	if err != nil {
		return affected, err
	}
	if err := m.log.append(Event{Type: EventRevdepFix, Detail: strings.Join(res.Installed, ",")}); err != nil {
		return affected, err
	}
	return affected, nil
}
