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
	"sort"

	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/pkgdb"
)

// canonicalOrder is the fixed rebuild order spec §4.8 requires: "headers
// -> linker -> bootstrap compiler -> libc -> final compiler -> libtool".
var canonicalOrder = []string{"headers", "linker", "bootstrap-compiler", "libc", "final-compiler", "libtool"}

// RebuildOptions configures RebuildToolchain.
type RebuildOptions struct {
	// Updates maps a canonical role (one of canonicalOrder, or any other
	// name C5 assigns when it overrides the order) to the recipe name to
	// build for that role.
	Updates map[string]string
	// Order overrides canonicalOrder when the caller's resolver produced
	// a dependency-respecting order (spec §4.8 "allowing C5 to override
	// the order when available").
	Order     []string
	Jobs      int
	Sandboxed bool
	Profile   string
	Target    string
	DestRoot  string
}

// RebuildResult reports what RebuildToolchain built and registered.
type RebuildResult struct {
	Built  []string
	Report *Report
}

// RebuildToolchain rebuilds every updated package in canonical order (or
// Order, when C5 supplies one), registers each installed version, and
// runs the full validation suite; on any failure it restores the
// snapshot taken before the rebuild began (spec §4.8 rebuild_toolchain).
func (m *Manager) RebuildToolchain(ctx context.Context, builder *build.Orchestrator, pdb *pkgdb.DB, opts RebuildOptions) (*RebuildResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	order := opts.Order
	if order == nil {
		order = canonicalOrder
	}

	var built []string
	var registered [][2]string // role, version; applied only after validation passes
	for _, role := range order {
		name, ok := opts.Updates[role]
		if !ok {
			continue
		}
		artifactPath, rec, buildErr := builder.Build(ctx, name, build.Options{Jobs: opts.Jobs})
		if buildErr != nil {
			clog.Warningf(ctx, "toolchain: rebuild of %s (%s) failed, restoring snapshot: %v", name, role, buildErr)
			m.restore(snap)
			return nil, kerr.New(kerr.BuildFailed, name, "rebuild_toolchain", buildErr)
		}
		if err := pdb.Install(artifactPath, name, rec.Version, pkgdb.InstallOptions{DestRoot: opts.DestRoot, Upgrade: true}); err != nil {
			clog.Warningf(ctx, "toolchain: install of %s (%s) failed, restoring snapshot: %v", name, role, err)
			m.restore(snap)
			return nil, kerr.New(kerr.InstallFailed, name, "rebuild_toolchain", err)
		}
		registered = append(registered, [2]string{role, rec.Version})
		built = append(built, name)
	}

	report, err := m.Validate(ctx, false)
	if err != nil || !report.OK {
		clog.Warningf(ctx, "toolchain: post-rebuild validation failed, restoring snapshot: %v", err)
		m.restore(snap)
		return nil, kerr.New(kerr.ToolchainValidationFailed, "", "rebuild_toolchain", err).WithReason("validation suite reported a failed probe")
	}

	for _, r := range registered {
		registerVersion(snap.state, r[0], r[1])
	}
	m.appendHistory(snap.state, "rebuild_toolchain", opts.Profile)
	if err := saveState(m.StatePath, snap.state); err != nil {
		return nil, err
	}
	return &RebuildResult{Built: built, Report: report}, nil
}

func registerVersion(s *State, role, version string) {
	switch role {
	case "bootstrap-compiler", "final-compiler":
		if !contains(s.GCCVersions, version) {
			s.GCCVersions = append(s.GCCVersions, version)
			sort.Strings(s.GCCVersions)
		}
	case "headers":
		if !contains(s.KernelVersions, version) {
			s.KernelVersions = append(s.KernelVersions, version)
			sort.Strings(s.KernelVersions)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
