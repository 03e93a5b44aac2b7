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
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/resolve"
	"github.com/kilnforge/kiln/tasker"
	"github.com/kilnforge/kiln/toolchain"
)

// Options configures BootstrapSystem.
type Options struct {
	RootfsDest     string
	BasePackages   []string
	ToolchainSet   toolchain.RebuildOptions
	Jobs           int
	Sandboxed      bool
	Simulate       bool
	NormalizeTimes bool
}

// Result reports what BootstrapSystem produced.
type Result struct {
	BuiltBase    []string
	Manifest     []ManifestEntry
	SmokeTests   []SmokeTestResult
	SnapshotID   string
	ToolchainLog *toolchain.RebuildResult
}

// BootstrapSystem runs the full flow spec §4.9 describes: rebuild the
// toolchain, resolve and build the base-package set, install everything
// into a fresh rootfs, validate it, and snapshot it.
func (m *Manager) BootstrapSystem(ctx context.Context, opts Options) (*Result, error) {
	m.emit("build.start", map[string]any{"phase": "toolchain"})
	tcResult, err := m.Toolchain.RebuildToolchain(ctx, m.Builder, m.PkgDB, opts.ToolchainSet)
	if err != nil {
		m.emit("build.error", map[string]any{"phase": "toolchain", "error": err.Error()})
		return nil, kerr.Wrap(kerr.BuildFailed, err, "bootstrap: toolchain rebuild failed")
	}
	m.emit("build.done", map[string]any{"phase": "toolchain"})

	order, resolveIssues := m.resolveBaseOrder(ctx, opts.BasePackages)
	if len(resolveIssues) > 0 {
		clog.Warningf(ctx, "bootstrap: base-package resolve failed (%v), falling back to declared order", resolveIssues)
	}

	if opts.Simulate {
		return &Result{ToolchainLog: tcResult, BuiltBase: order}, nil
	}

	built, err := m.buildBasePackages(ctx, order, opts.Jobs)
	if err != nil {
		return nil, err
	}

	m.emit("rootfs.create.start", map[string]any{"dest": opts.RootfsDest})
	if err := createRootfs(opts.RootfsDest); err != nil {
		return nil, err
	}
	for _, b := range built {
		if err := m.installIntoRootfs(ctx, opts.RootfsDest, b.name, b.version, b.artifact); err != nil {
			return nil, kerr.New(kerr.InstallFailed, b.name, "bootstrap_system", err)
		}
	}
	m.emit("rootfs.create.done", map[string]any{"dest": opts.RootfsDest})

	manifest, err := GenerateManifest(opts.RootfsDest, opts.NormalizeTimes)
	if err != nil {
		return nil, kerr.New(kerr.InstallFailed, "", "bootstrap_system", err)
	}

	idx, err := m.Resolver.Index(ctx, false)
	if err != nil {
		return nil, err
	}
	smoke, err := m.ValidateRootfs(ctx, opts.RootfsDest, idx)
	if err != nil {
		return nil, err
	}

	id, err := m.SnapshotRootfs(opts.RootfsDest, manifest)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(built))
	for i, b := range built {
		names[i] = b.name
	}
	return &Result{
		BuiltBase:    names,
		Manifest:     manifest,
		SmokeTests:   smoke,
		SnapshotID:   id,
		ToolchainLog: tcResult,
	}, nil
}

// resolveBaseOrder resolves the declared base-package set via C5 and
// returns the package names in install order, falling back to the
// declared order on failure (spec §4.9 step 2).
func (m *Manager) resolveBaseOrder(ctx context.Context, names []string) ([]string, []string) {
	roots := make([]resolve.Requirement, len(names))
	for i, n := range names {
		roots[i] = resolve.Requirement{Name: n}
	}
	result, err := m.Resolver.Resolve(ctx, roots, resolve.Options{})
	if err != nil || !result.OK {
		issues := []string{}
		if result != nil {
			issues = result.Issues
		}
		if err != nil {
			issues = append(issues, err.Error())
		}
		return names, issues
	}
	// result.Order lists candidate IDs; map each back to its package name.
	order := make([]string, 0, len(result.Order))
	for _, id := range result.Order {
		for _, c := range result.Chosen {
			if c.ID() == id {
				order = append(order, c.Name)
				break
			}
		}
	}
	return order, nil
}

type builtArtifact struct {
	name, version, artifact string
}

// alreadyBuiltArtifact resolves the artifact a prior, checkpointed run
// already produced for name, so a resumed bootstrap still installs it
// into the new rootfs instead of silently dropping it (spec §4.9 step 3).
func (m *Manager) alreadyBuiltArtifact(name string) (builtArtifact, error) {
	rec, err := m.Repo.Load(name, "")
	if err != nil {
		return builtArtifact{}, kerr.New(kerr.BuildFailed, name, "bootstrap_resume", err)
	}
	artifactPath := m.Builder.ArtifactPath(name, rec.Version)
	if _, err := os.Stat(artifactPath); err != nil {
		return builtArtifact{}, kerr.New(kerr.BuildFailed, name, "bootstrap_resume", err).WithReason("checkpointed but artifact missing")
	}
	return builtArtifact{name: name, version: rec.Version, artifact: artifactPath}, nil
}

// buildBasePackages builds the base-package set with a bounded worker
// pool, dispatching independent builds in parallel, writing a checkpoint
// per successful package, and skipping already-checkpointed ones on
// restart (spec §4.9 step 3).
func (m *Manager) buildBasePackages(ctx context.Context, order []string, jobs int) ([]builtArtifact, error) {
	checkpoint, err := loadCheckpoint(m.CheckpointPath)
	if err != nil {
		return nil, err
	}

	pool := tasker.New(jobs)
	var mu sync.Mutex
	var results []builtArtifact
	var firstErr error

	for _, name := range order {
		name := name
		if checkpoint.isDone(name) {
			artifact, err := m.alreadyBuiltArtifact(name)
			if err != nil {
				return nil, err
			}
			results = append(results, artifact)
			continue
		}
		pool.Enqueue(ctx, name, func() {
			m.emit("build.start", map[string]any{"package": name})
			artifactPath, rec, err := m.Builder.Build(ctx, name, build.Options{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("bootstrap build of %q: %w", name, err)
				}
				m.emit("build.error", map[string]any{"package": name, "error": err.Error()})
				return
			}
			if err := checkpoint.markDone(name); err != nil && firstErr == nil {
				firstErr = err
			}
			results = append(results, builtArtifact{name: name, version: rec.Version, artifact: artifactPath})
			m.emit("build.done", map[string]any{"package": name})
		})
	}
	pool.Close()

	if firstErr != nil {
		return nil, kerr.Wrap(kerr.BuildFailed, firstErr, "bootstrap: base-package build failed")
	}
	return results, nil
}
