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

// Package build is the build orchestrator (C4): it drives a recipe through
// the staged fetch/extract/patch/build/check/install/package pipeline
// inside a sandbox, running phase hooks around every stage and producing a
// content-addressed artifact plus an artifact record.
package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/recipe"
	"github.com/kilnforge/kiln/sandbox"
	"github.com/kilnforge/kiln/source"
)

// Stage names, in pipeline order (spec §4.4).
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StagePatch   = "patch"
	StageBuild   = "build"
	StageCheck   = "check"
	StageInstall = "install"
	StagePackage = "package"
)

// stageOrder is the fixed execution order; Options.Stages, when non-nil,
// restricts execution to this set.
var stageOrder = []string{StageFetch, StageExtract, StagePatch, StageBuild, StageCheck, StageInstall, StagePackage}

// Options configures one Build invocation.
type Options struct {
	Category        string
	ResolveDeps     bool
	IncludeOptional bool
	Jobs            int
	KeepSandbox     bool
	// Stages restricts execution to this set of stage names, in pipeline
	// order, when non-nil. A nil Stages runs the full pipeline.
	Stages []string
	ForceFetch bool
}

// Resolver is the subset of the dependency resolver's surface the
// orchestrator needs for the informational resolve_deps flag — narrow on
// purpose so build does not import resolve's full package (avoiding an
// import cycle is not the concern; keeping the dependency explicit is).
type Resolver interface {
	ResolveNames(ctx context.Context, names []string, includeOptional bool) ([]string, error)
}

// ArtifactRecord is written alongside a built artifact (spec §4.4 stage 7):
// "a record {name, version, artifact, sha256, built_at, meta_source} is
// written to the package database area". It is distinct from pkgdb's
// InstalledRecord, which only exists once a package is actually installed.
type ArtifactRecord struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Artifact   string    `json:"artifact"`
	SHA256     string    `json:"sha256"`
	BuiltAt    time.Time `json:"built_at"`
	MetaSource string    `json:"meta_source"`
}

// Orchestrator drives the build pipeline. It holds no package-level state
// (spec §9); callers construct one per configuration, rooted at whatever
// directories a test needs.
type Orchestrator struct {
	Repository *recipe.Repository
	Acquirer   *source.Acquirer
	Sandboxes  *sandbox.Manager

	// CacheDir is the artifact cache root; packages are written to
	// CacheDir/packages and records to the same directory.
	CacheDir string
	// SourceCacheDir is the per-package source cache root passed to the
	// acquirer for the fetch stage.
	SourceCacheDir string

	Resolver Resolver
}

// New returns an Orchestrator wired to repo/acquirer/sandboxes, rooted at
// cacheDir for artifacts and sourceCacheDir for fetched sources.
func New(repo *recipe.Repository, acq *source.Acquirer, sbx *sandbox.Manager, cacheDir, sourceCacheDir string) *Orchestrator {
	return &Orchestrator{Repository: repo, Acquirer: acq, Sandboxes: sbx, CacheDir: cacheDir, SourceCacheDir: sourceCacheDir}
}

func (o *Orchestrator) packagesDir() string { return filepath.Join(o.CacheDir, "packages") }

// ArtifactPath returns the expected on-disk path of name-version's
// archive, without requiring it to already exist.
func (o *Orchestrator) ArtifactPath(name, version string) string {
	return filepath.Join(o.packagesDir(), fmt.Sprintf("%s-%s.tar.gz", name, version))
}

type stageSet map[string]bool

func newStageSet(stages []string) stageSet {
	if stages == nil {
		s := stageSet{}
		for _, name := range stageOrder {
			s[name] = true
		}
		return s
	}
	s := stageSet{}
	for _, name := range stages {
		s[name] = true
	}
	return s
}

// Build executes the staged pipeline for name and returns the artifact
// path and the loaded recipe. Build does not install anything — the
// artifact is only packaged (spec §8 scenario 1).
func (o *Orchestrator) Build(ctx context.Context, name string, opts Options) (string, *recipe.Recipe, error) {
	rec, err := o.Repository.Load(name, opts.Category)
	if err != nil {
		return "", nil, err
	}
	ctx = clog.WithLabels(ctx, map[string]string{"package": rec.Name, "version": rec.Version})

	if opts.ResolveDeps && o.Resolver != nil {
		order, err := o.Resolver.ResolveNames(ctx, []string{rec.Name}, opts.IncludeOptional)
		if err != nil {
			return "", nil, err
		}
		clog.Infof(ctx, "build: resolved dependency order %v (informational for this build call)", order)
	}

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	stages := newStageSet(opts.Stages)

	sbName := "build-" + rec.ID()
	sb, err := o.Sandboxes.Create(ctx, sbName, nil, opts.KeepSandbox)
	if err != nil {
		return "", nil, kerr.New(kerr.BuildFailed, rec.Name, StageBuild, err)
	}

	artifactPath, err := o.runPipeline(ctx, sb, rec, stages, jobs, opts.ForceFetch)
	if err != nil {
		if destroyErr := o.Sandboxes.Destroy(sbName, false); destroyErr != nil {
			clog.Warningf(ctx, "build: sandbox cleanup after failure: %v", destroyErr)
		}
		return "", nil, err
	}

	if !opts.KeepSandbox {
		if err := o.Sandboxes.Destroy(sbName, false); err != nil {
			clog.Warningf(ctx, "build: sandbox cleanup: %v", err)
		}
	}
	return artifactPath, rec, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, sb *sandbox.Sandbox, rec *recipe.Recipe, stages stageSet, jobs int, forceFetch bool) (string, error) {
	env := []string{fmt.Sprintf("MAKEFLAGS=-j%d", jobs), fmt.Sprintf("JOBS=%d", jobs)}
	var sourceTree string

	if stages[StageFetch] {
		if err := o.runHooks(ctx, sb, rec, recipe.PreFetch, env); err != nil {
			return "", err
		}
		if forceFetch {
			for _, s := range rec.Source.Each() {
				if s.URL != "" {
					os.Remove(filepath.Join(o.Acquirer.CacheDir, filepath.Base(s.URL)))
				}
			}
		}
		if err := o.runHooks(ctx, sb, rec, recipe.PostFetch, env); err != nil {
			return "", err
		}
	}

	if stages[StageExtract] {
		if err := o.runHooks(ctx, sb, rec, recipe.PreExtract, env); err != nil {
			return "", err
		}
		tree, err := o.Acquirer.Acquire(ctx, rec.Source, sb.BuildDir())
		if err != nil {
			return "", err
		}
		sourceTree = tree
		if err := o.runHooks(ctx, sb, rec, recipe.PostExtract, env); err != nil {
			return "", err
		}
	}
	if sourceTree == "" {
		sourceTree = sb.BuildDir()
	}

	if stages[StagePatch] {
		if err := o.runHooks(ctx, sb, rec, recipe.PrePatch, env); err != nil {
			return "", err
		}
		for _, patch := range rec.Patches {
			cmd := fmt.Sprintf("patch -p1 < %s", shellQuote(patch))
			res, err := o.Sandboxes.Run(ctx, sb, cmd, sourceTree, env, StagePatch)
			if err != nil || res.RC != 0 {
				return "", kerr.New(kerr.PatchFailed, rec.Name, StagePatch, err).WithStderr(res.Stderr)
			}
		}
		if err := o.runHooks(ctx, sb, rec, recipe.PostPatch, env); err != nil {
			return "", err
		}
	}

	if stages[StageBuild] {
		if err := o.runHooks(ctx, sb, rec, recipe.PreBuild, env); err != nil {
			return "", err
		}
		for _, step := range rec.Build {
			res, err := o.Sandboxes.Run(ctx, sb, step, sourceTree, env, StageBuild)
			if err != nil || res.RC != 0 {
				return "", kerr.New(kerr.BuildFailed, rec.Name, StageBuild, err).WithStderr(res.Stderr)
			}
		}
		if err := o.runHooks(ctx, sb, rec, recipe.PostBuild, env); err != nil {
			return "", err
		}
	}

	if stages[StageCheck] {
		if err := o.runHooks(ctx, sb, rec, recipe.PreCheck, env); err != nil {
			return "", err
		}
		for _, step := range rec.Check {
			res, err := o.Sandboxes.Run(ctx, sb, step, sourceTree, env, StageCheck)
			if err != nil || res.RC != 0 {
				// Open Question (a), pinned fatal per SPEC_FULL.md/spec.md §9.
				return "", kerr.New(kerr.CheckFailed, rec.Name, StageCheck, err).WithStderr(res.Stderr)
			}
		}
		if err := o.runHooks(ctx, sb, rec, recipe.PostCheck, env); err != nil {
			return "", err
		}
	}

	if stages[StageInstall] {
		if err := o.runHooks(ctx, sb, rec, recipe.PreInstall, env); err != nil {
			return "", err
		}
		for _, step := range rec.Install {
			res, err := o.Sandboxes.Run(ctx, sb, step, sourceTree, env, StageInstall)
			if err != nil || res.RC != 0 {
				return "", kerr.New(kerr.InstallFailed, rec.Name, StageInstall, err).WithStderr(res.Stderr)
			}
		}
		if err := o.runHooks(ctx, sb, rec, recipe.PostInstall, env); err != nil {
			return "", err
		}
	}

	var artifactPath string
	if stages[StagePackage] {
		if err := o.runHooks(ctx, sb, rec, recipe.PrePackage, env); err != nil {
			return "", err
		}
		path, err := o.packageArtifact(ctx, sb, rec)
		if err != nil {
			return "", err
		}
		artifactPath = path
		if err := o.runHooks(ctx, sb, rec, recipe.PostPackage, env); err != nil {
			return "", err
		}
	}
	return artifactPath, nil
}

// runHooks executes every step registered for phase, in recipe order,
// inside the same sandbox with the same stage environment.
func (o *Orchestrator) runHooks(ctx context.Context, sb *sandbox.Sandbox, rec *recipe.Recipe, phase recipe.Phase, env []string) error {
	steps := rec.Hooks[phase]
	for _, step := range steps {
		res, err := o.Sandboxes.Run(ctx, sb, step, "", env, string(phase))
		if err != nil || res.RC != 0 {
			return kerr.New(kerr.BuildFailed, rec.Name, string(phase), err).WithStderr(res.Stderr)
		}
	}
	return nil
}

// packageArtifact archives install/ to <cache>/packages/<name>-<version>.tar.gz,
// computes its SHA-256, and writes the ArtifactRecord (spec §4.4 stage 7).
func (o *Orchestrator) packageArtifact(ctx context.Context, sb *sandbox.Sandbox, rec *recipe.Recipe) (string, error) {
	if err := os.MkdirAll(o.packagesDir(), 0755); err != nil {
		return "", kerr.New(kerr.InstallFailed, rec.Name, StagePackage, err)
	}
	finalPath := o.ArtifactPath(rec.Name, rec.Version)
	tmpPath := finalPath + ".tmp"

	if err := tarGzDir(sb.InstallDir(), tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", kerr.New(kerr.InstallFailed, rec.Name, StagePackage, err)
	}
	sum, err := sha256File(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", kerr.New(kerr.InstallFailed, rec.Name, StagePackage, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", kerr.New(kerr.InstallFailed, rec.Name, StagePackage, err)
	}

	record := ArtifactRecord{
		Name:       rec.Name,
		Version:    rec.Version,
		Artifact:   finalPath,
		SHA256:     sum,
		BuiltAt:    time.Now(),
		MetaSource: rec.MetaPath,
	}
	recordPath := filepath.Join(o.packagesDir(), rec.Name+".artifact.json")
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", kerr.New(kerr.InstallFailed, rec.Name, StagePackage, err)
	}
	if err := os.WriteFile(recordPath, data, 0644); err != nil {
		return "", kerr.New(kerr.InstallFailed, rec.Name, StagePackage, err)
	}

	clog.Infof(ctx, "build: packaged %s -> %s (sha256=%s)", rec.ID(), finalPath, sum)
	return finalPath, nil
}

func tarGzDir(root, dst string) error {
	f, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Linkname = link
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = io.Copy(tw, in)
			return err
		}
		return nil
	})
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
