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

package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/kilnforge/kiln/kerr"
)

// DefaultExt is the file extension recipe files carry on disk:
// "<name>.yaml" next to a sibling "patches/" directory.
const DefaultExt = "yaml"

// Repository is a recipe repository rooted at a directory of category
// subdirectories, each holding per-package directories. It memoizes loaded
// recipes for the lifetime of the process (spec §3 "Recipes are immutable
// inputs (loaded on demand, cached per process)"); call Sync to force a
// rebuild from disk.
//
// A Repository holds no package-level state, per spec §9's ban on hidden
// module globals — callers construct one rooted at whatever directory they
// need, including an isolated tmp directory in tests.
type Repository struct {
	Root string
	Ext  string

	mu    sync.Mutex
	cache map[string]*Recipe
}

// NewRepository returns a Repository rooted at root, using the default
// recipe file extension.
func NewRepository(root string) *Repository {
	return &Repository{Root: root, Ext: DefaultExt, cache: map[string]*Recipe{}}
}

// Sync forces the next Load of any package to re-read it from disk,
// discarding the process-lifetime cache. Equivalent to the CLI's implied
// cache-busting step before update/upgrade (ibuild1.0's sync module).
func (r *Repository) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[string]*Recipe{}
}

// Load finds and parses the recipe for name, optionally restricted to a
// category subdirectory, validates it, and augments it with the patch list
// discovered next to it.
func (r *Repository) Load(name, category string) (*Recipe, error) {
	r.mu.Lock()
	if rec, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return rec, nil
	}
	r.mu.Unlock()

	dir, err := r.findPkgDir(name, category)
	if err != nil {
		return nil, err
	}

	metaPath := filepath.Join(dir, name+"."+r.Ext)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, kerr.New(kerr.RecipeInvalid, name, "", err)
	}

	var rec Recipe
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, kerr.New(kerr.RecipeInvalid, name, "", err).WithReason("parse")
	}
	if err := validate(&rec); err != nil {
		return nil, err
	}

	rec.PkgDir = dir
	rec.MetaPath = metaPath
	patches, err := discoverPatches(dir)
	if err != nil {
		return nil, kerr.New(kerr.RecipeInvalid, name, "", err).WithReason("patches")
	}
	rec.Patches = patches

	r.mu.Lock()
	r.cache[rec.Name] = &rec
	r.mu.Unlock()
	return &rec, nil
}

// findPkgDir searches the repository for a directory named name: directly
// under category if given, otherwise under every category directory.
func (r *Repository) findPkgDir(name, category string) (string, error) {
	if category != "" {
		dir := filepath.Join(r.Root, category, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
		return "", kerr.Wrap(kerr.RecipeInvalid, nil, "package %q not found in category %q", name, category)
	}

	categories, err := r.ListCategories()
	if err != nil {
		return "", kerr.Wrap(kerr.RecipeInvalid, err, "listing categories")
	}
	for _, c := range categories {
		dir := filepath.Join(r.Root, c, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", kerr.Wrap(kerr.RecipeInvalid, nil, "package %q not found", name)
}

// ListCategories returns the repository's category directory names, sorted.
func (r *Repository) ListCategories() ([]string, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return nil, err
	}
	var cats []string
	for _, e := range entries {
		if e.IsDir() {
			cats = append(cats, e.Name())
		}
	}
	sort.Strings(cats)
	return cats, nil
}

// ListPackages returns the package names present directly under category,
// sorted.
func (r *Repository) ListPackages(category string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.Root, category))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Create writes a template recipe and an empty patches/ directory for a new
// package (the "meta-create" operation from spec §6, restored per
// ibuild1.0/modules/meta.py's template fields).
func (r *Repository) Create(name, category, version, maintainer, description string) error {
	if name == "" {
		return kerr.Wrap(kerr.RecipeInvalid, nil, "meta-create: name is required")
	}
	dir := filepath.Join(r.Root, category, name)
	if err := os.MkdirAll(filepath.Join(dir, "patches"), 0755); err != nil {
		return kerr.New(kerr.RecipeInvalid, name, "", err)
	}

	tmpl := fmt.Sprintf(`name: %s
version: %s
category: %s
maintainer: %s
description: %s
license: ""

source: ""

dependencies: []
optional_dependencies: []
provides: []
conflicts: []

build:
  - "./configure --prefix=/usr"
  - "make"
check: []
install:
  - "make install"
`, name, version, category, maintainer, description)

	metaPath := filepath.Join(dir, name+"."+r.Ext)
	if err := os.WriteFile(metaPath, []byte(tmpl), 0644); err != nil {
		return kerr.New(kerr.RecipeInvalid, name, "", err)
	}
	return nil
}

// validate enforces spec §4.1's required-field and source-shape rules.
func validate(rec *Recipe) error {
	if strings.TrimSpace(rec.Name) == "" {
		return kerr.Wrap(kerr.RecipeInvalid, nil, "recipe missing required field: name")
	}
	if strings.TrimSpace(rec.Version) == "" {
		return kerr.Wrap(kerr.RecipeInvalid, nil, "recipe %q missing required field: version", rec.Name).WithReason("version")
	}
	for _, s := range rec.Source.Each() {
		switch s.Kind {
		case SourceURL:
			if s.URL == "" {
				return kerr.Wrap(kerr.RecipeInvalid, nil, "recipe %q has a source entry with an empty url", rec.Name)
			}
		case SourceVCS:
			if s.VCSURL == "" {
				return kerr.Wrap(kerr.RecipeInvalid, nil, "recipe %q has a vcs source entry with an empty vcs_url", rec.Name)
			}
		default:
			return kerr.Wrap(kerr.RecipeInvalid, nil, "recipe %q has an invalid source entry", rec.Name)
		}
	}
	return nil
}

// discoverPatches returns the *.patch files in dir/patches, sorted
// lexicographically, as absolute paths.
func discoverPatches(dir string) ([]string, error) {
	patchDir := filepath.Join(dir, "patches")
	entries, err := os.ReadDir(patchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var patches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".patch") {
			patches = append(patches, filepath.Join(patchDir, e.Name()))
		}
	}
	sort.Strings(patches)
	return patches, nil
}
