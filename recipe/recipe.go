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

// Package recipe loads and validates per-package recipes: the declarative
// input describing a package's source, dependency expressions and
// build/check/install steps.
package recipe

// Phase names a build-pipeline hook point. Hooks fire before/after each
// build stage in recipe order.
type Phase string

const (
	PreFetch    Phase = "pre_fetch"
	PostFetch   Phase = "post_fetch"
	PreExtract  Phase = "pre_extract"
	PostExtract Phase = "post_extract"
	PrePatch    Phase = "pre_patch"
	PostPatch   Phase = "post_patch"
	PreBuild    Phase = "pre_build"
	PostBuild   Phase = "post_build"
	PreCheck    Phase = "pre_check"
	PostCheck   Phase = "post_check"
	PreInstall  Phase = "pre_install"
	PostInstall Phase = "post_install"
	PrePackage  Phase = "pre_package"
	PostPackage Phase = "post_package"
)

// Recipe is a single package's declarative build description, as loaded
// from a recipe file and augmented with what the loader discovers on disk.
type Recipe struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Category    string `yaml:"category,omitempty"`
	Description string `yaml:"description,omitempty"`
	Maintainer  string `yaml:"maintainer,omitempty"`
	License     string `yaml:"license,omitempty"`

	Source Source `yaml:"source"`

	Dependencies         []Dependency `yaml:"dependencies,omitempty"`
	OptionalDependencies []Dependency `yaml:"optional_dependencies,omitempty"`

	Provides  []string `yaml:"provides,omitempty"`
	Conflicts []string `yaml:"conflicts,omitempty"`

	Build   []string          `yaml:"build,omitempty"`
	Check   []string          `yaml:"check,omitempty"`
	Install []string          `yaml:"install,omitempty"`
	Hooks   map[Phase][]string `yaml:"hooks,omitempty"`

	// Augmented on load; never present in the on-disk recipe file itself.
	PkgDir   string   `yaml:"-"`
	MetaPath string   `yaml:"-"`
	Patches  []string `yaml:"-"`
}

// ID is the candidate identity key used throughout the resolver:
// "name-version".
func (r *Recipe) ID() string {
	return r.Name + "-" + r.Version
}
