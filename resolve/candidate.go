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

// Package resolve is the dependency resolver (C5): a backtracking solver
// over version constraints, virtual "provides" and conflicts that turns a
// set of root requirements into a topologically ordered install plan and a
// persisted lockfile.
package resolve

import (
	"deps.dev/util/semver"

	"github.com/kilnforge/kiln/recipe"
)

// Requirement is a single edge the solver must satisfy: a name (possibly
// virtual) plus an optional version specifier.
type Requirement struct {
	Name       string
	Constraint string
	Optional   bool
}

// Candidate is one concrete recipe version the resolver can choose,
// flattened from a Recipe into the shape the search operates on (spec
// §4.5's PackageCandidate).
type Candidate struct {
	Name      string
	Version   string
	Provides  []string
	Depends   []Requirement
	Conflicts []string
	RawMeta   *recipe.Recipe
}

// ID is the candidate identity key: "name-version".
func (c *Candidate) ID() string { return c.Name + "-" + c.Version }

// FromRecipe flattens a loaded recipe into a Candidate, combining its
// required and optional dependency expressions (spec's Open Question (b):
// the loader accepts three dependency encodings, the resolver treats them
// uniformly via flattenDependency).
func FromRecipe(rec *recipe.Recipe) *Candidate {
	c := &Candidate{
		Name:      rec.Name,
		Version:   rec.Version,
		Provides:  append([]string{}, rec.Provides...),
		Conflicts: append([]string{}, rec.Conflicts...),
		RawMeta:   rec,
	}
	for _, d := range rec.Dependencies {
		c.Depends = append(c.Depends, flattenDependency(d, false)...)
	}
	for _, d := range rec.OptionalDependencies {
		c.Depends = append(c.Depends, flattenDependency(d, true)...)
	}
	return c
}

// flattenDependency turns one of the loader's three dependency encodings
// into one or more Requirements. Requirement has no OR construct, so an
// Alternatives list is expanded into one independent Requirement per
// alternative; the search is free to satisfy whichever resolves first,
// which approximates "any element satisfies the edge" without enforcing
// that choosing one alternative precludes also pulling in another.
func flattenDependency(d recipe.Dependency, optional bool) []Requirement {
	switch d.Kind {
	case recipe.Alternatives:
		var reqs []Requirement
		for _, alt := range d.Alternatives {
			reqs = append(reqs, Requirement{Name: alt.Name, Constraint: alt.Constraint, Optional: optional || alt.Optional})
		}
		return reqs
	default:
		return []Requirement{{Name: d.Name, Constraint: d.Constraint, Optional: optional || d.Optional}}
	}
}

// satisfies reports whether c can satisfy req: either c.Name equals
// req.Name (and, if req declares a constraint, c.Version matches it), or
// req.Name is among c.Provides (virtuals carry no version, so a
// constrained requirement cannot be satisfied by a bare provides edge).
func (c *Candidate) satisfies(req Requirement) bool {
	if c.Name == req.Name {
		return matchesConstraint(c.Version, req.Constraint)
	}
	if req.Constraint != "" {
		return false
	}
	for _, p := range c.Provides {
		if p == req.Name {
			return true
		}
	}
	return false
}

func matchesConstraint(version, constraint string) bool {
	if constraint == "" {
		return true
	}
	v, err := semver.PyPI.Parse(version)
	if err != nil {
		return false
	}
	c, err := semver.PyPI.ParseConstraint(constraint)
	if err != nil {
		return false
	}
	return c.MatchVersionPrerelease(v)
}

// conflictsWith reports whether a and b may not coexist: either names a
// conflict-list entry on either side, or either's provides intersects the
// other's conflicts.
func conflictsWith(a, b *Candidate) bool {
	if nameIn(b.Name, a.Conflicts) || nameIn(a.Name, b.Conflicts) {
		return true
	}
	for _, p := range a.Provides {
		if nameIn(p, b.Conflicts) {
			return true
		}
	}
	for _, p := range b.Provides {
		if nameIn(p, a.Conflicts) {
			return true
		}
	}
	return false
}

func nameIn(name string, list []string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// compareCandidates orders candidates for enumeration (spec §4.5): same-name
// matches before virtual-provides matches, higher parsable version before
// lower, ties broken lexicographically by name. reqName is the requirement
// name being matched, used to tell a same-name match from a provides match.
func compareCandidates(reqName string, a, b *Candidate) bool {
	aSame, bSame := a.Name == reqName, b.Name == reqName
	if aSame != bSame {
		return aSame
	}
	av, aErr := semver.PyPI.Parse(a.Version)
	bv, bErr := semver.PyPI.Parse(b.Version)
	if aErr == nil && bErr == nil {
		if cmp := av.Compare(bv); cmp != 0 {
			return cmp > 0
		}
	}
	return a.Name < b.Name
}
