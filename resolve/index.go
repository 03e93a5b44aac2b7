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

package resolve

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/google/renameio"

	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/recipe"
)

// Index is the repository index (spec §4.5): every candidate the resolver
// can choose from, plus the reverse map from virtual/library name to the
// package names that provide it.
type Index struct {
	CandidatesByName map[string][]*Candidate `json:"-"`
	ProvidesIndex    map[string][]string     `json:"provides_index"`

	// Recipes is the persisted form: CandidatesByName is rebuilt from it on
	// load, since a *recipe.Recipe round-trips through JSON cleanly while
	// *Candidate carries derived fields best recomputed.
	Recipes []*recipe.Recipe `json:"recipes"`
}

func newIndex() *Index {
	return &Index{CandidatesByName: map[string][]*Candidate{}, ProvidesIndex: map[string][]string{}}
}

// buildIndex scans every category and package in repo and flattens each
// loaded recipe into a Candidate.
func buildIndex(repo *recipe.Repository) (*Index, error) {
	idx := newIndex()
	categories, err := repo.ListCategories()
	if err != nil {
		return nil, kerr.New(kerr.ResolveFailed, "", "", err)
	}
	for _, cat := range categories {
		names, err := repo.ListPackages(cat)
		if err != nil {
			return nil, kerr.New(kerr.ResolveFailed, "", "", err)
		}
		for _, name := range names {
			rec, err := repo.Load(name, cat)
			if err != nil {
				return nil, err
			}
			idx.add(rec)
		}
	}
	return idx, nil
}

func (idx *Index) add(rec *recipe.Recipe) {
	c := FromRecipe(rec)
	idx.CandidatesByName[c.Name] = append(idx.CandidatesByName[c.Name], c)
	idx.Recipes = append(idx.Recipes, rec)
	for _, p := range c.Provides {
		idx.ProvidesIndex[p] = appendUnique(idx.ProvidesIndex[p], c.Name)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// candidatesFor enumerates and orders the candidates that can satisfy req:
// the union of same-name and provides matches, filtered by satisfies and
// ordered by compareCandidates.
func (idx *Index) candidatesFor(req Requirement) []*Candidate {
	seen := map[string]bool{}
	var out []*Candidate
	for _, c := range idx.CandidatesByName[req.Name] {
		if c.satisfies(req) && !seen[c.ID()] {
			seen[c.ID()] = true
			out = append(out, c)
		}
	}
	for _, providerName := range idx.ProvidesIndex[req.Name] {
		for _, c := range idx.CandidatesByName[providerName] {
			if c.satisfies(req) && !seen[c.ID()] {
				seen[c.ID()] = true
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return compareCandidates(req.Name, out[i], out[j]) })
	return out
}

// persistedIndex is the on-disk JSON shape written to the index file.
type persistedIndex struct {
	ProvidesIndex map[string][]string `json:"provides_index"`
	Recipes       []*recipe.Recipe    `json:"recipes"`
}

// loadIndex reads a previously persisted index from path.
func loadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p persistedIndex
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	idx := newIndex()
	idx.ProvidesIndex = p.ProvidesIndex
	for _, rec := range p.Recipes {
		idx.add(rec)
	}
	return idx, nil
}

// save writes idx to path with a write-then-rename (spec §6 persisted
// paths; §9 "write-then-rename" discipline for shared files), via
// renameio for the same atomic-replace semantics the build tooling in the
// pack uses for config/meta writes.
func (idx *Index) save(path string) error {
	p := persistedIndex{ProvidesIndex: idx.ProvidesIndex, Recipes: idx.Recipes}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}
