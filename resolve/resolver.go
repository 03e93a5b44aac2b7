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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/recipe"
)

// DefaultMaxSteps and DefaultTimeout bound a search that declares neither
// explicitly.
const (
	DefaultMaxSteps = 100000
	DefaultTimeout  = 30 * time.Second
)

// Options configures a single Resolve call.
type Options struct {
	AllowOptional bool
	PreferLocked  bool
	Timeout       time.Duration
	MaxSteps      int
}

// Result is the outcome of a resolution (spec §4.5's ResolveResult).
type Result struct {
	OK     bool
	Chosen map[string]*Candidate
	Order  []string
	Issues []string
}

// Resolver resolves root requirements against a recipe repository. It
// holds no package-level state (spec §9); callers construct one rooted at
// whatever index/lockfile paths a test needs.
type Resolver struct {
	Repo         *recipe.Repository
	IndexPath    string
	LockfilePath string

	mu  sync.Mutex
	idx *Index
}

// New returns a Resolver over repo, persisting its index and lockfile at
// the given paths.
func New(repo *recipe.Repository, indexPath, lockfilePath string) *Resolver {
	return &Resolver{Repo: repo, IndexPath: indexPath, LockfilePath: lockfilePath}
}

// Index returns the repository index, building and persisting it if
// missing or if refresh is requested.
func (r *Resolver) Index(ctx context.Context, refresh bool) (*Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !refresh && r.idx != nil {
		return r.idx, nil
	}
	if !refresh {
		if idx, err := loadIndex(r.IndexPath); err == nil {
			r.idx = idx
			return idx, nil
		}
	}

	idx, err := buildIndex(r.Repo)
	if err != nil {
		return nil, err
	}
	if r.IndexPath != "" {
		if err := idx.save(r.IndexPath); err != nil {
			clog.Warningf(ctx, "resolve: failed to persist index: %v", err)
		}
	}
	r.idx = idx
	return idx, nil
}

// Resolve runs the backtracking search for roots and returns the chosen
// set, install order and any issues (spec §4.5).
func (r *Resolver) Resolve(ctx context.Context, roots []Requirement, opts Options) (*Result, error) {
	idx, err := r.Index(ctx, false)
	if err != nil {
		return nil, err
	}

	if opts.PreferLocked && r.LockfilePath != "" {
		if lf, err := loadLockfile(r.LockfilePath); err == nil {
			if entry, ok := lf[rootKey(roots)]; ok {
				if chosen, ok := idx.chosenFrom(entry); ok {
					if result := verify(chosen); result.OK {
						order, issues := topoOrder(chosen)
						result.Order = order
						result.Issues = append(result.Issues, issues...)
						clog.Debugf(ctx, "resolve: lockfile hit for %v", roots)
						return result, nil
					}
				}
			}
		}
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	active := make([]Requirement, len(roots))
	for i, req := range roots {
		req.Optional = req.Optional && opts.AllowOptional
		active[i] = req
	}
	if !opts.AllowOptional {
		var filtered []Requirement
		for _, req := range active {
			if req.Optional {
				continue
			}
			filtered = append(filtered, req)
		}
		active = filtered
	}

	s := &searcher{idx: idx, memo: map[string]bool{}, maxSteps: maxSteps, deadline: time.Now().Add(timeout)}
	state, ok, err := s.run(ctx, searchState{chosen: map[string]*Candidate{}, active: active})
	if err != nil {
		return nil, asKerr(err)
	}
	if !ok {
		return nil, kerr.Wrap(kerr.ResolveFailed, nil, "no solution for %v", roots).WithReason("unsatisfied")
	}

	result := verify(state.chosen)
	order, issues := topoOrder(state.chosen)
	result.Order = order
	result.Issues = append(result.Issues, issues...)
	if !result.OK {
		return result, kerr.Wrap(kerr.ResolveFailed, nil, "resolution failed verification").WithReason("conflict")
	}

	if r.LockfilePath != "" {
		lf, _ := loadLockfile(r.LockfilePath)
		if lf == nil {
			lf = Lockfile{}
		}
		lf[rootKey(roots)] = toLockedEntry(state.chosen)
		if err := lf.save(r.LockfilePath); err != nil {
			clog.Warningf(ctx, "resolve: failed to persist lockfile: %v", err)
		}
	}
	return result, nil
}

// ResolveNames is the narrow surface build.Resolver consumes: resolve
// names (treated as bare requirements) and return the topological install
// order as candidate IDs.
func (r *Resolver) ResolveNames(ctx context.Context, names []string, includeOptional bool) ([]string, error) {
	roots := make([]Requirement, len(names))
	for i, n := range names {
		roots[i] = Requirement{Name: n}
	}
	result, err := r.Resolve(ctx, roots, Options{AllowOptional: includeOptional})
	if err != nil {
		return nil, err
	}
	return result.Order, nil
}

// verify checks spec §4.5's post-search invariant: every non-optional
// depend of every chosen candidate is satisfied by some chosen candidate,
// and no chosen pair conflicts.
func verify(chosen map[string]*Candidate) *Result {
	result := &Result{OK: true, Chosen: chosen}
	for name, c := range chosen {
		for _, d := range c.Depends {
			if d.Optional {
				continue
			}
			if !satisfiedByProvides(chosen, d) {
				result.OK = false
				result.Issues = append(result.Issues, fmt.Sprintf("unsatisfied:%s->%s", name, d.Name+d.Constraint))
			}
		}
	}
	names := make([]string, 0, len(chosen))
	for n := range chosen {
		names = append(names, n)
	}
	for i, a := range names {
		for _, b := range names[i+1:] {
			if conflictsWith(chosen[a], chosen[b]) {
				result.OK = false
				result.Issues = append(result.Issues, fmt.Sprintf("conflict:%s<->%s", a, b))
			}
		}
	}
	return result
}
