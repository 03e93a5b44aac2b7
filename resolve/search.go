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
	"sort"
	"strings"
	"time"

	"github.com/kilnforge/kiln/kerr"
)

// searchState is the backtracking search's node: a mapping from package
// name to its chosen candidate, and the list of requirements not yet
// known to be satisfied.
type searchState struct {
	chosen map[string]*Candidate
	active []Requirement
}

func (s searchState) clone() searchState {
	chosen := make(map[string]*Candidate, len(s.chosen))
	for k, v := range s.chosen {
		chosen[k] = v
	}
	return searchState{chosen: chosen, active: append([]Requirement{}, s.active...)}
}

// fingerprint identifies a search node for the dead-end memo: the sorted
// chosen names plus the sorted remaining requirement names (spec §9
// "memoize failure fingerprints (sorted chosen names + remaining
// requirements) to prune repeated dead ends").
func (s searchState) fingerprint() string {
	names := make([]string, 0, len(s.chosen))
	for n := range s.chosen {
		names = append(names, n)
	}
	sort.Strings(names)
	reqs := make([]string, 0, len(s.active))
	for _, r := range s.active {
		reqs = append(reqs, r.Name+r.Constraint)
	}
	sort.Strings(reqs)
	return strings.Join(names, ",") + "|" + strings.Join(reqs, ",")
}

// searcher holds the per-call mutable search state: the step counter, the
// dead-end memo and the deadline, all scoped to a single Resolve call
// (spec §9: the solver is single-threaded and its state does not outlive
// one resolution).
type searcher struct {
	idx      *Index
	memo     map[string]bool // true == known dead end
	steps    int
	maxSteps int
	deadline time.Time
}

// searchAbort carries the "step_limit" or "timeout" failure reason,
// distinguished from an ordinary "no candidates satisfy this requirement"
// dead end.
type searchAbort struct{ reason string }

func (e *searchAbort) Error() string { return e.reason }

func (s *searcher) run(ctx context.Context, state searchState) (searchState, bool, error) {
	s.steps++
	if s.steps > s.maxSteps {
		return searchState{}, false, &searchAbort{"step_limit"}
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return searchState{}, false, &searchAbort{"timeout"}
	}
	select {
	case <-ctx.Done():
		return searchState{}, false, &searchAbort{"timeout"}
	default:
	}

	// Drop any active requirement already satisfied by the current chosen
	// set before picking a new one to branch on.
	state = dropSatisfied(state)
	if len(state.active) == 0 {
		return state, true, nil
	}

	fp := state.fingerprint()
	if s.memo[fp] {
		return searchState{}, false, nil
	}

	reqIdx := pickMostConstrained(s.idx, state.active)
	req := state.active[reqIdx]
	candidates := s.idx.candidatesFor(req)

	for _, c := range candidates {
		if conflictsWithAny(c, state.chosen) {
			continue
		}
		next := state.clone()
		next.chosen[c.Name] = c
		next.active = append(removeAt(next.active, reqIdx), newRequirements(c, next.chosen)...)

		result, ok, err := s.run(ctx, next)
		if err != nil {
			return searchState{}, false, err
		}
		if ok {
			return result, true, nil
		}
	}

	if req.Optional {
		skip := state.clone()
		skip.active = removeAt(skip.active, reqIdx)
		result, ok, err := s.run(ctx, skip)
		if err != nil {
			return searchState{}, false, err
		}
		if ok {
			return result, true, nil
		}
	}

	s.memo[fp] = true
	return searchState{}, false, nil
}

// dropSatisfied removes active requirements already met by the chosen set,
// so the node-count and fingerprint reflect only genuinely open work.
func dropSatisfied(state searchState) searchState {
	var remaining []Requirement
	for _, r := range state.active {
		if c, ok := state.chosen[r.Name]; ok && c.satisfies(r) {
			continue
		}
		if satisfiedByProvides(state.chosen, r) {
			continue
		}
		remaining = append(remaining, r)
	}
	state.active = remaining
	return state
}

func satisfiedByProvides(chosen map[string]*Candidate, r Requirement) bool {
	for _, c := range chosen {
		if c.satisfies(r) {
			return true
		}
	}
	return false
}

func conflictsWithAny(c *Candidate, chosen map[string]*Candidate) bool {
	for _, existing := range chosen {
		if existing.Name == c.Name {
			continue
		}
		if conflictsWith(c, existing) {
			return true
		}
	}
	return false
}

// newRequirements returns c's depends, minus anything already satisfied by
// chosen, to append to the active list in place (spec §4.5).
func newRequirements(c *Candidate, chosen map[string]*Candidate) []Requirement {
	var out []Requirement
	for _, d := range c.Depends {
		if satisfiedByProvides(chosen, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// pickMostConstrained returns the index into active of the requirement
// with the fewest candidates (spec §4.5's most-constrained-variable
// heuristic), ties broken by position.
func pickMostConstrained(idx *Index, active []Requirement) int {
	best, bestCount := 0, -1
	for i, r := range active {
		n := len(idx.candidatesFor(r))
		if bestCount == -1 || n < bestCount {
			best, bestCount = i, n
		}
	}
	return best
}

func removeAt(reqs []Requirement, i int) []Requirement {
	out := make([]Requirement, 0, len(reqs)-1)
	out = append(out, reqs[:i]...)
	out = append(out, reqs[i+1:]...)
	return out
}

// asKerr converts a searchAbort into the kerr.ResolveFailed the public API
// returns.
func asKerr(err error) error {
	if abort, ok := err.(*searchAbort); ok {
		return kerr.Wrap(kerr.ResolveFailed, nil, "resolve aborted").WithReason(abort.reason)
	}
	return err
}
