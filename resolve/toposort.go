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

import "sort"

// topoOrder computes a deterministic install order over chosen by Kahn's
// algorithm on the induced non-optional-depends graph (spec §4.5). If a
// cycle remains after the search's optional-edge skipping, the leftover
// nodes are appended in deterministic name order and "cycle" is added to
// issues.
func topoOrder(chosen map[string]*Candidate) (order []string, issues []string) {
	names := make([]string, 0, len(chosen))
	for n := range chosen {
		names = append(names, n)
	}
	sort.Strings(names)

	inDegree := map[string]int{}
	edges := map[string][]string{} // dependency -> dependents
	for _, n := range names {
		inDegree[n] = 0
	}
	for _, n := range names {
		c := chosen[n]
		for _, d := range c.Depends {
			if d.Optional {
				continue
			}
			provider := providerName(chosen, d)
			if provider == "" || provider == n {
				continue
			}
			edges[provider] = append(edges[provider], n)
			inDegree[n]++
		}
	}

	var queue []string
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Strings(queue)

	visited := map[string]bool{}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n] {
			continue
		}
		visited[n] = true
		order = append(order, chosen[n].ID())

		next := edges[n]
		sort.Strings(next)
		for _, m := range next {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
				sort.Strings(queue)
			}
		}
	}

	if len(order) < len(names) {
		var leftover []string
		for _, n := range names {
			if !visited[n] {
				leftover = append(leftover, n)
			}
		}
		sort.Strings(leftover)
		for _, n := range leftover {
			order = append(order, chosen[n].ID())
		}
		issues = append(issues, "cycle")
	}
	return order, issues
}

// providerName returns the chosen package name that satisfies d, or "" if
// none does (should not happen after a successful search, but toposort is
// also run over externally-verified chosen sets such as a lockfile replay).
func providerName(chosen map[string]*Candidate, d Requirement) string {
	for name, c := range chosen {
		if c.satisfies(d) {
			return name
		}
	}
	return ""
}
