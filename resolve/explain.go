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
)

// Explanation is one requirement's diagnostic picture: the candidates the
// index could find for it, which packages provide it as a virtual, and a
// human tip for the common failure modes.
type Explanation struct {
	Requirement Requirement
	Candidates  []string // candidate IDs
	Providers   []string
	Tip         string
}

// Explain returns, per requirement, the enumerated candidates, the
// providers of its name as a virtual, and a tip for the common failure
// modes (spec §4.5 "Diagnostics").
func (r *Resolver) Explain(ctx context.Context, requests []Requirement) ([]Explanation, error) {
	idx, err := r.Index(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]Explanation, 0, len(requests))
	for _, req := range requests {
		candidates := idx.candidatesFor(req)
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID()
		}
		e := Explanation{Requirement: req, Candidates: ids, Providers: idx.ProvidesIndex[req.Name]}

		switch {
		case len(candidates) == 0 && len(idx.CandidatesByName[req.Name]) == 0 && len(idx.ProvidesIndex[req.Name]) == 0:
			e.Tip = fmt.Sprintf("no recipe or virtual named %q exists in the repository", req.Name)
		case len(candidates) == 0 && req.Constraint != "":
			e.Tip = fmt.Sprintf("%q exists but no version satisfies %q; available versions may need a wider pin", req.Name, req.Constraint)
		case len(candidates) == 0:
			e.Tip = fmt.Sprintf("%q exists but every candidate conflicts with something else in scope", req.Name)
		default:
			e.Tip = fmt.Sprintf("%d candidate(s) available, ordered %v", len(candidates), ids)
		}
		out = append(out, e)
	}
	return out, nil
}
