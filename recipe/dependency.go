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

	"go.yaml.in/yaml/v3"
)

// DependencyKind tags which of the three encodings a Dependency came from.
// The loader accepts all three in the same field and the resolver treats
// them uniformly.
type DependencyKind int

const (
	// Bare is a plain name with no version constraint: "openssl".
	Bare DependencyKind = iota
	// Constrained is "name<spec>", e.g. "openssl>=1.1,<2".
	Constrained
	// Record is {name, version, optional}.
	Record
	// Alternatives is an ordered list; any element satisfies the edge.
	Alternatives
)

// Dependency is the tagged-variant dependency expression from spec §3.
type Dependency struct {
	Kind DependencyKind

	// Set for Bare, Constrained and Record.
	Name       string
	Constraint string
	Optional   bool

	// Set only for Alternatives.
	Alternatives []Dependency
}

// String renders the dependency the way it would appear in a recipe file,
// used in diagnostics (resolve.explain and log lines).
func (d Dependency) String() string {
	switch d.Kind {
	case Alternatives:
		s := "["
		for i, a := range d.Alternatives {
			if i > 0 {
				s += "|"
			}
			s += a.String()
		}
		return s + "]"
	case Constrained:
		return d.Name + d.Constraint
	default:
		return d.Name
	}
}

// UnmarshalYAML accepts a bare string ("openssl", "openssl>=1.1"), a
// mapping ({name, version, optional}), or a sequence (alternatives).
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		name, constraint := splitConstraint(s)
		if constraint == "" {
			*d = Dependency{Kind: Bare, Name: name}
		} else {
			*d = Dependency{Kind: Constrained, Name: name, Constraint: constraint}
		}
		return nil
	case yaml.MappingNode:
		var rec struct {
			Name     string `yaml:"name"`
			Version  string `yaml:"version"`
			Optional bool   `yaml:"optional"`
		}
		if err := node.Decode(&rec); err != nil {
			return err
		}
		if rec.Name == "" {
			return fmt.Errorf("dependency record missing name")
		}
		*d = Dependency{Kind: Record, Name: rec.Name, Constraint: rec.Version, Optional: rec.Optional}
		return nil
	case yaml.SequenceNode:
		var alts []Dependency
		if err := node.Decode(&alts); err != nil {
			return err
		}
		if len(alts) == 0 {
			return fmt.Errorf("alternatives dependency list is empty")
		}
		*d = Dependency{Kind: Alternatives, Alternatives: alts}
		return nil
	default:
		return fmt.Errorf("unrecognized dependency encoding")
	}
}

// operators recognized by the PEP-440-like constraint grammar, longest
// first so that e.g. ">=" is not split as ">" followed by "=".
var constraintOperators = []string{"==", "!=", ">=", "<=", "~=", ">", "<"}

// splitConstraint splits "name==1.2,<2" into ("name", "==1.2,<2"). A name
// with no recognized operator is returned with an empty constraint.
func splitConstraint(s string) (name, constraint string) {
	for i := 0; i < len(s); i++ {
		for _, op := range constraintOperators {
			if i+len(op) <= len(s) && s[i:i+len(op)] == op {
				return s[:i], s[i:]
			}
		}
	}
	return s, ""
}
