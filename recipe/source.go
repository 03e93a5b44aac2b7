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

// SourceKind tags which of the source-descriptor shapes a Source came
// from.
type SourceKind int

const (
	// SourceURL is a plain archive URL, optionally with a declared SHA-256.
	SourceURL SourceKind = iota
	// SourceVCS is a version-control checkout at a ref.
	SourceVCS
	// SourceList is an ordered list of sources; the acquirer tries each in
	// turn (mirrors).
	SourceList
)

// Source is the tagged-variant source descriptor from spec §3: either one
// URL string, a record {url, sha256}, a record {vcs_url, ref}, or an
// ordered list of such records.
type Source struct {
	Kind SourceKind

	URL    string
	SHA256 string

	VCSURL string
	Ref    string

	List []Source
}

// UnmarshalYAML accepts a bare URL string, a {url[, sha256]} mapping, a
// {vcs_url, ref} mapping, or a sequence of any of the above.
func (s *Source) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var url string
		if err := node.Decode(&url); err != nil {
			return err
		}
		if url == "" {
			return fmt.Errorf("source url is empty")
		}
		*s = Source{Kind: SourceURL, URL: url}
		return nil
	case yaml.MappingNode:
		var rec struct {
			URL    string `yaml:"url"`
			SHA256 string `yaml:"sha256"`
			VCSURL string `yaml:"vcs_url"`
			Ref    string `yaml:"ref"`
		}
		if err := node.Decode(&rec); err != nil {
			return err
		}
		switch {
		case rec.VCSURL != "":
			*s = Source{Kind: SourceVCS, VCSURL: rec.VCSURL, Ref: rec.Ref}
		case rec.URL != "":
			*s = Source{Kind: SourceURL, URL: rec.URL, SHA256: rec.SHA256}
		default:
			return fmt.Errorf("source record has neither url nor vcs_url")
		}
		return nil
	case yaml.SequenceNode:
		var list []Source
		if err := node.Decode(&list); err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("source list is empty")
		}
		*s = Source{Kind: SourceList, List: list}
		return nil
	default:
		return fmt.Errorf("unrecognized source encoding")
	}
}

// Each flattens a Source into the ordered list of single (non-list)
// sources the acquirer should try, in declared order.
func (s Source) Each() []Source {
	if s.Kind == SourceList {
		return s.List
	}
	return []Source{s}
}
