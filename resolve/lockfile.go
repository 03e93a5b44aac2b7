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
	"strings"

	"github.com/google/renameio"
)

// LockedPackage is one entry of a Lockfile's chosen set.
type LockedPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Lockfile maps a root-requirement set's sorted key to the chosen
// {name: {name, version}} pairs it resolved to (spec §3, §6).
type Lockfile map[string]map[string]LockedPackage

// rootKey is the comma-joined sorted root-name key a Lockfile is indexed
// by.
func rootKey(roots []Requirement) string {
	names := make([]string, len(roots))
	for i, r := range roots {
		names[i] = r.Name
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func loadLockfile(path string) (Lockfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Lockfile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, err
	}
	return lf, nil
}

func (lf Lockfile) save(path string) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}

// chosenFrom resolves a locked entry against idx, returning the same
// {name -> *Candidate} shape the search produces, or ok=false if any
// locked package no longer exists in the repository at the locked
// version.
func (idx *Index) chosenFrom(entry map[string]LockedPackage) (map[string]*Candidate, bool) {
	chosen := map[string]*Candidate{}
	for name, lp := range entry {
		var found *Candidate
		for _, c := range idx.CandidatesByName[lp.Name] {
			if c.Version == lp.Version {
				found = c
				break
			}
		}
		if found == nil {
			return nil, false
		}
		chosen[name] = found
	}
	return chosen, true
}

func toLockedEntry(chosen map[string]*Candidate) map[string]LockedPackage {
	entry := make(map[string]LockedPackage, len(chosen))
	for name, c := range chosen {
		entry[name] = LockedPackage{Name: c.Name, Version: c.Version}
	}
	return entry
}
