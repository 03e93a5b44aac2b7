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

package pkgdb

import (
	"sort"

	"github.com/kilnforge/kiln/recipe"
)

// WhoRequires returns the installed packages whose recipe depends on name,
// either by its own name or by a virtual it provides (spec §4.6).
func (db *DB) WhoRequires(repo *recipe.Repository, name string) ([]string, error) {
	installed, err := db.ListInstalled()
	if err != nil {
		return nil, err
	}

	provides := map[string]bool{name: true}
	if rec, err := repo.Load(name, ""); err == nil {
		for _, p := range rec.Provides {
			provides[p] = true
		}
	}

	var out []string
	for _, pkg := range installed {
		rec, err := repo.Load(pkg, "")
		if err != nil {
			continue
		}
		for _, d := range append(append([]recipe.Dependency{}, rec.Dependencies...), rec.OptionalDependencies...) {
			if dependsOn(d, provides) {
				out = append(out, pkg)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func dependsOn(d recipe.Dependency, names map[string]bool) bool {
	if d.Kind == recipe.Alternatives {
		for _, alt := range d.Alternatives {
			if dependsOn(alt, names) {
				return true
			}
		}
		return false
	}
	return names[d.Name]
}

// WhatProvides returns the installed packages whose recipe is named
// virtual or declares virtual as one of its provides (spec §4.6).
func (db *DB) WhatProvides(repo *recipe.Repository, virtual string) ([]string, error) {
	installed, err := db.ListInstalled()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, pkg := range installed {
		rec, err := repo.Load(pkg, "")
		if err != nil {
			continue
		}
		if rec.Name == virtual {
			out = append(out, pkg)
			continue
		}
		for _, p := range rec.Provides {
			if p == virtual {
				out = append(out, pkg)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
