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

// Package bootstrap is the bootstrap manager (C9): it drives the
// toolchain rebuild, resolves and builds a base-package set with a
// bounded worker pool, installs the results into a fresh rootfs,
// validates it with smoke tests and a shared-library scan, and snapshots
// the result.
package bootstrap

import (
	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/pkgdb"
	"github.com/kilnforge/kiln/recipe"
	"github.com/kilnforge/kiln/resolve"
	"github.com/kilnforge/kiln/toolchain"
)

// Event is one progress notification (spec §4.9 "callers register a
// callback that receives (event_name, payload)").
type Event struct {
	Name    string
	Payload map[string]any
}

// EventFunc receives bootstrap progress events.
type EventFunc func(Event)

// Manager composes the resolver, builder, package database and toolchain
// manager into the bootstrap flow. It holds no package-level state (spec
// §9); callers construct one rooted at whatever directories a test
// needs.
type Manager struct {
	Repo      *recipe.Repository
	Resolver  *resolve.Resolver
	Builder   *build.Orchestrator
	PkgDB     *pkgdb.DB
	Toolchain *toolchain.Manager

	CheckpointPath string
	SnapshotsDir   string

	OnEvent EventFunc
}

// New returns a Manager wired to its collaborators.
func New(repo *recipe.Repository, resolver *resolve.Resolver, builder *build.Orchestrator, pdb *pkgdb.DB, tc *toolchain.Manager, checkpointPath, snapshotsDir string) *Manager {
	return &Manager{Repo: repo, Resolver: resolver, Builder: builder, PkgDB: pdb, Toolchain: tc, CheckpointPath: checkpointPath, SnapshotsDir: snapshotsDir}
}

func (m *Manager) emit(name string, payload map[string]any) {
	if m.OnEvent != nil {
		m.OnEvent(Event{Name: name, Payload: payload})
	}
}
