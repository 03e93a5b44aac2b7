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

package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/pkgdb"
	"github.com/kilnforge/kiln/recipe"
	"github.com/kilnforge/kiln/resolve"
	"github.com/kilnforge/kiln/sandbox"
)

// SnapshotHeader is a snapshot directory's header record (spec §3).
type SnapshotHeader struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	Packages  []string          `json:"packages"`
	Extras    map[string]string `json:"extras,omitempty"`
}

// Manager composes the resolver, build orchestrator, sandbox manager and
// package database into the upgrade/rollback transaction loop (spec
// §4.7). It holds no package-level state (spec §9).
type Manager struct {
	PkgDB      *pkgdb.DB
	Repo       *recipe.Repository
	Resolver   *resolve.Resolver
	Builder    *build.Orchestrator
	Sandboxes  *sandbox.Manager

	SnapshotsDir    string
	RollbackLogPath string
	Retention       int

	mu  sync.Mutex
	log *logWriter
}

// New returns a Manager wired to its collaborators, persisting snapshots
// under snapshotsDir and the rollback log at rollbackLogPath.
func New(pdb *pkgdb.DB, repo *recipe.Repository, resolver *resolve.Resolver, builder *build.Orchestrator, sbx *sandbox.Manager, snapshotsDir, rollbackLogPath string, retention int) *Manager {
	if retention < 1 {
		retention = 5
	}
	return &Manager{
		PkgDB: pdb, Repo: repo, Resolver: resolver, Builder: builder, Sandboxes: sbx,
		SnapshotsDir: snapshotsDir, RollbackLogPath: rollbackLogPath, Retention: retention,
		log: newLogWriter(rollbackLogPath),
	}
}

// SnapshotBefore copies each package's installed record and manifest into
// a new timestamped snapshot directory, writes its header, and appends a
// "snapshot" rollback-log event (spec §4.7).
func (m *Manager) SnapshotBefore(packages []string, opName string, extras map[string]string) (*SnapshotHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("%d", time.Now().UnixNano())
	dir := filepath.Join(m.SnapshotsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, kerr.New(kerr.RollbackUnavailable, "", "", err)
	}

	for _, name := range packages {
		rec, ok := m.PkgDB.Query(name)
		if !ok {
			continue
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, kerr.New(kerr.RollbackUnavailable, name, "", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name+".installed.meta"), data, 0644); err != nil {
			return nil, kerr.New(kerr.RollbackUnavailable, name, "", err)
		}
		if manifestData, err := os.ReadFile(rec.Manifest); err == nil {
			os.WriteFile(filepath.Join(dir, name+".manifest.txt"), manifestData, 0644)
		}
	}

	header := &SnapshotHeader{ID: id, Timestamp: time.Now(), Operation: opName, Packages: packages, Extras: extras}
	headerData, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return nil, kerr.New(kerr.RollbackUnavailable, "", "", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "snapshot.json"), headerData, 0644); err != nil {
		return nil, kerr.New(kerr.RollbackUnavailable, "", "", err)
	}

	if err := m.log.append(Event{Type: EventSnapshot, Snapshot: id, Detail: opName}); err != nil {
		return nil, kerr.New(kerr.RollbackUnavailable, "", "", err)
	}
	return header, nil
}

// ListSnapshots returns every snapshot ID, oldest first (snapshot IDs are
// nanosecond timestamps so lexicographic order is chronological).
func (m *Manager) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.SnapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ShowSnapshot returns id's header.
func (m *Manager) ShowSnapshot(id string) (*SnapshotHeader, error) {
	data, err := os.ReadFile(filepath.Join(m.SnapshotsDir, id, "snapshot.json"))
	if err != nil {
		return nil, kerr.Wrap(kerr.RollbackUnavailable, err, "snapshot %q not found", id)
	}
	var header SnapshotHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, kerr.New(kerr.RollbackUnavailable, "", "", err)
	}
	return &header, nil
}

// snapshotRecord reads one package's installed record and manifest back
// out of a snapshot directory.
func (m *Manager) snapshotRecord(id, name string) (*pkgdb.InstalledRecord, []byte, error) {
	data, err := os.ReadFile(filepath.Join(m.SnapshotsDir, id, name+".installed.meta"))
	if err != nil {
		return nil, nil, err
	}
	var rec pkgdb.InstalledRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, err
	}
	manifest, err := os.ReadFile(filepath.Join(m.SnapshotsDir, id, name+".manifest.txt"))
	if err != nil {
		return nil, nil, err
	}
	return &rec, manifest, nil
}

// PruneSnapshots removes the oldest snapshots beyond Retention, the
// explicit prune operation spec.md §9's Open Question (c) requires since
// retention is declared but not self-enforcing.
func (m *Manager) PruneSnapshots() error {
	ids, err := m.ListSnapshots()
	if err != nil {
		return err
	}
	if len(ids) <= m.Retention {
		return nil
	}
	toRemove := ids[:len(ids)-m.Retention]
	for _, id := range toRemove {
		if err := os.RemoveAll(filepath.Join(m.SnapshotsDir, id)); err != nil {
			clog.Warningf(context.Background(), "txn: prune snapshot %s: %v", id, err)
		}
	}
	return nil
}
