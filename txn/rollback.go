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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/pkgdb"
)

// RollbackOptions configures RollbackLast and RollbackPkgToVersion.
type RollbackOptions struct {
	Commit            bool
	SimulateInSandbox bool
	KeepSandbox       bool
}

// RollbackLast locates the most recent "snapshot" event and, for each of
// its packages, validates the recorded artifact by installing it into a
// fresh sandbox; with Commit it then re-installs each artifact into the
// real root and restores the installed record/manifest (spec §4.7).
func (m *Manager) RollbackLast(ctx context.Context, opts RollbackOptions) error {
	id, err := m.lastSnapshotID()
	if err != nil {
		return err
	}
	header, err := m.ShowSnapshot(id)
	if err != nil {
		return err
	}

	for _, name := range header.Packages {
		rec, _, err := m.snapshotRecord(id, name)
		if err != nil {
			return kerr.Wrap(kerr.RollbackUnavailable, err, "snapshot %q missing record for %q", id, name)
		}
		if err := m.validateArtifact(ctx, name, rec.Artifact, opts.KeepSandbox); err != nil {
			return kerr.Wrap(kerr.RollbackUnavailable, err, "rollback validation failed for %q", name)
		}
	}

	if !opts.Commit {
		clog.Infof(ctx, "txn: rollback to snapshot %s validated (commit=false, no changes applied)", id)
		return nil
	}

	var applied []string
	for _, name := range header.Packages {
		rec, manifestData, err := m.snapshotRecord(id, name)
		if err != nil {
			m.bestEffortUndo(applied)
			return kerr.Wrap(kerr.RollbackUnavailable, err, "snapshot %q missing record for %q", id, name)
		}
		if err := m.PkgDB.Install(rec.Artifact, name, rec.Version, pkgdb.InstallOptions{
			DestRoot: rec.InstallRoot, Upgrade: true, Explicit: rec.Explicit,
		}); err != nil {
			m.bestEffortUndo(applied)
			return kerr.Wrap(kerr.RollbackUnavailable, err, "rollback commit failed for %q", name)
		}
		_ = manifestData // the re-extraction regenerates an identical manifest from the same artifact
		applied = append(applied, name)
	}

	return m.log.append(Event{Type: EventRollback, Snapshot: id, Detail: strings.Join(header.Packages, ",")})
}

// RollbackPkgToVersion rolls back a single package to targetVersion,
// locating its artifact in the cache or, failing that, in a prior
// snapshot's stored record (spec §4.7).
func (m *Manager) RollbackPkgToVersion(ctx context.Context, name, targetVersion string, opts RollbackOptions) error {
	artifactPath, installRoot, explicit, err := m.findArtifactForVersion(name, targetVersion)
	if err != nil {
		return err
	}

	if err := m.validateArtifact(ctx, name, artifactPath, opts.KeepSandbox); err != nil {
		return kerr.Wrap(kerr.RollbackUnavailable, err, "rollback validation failed for %q", name)
	}
	if !opts.Commit {
		return nil
	}

	if err := m.PkgDB.Install(artifactPath, name, targetVersion, pkgdb.InstallOptions{
		DestRoot: installRoot, Upgrade: true, Explicit: explicit,
	}); err != nil {
		return kerr.Wrap(kerr.RollbackUnavailable, err, "rollback commit failed for %q", name)
	}
	return m.log.append(Event{Type: EventRollbackPkg, Package: name, Version: targetVersion})
}

// lastSnapshotID scans the rollback log, newest first, for the most
// recent "snapshot" event.
func (m *Manager) lastSnapshotID() (string, error) {
	events, err := readLog(m.RollbackLogPath)
	if err != nil {
		return "", kerr.New(kerr.RollbackUnavailable, "", "", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventSnapshot {
			return events[i].Snapshot, nil
		}
	}
	return "", kerr.Wrap(kerr.RollbackUnavailable, nil, "no snapshot recorded")
}

// findArtifactForVersion looks for name-targetVersion.tar.gz in the
// artifact cache first, then falls back to any snapshot's stored record.
func (m *Manager) findArtifactForVersion(name, targetVersion string) (artifact, installRoot string, explicit bool, err error) {
	if m.Builder != nil {
		candidate := m.Builder.ArtifactPath(name, targetVersion)
		if _, statErr := os.Stat(candidate); statErr == nil {
			if rec, ok := m.PkgDB.Query(name); ok {
				return candidate, rec.InstallRoot, rec.Explicit, nil
			}
			return candidate, "", false, nil
		}
	}

	ids, listErr := m.ListSnapshots()
	if listErr != nil {
		return "", "", false, kerr.New(kerr.RollbackUnavailable, name, "", listErr)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		rec, _, recErr := m.snapshotRecord(ids[i], name)
		if recErr != nil || rec.Version != targetVersion {
			continue
		}
		return rec.Artifact, rec.InstallRoot, rec.Explicit, nil
	}
	return "", "", false, kerr.Wrap(kerr.RollbackUnavailable, nil, "no artifact found for %s-%s", name, targetVersion)
}

// validateArtifact installs artifactPath into a scratch sandbox-rooted
// package database to confirm it extracts cleanly before any real commit.
func (m *Manager) validateArtifact(ctx context.Context, name, artifactPath string, keepSandbox bool) error {
	sbName := fmt.Sprintf("rollback-validate-%s", name)
	sb, err := m.Sandboxes.Create(ctx, sbName, nil, keepSandbox)
	if err != nil {
		return err
	}
	defer func() {
		if !keepSandbox {
			m.Sandboxes.Destroy(sbName, false)
		}
	}()

	checkDB, err := pkgdb.Open(filepath.Join(sb.TmpDir(), "validate-db"))
	if err != nil {
		return err
	}
	defer checkDB.Close()

	return checkDB.Install(artifactPath, name, "validate", pkgdb.InstallOptions{DestRoot: sb.InstallDir()})
}

// bestEffortUndo removes any package the commit loop already applied,
// since a mid-loop failure leaves the real root in a mixed state (spec
// §4.7 "attempt to remove any package partially applied in the same
// transaction").
func (m *Manager) bestEffortUndo(applied []string) {
	for _, name := range applied {
		if _, err := m.PkgDB.Remove(name, pkgdb.RemoveOptions{}); err != nil {
			clog.Warningf(context.Background(), "txn: best-effort undo of %s failed: %v", name, err)
		}
	}
}
