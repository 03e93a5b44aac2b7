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
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnforge/kiln/build"
	"github.com/kilnforge/kiln/pkgdb"
	"github.com/kilnforge/kiln/recipe"
	"github.com/kilnforge/kiln/resolve"
	"github.com/kilnforge/kiln/sandbox"
	"github.com/kilnforge/kiln/source"
)

func writeTarball(t *testing.T, dir, archiveName, relPath, body string) string {
	t.Helper()
	path := filepath.Join(dir, archiveName)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: relPath, Mode: 0644, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return "file://" + path
}

type harness struct {
	mgr      *Manager
	repoRoot string
	destRoot string
}

// newHarness builds a full Manager wired to real, filesystem-backed
// collaborators rooted under a temp directory: a recipe repository, a
// source acquirer, a sandbox manager, a build orchestrator, a resolver and
// a package database.
func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	repoRoot := filepath.Join(root, "recipes")
	destRoot := filepath.Join(root, "dest")

	repo := recipe.NewRepository(repoRoot)
	acq := source.New(filepath.Join(root, "cache"))
	sbx := sandbox.New(filepath.Join(root, "sandboxes"))
	builder := build.New(repo, acq, sbx, filepath.Join(root, "artifacts"), filepath.Join(root, "srccache"))
	resolver := resolve.New(repo, filepath.Join(root, "index.json"), filepath.Join(root, "lock.json"))
	pdb, err := pkgdb.Open(filepath.Join(root, "pkgdb"))
	if err != nil {
		t.Fatalf("pkgdb.Open() = %v", err)
	}
	t.Cleanup(func() { pdb.Close() })

	mgr := New(pdb, repo, resolver, builder, sbx, filepath.Join(root, "snapshots"), filepath.Join(root, "rollback.log"), 5)
	return &harness{mgr: mgr, repoRoot: repoRoot, destRoot: destRoot}
}

// addPackage writes a recipe named name that, when built, installs a file
// at usr/share/<name>.txt containing body. deps are bare dependency names.
func (h *harness) addPackage(t *testing.T, name, version, body string, deps ...string) {
	t.Helper()
	dir := filepath.Join(h.repoRoot, "libs", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	url := writeTarball(t, dir, name+"-"+version+".tar.gz", name+"-"+version+"/"+name+".txt", body)

	depsYAML := ""
	if len(deps) > 0 {
		depsYAML = "dependencies:\n"
		for _, d := range deps {
			depsYAML += "  - " + d + "\n"
		}
	}
	recipeBody := "name: " + name + "\nversion: \"" + version + "\"\nsource: " + url + "\n" +
		depsYAML +
		"build:\n  - \"true\"\n" +
		"install:\n  - \"mkdir -p $DESTDIR/usr/share && cp " + name + ".txt $DESTDIR/usr/share/" + name + ".txt\"\n"
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(recipeBody), 0644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) buildAndInstall(t *testing.T, name, version string, explicit bool) {
	t.Helper()
	artifactPath, rec, err := h.mgr.Builder.Build(context.Background(), name, build.Options{})
	if err != nil {
		t.Fatalf("Build(%s) = %v", name, err)
	}
	if err := h.mgr.PkgDB.Install(artifactPath, name, rec.Version, pkgdb.InstallOptions{DestRoot: h.destRoot, Explicit: explicit}); err != nil {
		t.Fatalf("Install(%s) = %v", name, err)
	}
}

func TestManager_SnapshotAndRollback(t *testing.T) {
	h := newHarness(t)
	h.addPackage(t, "zlib", "1.0", "v1")
	h.buildAndInstall(t, "zlib", "1.0", true)

	if _, err := h.mgr.SnapshotBefore([]string{"zlib"}, "upgrade", nil); err != nil {
		t.Fatalf("SnapshotBefore() = %v", err)
	}

	// Simulate an in-place upgrade to v2 outside of Upgrade(), so rollback
	// has something to undo.
	h.addPackage(t, "zlib", "2.0", "v2")
	h.mgr.Repo.Sync() // drop the cached 1.0 recipe so Build sees 2.0
	artifactPath, rec, err := h.mgr.Builder.Build(context.Background(), "zlib", build.Options{})
	if err != nil {
		t.Fatalf("Build(zlib 2.0) = %v", err)
	}
	if err := h.mgr.PkgDB.Install(artifactPath, "zlib", rec.Version, pkgdb.InstallOptions{DestRoot: h.destRoot, Upgrade: true, Explicit: true}); err != nil {
		t.Fatalf("Install(zlib 2.0) = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(h.destRoot, "usr", "share", "zlib.txt"))
	if err != nil || string(data) != "v2" {
		t.Fatalf("pre-rollback content = %q, %v", data, err)
	}

	if err := h.mgr.RollbackLast(context.Background(), RollbackOptions{Commit: true}); err != nil {
		t.Fatalf("RollbackLast() = %v", err)
	}

	data, err = os.ReadFile(filepath.Join(h.destRoot, "usr", "share", "zlib.txt"))
	if err != nil || string(data) != "v1" {
		t.Fatalf("post-rollback content = %q, %v, want v1", data, err)
	}

	rec2, ok := h.mgr.PkgDB.Query("zlib")
	if !ok || rec2.Version != "1.0" {
		t.Fatalf("post-rollback record = %+v, %v", rec2, ok)
	}

	events, err := h.mgr.History(0)
	if err != nil {
		t.Fatalf("History() = %v", err)
	}
	if len(events) < 2 || events[0].Type != EventRollback {
		t.Fatalf("History() = %+v, want newest-first starting with rollback", events)
	}
}

func TestManager_RollbackWithoutCommitIsReadOnly(t *testing.T) {
	h := newHarness(t)
	h.addPackage(t, "zlib", "1.0", "v1")
	h.buildAndInstall(t, "zlib", "1.0", true)
	if _, err := h.mgr.SnapshotBefore([]string{"zlib"}, "upgrade", nil); err != nil {
		t.Fatalf("SnapshotBefore() = %v", err)
	}

	if err := h.mgr.RollbackLast(context.Background(), RollbackOptions{Commit: false}); err != nil {
		t.Fatalf("RollbackLast(commit=false) = %v", err)
	}

	rec, ok := h.mgr.PkgDB.Query("zlib")
	if !ok || rec.Version != "1.0" {
		t.Fatalf("dry-run rollback changed installed state: %+v, %v", rec, ok)
	}
}

func TestManager_OrphanDryRun(t *testing.T) {
	h := newHarness(t)
	h.addPackage(t, "zlib", "1.0", "z")
	h.addPackage(t, "curl", "1.0", "c", "zlib")
	h.buildAndInstall(t, "zlib", "1.0", false)
	h.buildAndInstall(t, "curl", "1.0", true)

	orphans, err := h.mgr.OrphanDryRun()
	if err != nil {
		t.Fatalf("OrphanDryRun() = %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("OrphanDryRun() = %v, want none (zlib is required by curl)", orphans)
	}

	found, err := h.mgr.PkgDB.Remove("curl", pkgdb.RemoveOptions{})
	if err != nil || !found {
		t.Fatalf("Remove(curl) = %v, %v", found, err)
	}

	orphans, err = h.mgr.OrphanDryRun()
	if err != nil {
		t.Fatalf("OrphanDryRun() = %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "zlib" {
		t.Fatalf("OrphanDryRun() after removing curl = %v, want [zlib]", orphans)
	}
}

func TestManager_RevdepCheck(t *testing.T) {
	h := newHarness(t)
	h.addPackage(t, "zlib", "1.0", "z")
	h.addPackage(t, "curl", "1.0", "c", "zlib")
	h.buildAndInstall(t, "curl", "1.0", true)
	// zlib is never installed, so curl's dependency on it should surface.

	reports, err := h.mgr.RevdepCheck(context.Background(), false)
	if err != nil {
		t.Fatalf("RevdepCheck() = %v", err)
	}
	if len(reports) != 1 || reports[0].Name != "curl" {
		t.Fatalf("RevdepCheck() = %+v, want one report for curl", reports)
	}
	if len(reports[0].MissingDepends) != 1 || reports[0].MissingDepends[0] != "zlib" {
		t.Errorf("RevdepCheck() missing depends = %v, want [zlib]", reports[0].MissingDepends)
	}
}
