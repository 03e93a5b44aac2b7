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
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

// writeArtifact builds a tar.gz with a single regular file at relPath
// containing body, returning the archive's path.
func writeArtifact(t *testing.T, dir, archiveName, relPath, body string) string {
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
	return path
}

func TestDB_InstallQueryRemove(t *testing.T) {
	root := t.TempDir()
	db, err := Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	destRoot := filepath.Join(root, "dest")
	artifact := writeArtifact(t, root, "zlib-1.3.1.tar.gz", "usr/lib/libz.so", "binary-contents")

	if err := db.Install(artifact, "zlib", "1.3.1", InstallOptions{DestRoot: destRoot, Explicit: true}); err != nil {
		t.Fatalf("Install() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(destRoot, "usr", "lib", "libz.so")); err != nil {
		t.Fatalf("Install() did not extract file: %v", err)
	}

	rec, ok := db.Query("zlib")
	if !ok {
		t.Fatal("Query() found nothing after Install")
	}
	if rec.Version != "1.3.1" || !rec.Explicit {
		t.Errorf("Query() = %+v", rec)
	}

	installed, err := db.ListInstalled()
	if err != nil || len(installed) != 1 || installed[0] != "zlib" {
		t.Errorf("ListInstalled() = %v, %v", installed, err)
	}

	if err := db.Install(artifact, "zlib", "1.3.1", InstallOptions{DestRoot: destRoot}); err == nil {
		t.Error("Install() of an already-installed package without Overwrite/Upgrade succeeded")
	}

	found, err := db.Remove("zlib", RemoveOptions{})
	if err != nil || !found {
		t.Fatalf("Remove() = %v, %v", found, err)
	}
	if _, err := os.Stat(filepath.Join(destRoot, "usr", "lib", "libz.so")); !os.IsNotExist(err) {
		t.Errorf("Remove() left the installed file behind: %v", err)
	}
	if _, ok := db.Query("zlib"); ok {
		t.Error("Query() still found zlib after Remove")
	}
}

func TestDB_RemoveNotInstalled(t *testing.T) {
	root := t.TempDir()
	db, err := Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	found, err := db.Remove("nonexistent", RemoveOptions{})
	if err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	if found {
		t.Error("Remove() reported found for a package that was never installed")
	}
}

func TestDB_UpgradeReinstalls(t *testing.T) {
	root := t.TempDir()
	db, err := Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	destRoot := filepath.Join(root, "dest")
	v1 := writeArtifact(t, root, "tool-1.0.tar.gz", "usr/bin/tool", "v1")
	if err := db.Install(v1, "tool", "1.0", InstallOptions{DestRoot: destRoot}); err != nil {
		t.Fatalf("Install() v1 = %v", err)
	}

	v2 := writeArtifact(t, root, "tool-2.0.tar.gz", "usr/bin/tool", "v2")
	if err := db.Install(v2, "tool", "2.0", InstallOptions{DestRoot: destRoot, Upgrade: true}); err != nil {
		t.Fatalf("Install() upgrade = %v", err)
	}

	rec, ok := db.Query("tool")
	if !ok || rec.Version != "2.0" {
		t.Fatalf("Query() after upgrade = %+v, %v", rec, ok)
	}
	data, err := os.ReadFile(filepath.Join(destRoot, "usr", "bin", "tool"))
	if err != nil || string(data) != "v2" {
		t.Errorf("upgrade did not replace file contents: %q, %v", data, err)
	}
}

func TestDB_VerifyAndRepair(t *testing.T) {
	root := t.TempDir()
	db, err := Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	destRoot := filepath.Join(root, "dest")
	artifact := writeArtifact(t, root, "curl-8.9.0.tar.gz", "usr/bin/curl", "curl-binary")
	if err := db.Install(artifact, "curl", "8.9.0", InstallOptions{DestRoot: destRoot}); err != nil {
		t.Fatalf("Install() = %v", err)
	}

	report, err := db.Verify("curl", true)
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if !report.ArtifactOK || !report.ManifestOK {
		t.Fatalf("Verify() on an intact install = %+v", report)
	}

	if err := os.Remove(filepath.Join(destRoot, "usr", "bin", "curl")); err != nil {
		t.Fatal(err)
	}
	report, err = db.Verify("curl", true)
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if report.ManifestOK {
		t.Fatal("Verify() did not notice the deleted file")
	}

	if err := db.Repair("curl"); err != nil {
		t.Fatalf("Repair() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(destRoot, "usr", "bin", "curl")); err != nil {
		t.Errorf("Repair() did not restore the file: %v", err)
	}
}
