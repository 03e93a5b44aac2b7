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

package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestExtract_singleTopLevelDir(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "hello-1.0.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"hello-1.0/README":     "hi",
		"hello-1.0/src/main.c": "int main(){}",
	})

	dst := filepath.Join(dir, "out")
	root, err := Extract(context.Background(), archive, dst)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	want := filepath.Join(dst, "hello-1.0")
	if root != want {
		t.Errorf("Extract() root = %q, want %q", root, want)
	}
	if _, err := os.Stat(filepath.Join(root, "README")); err != nil {
		t.Errorf("extracted README missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "src", "main.c")); err != nil {
		t.Errorf("extracted src/main.c missing: %v", err)
	}
}

func TestExtract_multipleTopLevelEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "flat.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"a.txt": "a",
		"b.txt": "b",
	})

	dst := filepath.Join(dir, "out")
	root, err := Extract(context.Background(), archive, dst)
	if err != nil {
		t.Fatalf("Extract() = %v", err)
	}
	if root != dst {
		t.Errorf("Extract() root = %q, want dst %q (no single top-level dir)", root, dst)
	}
}

func TestExtract_conflictFails(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "conflict.tar.gz")
	writeTarGz(t, archive, map[string]string{"existing.txt": "new"})

	dst := filepath.Join(dir, "out")
	if err := os.MkdirAll(dst, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dst, "existing.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Extract(context.Background(), archive, dst); err == nil {
		t.Error("Extract() = nil, want a conflict error")
	}
}

func TestExtract_unrecognizedExtension(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "thing.rar")
	os.WriteFile(archive, []byte("x"), 0644)

	if _, err := Extract(context.Background(), archive, filepath.Join(dir, "out")); err == nil {
		t.Error("Extract() = nil, want error for unrecognized extension")
	}
}
