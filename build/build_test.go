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

package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnforge/kiln/recipe"
	"github.com/kilnforge/kiln/sandbox"
	"github.com/kilnforge/kiln/source"
)

// writeSourceTarball creates <dir>/hello-1.0.tar.gz containing a single
// top-level hello-1.0/ directory with a greet.txt file, and returns its
// file:// URL.
func writeSourceTarball(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "hello-1.0.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	body := []byte("hello from the build\n")
	hdr := &tar.Header{Name: "hello-1.0/greet.txt", Mode: 0644, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
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

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	repoRoot := filepath.Join(root, "recipes")
	srcDir := filepath.Join(root, "src")
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		t.Fatal(err)
	}
	url := writeSourceTarball(t, srcDir)

	pkgDir := filepath.Join(repoRoot, "apps", "hello")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	body := "name: hello\nversion: \"1.0\"\nsource: " + url + "\n" +
		"build:\n  - \"true\"\n" +
		"install:\n  - \"mkdir -p $DESTDIR && cp greet.txt $DESTDIR/greet.txt\"\n"
	if err := os.WriteFile(filepath.Join(pkgDir, "hello.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	repo := recipe.NewRepository(repoRoot)
	acq := source.New(filepath.Join(root, "cache"))
	sbx := sandbox.New(filepath.Join(root, "sandboxes"))
	o := New(repo, acq, sbx, filepath.Join(root, "artifacts"), filepath.Join(root, "sourcecache"))
	return o, root
}

func TestOrchestrator_Build(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	artifactPath, rec, err := o.Build(context.Background(), "hello", Options{})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if rec.Name != "hello" || rec.Version != "1.0" {
		t.Fatalf("Build() recipe = %+v", rec)
	}
	if _, err := os.Stat(artifactPath); err != nil {
		t.Fatalf("Build() artifact missing: %v", err)
	}
	wantPath := o.ArtifactPath("hello", "1.0")
	if artifactPath != wantPath {
		t.Errorf("Build() artifact = %q, want %q", artifactPath, wantPath)
	}

	recordPath := filepath.Join(o.packagesDir(), "hello.artifact.json")
	if _, err := os.Stat(recordPath); err != nil {
		t.Errorf("Build() artifact record missing: %v", err)
	}
}

func TestOrchestrator_BuildStageSubset(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	// Running only fetch+extract should not produce a package artifact.
	artifactPath, _, err := o.Build(context.Background(), "hello", Options{Stages: []string{StageFetch, StageExtract}})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if artifactPath != "" {
		t.Errorf("Build() with no package stage returned artifact %q, want empty", artifactPath)
	}
}

func TestOrchestrator_BuildFailure(t *testing.T) {
	o, root := newTestOrchestrator(t)

	pkgDir := filepath.Join(root, "recipes", "apps", "broken")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	body := "name: broken\nversion: \"1.0\"\nsource: " + writeSourceTarball(t, filepath.Join(root, "src")) + "\n" +
		"build:\n  - \"exit 1\"\n"
	if err := os.WriteFile(filepath.Join(pkgDir, "broken.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := o.Build(context.Background(), "broken", Options{}); err == nil {
		t.Fatal("Build() with a failing build step succeeded")
	}
}
