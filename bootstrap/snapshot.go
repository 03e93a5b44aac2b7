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

package bootstrap

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnforge/kiln/kerr"
)

// SnapshotRootfs tars rootfs (skipping pseudo-filesystems) and writes the
// manifest alongside it into a new timestamped directory under
// snapshotsDir (spec §4.9 step 7).
func (m *Manager) SnapshotRootfs(rootfs string, manifest []ManifestEntry) (string, error) {
	id := fmt.Sprintf("rootfs-%d", time.Now().UnixNano())
	dir := filepath.Join(m.SnapshotsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", kerr.New(kerr.InstallFailed, "", "snapshot_rootfs", err)
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", kerr.New(kerr.InstallFailed, "", "snapshot_rootfs", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestData, 0644); err != nil {
		return "", kerr.New(kerr.InstallFailed, "", "snapshot_rootfs", err)
	}

	tarPath := filepath.Join(dir, "rootfs.tar.gz")
	if err := tarRootfs(rootfs, tarPath); err != nil {
		return "", kerr.New(kerr.InstallFailed, "", "snapshot_rootfs", err)
	}

	m.emit("rootfs.snapshot", map[string]any{"id": id, "path": tarPath})
	return id, nil
}

func tarRootfs(rootfs, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(rootfs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(rootfs, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		top := firstComponent(rel)
		if info.IsDir() && pseudoFilesystems[top] {
			return filepath.SkipDir
		}
		if pseudoFilesystems[top] {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			r, err := os.Open(path)
			if err != nil {
				return err
			}
			defer r.Close()
			if _, err := io.Copy(tw, r); err != nil {
				return err
			}
		}
		return nil
	})
}
