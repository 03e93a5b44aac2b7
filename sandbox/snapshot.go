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

package sandbox

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// snapshotsDir is the subdirectory (outside build/install/tmp/logs) that
// holds a sandbox's own snapshots, so Restore can find them by name.
func (s *Sandbox) snapshotsDir() string { return filepath.Join(s.Root, ".snapshots") }

// Snapshot archives the sandbox root into a tarball under .snapshots/name
// (incremental=false), or syncs it into a shadow directory under
// .snapshots/name.dir (incremental=true, cheaper for repeated snapshots of
// a slowly-changing tree). name defaults to "snapshot" when empty.
func (s *Sandbox) Snapshot(name string, incremental bool) (string, error) {
	if name == "" {
		name = "snapshot"
	}
	dir := s.snapshotsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "sandbox: snapshot")
	}

	if incremental {
		shadow := filepath.Join(dir, name+".dir")
		if err := os.RemoveAll(shadow); err != nil {
			return "", errors.Wrap(err, "sandbox: snapshot")
		}
		if err := copyTree(s.Root, shadow, dir); err != nil {
			return "", errors.Wrap(err, "sandbox: snapshot")
		}
		return shadow, nil
	}

	archivePath := filepath.Join(dir, name+".tar.gz")
	if err := writeTarGz(s.Root, archivePath, dir); err != nil {
		return "", errors.Wrap(err, "sandbox: snapshot")
	}
	return archivePath, nil
}

// Restore clears the sandbox root (everything except its own .snapshots
// directory) and reinstates it from a previously taken snapshot, tarball
// or shadow directory.
func (s *Sandbox) Restore(name string) error {
	if name == "" {
		name = "snapshot"
	}
	dir := s.snapshotsDir()
	shadow := filepath.Join(dir, name+".dir")
	archivePath := filepath.Join(dir, name+".tar.gz")

	if err := clearExcept(s.Root, dir); err != nil {
		return errors.Wrap(err, "sandbox: restore")
	}

	if info, err := os.Stat(shadow); err == nil && info.IsDir() {
		// The shadow lives inside dir, so skipping dir here would skip it.
		return copyTree(shadow, s.Root, "")
	}
	if _, err := os.Stat(archivePath); err == nil {
		return extractTarGz(archivePath, s.Root)
	}
	return errors.Errorf("sandbox: no snapshot named %q", name)
}

func clearExcept(root, skip string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(root, e.Name())
		if p == skip {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	for _, sub := range []string{"build", "install", "tmp", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return err
		}
	}
	return nil
}

func copyTree(src, dst, skip string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == skip || filepath.Dir(path) == skip {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func writeTarGz(root, archivePath, skip string) error {
	f, err := os.OpenFile(archivePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == skip {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Linkname = link
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = io.Copy(tw, in)
			return err
		}
		return nil
	})
}

func extractTarGz(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dst, h.Name)
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(h.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(h.Mode))
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return err
			}
		}
	}
}
