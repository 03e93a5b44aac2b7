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
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
)

// Extract unpacks the archive at path into dst, dispatching on file
// extension. If the archive's entries share a single top-level directory,
// Extract returns that directory; otherwise it returns dst itself (spec
// §4.2 "if extraction yields a single top-level directory, that directory
// is the returned tree; otherwise the destination is returned").
func Extract(ctx context.Context, path, dst string) (string, error) {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return "", kerr.New(kerr.FetchFailed, "", "extract", err)
	}

	var roots map[string]bool
	var err error
	switch {
	case strings.HasSuffix(path, ".zip"):
		roots, err = extractZip(path, dst)
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		roots, err = extractTar(path, dst, decompressGzip)
	case strings.HasSuffix(path, ".tar.xz") || strings.HasSuffix(path, ".txz"):
		roots, err = extractTar(path, dst, decompressXz)
	case strings.HasSuffix(path, ".tar.bz2") || strings.HasSuffix(path, ".tbz2"):
		roots, err = extractTar(path, dst, decompressBzip2)
	case strings.HasSuffix(path, ".tar"):
		roots, err = extractTar(path, dst, func(r io.Reader) (io.Reader, error) { return r, nil })
	default:
		return "", kerr.Wrap(kerr.FetchFailed, nil, "extract: unrecognized archive extension %q", filepath.Base(path))
	}
	if err != nil {
		return "", kerr.New(kerr.FetchFailed, "", "extract", err)
	}

	if len(roots) == 1 {
		for r := range roots {
			clog.Debugf(ctx, "extract: single top-level directory %q", r)
			return filepath.Join(dst, r), nil
		}
	}
	return dst, nil
}

func decompressGzip(r io.Reader) (io.Reader, error)  { return gzip.NewReader(r) }
func decompressBzip2(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }
func decompressXz(r io.Reader) (io.Reader, error)    { return xz.NewReader(r) }

// extractTar streams the archive twice, matching the teacher's
// conflict-then-write pattern in its own (now superseded) config/extract.go:
// once to reject a tree that would collide with an existing non-directory
// at dst, once to write entries and record every top-level path component
// seen (so Extract can detect the single-root case).
func extractTar(path, dst string, decompress func(io.Reader) (io.Reader, error)) (map[string]bool, error) {
	if err := checkTarConflicts(path, dst, decompress); err != nil {
		return nil, err
	}

	roots := map[string]bool{}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(dr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return roots, nil
		}
		if err != nil {
			return nil, err
		}

		name := filepath.Clean(h.Name)
		if parts := strings.SplitN(name, string(filepath.Separator), 2); len(parts) > 0 && parts[0] != "." {
			roots[parts[0]] = true
		}

		target := filepath.Join(dst, h.Name)
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode)); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(h.Mode))
			if err != nil {
				return nil, err
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(h.Linkname, target); err != nil {
				return nil, err
			}
		case tar.TypeLink:
			if err := os.Link(filepath.Join(dst, h.Linkname), target); err != nil {
				return nil, err
			}
		default:
			// Device nodes, fifos and the like have no place in a source
			// tree; skip rather than fail the extraction.
		}
	}
}

func checkTarConflicts(path, dst string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return err
	}
	tr := tar.NewReader(dr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dst, h.Name)
		info, err := os.Stat(target)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		if h.Typeflag == tar.TypeDir && info.IsDir() {
			continue
		}
		return fmt.Errorf("extract: %s already exists", target)
	}
}

func extractZip(path, dst string) (map[string]bool, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	roots := map[string]bool{}
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if parts := strings.SplitN(name, string(filepath.Separator), 2); len(parts) > 0 && parts[0] != "." {
			roots[parts[0]] = true
		}

		target := filepath.Join(dst, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, f.Mode()); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return nil, err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return nil, err
		}
	}
	return roots, nil
}
