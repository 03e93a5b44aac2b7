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
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ManifestEntry is one rootfs manifest record (spec §4.9 step 5).
type ManifestEntry struct {
	Path   string `json:"path"`
	Type   string `json:"type"` // "file" or "symlink"
	SHA256 string `json:"sha256,omitempty"`
	Target string `json:"target,omitempty"`
}

// GenerateManifest walks rootfs, excluding the pseudo-filesystem
// directories, and records every regular file's SHA-256 and every
// symlink's target (spec §4.9 step 5). With normalizeTimes it also
// rewrites each visited regular file's mtime to the Unix epoch; the
// manifest entries carry no times, so they are the same either way.
func GenerateManifest(rootfs string, normalizeTimes bool) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := filepath.Walk(rootfs, func(path string, info os.FileInfo, err error) error {
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

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entries = append(entries, ManifestEntry{Path: rel, Type: "symlink", Target: target})
		case info.Mode().IsRegular():
			sum, err := sha256File(path)
			if err != nil {
				return err
			}
			entries = append(entries, ManifestEntry{Path: rel, Type: "file", SHA256: sum})
			if normalizeTimes {
				os.Chtimes(path, time.Unix(0, 0), time.Unix(0, 0))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func firstComponent(rel string) string {
	if i := indexOfSeparator(rel); i >= 0 {
		return rel[:i]
	}
	return rel
}

func indexOfSeparator(s string) int {
	for i, c := range s {
		if c == filepath.Separator {
			return i
		}
	}
	return -1
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
