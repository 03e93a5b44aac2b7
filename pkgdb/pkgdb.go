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

// Package pkgdb is the installed-package database (C6): a per-package file
// manifest and installed record, with install/remove/verify/repair
// operations that keep file ownership disjoint across packages.
package pkgdb

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/google/renameio"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
)

// InstalledRecord is the per-package installed-package entry (spec §3).
type InstalledRecord struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Artifact    string `json:"artifact"`
	SHA256      string `json:"sha256"`
	InstallRoot string `json:"install_root"`
	Manifest    string `json:"manifest"`
	Explicit    bool   `json:"explicit,omitempty"`
}

// OwnershipEntry is one path's simulated ownership (spec §9 "Ownership
// simulation"), written alongside the manifest when extraction cannot
// apply a real chown.
type OwnershipEntry struct {
	Path string `json:"path"`
	UID  int    `json:"uid"`
	GID  int    `json:"gid"`
	Mode uint32 `json:"mode"`
}

// InstallOptions configures a single Install call.
type InstallOptions struct {
	DestRoot  string
	Overwrite bool
	Upgrade   bool
	Explicit  bool
}

// RemoveOptions configures a single Remove call.
type RemoveOptions struct {
	Purge bool
}

// DB is the installed-package database, rooted at a directory holding one
// <name>.installed.meta and <name>.manifest.txt pair per installed
// package, with a bbolt-backed cache of the same records for fast lookups
// (the flat files remain authoritative; Query refills a missing cache
// entry from them, but a cache entry that is present is not checked
// against them). It holds no package-level state (spec §9).
type DB struct {
	Dir string

	mu   sync.Mutex
	bolt *bolt.DB
}

var bucketInstalled = []byte("installed")

// Open returns a DB rooted at dir, creating it if needed, and opens its
// bbolt cache at dir/index.bbolt.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, kerr.New(kerr.InstallFailed, "", "", err)
	}
	b, err := bolt.Open(filepath.Join(dir, "index.bbolt"), 0644, nil)
	if err != nil {
		return nil, kerr.New(kerr.InstallFailed, "", "", err)
	}
	if err := b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstalled)
		return err
	}); err != nil {
		b.Close()
		return nil, kerr.New(kerr.InstallFailed, "", "", err)
	}
	return &DB{Dir: dir, bolt: b}, nil
}

// Close releases the bbolt cache handle.
func (db *DB) Close() error {
	if db.bolt == nil {
		return nil
	}
	return db.bolt.Close()
}

func (db *DB) metaPath(name string) string     { return filepath.Join(db.Dir, name+".installed.meta") }
func (db *DB) manifestPath(name string) string { return filepath.Join(db.Dir, name+".manifest.txt") }
func (db *DB) ownershipPath(name string) string {
	return filepath.Join(db.Dir, name+".ownership.json")
}

func (db *DB) cachePut(rec *InstalledRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Put([]byte(rec.Name), data)
	})
}

func (db *DB) cacheGet(name string) (*InstalledRecord, bool) {
	var rec InstalledRecord
	found := false
	db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstalled).Get([]byte(name))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err == nil {
			found = true
		}
		return nil
	})
	if !found {
		return nil, false
	}
	return &rec, true
}

func (db *DB) cacheDelete(name string) {
	db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Delete([]byte(name))
	})
}

// writeRecord persists rec's flat-file record and refreshes the cache.
func (db *DB) writeRecord(rec *InstalledRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(db.metaPath(rec.Name), data, 0644); err != nil {
		return err
	}
	db.cachePut(rec)
	return nil
}

// readRecord reads name's flat-file record directly, bypassing the cache
// (used by Install, Remove and Query's cache-miss fallback).
func (db *DB) readRecord(name string) (*InstalledRecord, error) {
	data, err := os.ReadFile(db.metaPath(name))
	if err != nil {
		return nil, err
	}
	var rec InstalledRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Install extracts artifactPath into opts.DestRoot, recording every
// regular file and symlink into the package's manifest, and writes its
// installed record (spec §4.6). Directories created by the archive are
// recorded with a trailing path separator so Remove can purge them.
func (db *DB) Install(artifactPath string, name, version string, opts InstallOptions) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.readRecord(name); err == nil {
		switch {
		case opts.Upgrade:
			if err := db.removeLocked(name, RemoveOptions{}); err != nil {
				return err
			}
		case opts.Overwrite:
			// proceed, re-extracting over the existing installation
		default:
			return kerr.Wrap(kerr.AlreadyInstalled, nil, "package %q is already installed", name)
		}
	}

	sum, err := sha256File(artifactPath)
	if err != nil {
		return kerr.New(kerr.InstallFailed, name, "install", err)
	}

	if err := os.MkdirAll(opts.DestRoot, 0755); err != nil {
		return kerr.New(kerr.InstallFailed, name, "install", err)
	}

	manifest, ownership, err := extractArchive(artifactPath, opts.DestRoot)
	if err != nil {
		for i := len(manifest) - 1; i >= 0; i-- {
			if strings.HasSuffix(manifest[i], "/") {
				os.RemoveAll(strings.TrimSuffix(manifest[i], "/"))
			} else {
				os.Remove(manifest[i])
			}
		}
		return kerr.New(kerr.InstallFailed, name, "install", err)
	}

	if err := writeManifest(db.manifestPath(name), manifest); err != nil {
		return kerr.New(kerr.InstallFailed, name, "install", err)
	}
	if len(ownership) > 0 {
		if err := writeOwnership(db.ownershipPath(name), ownership); err != nil {
			return kerr.New(kerr.InstallFailed, name, "install", err)
		}
	}

	rec := &InstalledRecord{
		Name:        name,
		Version:     version,
		Artifact:    artifactPath,
		SHA256:      sum,
		InstallRoot: opts.DestRoot,
		Manifest:    db.manifestPath(name),
		Explicit:    opts.Explicit,
	}
	return db.writeRecord(rec)
}

// Remove unlinks every manifest path for name, and with Purge removes any
// listed directory recursively. Returns found=false if name was not
// installed.
func (db *DB) Remove(name string, opts RemoveOptions) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.removeFoundLocked(name, opts)
}

func (db *DB) removeLocked(name string, opts RemoveOptions) error {
	_, err := db.removeFoundLocked(name, opts)
	return err
}

func (db *DB) removeFoundLocked(name string, opts RemoveOptions) (bool, error) {
	rec, err := db.readRecord(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, kerr.New(kerr.InstallFailed, name, "remove", err)
	}

	lines, err := readManifest(rec.Manifest)
	if err != nil && !os.IsNotExist(err) {
		return false, kerr.New(kerr.InstallFailed, name, "remove", err)
	}

	var dirs []string
	for _, line := range lines {
		if strings.HasSuffix(line, "/") {
			dirs = append(dirs, strings.TrimSuffix(line, "/"))
			continue
		}
		if err := os.Remove(line); err != nil && !os.IsNotExist(err) {
			clog.Errorf(context.Background(), "pkgdb: remove %s: %v", line, err)
		}
	}
	if opts.Purge {
		sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
		for _, d := range dirs {
			os.RemoveAll(d)
		}
	}

	os.Remove(rec.Manifest)
	os.Remove(db.metaPath(name))
	os.Remove(db.ownershipPath(name))
	db.cacheDelete(name)
	return true, nil
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

func writeManifest(path string, lines []string) error {
	return renameio.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

func readManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func writeOwnership(path string, entries []OwnershipEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}

// extractArchive unpacks a .tar.gz package artifact into destRoot,
// returning the ordered manifest lines (files and symlinks as absolute
// paths, directories suffixed with "/") and the ownership entries that
// could not be applied with a real chown (spec §9's no-root simulation:
// this implementation never attempts chown itself, since the core does
// not mediate privilege escalation — every path's intended ownership is
// simply recorded).
func extractArchive(artifactPath, destRoot string) ([]string, []OwnershipEntry, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var manifest []string
	var ownership []OwnershipEntry
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return manifest, ownership, nil
		}
		if err != nil {
			return manifest, ownership, err
		}
		target := filepath.Join(destRoot, h.Name)
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode)); err != nil {
				return manifest, ownership, err
			}
			manifest = append(manifest, target+"/")
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return manifest, ownership, err
			}
			os.Remove(target)
			if err := os.Symlink(h.Linkname, target); err != nil {
				return manifest, ownership, err
			}
			manifest = append(manifest, target)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return manifest, ownership, err
			}
			out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(h.Mode))
			if err != nil {
				return manifest, ownership, err
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return manifest, ownership, err
			}
			manifest = append(manifest, target)
		default:
			continue
		}
		ownership = append(ownership, OwnershipEntry{Path: target, UID: h.Uid, GID: h.Gid, Mode: uint32(h.Mode)})
	}
}
