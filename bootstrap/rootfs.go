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
	"context"
	"os"
	"path/filepath"

	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/pkgdb"
)

// canonicalSubdirs are the top-level directories every rootfs gets before
// any package is installed into it (spec §4.9 step 4).
var canonicalSubdirs = []string{"bin", "sbin", "lib", "lib64", "usr/bin", "usr/sbin", "usr/lib", "etc", "var", "tmp", "proc", "sys", "dev", "run", "root", "home"}

// pseudoFilesystems are excluded from manifest generation and the
// shared-library scan since they hold runtime-mounted content, not
// package-managed files (spec §4.9 step 5).
var pseudoFilesystems = map[string]bool{"proc": true, "sys": true, "dev": true, "run": true, "tmp": true}

// createRootfs ensures dest and its canonical subdirectories exist.
func createRootfs(dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return kerr.New(kerr.InstallFailed, "", "create_rootfs", err)
	}
	for _, d := range canonicalSubdirs {
		if err := os.MkdirAll(filepath.Join(dest, d), 0755); err != nil {
			return kerr.New(kerr.InstallFailed, "", "create_rootfs", err)
		}
	}
	return nil
}

// installIntoRootfs installs name's built artifact into rootfs via C6
// with dest_root=rootfs (spec §4.9 step 4).
func (m *Manager) installIntoRootfs(ctx context.Context, rootfs, name, version, artifactPath string) error {
	return m.PkgDB.Install(artifactPath, name, version, pkgdb.InstallOptions{DestRoot: rootfs, Explicit: true})
}
