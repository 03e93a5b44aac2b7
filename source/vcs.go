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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/recipe"
)

// checkout performs a shallow clone of src.VCSURL at src.Ref into a fresh
// working directory under CacheDir/vcs/<hash of url+ref>. A pre-existing
// checkout at the same path is reused as-is; callers that need a clean
// tree should remove it first.
func (a *Acquirer) checkout(ctx context.Context, src recipe.Source) (string, error) {
	key := sha256.Sum256([]byte(src.VCSURL + "@" + src.Ref))
	dir := filepath.Join(a.CacheDir, "vcs", hex.EncodeToString(key[:16]))

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", kerr.New(kerr.FetchFailed, "", "", err)
	}

	args := []string{"clone", "--depth", "1"}
	if src.Ref != "" {
		args = append(args, "--branch", src.Ref)
	}
	args = append(args, src.VCSURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(dir)
		return "", kerr.New(kerr.FetchFailed, "", "", err).WithStderr(string(out))
	}
	return dir, nil
}
