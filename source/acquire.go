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
	"strings"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/recipe"
)

// Acquire fetches src (trying each entry of a mirror list in declared
// order until one succeeds) and, for archive sources, extracts the result
// into destDir, returning the resolved source tree (§4.2). VCS sources are
// returned as-is: the checkout directory already is the source tree.
func (a *Acquirer) Acquire(ctx context.Context, src recipe.Source, destDir string) (string, error) {
	entries := src.Each()
	var lastErr error
	for _, entry := range entries {
		path, err := a.Fetch(ctx, entry)
		if err != nil {
			lastErr = err
			clog.Warningf(ctx, "acquire: mirror failed, trying next: %v", err)
			continue
		}
		if entry.Kind == recipe.SourceVCS {
			return path, nil
		}
		if !isArchive(path) {
			return path, nil
		}
		return Extract(ctx, path, destDir)
	}
	return "", kerr.New(kerr.FetchFailed, "", "", lastErr)
}

func isArchive(path string) bool {
	for _, ext := range []string{".tar.gz", ".tgz", ".tar.xz", ".txz", ".tar.bz2", ".tbz2", ".tar", ".zip"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
