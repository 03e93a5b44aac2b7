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

// Package source is the source acquirer (C2): it turns a recipe's source
// descriptor into a local path, downloading into a content-addressed
// cache with hash verification, performing VCS checkouts, and extracting
// archives for the build orchestrator.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/kilnforge/kiln/clog"
	"github.com/kilnforge/kiln/kerr"
	"github.com/kilnforge/kiln/recipe"
	"github.com/kilnforge/kiln/retryutil"
)

// Acquirer fetches and extracts recipe sources. It holds no package-level
// state (spec §9) so callers can run isolated instances rooted at a tmp
// cache directory in tests.
type Acquirer struct {
	// CacheDir is the content-addressed download cache, keyed by base
	// filename.
	CacheDir string
	// Timeout caps the total backoff RetryFetch sleeps between attempts of
	// one fetch; the duration of a single attempt is not bounded by it.
	Timeout time.Duration

	HTTPClient *http.Client
}

// New returns an Acquirer caching into cacheDir with a default timeout.
func New(cacheDir string) *Acquirer {
	return &Acquirer{
		CacheDir:   cacheDir,
		Timeout:    10 * time.Minute,
		HTTPClient: &http.Client{},
	}
}

// Fetch downloads a single (non-list) Source into the content-addressed
// cache and returns the local path. If src declares a SHA-256 and a cached
// file with a matching digest already exists, no network access occurs.
// VCS sources are cloned into CacheDir/vcs/<hash of url+ref>, and an
// existing checkout there is reused as-is (VCS refs are not
// content-addressed by digest).
func (a *Acquirer) Fetch(ctx context.Context, src recipe.Source) (string, error) {
	switch src.Kind {
	case recipe.SourceVCS:
		return a.checkout(ctx, src)
	case recipe.SourceURL:
		return a.fetchURL(ctx, src)
	default:
		return "", kerr.Wrap(kerr.FetchFailed, nil, "fetch: unsupported source kind")
	}
}

func (a *Acquirer) fetchURL(ctx context.Context, src recipe.Source) (string, error) {
	if err := os.MkdirAll(a.CacheDir, 0755); err != nil {
		return "", kerr.New(kerr.FetchFailed, "", "", err)
	}

	u, err := url.Parse(src.URL)
	if err != nil {
		return "", kerr.New(kerr.FetchFailed, "", "", err)
	}
	localPath := filepath.Join(a.CacheDir, filepath.Base(u.Path))

	if src.SHA256 != "" {
		if ok, _ := verifySHA256(localPath, src.SHA256); ok {
			clog.Debugf(ctx, "fetch: cache hit for %s", src.URL)
			return localPath, nil
		}
	} else if exists(localPath) {
		clog.Debugf(ctx, "fetch: cache hit for %s (no declared digest)", src.URL)
		return localPath, nil
	}

	tmpPath := localPath + ".part"
	fetchOnce := func() error {
		reader, err := a.open(ctx, u)
		if err != nil {
			return err
		}
		defer reader.Close()
		return downloadStream(reader, tmpPath)
	}

	if err := retryutil.RetryFetch(ctx, a.Timeout, "fetch "+src.URL, fetchOnce); err != nil {
		os.Remove(tmpPath)
		return "", kerr.New(kerr.FetchFailed, "", "", err)
	}

	if src.SHA256 != "" {
		ok, got := verifySHA256(tmpPath, src.SHA256)
		if !ok {
			os.Remove(tmpPath)
			return "", kerr.Wrap(kerr.FetchFailed, nil, "sha256 mismatch for %s: got %s want %s", src.URL, got, src.SHA256)
		}
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return "", kerr.New(kerr.FetchFailed, "", "", err)
	}
	return localPath, nil
}

// open returns a reader for u's contents, dispatching on URL scheme. This
// mirrors the teacher's external.FetchGCSObject/FetchRemoteObjectHTTP split
// for GCS vs. plain HTTP(S) artifacts.
func (a *Acquirer) open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	switch u.Scheme {
	case "gs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		bucket := u.Host
		object := strings.TrimPrefix(u.Path, "/")
		r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &gcsReadCloser{r, client}, nil
	case "file":
		return os.Open(u.Path)
	case "http", "https":
		resp, err := a.HTTPClient.Get(u.String())
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch %s: http status %d", u, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("fetch: unsupported url scheme %q", u.Scheme)
	}
}

type gcsReadCloser struct {
	*storage.Reader
	client *storage.Client
}

func (g *gcsReadCloser) Close() error {
	err := g.Reader.Close()
	g.client.Close()
	return err
}

func downloadStream(r io.Reader, localPath string) error {
	f, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func verifySHA256(path, want string) (bool, string) {
	f, err := os.Open(path)
	if err != nil {
		return false, ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, ""
	}
	got := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(got, want), got
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
