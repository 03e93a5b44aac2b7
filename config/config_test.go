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

package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default("/var/lib/kiln")

	if got, want := c.CacheDir, filepath.Join("/var/lib/kiln", "cache"); got != want {
		t.Errorf("CacheDir = %q, want %q", got, want)
	}
	if c.Jobs != DefaultJobs {
		t.Errorf("Jobs = %d, want %d", c.Jobs, DefaultJobs)
	}
	if c.Retention != DefaultRetention {
		t.Errorf("Retention = %d, want %d", c.Retention, DefaultRetention)
	}
}

func TestValidate_fillsDefaults(t *testing.T) {
	c := &Config{Root: "/var/lib/kiln"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	if c.Jobs != DefaultJobs {
		t.Errorf("Jobs = %d, want %d", c.Jobs, DefaultJobs)
	}
	if c.Retention != DefaultRetention {
		t.Errorf("Retention = %d, want %d", c.Retention, DefaultRetention)
	}
	if c.FetchTimeout != DefaultFetchTimeout {
		t.Errorf("FetchTimeout = %s, want %s", c.FetchTimeout, DefaultFetchTimeout)
	}
	if c.BuildTimeout != DefaultBuildTimeout {
		t.Errorf("BuildTimeout = %s, want %s", c.BuildTimeout, DefaultBuildTimeout)
	}
	if len(c.RecipeDirs) != 1 || c.RecipeDirs[0] != filepath.Join("/var/lib/kiln", "recipes") {
		t.Errorf("RecipeDirs = %v, want default", c.RecipeDirs)
	}
}

func TestValidate_missingRoot(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err == nil {
		t.Error("Validate() = nil, want error for missing Root")
	}
}

func TestValidate_preservesExplicitValues(t *testing.T) {
	c := &Config{
		Root:         "/var/lib/kiln",
		Jobs:         8,
		Retention:    20,
		FetchTimeout: 30 * time.Second,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	if c.Jobs != 8 {
		t.Errorf("Jobs = %d, want 8 (explicit value overwritten)", c.Jobs)
	}
	if c.Retention != 20 {
		t.Errorf("Retention = %d, want 20 (explicit value overwritten)", c.Retention)
	}
	if c.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %s, want 30s (explicit value overwritten)", c.FetchTimeout)
	}
}

func TestPaths(t *testing.T) {
	c := Default("/var/lib/kiln")

	if got, want := c.LockfilePath(), filepath.Join("/var/lib/kiln", "state", "lockfile.json"); got != want {
		t.Errorf("LockfilePath() = %q, want %q", got, want)
	}
	if got, want := c.RollbackLogPath(), filepath.Join("/var/lib/kiln", "state", "rollback.jsonl"); got != want {
		t.Errorf("RollbackLogPath() = %q, want %q", got, want)
	}
	if got, want := c.PackageDBPath(), filepath.Join("/var/lib/kiln", "state", "packages"); got != want {
		t.Errorf("PackageDBPath() = %q, want %q", got, want)
	}
	if got, want := c.ToolchainStatePath(), filepath.Join("/var/lib/kiln", "toolchains", "toolchains.toml"); got != want {
		t.Errorf("ToolchainStatePath() = %q, want %q", got, want)
	}
}
