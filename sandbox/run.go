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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kilnforge/kiln/clog"
)

// RunResult is the outcome of one command run inside a sandbox.
type RunResult struct {
	RC     int
	Stdout string
	Stderr string
}

// defaultPath is the minimal PATH every sandboxed command runs with,
// independent of the invoking process's environment.
const defaultPath = "/usr/bin:/bin:/usr/sbin:/sbin"

// Run executes cmd inside the sandbox with DESTDIR pointing at install/
// and a minimal PATH, captures its output to the per-sandbox log for
// phase, and — when the Manager declares Limits — applies best-effort
// virtual-memory and CPU-time caps to the child.
func (m *Manager) Run(ctx context.Context, sb *Sandbox, cmd, cwd string, env []string, phase string) (*RunResult, error) {
	runEnv := append([]string{
		"DESTDIR=" + sb.InstallDir(),
		"PATH=" + defaultPath,
		fmt.Sprintf("MAKEFLAGS=-j%d", jobsFromEnv(env)),
	}, env...)

	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Dir = cwd
	if c.Dir == "" {
		c.Dir = sb.BuildDir()
	}
	c.Env = runEnv

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	applyLimits(c, m.Limits)

	clog.Debugf(ctx, "sandbox %q: phase %s: running %q", sb.Name, phase, cmd)
	start := time.Now()
	err := c.Run()
	elapsed := time.Since(start)

	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.RC = exitErr.ExitCode()
	} else if err != nil {
		result.RC = -1
	}

	if logErr := appendLog(sb, phase, cmd, result, elapsed); logErr != nil {
		clog.Warningf(ctx, "sandbox %q: failed to write log for phase %s: %v", sb.Name, phase, logErr)
	}

	if err != nil && result.RC == 0 {
		return result, err
	}
	return result, nil
}

func appendLog(sb *Sandbox, phase, cmd string, result *RunResult, elapsed time.Duration) error {
	f, err := os.OpenFile(filepath.Join(sb.LogsDir(), phase+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "=== %s (rc=%d, %s) ===\n$ %s\n", phase, result.RC, elapsed, cmd)
	f.WriteString(result.Stdout)
	if result.Stderr != "" {
		fmt.Fprintf(f, "--- stderr ---\n%s", result.Stderr)
	}
	f.WriteString("\n")
	return nil
}

// jobsFromEnv extracts the JOBS=<n> value the caller set, defaulting to 1,
// so MAKEFLAGS stays consistent with the JOBS env var the orchestrator
// passes for the build phase (spec §4.4).
func jobsFromEnv(env []string) int {
	for _, kv := range env {
		const prefix = "JOBS="
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			var n int
			if _, err := fmt.Sscanf(kv[len(prefix):], "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

// applyLimits prefixes the shell command c runs with a ulimit call for
// each non-zero field of l. A ulimit the host refuses is ignored and the
// command still runs.
func applyLimits(c *exec.Cmd, l Limits) {
	var prefix string
	if l.MaxMemoryBytes > 0 {
		prefix += fmt.Sprintf("ulimit -v %d 2>/dev/null; ", l.MaxMemoryBytes/1024)
	}
	if l.MaxCPUSeconds > 0 {
		prefix += fmt.Sprintf("ulimit -t %d 2>/dev/null; ", l.MaxCPUSeconds)
	}
	if prefix != "" {
		c.Args[len(c.Args)-1] = prefix + c.Args[len(c.Args)-1]
	}
}
