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

// Package sandbox is the isolated build root (C3): one filesystem tree per
// build, addressable by name, with optional chroot, bind mounts and
// resource limits around every command it runs.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/kilnforge/kiln/clog"
)

// Bind is one requested bind-mount descriptor: Source on the host is
// exposed at Target, a path relative to the sandbox root.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits bounds the resources a single Run invocation's command may
// consume. A zero value disables the corresponding limit.
type Limits struct {
	MaxMemoryBytes uint64
	MaxCPUSeconds  uint64
}

// Manager creates and tracks sandboxes under a single base directory. It
// holds no package-level state (spec §9) so callers run isolated managers
// rooted at a tmp directory in tests.
type Manager struct {
	BaseDir string
	Limits  Limits

	mu       sync.Mutex
	sandboxes map[string]*Sandbox
}

// New returns a Manager creating sandboxes under baseDir.
func New(baseDir string) *Manager {
	return &Manager{BaseDir: baseDir, sandboxes: map[string]*Sandbox{}}
}

// Sandbox is a single build's isolated working root.
type Sandbox struct {
	Name  string
	Root  string
	Binds []Bind
	Keep  bool

	mounted []string // targets currently bind-mounted, for Destroy to unwind
}

// BuildDir, InstallDir, TmpDir and LogsDir are the canonical subdirectories
// created under every sandbox root (spec §4.3).
func (s *Sandbox) BuildDir() string   { return filepath.Join(s.Root, "build") }
func (s *Sandbox) InstallDir() string { return filepath.Join(s.Root, "install") }
func (s *Sandbox) TmpDir() string     { return filepath.Join(s.Root, "tmp") }
func (s *Sandbox) LogsDir() string    { return filepath.Join(s.Root, "logs") }

// Create allocates a sandbox root named name, creates its subdirectories,
// records the requested bind-mount descriptors, and attempts to mount
// them (best-effort: a failed bind mount is logged and the descriptor is
// still recorded, since sandboxing is advisory on hosts without the
// required privileges).
func (m *Manager) Create(ctx context.Context, name string, binds []Bind, keep bool) (*Sandbox, error) {
	m.mu.Lock()
	if _, exists := m.sandboxes[name]; exists {
		m.mu.Unlock()
		return nil, errors.Errorf("sandbox %q already exists", name)
	}
	m.mu.Unlock()

	root := filepath.Join(m.BaseDir, name)
	for _, sub := range []string{"build", "install", "tmp", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, errors.Wrapf(err, "sandbox %q: create", name)
		}
	}

	sb := &Sandbox{Name: name, Root: root, Binds: binds, Keep: keep}
	for _, b := range binds {
		target := filepath.Join(root, b.Target)
		if err := os.MkdirAll(target, 0755); err != nil {
			return nil, errors.Wrapf(err, "sandbox %q: create", name)
		}
		if err := mountBind(b.Source, target, b.ReadOnly); err != nil {
			clog.Warningf(ctx, "sandbox %q: bind mount %s->%s failed (continuing unmounted): %v", name, b.Source, target, err)
			continue
		}
		sb.mounted = append(sb.mounted, target)
	}

	m.mu.Lock()
	m.sandboxes[name] = sb
	m.mu.Unlock()
	return sb, nil
}

// Destroy unmounts any active binds and removes the sandbox root, unless
// Keep was set at Create time and force is false.
func (m *Manager) Destroy(name string, force bool) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[name]
	if ok {
		delete(m.sandboxes, name)
	}
	m.mu.Unlock()
	if !ok {
		root := filepath.Join(m.BaseDir, name)
		return unmountAndRemove(root, nil, force)
	}
	if sb.Keep && !force {
		return nil
	}
	return unmountAndRemove(sb.Root, sb.mounted, force)
}

func unmountAndRemove(root string, mounted []string, force bool) error {
	for i := len(mounted) - 1; i >= 0; i-- {
		if err := unmountBind(mounted[i]); err != nil && !force {
			return fmt.Errorf("sandbox: unmount %s: %w", mounted[i], err)
		}
	}
	return os.RemoveAll(root)
}
