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

package toolchain

import (
	"context"

	"github.com/kilnforge/kiln/kerr"
)

// UseProfile snapshots the current state, writes name as the active
// profile, applies each of its registered versions via the atomic
// switch, and rolls back on failure (spec §4.8 "use_profile(name)
// snapshots, writes the active profile, applies each registered version
// via the atomic switch, and rolls back on failure").
func (m *Manager) UseProfile(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshot()
	if err != nil {
		return err
	}

	p, ok := snap.state.Profiles[name]
	if !ok {
		return kerr.New(kerr.ToolchainValidationFailed, "", "use_profile", nil).WithReason("unknown profile " + name)
	}

	if p.GCCActive != "" {
		if err := m.SwitchCompiler(p.GCCActive); err != nil {
			m.restore(snap)
			return err
		}
	}
	if p.KernelActive != "" {
		if err := m.SwitchKernel(p.KernelActive); err != nil {
			m.restore(snap)
			return err
		}
	}

	if err := quickValidate(ctx, m.BinDir); err != nil {
		m.restore(snap)
		return kerr.New(kerr.ToolchainValidationFailed, "", "use_profile", err)
	}

	snap.state.ActiveProfile = name
	m.appendHistory(snap.state, "use_profile", name)
	return saveState(m.StatePath, snap.state)
}
