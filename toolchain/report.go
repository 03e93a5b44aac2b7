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

// RuntimeReport is a read-only snapshot of the toolchain's active
// versions and the host triplet, consumed by the external health-check
// reporter.
type RuntimeReport struct {
	ActiveProfile string `json:"active_profile"`
	GCCActive     string `json:"gcc_active"`
	KernelActive  string `json:"kernel_active"`
	HostTriplet   string `json:"host_triplet"`
}

// RuntimeReport loads the current state and returns its active-version
// summary alongside the host triplet.
func (m *Manager) RuntimeReport() (*RuntimeReport, error) {
	s, err := m.load()
	if err != nil {
		return nil, err
	}
	p := s.Profiles[s.ActiveProfile]
	return &RuntimeReport{
		ActiveProfile: s.ActiveProfile,
		GCCActive:     p.GCCActive,
		KernelActive:  p.KernelActive,
		HostTriplet:   hostTriplet(),
	}, nil
}
