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

//go:build linux

package toolchain

import "golang.org/x/sys/unix"

// hostTriplet derives a GNU-style triplet (e.g. "x86_64-linux-gnu") from
// uname(2), the same call distri-style bootstrap tooling uses to probe
// the host before cross-compiling.
func hostTriplet() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown-linux-gnu"
	}
	machine := cstr(u.Machine[:])
	if machine == "" {
		machine = "unknown"
	}
	return machine + "-linux-gnu"
}

func cstr(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
