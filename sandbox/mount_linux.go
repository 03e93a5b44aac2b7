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

package sandbox

import "golang.org/x/sys/unix"

// mountBind bind-mounts source onto target, grounded on distr1/distri's
// chroot build pattern (cmd/distri/build.go), which bind-mounts the
// source tree, destdir and /dev/null the same way before chrooting.
func mountBind(source, target string, readOnly bool) error {
	flags := uintptr(unix.MS_BIND)
	if err := unix.Mount(source, target, "", flags, ""); err != nil {
		return err
	}
	if readOnly {
		flags |= unix.MS_REMOUNT | unix.MS_RDONLY
		if err := unix.Mount(source, target, "", flags, ""); err != nil {
			unix.Unmount(target, 0)
			return err
		}
	}
	return nil
}

func unmountBind(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}

// chroot switches the calling process's root to dir, as distri's build
// does right before running build steps.
func chroot(dir string) error {
	return unix.Chroot(dir)
}
