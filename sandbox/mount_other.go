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

//go:build !linux

package sandbox

import "fmt"

// mountBind, unmountBind and chroot have no non-Linux implementation;
// sandboxing degrades to plain directory isolation there, matching the
// "sandboxing is advisory on hosts without the required privileges"
// contract Create documents.

func mountBind(source, target string, readOnly bool) error {
	return fmt.Errorf("bind mounts are not supported on this platform")
}

func unmountBind(target string) error {
	return fmt.Errorf("bind mounts are not supported on this platform")
}

func chroot(dir string) error {
	return fmt.Errorf("chroot is not supported on this platform")
}
