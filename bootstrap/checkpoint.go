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

package bootstrap

import (
	"bufio"
	"os"
	"sync"

	"github.com/google/renameio"
)

// checkpointSet tracks which base packages have already been built
// successfully, persisted as one name per line so a restart can skip
// them (spec §4.9 "checkpoints are written per successful package so
// that a restart skips completed packages").
type checkpointSet struct {
	path string
	mu   sync.Mutex
	done map[string]bool
}

func loadCheckpoint(path string) (*checkpointSet, error) {
	c := &checkpointSet{path: path, done: map[string]bool{}}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			c.done[line] = true
		}
	}
	return c, sc.Err()
}

func (c *checkpointSet) isDone(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[name]
}

func (c *checkpointSet) markDone(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done[name] {
		return nil
	}
	c.done[name] = true
	return c.rewriteLocked()
}

func (c *checkpointSet) rewriteLocked() error {
	var buf []byte
	for name := range c.done {
		buf = append(buf, name...)
		buf = append(buf, '\n')
	}
	return renameio.WriteFile(c.path, buf, 0644)
}
