//  Copyright 2018 Google Inc. All Rights Reserved.
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

// Package tasker is a bounded-concurrency task queue used by the bootstrap
// manager to dispatch independent package builds. Unlike a single-worker
// serial queue, a Pool runs up to Workers tasks at once; callers that need
// mutual exclusion around a shared name (the package database's per-name
// write lock, for instance) must still provide it themselves.
package tasker

import (
	"context"
	"sync"

	"github.com/kilnforge/kiln/clog"
)

// Pool is a worker pool of bounded parallelism. It holds no package-level
// state so tests (and concurrent bootstrap runs) can each own an isolated
// instance.
type Pool struct {
	workers int

	startOnce sync.Once
	tc        chan *task
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type task struct {
	name string
	run  func()
}

// New creates a Pool with the given number of concurrent workers. workers<1
// is treated as 1.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers, tc: make(chan *task)}
}

func (p *Pool) start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(ctx)
		}
	})
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.tc {
		clog.Debugf(ctx, "tasker running %q", t.name)
		t.run()
		clog.Debugf(ctx, "tasker finished %q", t.name)
	}
}

// Enqueue adds a task to the pool, starting its workers on first use. A
// call to Enqueue after (or still blocked when) Close closes the task
// channel panics with a send on a closed channel, so callers call Close
// only once all Enqueue calls have returned.
func (p *Pool) Enqueue(ctx context.Context, name string, f func()) {
	p.start(ctx)
	p.tc <- &task{name: name, run: f}
}

// Close prevents any further tasks from being enqueued and waits for every
// in-flight and queued task to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tc)
	})
	p.wg.Wait()
}
