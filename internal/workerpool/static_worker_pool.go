// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workerpool implements the kernel/network/update thread pools
// of spec §5: each pool maintains min_spare <= idle <= max_spare and
// busy+idle <= max_total, growing under pressure and shrinking excess
// idle workers; each worker applies these bounds in its own loop, with
// no separate regulator goroutine.
package workerpool

import (
	"fmt"
	"sync"
)

// Task is one unit of work a pool worker pulls and runs to completion
// before re-parking (spec §5: "A worker pulls one task ... executes it
// to completion, then re-parks").
type Task interface {
	Run()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// StaticWorkerPool is a single named pool with a fixed-capacity task
// queue whose workers enforce (min_spare, max_spare, max_total) as they
// pick up and finish tasks.
type StaticWorkerPool struct {
	minSpare uint32
	maxSpare uint32
	maxTotal uint32

	tasks chan Task

	mu      sync.Mutex
	idle    uint32
	busy    uint32
	total   uint32
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStaticWorkerPool creates a pool with priorityWorker workers started
// eagerly (the min_spare floor) and room to grow up to normalWorker
// additional workers (the max_total ceiling above min_spare). At least
// one of the two must be non-zero.
func NewStaticWorkerPool(priorityWorker, normalWorker uint32) (*StaticWorkerPool, error) {
	if priorityWorker == 0 && normalWorker == 0 {
		return nil, fmt.Errorf("workerpool: at least one of priorityWorker, normalWorker must be non-zero")
	}
	return NewPool(priorityWorker, priorityWorker+normalWorker, priorityWorker+normalWorker)
}

// NewPool creates a pool with explicit (min_spare, max_spare, max_total)
// bounds, per spec §5's worker-pool configuration triple.
func NewPool(minSpare, maxSpare, maxTotal uint32) (*StaticWorkerPool, error) {
	if maxTotal == 0 {
		return nil, fmt.Errorf("workerpool: max_total must be non-zero")
	}
	if minSpare > maxSpare || maxSpare > maxTotal {
		return nil, fmt.Errorf("workerpool: bounds must satisfy min_spare <= max_spare <= max_total")
	}

	p := &StaticWorkerPool{
		minSpare: minSpare,
		maxSpare: maxSpare,
		maxTotal: maxTotal,
		tasks:    make(chan Task, maxTotal),
		stopCh:   make(chan struct{}),
	}
	for i := uint32(0); i < minSpare; i++ {
		p.spawn()
	}
	return p, nil
}

func (p *StaticWorkerPool) spawn() {
	p.mu.Lock()
	if p.total >= p.maxTotal {
		p.mu.Unlock()
		return
	}
	p.total++
	p.idle++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

func (p *StaticWorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			p.mu.Lock()
			p.idle--
			p.total--
			p.mu.Unlock()
			return
		case t, ok := <-p.tasks:
			if !ok {
				p.mu.Lock()
				p.idle--
				p.total--
				p.mu.Unlock()
				return
			}
			p.mu.Lock()
			p.idle--
			p.busy++
			overSpare := p.idle < p.minSpare && p.total < p.maxTotal
			p.mu.Unlock()

			if overSpare {
				p.spawn()
			}

			t.Run()

			p.mu.Lock()
			p.busy--
			p.idle++
			shrink := p.idle > p.maxSpare
			if shrink {
				p.idle--
				p.total--
			}
			p.mu.Unlock()

			if shrink {
				return
			}
		}
	}
}

// Submit enqueues t for execution, spawning a fresh worker first if no
// worker is idle and the pool has room under max_total (spec §5: "it
// ... spawns new ones under pressure").
func (p *StaticWorkerPool) Submit(t Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("workerpool: pool is stopped")
	}
	needSpawn := p.idle == 0 && p.total < p.maxTotal
	p.mu.Unlock()

	if needSpawn {
		p.spawn()
	}

	select {
	case p.tasks <- t:
		return nil
	case <-p.stopCh:
		return fmt.Errorf("workerpool: pool is stopped")
	}
}

// Stop sets the pool-wide shutdown flag and waits for every worker to
// finish its current task and exit (spec §5: "Pool shutdown sets a
// pool-wide flag and signals every worker; workers finish their current
// task and exit"). Safe to call more than once.
func (p *StaticWorkerPool) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// Stats reports the pool's current busy/idle/total worker counts.
func (p *StaticWorkerPool) Stats() (busy, idle, total uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy, p.idle, p.total
}
