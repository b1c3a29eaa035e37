// Copyright 2025 Google LLC
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

// Package roundrobinslice cycles through a fixed slice one element at a
// time, used to spread pull traffic evenly across a volume's slave
// nodes (spec §3's Volume.Slaves) instead of always hammering the same
// replica.
package roundrobinslice

import "sync"

// RoundRobin cycles Get calls through items in order, wrapping back to
// the start. Safe for concurrent use.
type RoundRobin[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
}

// New wraps items for round-robin iteration. The slice is not copied;
// callers should not mutate it afterward.
func New[T any](items []T) *RoundRobin[T] {
	return &RoundRobin[T]{items: items}
}

// Get returns the next item in sequence, or the zero value and false if
// the underlying slice is empty.
func (r *RoundRobin[T]) Get() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	v := r.items[r.next]
	r.next = (r.next + 1) % len(r.items)
	return v, true
}
