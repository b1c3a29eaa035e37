// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package lock implements the per-iFH shared/exclusive latch of spec
// §4.4: three levels with a waiter queue, a total order for two-FH
// acquisition, and the reintegration lease with reconnect-fencing.
package lock

import (
	"context"
	"sync"

	"github.com/jacobsa/syncutil"

	"github.com/zlomekfs/zfsd/internal/fh"
)

// EnableInvariantChecking turns on Manager's checkInvariants pass on
// every Lock/Unlock, process-wide (spec's debug_invariants local config
// flag). Off by default: the pass walks every entry in the map and is
// too costly to run unconditionally in production.
func EnableInvariantChecking() { syncutil.EnableInvariantChecking() }

// DisableInvariantChecking reverts EnableInvariantChecking.
func DisableInvariantChecking() { syncutil.DisableInvariantChecking() }

// Level is a lock state: UNLOCKED, SHARED, or EXCLUSIVE (spec §4.4).
type Level int

const (
	Unlocked Level = iota
	Shared
	Exclusive
)

type entry struct {
	level       Level
	sharedCount int
	cond        *sync.Cond
	waiters     int
}

// Manager holds the lock state for every iFH currently locked or waited
// on. Entries for unlocked, unwaited iFHs are garbage collected so the
// map does not grow without bound (spec's destruction path queues an
// iFH only once its lock level is UNLOCKED).
//
// Acquisition order across packages is fixed by spec §5: fh_mutex ->
// volume_mutex -> volume -> iFH -> node. Manager models the "iFH" link
// in that chain; callers are responsible for acquiring fh_mutex/volume
// locks (held in package fh and the volume/node packages) before
// calling into Manager, and for dropping them first if Acquire must
// block — see AcquireWithRevalidate.
type Manager struct {
	mu      syncutil.InvariantMutex
	entries map[fh.FH]*entry
}

// NewManager returns an empty lock manager. Grounded on fs.go's
// `fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)`: the same
// InvariantMutex wraps this package's own map-guarding mutex, so a
// build with invariant checking enabled (EnableInvariantChecking) walks
// checkInvariants on every Lock/Unlock instead of only under `go test
// -race` intuition.
func NewManager() *Manager {
	m := &Manager{entries: make(map[fh.FH]*entry)}
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

// checkInvariants re-derives the per-entry invariants Acquire/Release
// maintain: a shared count only makes sense at Shared level, an
// exclusive holder or an unlocked entry has no shared count, and the
// waiter count is never negative. It does not check that idle, unwaited
// entries have been pruned from the map.
func (m *Manager) checkInvariants() {
	for f, e := range m.entries {
		switch e.level {
		case Exclusive:
			if e.sharedCount != 0 {
				panic("lock: exclusive entry with nonzero sharedCount for " + f.String())
			}
		case Shared:
			if e.sharedCount <= 0 {
				panic("lock: shared entry with non-positive sharedCount for " + f.String())
			}
		case Unlocked:
			if e.sharedCount != 0 {
				panic("lock: unlocked entry with nonzero sharedCount for " + f.String())
			}
		}
		if e.waiters < 0 {
			panic("lock: negative waiters for " + f.String())
		}
	}
}

func (m *Manager) entryFor(f fh.FH) *entry {
	e, ok := m.entries[f]
	if !ok {
		e = &entry{cond: sync.NewCond(&m.mu)}
		m.entries[f] = e
	}
	return e
}

// Acquire blocks until f can be locked at level and marks it so. The
// caller must eventually call Release(f, level). Acquire holds only the
// Manager's own mutex while waiting (via sync.Cond), never the iFH
// reference itself, so it is safe to call while other global latches
// have already been dropped by the caller per spec §4.4.
func (m *Manager) Acquire(ctx context.Context, f fh.FH, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entryFor(f)
	e.waiters++
	defer func() { e.waiters-- }()

	for !canAcquire(e, level) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.cond.Wait()
	}

	switch level {
	case Shared:
		e.level = Shared
		e.sharedCount++
	case Exclusive:
		e.level = Exclusive
	}
	return nil
}

func canAcquire(e *entry, level Level) bool {
	switch level {
	case Shared:
		return e.level != Exclusive
	case Exclusive:
		return e.level == Unlocked
	default:
		return true
	}
}

// Release drops one holder's claim at level on f. Once the last holder
// releases, waiters are woken and, if none remain, the entry is
// discarded so idle iFHs cost nothing.
func (m *Manager) Release(f fh.FH, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[f]
	if !ok {
		return
	}

	switch level {
	case Shared:
		if e.sharedCount > 0 {
			e.sharedCount--
		}
		if e.sharedCount == 0 {
			e.level = Unlocked
		}
	case Exclusive:
		e.level = Unlocked
	}

	e.cond.Broadcast()
	if e.level == Unlocked && e.waiters == 0 {
		delete(m.entries, f)
	}
}

// LevelOf reports the current lock level of f (Unlocked if never
// touched), used by the destruction path to decide eligibility.
func (m *Manager) LevelOf(f fh.FH) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[f]
	if !ok {
		return Unlocked
	}
	return e.level
}

// AcquireTwo acquires a and b at level in the total order spec §4.4
// mandates (by fh.Less) so that concurrent two-FH operations (rename,
// cross-directory link) can never deadlock against each other. It
// returns a release function that unlocks both in the reverse order.
func (m *Manager) AcquireTwo(ctx context.Context, a, b fh.FH, level Level) (release func(), err error) {
	first, second := a, b
	if b.Less(a) {
		first, second = b, a
	}
	if first == second {
		if err := m.Acquire(ctx, first, level); err != nil {
			return nil, err
		}
		return func() { m.Release(first, level) }, nil
	}

	if err := m.Acquire(ctx, first, level); err != nil {
		return nil, err
	}
	if err := m.Acquire(ctx, second, level); err != nil {
		m.Release(first, level)
		return nil, err
	}
	return func() {
		m.Release(second, level)
		m.Release(first, level)
	}, nil
}

// AcquireLease grants the reintegration lease on ifh to (sid,
// generation), per spec §4.4 and SPEC_FULL.md §D(a): only the current
// owner may hold it unless the requester's generation is strictly
// greater (a reconnect's new epoch), in which case the stale owner's
// lease is fenced off and stolen. The iFH's own lock must be held
// exclusively by the caller before calling this, since Lease lives on
// fh.IFH and is otherwise unsynchronized.
func AcquireLease(ifh *fh.IFH, sid uint32, generation uint64) bool {
	cur := ifh.Lease
	if !cur.Held {
		ifh.Lease = fh.Lease{OwnerSID: sid, Generation: generation, Held: true}
		return true
	}
	if cur.OwnerSID == sid && cur.Generation == generation {
		return true
	}
	if generation > cur.Generation {
		ifh.Lease = fh.Lease{OwnerSID: sid, Generation: generation, Held: true}
		return true
	}
	return false
}

// ReleaseLease drops the reintegration lease on ifh if owner still
// holds the generation it was granted under.
func ReleaseLease(ifh *fh.IFH, sid uint32, generation uint64) {
	if ifh.Lease.Held && ifh.Lease.OwnerSID == sid && ifh.Lease.Generation == generation {
		ifh.Lease = fh.Lease{}
	}
}
