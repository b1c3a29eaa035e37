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

package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
)

func TestSharedLocksCoexist(t *testing.T) {
	m := lock.NewManager()
	f := fh.FH{SID: 1, VID: 2, Ino: 1}

	require.NoError(t, m.Acquire(context.Background(), f, lock.Shared))
	require.NoError(t, m.Acquire(context.Background(), f, lock.Shared))
	assert.Equal(t, lock.Shared, m.LevelOf(f))

	m.Release(f, lock.Shared)
	assert.Equal(t, lock.Shared, m.LevelOf(f))
	m.Release(f, lock.Shared)
	assert.Equal(t, lock.Unlocked, m.LevelOf(f))
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := lock.NewManager()
	f := fh.FH{SID: 1, VID: 2, Ino: 2}

	require.NoError(t, m.Acquire(context.Background(), f, lock.Exclusive))

	acquired := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), f, lock.Shared)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("shared acquire should have blocked behind exclusive holder")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(f, lock.Exclusive)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("shared acquire never woke after exclusive release")
	}
	m.Release(f, lock.Shared)
}

func TestAcquireTwoOrdersByFH(t *testing.T) {
	m := lock.NewManager()
	a := fh.FH{SID: 1, VID: 2, Ino: 10}
	b := fh.FH{SID: 1, VID: 2, Ino: 20}

	var order []int
	var mu sync.Mutex

	release1, err := m.AcquireTwo(context.Background(), b, a, lock.Exclusive)
	require.NoError(t, err)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		release2, err := m.AcquireTwo(context.Background(), a, b, lock.Exclusive)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release2()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	release1()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

func TestLeaseGrantAndSteal(t *testing.T) {
	i := fh.NewIFH(fh.FH{SID: 1, VID: 2, Ino: 1})

	assert.True(t, lock.AcquireLease(i, 5, 1))
	assert.False(t, lock.AcquireLease(i, 6, 1)) // same generation, different owner: denied
	assert.True(t, lock.AcquireLease(i, 6, 2))  // strictly newer generation steals it
	assert.Equal(t, uint32(6), i.Lease.OwnerSID)
}

func TestReleaseLeaseOnlyByCurrentOwner(t *testing.T) {
	i := fh.NewIFH(fh.FH{SID: 1, VID: 2, Ino: 1})
	lock.AcquireLease(i, 5, 1)

	lock.ReleaseLease(i, 6, 1) // wrong owner: no-op
	assert.True(t, i.Lease.Held)

	lock.ReleaseLease(i, 5, 1)
	assert.False(t, i.Lease.Held)
}
