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

package lease

import (
	"container/list"
	"fmt"
	"os"
	"sync"
)

// FileLeaser hands out ReadWriteLeases backed by anonymous temp files
// and bounds the total bytes resident across every lease it has handed
// out, read-write and read-only alike, evicting the least recently used
// ReadLease to stay under limitBytes.
type FileLeaser struct {
	dir        string
	limitBytes int64

	mu   sync.Mutex
	used int64
	lru  *list.List // of *readLease, front = most recently used
}

func NewFileLeaser(dir string, limitBytes int64) *FileLeaser {
	return &FileLeaser{
		dir:        dir,
		limitBytes: limitBytes,
		lru:        list.New(),
	}
}

// NewFile returns a fresh, empty, exclusively-held lease.
func (fl *FileLeaser) NewFile() (ReadWriteLease, error) {
	f, err := os.CreateTemp(fl.dir, "zfsd-lease-")
	if err != nil {
		return nil, fmt.Errorf("CreateTemp: %w", err)
	}

	// Unlink immediately; the fd keeps the data alive until closed, and
	// we never need to find the file by name again.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("Remove: %w", err)
	}

	return &readWriteLease{leaser: fl, f: f}, nil
}

// growUsed records a delta in resident bytes (positive for growth,
// negative for shrinkage) and evicts read leases until back under
// budget.
func (fl *FileLeaser) growUsed(delta int64) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.used += delta
	fl.evictLocked()
}

func (fl *FileLeaser) evictLocked() {
	for fl.used > fl.limitBytes {
		back := fl.lru.Back()
		if back == nil {
			return
		}

		victim := back.Value.(*readLease)
		fl.lru.Remove(back)
		fl.used -= victim.size
		victim.markRevoked()
	}
}

// addReadLease registers a freshly downgraded lease as evictable.
func (fl *FileLeaser) addReadLease(rl *readLease) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	rl.elem = fl.lru.PushFront(rl)
	fl.evictLocked()
}

// removeReadLease takes rl out of the evictable set, e.g. because it
// was upgraded back to a ReadWriteLease or voluntarily revoked.
func (fl *FileLeaser) removeReadLease(rl *readLease) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if rl.elem != nil {
		fl.lru.Remove(rl.elem)
		rl.elem = nil
		fl.used -= rl.size
	}
}

func (fl *FileLeaser) touch(rl *readLease) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if rl.elem != nil {
		fl.lru.MoveToFront(rl.elem)
	}
}
