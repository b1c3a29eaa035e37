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
	"os"
	"sync/atomic"
)

type readLease struct {
	leaser *FileLeaser
	f      *os.File
	size   int64

	elem    *list.Element // leaser.lru position; nil once revoked/upgraded
	revoked int32         // atomic bool
}

func (rl *readLease) checkRevoked() error {
	if atomic.LoadInt32(&rl.revoked) != 0 {
		return &RevokedError{}
	}
	return nil
}

// markRevoked is called by the leaser when evicting this lease. The
// caller already holds leaser.mu and has removed rl from the LRU list.
func (rl *readLease) markRevoked() {
	atomic.StoreInt32(&rl.revoked, 1)
	rl.f.Close()
}

func (rl *readLease) Read(p []byte) (int, error) {
	if err := rl.checkRevoked(); err != nil {
		return 0, err
	}
	rl.leaser.touch(rl)
	return rl.f.Read(p)
}

func (rl *readLease) ReadAt(p []byte, off int64) (int, error) {
	if err := rl.checkRevoked(); err != nil {
		return 0, err
	}
	rl.leaser.touch(rl)
	return rl.f.ReadAt(p, off)
}

func (rl *readLease) Seek(offset int64, whence int) (int64, error) {
	if err := rl.checkRevoked(); err != nil {
		return 0, err
	}
	rl.leaser.touch(rl)
	return rl.f.Seek(offset, whence)
}

func (rl *readLease) Size() int64 {
	return rl.size
}

func (rl *readLease) Revoked() bool {
	return atomic.LoadInt32(&rl.revoked) != 0
}

func (rl *readLease) Revoke() {
	if !atomic.CompareAndSwapInt32(&rl.revoked, 0, 1) {
		return
	}
	rl.leaser.removeReadLease(rl)
	rl.f.Close()
}

func (rl *readLease) Upgrade() ReadWriteLease {
	if !atomic.CompareAndSwapInt32(&rl.revoked, 0, 1) {
		return nil
	}
	rl.leaser.removeReadLease(rl)

	size, err := func() (int64, error) {
		fi, err := rl.f.Stat()
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}()
	if err != nil {
		size = rl.size
	}

	return &readWriteLease{leaser: rl.leaser, f: rl.f, lastSize: size}
}
