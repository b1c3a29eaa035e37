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
	"fmt"
	"io"
	"sync"
)

// autoRefreshingReadLease is a ReadLease that regenerates its content by
// calling f whenever the underlying lease has been evicted, but which
// can also be permanently revoked by its owner.
type autoRefreshingReadLease struct {
	mu sync.Mutex

	leaser  *FileLeaser
	size    int64
	f       func() (io.ReadCloser, error)
	rl      ReadLease
	revoked bool
}

func NewAutoRefreshingReadLease(
	leaser *FileLeaser,
	size int64,
	f func() (io.ReadCloser, error)) ReadLease {
	return &autoRefreshingReadLease{leaser: leaser, size: size, f: f}
}

func (a *autoRefreshingReadLease) Size() int64 {
	return a.size
}

func (a *autoRefreshingReadLease) ensure() (ReadLease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.revoked {
		return nil, &RevokedError{}
	}
	if a.rl != nil && !a.rl.Revoked() {
		return a.rl, nil
	}

	rwl, err := a.leaser.NewFile()
	if err != nil {
		return nil, fmt.Errorf("NewFile: %v", err)
	}

	rc, err := a.f()
	if err != nil {
		return nil, err
	}

	n, copyErr := io.Copy(rwl, rc)
	closeErr := rc.Close()

	if copyErr != nil {
		return nil, fmt.Errorf("Copy: %v", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("Close: %v", closeErr)
	}
	if n != a.size {
		return nil, fmt.Errorf("Copied %d bytes; expected %d", n, a.size)
	}

	rl, err := rwl.Downgrade()
	if err != nil {
		return nil, err
	}

	a.rl = rl
	return rl, nil
}

func (a *autoRefreshingReadLease) Read(p []byte) (int, error) {
	rl, err := a.ensure()
	if err != nil {
		return 0, err
	}
	return rl.Read(p)
}

func (a *autoRefreshingReadLease) ReadAt(p []byte, off int64) (int, error) {
	rl, err := a.ensure()
	if err != nil {
		return 0, err
	}
	return rl.ReadAt(p, off)
}

func (a *autoRefreshingReadLease) Seek(offset int64, whence int) (int64, error) {
	rl, err := a.ensure()
	if err != nil {
		return 0, err
	}
	return rl.Seek(offset, whence)
}

func (a *autoRefreshingReadLease) Revoked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revoked
}

func (a *autoRefreshingReadLease) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.revoked {
		return
	}
	a.revoked = true
	if a.rl != nil {
		a.rl.Revoke()
	}
}

func (a *autoRefreshingReadLease) Upgrade() ReadWriteLease {
	rl, err := a.ensure()
	if err != nil {
		return nil
	}
	return rl.Upgrade()
}
