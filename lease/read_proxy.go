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
	"context"
	"fmt"
	"io"
	"sync"
)

type readProxy struct {
	mu sync.Mutex

	leaser    *FileLeaser
	refresher Refresher
	rl        ReadLease // nil until first materialized
}

// NewReadProxy returns a ReadProxy that regenerates its content via r
// whenever the local cached copy has been evicted. initial, if non-nil,
// is used as the first cached copy instead of calling r immediately.
func NewReadProxy(leaser *FileLeaser, r Refresher, initial ReadLease) ReadProxy {
	return &readProxy{leaser: leaser, refresher: r, rl: initial}
}

func (rp *readProxy) Size() int64 {
	return rp.refresher.Size()
}

func (rp *readProxy) CheckInvariants() {}

func (rp *readProxy) Destroy() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.rl != nil {
		rp.rl.Revoke()
		rp.rl = nil
	}
}

// ensure returns a valid, non-revoked ReadLease, refreshing content from
// rp.refresher if necessary.
func (rp *readProxy) ensure(ctx context.Context) (ReadLease, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.rl != nil && !rp.rl.Revoked() {
		return rp.rl, nil
	}

	rwl, err := rp.leaser.NewFile()
	if err != nil {
		return nil, fmt.Errorf("NewFile: %v", err)
	}

	rc, err := rp.refresher.Refresh(ctx)
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
	if want := rp.refresher.Size(); n != want {
		return nil, fmt.Errorf("Copied %d bytes; expected %d", n, want)
	}

	rl, err := rwl.Downgrade()
	if err != nil {
		return nil, err
	}

	rp.rl = rl
	return rl, nil
}

func (rp *readProxy) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	rl, err := rp.ensure(ctx)
	if err != nil {
		return 0, err
	}

	n, err := rl.ReadAt(buf, off)
	if _, revoked := err.(*RevokedError); revoked {
		rl, err = rp.ensure(ctx)
		if err != nil {
			return 0, err
		}
		return rl.ReadAt(buf, off)
	}

	return n, err
}

func (rp *readProxy) Upgrade(ctx context.Context) (ReadWriteLease, error) {
	rl, err := rp.ensure(ctx)
	if err != nil {
		return nil, err
	}

	if rwl := rl.Upgrade(); rwl != nil {
		rp.mu.Lock()
		rp.rl = nil
		rp.mu.Unlock()
		return rwl, nil
	}

	// Lost a race with eviction; refresh once more and retry.
	rl, err = rp.ensure(ctx)
	if err != nil {
		return nil, err
	}

	rwl := rl.Upgrade()
	rp.mu.Lock()
	rp.rl = nil
	rp.mu.Unlock()
	return rwl, nil
}
