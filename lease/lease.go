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

// Package lease manages temporary local files that back the content the
// client has pulled from a node's master -- spec §6's pulled byte ranges
// and §3's local disk cache. A FileLeaser bounds how many bytes of that
// cache may be resident at once, evicting the least recently used
// read-only content to make room for new pulls.
package lease

import (
	"context"
	"io"
)

// RevokedError is returned by a ReadLease or ReadWriteLease method after
// the lease has been revoked, either voluntarily or by the leaser to
// free up space.
type RevokedError struct{}

func (*RevokedError) Error() string {
	return "lease: revoked"
}

// ReadWriteLease is a read/write view of a local temp file. The caller
// has exclusive access until it downgrades to a ReadLease, at which
// point the content becomes evictable.
type ReadWriteLease interface {
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Write(p []byte) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(n int64) error
	Size() (int64, error)

	// Downgrade gives up exclusive access, returning a ReadLease over the
	// same content. The receiver must not be used again.
	Downgrade() (ReadLease, error)
}

// ReadLease is a read-only view of a local temp file that the leaser may
// revoke at any time to reclaim space. Revoked returns true once that
// has happened; every other method then returns a RevokedError.
type ReadLease interface {
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Size() int64

	Revoke()
	Revoked() bool

	// Upgrade reclaims exclusive access, returning nil if the lease has
	// already been revoked.
	Upgrade() ReadWriteLease
}

// Refresher knows how to regenerate the content behind a ReadProxy, e.g.
// by re-issuing the RPC that pulled a byte range from a node's master.
type Refresher interface {
	Size() int64
	Refresh(ctx context.Context) (io.ReadCloser, error)
}

// ReadProxy presents a view of content that is regenerated on demand
// from a Refresher and cached locally via a FileLeaser.
type ReadProxy interface {
	Size() int64
	ReadAt(ctx context.Context, buf []byte, off int64) (int, error)
	Upgrade(ctx context.Context) (ReadWriteLease, error)
	Destroy()
	CheckInvariants()
}
