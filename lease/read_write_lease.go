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

import "os"

type readWriteLease struct {
	leaser   *FileLeaser
	f        *os.File
	lastSize int64
	revoked  bool
}

func (rwl *readWriteLease) checkRevoked() error {
	if rwl.revoked {
		return &RevokedError{}
	}
	return nil
}

// accountForSize charges or credits the leaser's budget for any change
// in the file's size since the last call.
func (rwl *readWriteLease) accountForSize() {
	fi, err := rwl.f.Stat()
	if err != nil {
		return
	}

	size := fi.Size()
	if delta := size - rwl.lastSize; delta != 0 {
		rwl.leaser.growUsed(delta)
	}
	rwl.lastSize = size
}

func (rwl *readWriteLease) Read(p []byte) (int, error) {
	if err := rwl.checkRevoked(); err != nil {
		return 0, err
	}
	return rwl.f.Read(p)
}

func (rwl *readWriteLease) ReadAt(p []byte, off int64) (int, error) {
	if err := rwl.checkRevoked(); err != nil {
		return 0, err
	}
	return rwl.f.ReadAt(p, off)
}

func (rwl *readWriteLease) Write(p []byte) (int, error) {
	if err := rwl.checkRevoked(); err != nil {
		return 0, err
	}
	n, err := rwl.f.Write(p)
	rwl.accountForSize()
	return n, err
}

func (rwl *readWriteLease) WriteAt(p []byte, off int64) (int, error) {
	if err := rwl.checkRevoked(); err != nil {
		return 0, err
	}
	n, err := rwl.f.WriteAt(p, off)
	rwl.accountForSize()
	return n, err
}

func (rwl *readWriteLease) Seek(offset int64, whence int) (int64, error) {
	if err := rwl.checkRevoked(); err != nil {
		return 0, err
	}
	return rwl.f.Seek(offset, whence)
}

func (rwl *readWriteLease) Truncate(n int64) error {
	if err := rwl.checkRevoked(); err != nil {
		return err
	}
	err := rwl.f.Truncate(n)
	rwl.accountForSize()
	return err
}

func (rwl *readWriteLease) Size() (int64, error) {
	if err := rwl.checkRevoked(); err != nil {
		return 0, err
	}
	fi, err := rwl.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (rwl *readWriteLease) Downgrade() (ReadLease, error) {
	if err := rwl.checkRevoked(); err != nil {
		return nil, err
	}

	size, err := rwl.Size()
	if err != nil {
		return nil, err
	}

	rl := &readLease{leaser: rwl.leaser, f: rwl.f, size: size}
	rwl.revoked = true
	rwl.leaser.addReadLease(rl)

	return rl, nil
}
