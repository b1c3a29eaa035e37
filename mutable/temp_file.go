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

// Package mutable provides a mutable view over a cached file's contents,
// backed by the lease package. No other package of this module imports
// it; the update and reintegrate packages do not use it.
package mutable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zlomekfs/zfsd/clock"
	"github.com/zlomekfs/zfsd/lease"
)

// StatResult describes the current state of a TempFile's content.
type StatResult struct {
	// Size is the current size in bytes of the content.
	Size int64

	// All bytes in the range [0, DirtyThreshold) are guaranteed unmodified
	// from the content the TempFile was created with.
	DirtyThreshold int64

	// Mtime is the time at which the content was last modified, or nil if
	// it has never been modified.
	Mtime *time.Time
}

// TempFile is a mutable view on some initial content. Created read-only, it
// is upgraded to a read/write lease on first write or truncate. External
// synchronization is required.
type TempFile interface {
	// CheckInvariants panics if any internal invariant is violated. Intended
	// for use in tests.
	CheckInvariants()

	// Stat returns information about the current state of the content.
	Stat() (StatResult, error)

	// ReadAt has the semantics of io.ReaderAt.
	ReadAt(b []byte, o int64) (int, error)

	// WriteAt has the semantics of io.WriterAt.
	WriteAt(b []byte, o int64) (int, error)

	// Truncate changes the size of the content, extending with zeroes if n
	// is greater than the current size.
	Truncate(n int64) error

	// Release hands back the current read/write lease, if any, to the
	// caller and puts the TempFile into a destroyed state. Returns nil if
	// the content was never dirtied.
	Release() lease.ReadWriteLease

	// Destroy releases any resources held, putting the object into an
	// indeterminate state. The object must not be used again.
	Destroy()
}

type tempFile struct {
	clock clock.Clock

	destroyed bool

	// Non-nil iff the content has never been dirtied.
	//
	// INVARIANT: (initialContent == nil) != (rwl == nil)
	initialContent lease.ReadProxy

	// Non-nil iff the content has been dirtied.
	rwl lease.ReadWriteLease

	// INVARIANT: initialContent != nil => dirtyThreshold == initialContent.Size()
	dirtyThreshold int64

	// INVARIANT: dirty() => mtime != nil
	mtime *time.Time
}

// NewTempFile returns a TempFile whose initial contents are read from r,
// cached via leaser so that reads before any write are served from the
// shared byte-budgeted cache rather than held in memory twice.
func NewTempFile(leaser *lease.FileLeaser, r io.Reader, clk clock.Clock) (TempFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading initial content: %w", err)
	}

	proxy := lease.NewReadProxy(leaser, &staticRefresher{content: data}, nil)

	return &tempFile{
		clock:          clk,
		initialContent: proxy,
		dirtyThreshold: proxy.Size(),
	}, nil
}

func (tf *tempFile) CheckInvariants() {
	if tf.destroyed {
		panic("use of destroyed TempFile")
	}

	if (tf.initialContent == nil) == (tf.rwl == nil) {
		panic("exactly one of initialContent and rwl must be non-nil")
	}

	if tf.dirty() && tf.mtime == nil {
		panic("expected non-nil mtime for dirty content")
	}

	if tf.initialContent != nil {
		tf.initialContent.CheckInvariants()
		if tf.dirtyThreshold != tf.initialContent.Size() {
			panic(fmt.Sprintf(
				"dirty threshold mismatch: %d vs %d",
				tf.dirtyThreshold, tf.initialContent.Size()))
		}
	}
}

func (tf *tempFile) dirty() bool {
	return tf.rwl != nil
}

func (tf *tempFile) Stat() (StatResult, error) {
	var size int64
	var err error
	if tf.dirty() {
		size, err = tf.rwl.Size()
	} else {
		size = tf.initialContent.Size()
	}
	if err != nil {
		return StatResult{}, fmt.Errorf("size: %w", err)
	}

	return StatResult{
		Size:           size,
		DirtyThreshold: tf.dirtyThreshold,
		Mtime:          tf.mtime,
	}, nil
}

func (tf *tempFile) ReadAt(b []byte, o int64) (int, error) {
	if tf.dirty() {
		return tf.rwl.ReadAt(b, o)
	}
	return tf.initialContent.ReadAt(context.Background(), b, o)
}

func (tf *tempFile) WriteAt(b []byte, o int64) (int, error) {
	if err := tf.ensureReadWriteLease(); err != nil {
		return 0, fmt.Errorf("ensureReadWriteLease: %w", err)
	}

	tf.dirtyThreshold = minInt64(tf.dirtyThreshold, o)
	now := tf.clock.Now()
	tf.mtime = &now

	return tf.rwl.WriteAt(b, o)
}

func (tf *tempFile) Truncate(n int64) error {
	if err := tf.ensureReadWriteLease(); err != nil {
		return fmt.Errorf("ensureReadWriteLease: %w", err)
	}

	tf.dirtyThreshold = minInt64(tf.dirtyThreshold, n)
	now := tf.clock.Now()
	tf.mtime = &now

	return tf.rwl.Truncate(n)
}

func (tf *tempFile) Release() lease.ReadWriteLease {
	rwl := tf.rwl
	tf.destroyed = true
	tf.rwl = nil
	if tf.initialContent != nil {
		tf.initialContent.Destroy()
		tf.initialContent = nil
	}
	return rwl
}

func (tf *tempFile) Destroy() {
	tf.destroyed = true

	if tf.initialContent != nil {
		tf.initialContent.Destroy()
		tf.initialContent = nil
	}

	if tf.rwl != nil {
		if rl, err := tf.rwl.Downgrade(); err == nil {
			rl.Revoke()
		}
		tf.rwl = nil
	}
}

func (tf *tempFile) ensureReadWriteLease() error {
	if tf.rwl != nil {
		return nil
	}

	rwl, err := tf.initialContent.Upgrade(context.Background())
	if err != nil {
		return fmt.Errorf("initialContent.Upgrade: %w", err)
	}

	tf.rwl = rwl
	tf.initialContent = nil
	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

type staticRefresher struct {
	content []byte
}

func (r *staticRefresher) Size() int64 { return int64(len(r.content)) }

func (r *staticRefresher) Refresh(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.content)), nil
}
