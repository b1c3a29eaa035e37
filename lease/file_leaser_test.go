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

package lease_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/lease"
)

const limitBytes = 17

func newFileOfLength(t *testing.T, fl *lease.FileLeaser, length int) lease.ReadWriteLease {
	t.Helper()
	rwl, err := fl.NewFile()
	require.NoError(t, err)
	_, err = rwl.Write(bytes.Repeat([]byte("a"), length))
	require.NoError(t, err)
	return rwl
}

func isRevoked(rl lease.ReadLease) bool {
	_, err := rl.ReadAt([]byte{}, 0)
	_, ok := err.(*lease.RevokedError)
	return ok
}

func TestReadWriteLeaseInitialState(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)
	rwl, err := fl.NewFile()
	require.NoError(t, err)

	size, err := rwl.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)

	buf := make([]byte, 1024)
	n, err := rwl.Read(buf)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)
}

func TestModifyThenObserveReadWriteLease(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)
	rwl, err := fl.NewFile()
	require.NoError(t, err)

	n, err := rwl.Write([]byte("tacoburrito"))
	require.NoError(t, err)
	assert.Equal(t, len("tacoburrito"), n)

	size, err := rwl.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len("tacoburrito"), size)

	n, err = rwl.WriteAt([]byte("enchilada"), 4)
	require.NoError(t, err)
	assert.Equal(t, len("enchilada"), n)

	size, err = rwl.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len("tacoenchilada"), size)

	require.NoError(t, rwl.Truncate(4))
	size, err = rwl.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len("taco"), size)
}

func TestDowngradeThenObserve(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)
	rwl, err := fl.NewFile()
	require.NoError(t, err)

	_, err = rwl.Write([]byte("taco"))
	require.NoError(t, err)

	rl, err := rwl.Downgrade()
	require.NoError(t, err)

	buf := make([]byte, 1024)
	_, err = rwl.Read(buf)
	assert.IsType(t, &lease.RevokedError{}, err)

	assert.EqualValues(t, len("taco"), rl.Size())

	n, err := rl.ReadAt(buf, 0)
	assert.True(t, err == nil || err == io.EOF)
	assert.Equal(t, "taco", string(buf[:n]))
}

func TestDowngradeThenUpgradeThenObserve(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)
	rwl, err := fl.NewFile()
	require.NoError(t, err)

	_, err = rwl.Write([]byte("taco"))
	require.NoError(t, err)

	rl, err := rwl.Downgrade()
	require.NoError(t, err)

	rwl2 := rl.Upgrade()
	require.NotNil(t, rwl2)

	buf := make([]byte, 1024)
	_, err = rl.ReadAt(buf, 0)
	assert.IsType(t, &lease.RevokedError{}, err)
	assert.Nil(t, rl.Upgrade())

	size, err := rwl2.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len("taco"), size)
}

func TestDowngradeFileWhoseSizeIsAboveLimit(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)
	rwl, err := fl.NewFile()
	require.NoError(t, err)

	_, err = rwl.Write(bytes.Repeat([]byte("a"), limitBytes+1))
	require.NoError(t, err)

	rl, err := rwl.Downgrade()
	require.NoError(t, err)

	assert.True(t, rl.Revoked(), "oversized lease should be revoked on arrival")
	assert.Nil(t, rl.Upgrade())
}

func TestWriteCausesEviction(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)

	rwl0, err := fl.NewFile()
	require.NoError(t, err)
	_, err = rwl0.Write(bytes.Repeat([]byte("a"), limitBytes))
	require.NoError(t, err)
	rl, err := rwl0.Downgrade()
	require.NoError(t, err)
	assert.False(t, isRevoked(rl))

	rwl, err := fl.NewFile()
	require.NoError(t, err)
	assert.False(t, isRevoked(rl))

	_, err = rwl.Write([]byte(""))
	require.NoError(t, err)
	assert.False(t, isRevoked(rl))

	_, err = rwl.Write([]byte("a"))
	require.NoError(t, err)
	assert.True(t, isRevoked(rl))
}

func TestTruncateCausesEviction(t *testing.T) {
	fl := lease.NewFileLeaser("", limitBytes)

	rwl0 := newFileOfLength(t, fl, limitBytes-3)
	rl, err := rwl0.Downgrade()
	require.NoError(t, err)
	assert.False(t, isRevoked(rl))

	rwl, err := fl.NewFile()
	require.NoError(t, err)

	require.NoError(t, rwl.Truncate(3))
	assert.False(t, isRevoked(rl))

	require.NoError(t, rwl.Truncate(2))
	assert.False(t, isRevoked(rl))

	require.NoError(t, rwl.Truncate(4))
	assert.True(t, isRevoked(rl))
}

func TestEvictionIsLRU(t *testing.T) {
	fl := lease.NewFileLeaser("", 4)

	rl0, err := newFileOfLength(t, fl, 1).Downgrade()
	require.NoError(t, err)
	rl1, err := newFileOfLength(t, fl, 1).Downgrade()
	require.NoError(t, err)
	rl2, err := newFileOfLength(t, fl, 1).Downgrade()
	require.NoError(t, err)
	rl3, err := newFileOfLength(t, fl, 1).Downgrade()
	require.NoError(t, err)

	// Touch in order rl0, rl2, rl1, rl3 so rl0 is least recently used.
	buf := make([]byte, 1)
	rl0.ReadAt(buf, 0)
	rl2.ReadAt(buf, 0)
	rl1.ReadAt(buf, 0)
	rl3.ReadAt(buf, 0)

	rwl, err := fl.NewFile()
	require.NoError(t, err)

	_, err = rwl.Write([]byte("a"))
	require.NoError(t, err)

	assert.True(t, rl0.Revoked())
	assert.False(t, rl1.Revoked())
	assert.False(t, rl2.Revoked())
	assert.False(t, rl3.Revoked())
}
