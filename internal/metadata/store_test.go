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

package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/metadata"
)

func openTestStore(t *testing.T) *metadata.Store {
	t.Helper()
	dir := t.TempDir()
	var lastErr error
	s, err := metadata.Open(dir, 2, func(err error) { lastErr = err })
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		assert.Nil(t, lastErr, "no metadata operation should have failed")
	})
	return s
}

func TestFlushThenLookup(t *testing.T) {
	s := openTestStore(t)

	rec := metadata.Record{
		Dev:           1,
		Ino:           42,
		LocalVersion:  3,
		MasterVersion: 3,
		MasterFH:      fh.FH{SID: 2, VID: 5, Ino: 42},
		Flags:         fh.FlagComplete,
	}
	require.NoError(t, s.Flush(rec))

	got, ok := s.Lookup(1, 42)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	rec := metadata.Record{Dev: 1, Ino: 7}
	require.NoError(t, s.Flush(rec))
	require.NoError(t, s.Delete(1, 7))

	_, ok := s.Lookup(1, 7)
	assert.False(t, ok)
}

func TestHardlinkLifecycle(t *testing.T) {
	s := openTestStore(t)
	master := fh.FH{SID: 1, VID: 2, Ino: 9}

	require.NoError(t, s.HardlinkInsert(master, 1, 9, "a"))
	require.NoError(t, s.HardlinkInsert(master, 1, 9, "b"))
	assert.Equal(t, uint32(2), s.HardlinkNumber(master))

	require.NoError(t, s.HardlinkReplace(master, "a", "a-renamed"))

	require.NoError(t, s.HardlinkRemove(master, "a-renamed"))
	assert.Equal(t, uint32(1), s.HardlinkNumber(master))

	require.NoError(t, s.HardlinkRemove(master, "b"))
	assert.Equal(t, uint32(0), s.HardlinkNumber(master))
}

func TestJournalAddAndAnnihilate(t *testing.T) {
	s := openTestStore(t)
	dirFH := fh.FH{SID: 1, VID: 2, Ino: 1}

	require.NoError(t, s.AddJournalEntry(dirFH, metadata.JournalEntry{
		Oper: metadata.OperAdd,
		Name: "f",
	}))
	empty, err := s.JournalEmpty(dirFH)
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, s.AddJournalEntry(dirFH, metadata.JournalEntry{
		Oper: metadata.OperDel,
		Name: "f",
	}))
	empty, err = s.JournalEmpty(dirFH)
	require.NoError(t, err)
	assert.True(t, empty, "an ADD followed by a DEL of the same name should annihilate")
}

func TestAppendIntervalMergesAndFlushes(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()

	i := fh.NewIFH(fh.FH{SID: 1, VID: 2, Ino: 3})
	require.NoError(t, s.AppendInterval(i, metadata.IntervalUpdated, 0, 10, 0, dir))
	assert.True(t, i.Updated.Covers(0, 10))
}
