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

package volume_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/volume"
)

func TestTableInsertLookupRemove(t *testing.T) {
	tbl := volume.NewTable()
	v := &volume.Volume{ID: 1, Name: "vol1"}
	tbl.Insert(v)

	got, ok := tbl.ByID(1)
	require.True(t, ok)
	assert.Same(t, v, got)

	got, ok = tbl.ByName("vol1")
	require.True(t, ok)
	assert.Same(t, v, got)

	tbl.Remove(1)
	_, ok = tbl.ByID(1)
	assert.False(t, ok)
	_, ok = tbl.ByName("vol1")
	assert.False(t, ok)
}

func TestQuiescenceGatesDeletion(t *testing.T) {
	v := &volume.Volume{ID: 1, Name: "vol1"}
	v.IncLockedFH()
	v.MarkForDeletion()

	tbl := volume.NewTable()
	tbl.Insert(v)

	assert.Empty(t, tbl.MarkedForDeletion(), "should not be ready while an iFH is locked")

	v.DecLockedFH()
	assert.Len(t, tbl.MarkedForDeletion(), 1)
}

func TestTableMarkAllAndUnmark(t *testing.T) {
	tbl := volume.NewTable()
	a := &volume.Volume{ID: 1, Name: "a"}
	b := &volume.Volume{ID: 2, Name: "b"}
	tbl.Insert(a)
	tbl.Insert(b)

	tbl.MarkAll()
	assert.True(t, a.Marked())
	assert.True(t, b.Marked())

	a.UnmarkForDeletion()
	assert.False(t, a.Marked())

	ready := tbl.MarkedForDeletion()
	require.Len(t, ready, 1)
	assert.Equal(t, uint32(2), ready[0].ID)
}

func TestApplyLocalConfig(t *testing.T) {
	v := &volume.Volume{ID: 1, Name: "a", LocalPath: "/old", SizeLimit: 1}
	v.ApplyLocalConfig(4096, "/new")
	assert.Equal(t, int64(4096), v.SizeLimit)
	assert.Equal(t, "/new", v.LocalPath)
}
