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

package fh_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/fh"
)

func TestFHOrdering(t *testing.T) {
	a := fh.FH{SID: 1, VID: 2, Dev: 0, Ino: 5, Gen: 0}
	b := fh.FH{SID: 1, VID: 2, Dev: 0, Ino: 6, Gen: 0}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestLinkAndUnlinkUpdatesNlink(t *testing.T) {
	g := fh.NewGraph()
	root := fh.FH{SID: 1, VID: 2, Ino: 1}
	child := fh.FH{SID: 1, VID: 2, Ino: 2}

	i := fh.NewIFH(child)
	g.Insert(i, 2, "f")

	g.Link(root, "f", child, false)
	g.Link(root, "g", child, false) // hardlink

	got, ok := g.Lookup(child)
	require.True(t, ok)
	assert.Equal(t, uint32(2), got.Attrs.Nlink)

	dentries := g.DentriesByIFH(child)
	assert.Len(t, dentries, 2)

	removed, ok := g.Unlink(root, "f")
	require.True(t, ok)
	assert.Equal(t, child, removed)

	got, _ = g.Lookup(child)
	assert.Equal(t, uint32(1), got.Attrs.Nlink)
}

func TestRenamePreservesIdentity(t *testing.T) {
	g := fh.NewGraph()
	d1 := fh.FH{SID: 1, VID: 2, Ino: 10}
	d2 := fh.FH{SID: 1, VID: 2, Ino: 11}
	file := fh.FH{SID: 1, VID: 2, Ino: 20}

	i := fh.NewIFH(file)
	g.Insert(i, 2, "f")
	g.Link(d1, "f", file, false)

	_, hadReplaced, err := g.Rename(d1, "f", d2, "f")
	require.NoError(t, err)
	assert.False(t, hadReplaced)

	_, ok := g.Dentry(d1, "f")
	assert.False(t, ok)

	moved, ok := g.Dentry(d2, "f")
	require.True(t, ok)
	assert.Equal(t, file, moved.Child)
}

func TestQueueDestroyAndResurrect(t *testing.T) {
	g := fh.NewGraph()
	orphan := fh.FH{SID: 1, VID: 2, Ino: 99}
	g.Insert(fh.NewIFH(orphan), 2, "")

	g.QueueDestroy(orphan)
	g.Resurrect(orphan)

	destroyed := g.SweepDestroyed()
	assert.NotContains(t, destroyed, orphan)

	_, ok := g.Lookup(orphan)
	assert.True(t, ok)
}

func TestSweepDestroyedRemovesUnreferenced(t *testing.T) {
	g := fh.NewGraph()
	orphan := fh.FH{SID: 1, VID: 2, Ino: 100}
	g.Insert(fh.NewIFH(orphan), 2, "")
	g.QueueDestroy(orphan)

	destroyed := g.SweepDestroyed()
	assert.Contains(t, destroyed, orphan)

	_, ok := g.Lookup(orphan)
	assert.False(t, ok)
}

func TestBuildRelativePathSkipsConflictLevels(t *testing.T) {
	g := fh.NewGraph()
	root := fh.FH{SID: 1, VID: 2, Ino: 1}
	dir := fh.FH{SID: 1, VID: 2, Ino: 2}
	conflict := fh.FH{SID: 1, VID: 2, Ino: 3}
	winner := fh.FH{SID: 1, VID: 2, Ino: 4}

	g.Insert(fh.NewIFH(dir), 2, "d")
	g.Insert(fh.NewIFH(conflict), 2, "d/c")
	g.Insert(fh.NewIFH(winner), 2, "d/c/node-a")

	g.Link(root, "d", dir, false)
	cd := g.Link(dir, "c", conflict, false)
	_ = cd
	wd := g.Link(conflict, "node-a", winner, true)

	path, err := fh.BuildRelativePath(g, root, wd)
	require.NoError(t, err)
	assert.Equal(t, "d/c", path)
}
