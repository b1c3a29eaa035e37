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

package binding

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/metadata"
	"github.com/zlomekfs/zfsd/internal/vdir"
	"github.com/zlomekfs/zfsd/internal/volume"
	"github.com/zlomekfs/zfsd/internal/zfserr"
)

const testVID = 7

func newFixture(t *testing.T) (*Binding, fh.FH) {
	t.Helper()

	graph := fh.NewGraph()
	locks := lock.NewManager()
	vtree := vdir.NewTree()

	store, err := metadata.Open(t.TempDir(), 1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vol := &volume.Volume{ID: testVID, Name: "v7", Mountpoint: "/m", LocalPath: t.TempDir()}
	rootFH := fh.FH{SID: 1, VID: testVID, Dev: 0, Ino: 1, Gen: 1}
	vol.RootDentry = rootFH

	volTable := volume.NewTable()
	volTable.Insert(vol)

	node, err := vtree.Mount("/m", testVID)
	require.NoError(t, err)
	require.True(t, node.HasVol)

	rootIFH := fh.NewIFH(rootFH)
	rootIFH.Attrs = fh.Attrs{Type: fh.TypeDirectory, Mode: 0o755, Nlink: 2}
	graph.Insert(rootIFH, testVID, "")

	b := New(1, graph, locks, vtree, volTable, map[uint32]*metadata.Store{testVID: store})
	b.setRelPath(rootFH, "")

	return b, rootFH
}

func TestLookupCrossesIntoVolumeRoot(t *testing.T) {
	b, rootFH := newFixture(t)

	child, attrs, err := b.Lookup(b.VTree.Root().FH, "m")
	require.NoError(t, err)
	require.Equal(t, rootFH, child)
	require.Equal(t, fh.TypeDirectory, attrs.Type)
}

func TestLookupUnknownNameIsENOENT(t *testing.T) {
	b, rootFH := newFixture(t)

	_, _, err := b.Lookup(rootFH, "nope")
	require.Error(t, err)
	require.Equal(t, zfserr.ENOENT, zfserr.CodeOf(err))
}

func TestCreateReadWriteRoundTrip(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	child, attrs, err := b.Create(ctx, rootFH, "a.txt", 0o644)
	require.NoError(t, err)
	require.Equal(t, fh.TypeRegular, attrs.Type)

	require.NoError(t, b.Open(child))
	defer b.Close(child)

	n, err := b.Write(child, 0, []byte("hi\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := b.Read(child, 0, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("hi\n"), got)

	attrs, err = b.Getattr(child)
	require.NoError(t, err)
	require.EqualValues(t, 3, attrs.Size)

	_, _, lerr := b.Lookup(rootFH, "a.txt")
	require.NoError(t, lerr)
}

func TestCreateDuplicateNameIsEEXIST(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	_, _, err := b.Create(ctx, rootFH, "a.txt", 0o644)
	require.NoError(t, err)

	_, _, err = b.Create(ctx, rootFH, "a.txt", 0o644)
	require.Error(t, err)
	require.Equal(t, zfserr.EEXIST, zfserr.CodeOf(err))
}

func TestMkdirAndReaddir(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	child, _, err := b.Mkdir(ctx, rootFH, "d1", 0o755)
	require.NoError(t, err)

	entries, err := b.Readdir(rootFH)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "d1", entries[0].Name)
	require.Equal(t, child, entries[0].FH)
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	_, _, err := b.Mkdir(ctx, rootFH, "d1", 0o755)
	require.NoError(t, err)
	d1, _, err := b.Lookup(rootFH, "d1")
	require.NoError(t, err)

	_, _, err = b.Create(ctx, d1, "f", 0o644)
	require.NoError(t, err)

	err = b.Rmdir(ctx, rootFH, "d1")
	require.Error(t, err)
	require.Equal(t, zfserr.ENOTEMPTY, zfserr.CodeOf(err))
}

func TestRenamePreservesIdentity(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	_, _, err := b.Mkdir(ctx, rootFH, "d1", 0o755)
	require.NoError(t, err)
	_, _, err = b.Mkdir(ctx, rootFH, "d2", 0o755)
	require.NoError(t, err)

	d1, _, err := b.Lookup(rootFH, "d1")
	require.NoError(t, err)
	d2, _, err := b.Lookup(rootFH, "d2")
	require.NoError(t, err)

	f, _, err := b.Create(ctx, d1, "f", 0o644)
	require.NoError(t, err)

	require.NoError(t, b.Rename(ctx, d1, "f", d2, "f"))

	moved, _, err := b.Lookup(d2, "f")
	require.NoError(t, err)
	require.Equal(t, f, moved)

	_, _, err = b.Lookup(d1, "f")
	require.Error(t, err)
	require.Equal(t, zfserr.ENOENT, zfserr.CodeOf(err))
}

func TestUnlinkDropsLastHardlink(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	f, _, err := b.Create(ctx, rootFH, "a", 0o644)
	require.NoError(t, err)

	require.NoError(t, b.Unlink(ctx, rootFH, "a"))

	_, _, err = b.Lookup(rootFH, "a")
	require.Error(t, err)
	require.Equal(t, zfserr.ENOENT, zfserr.CodeOf(err))

	// The iFH itself survives until the background sweep collects it;
	// unlink only detaches the dentry (spec §4.3 "Destruction").
	_, err = b.Getattr(f)
	require.NoError(t, err)

	destroyed := b.Graph.SweepDestroyed()
	require.Contains(t, destroyed, f)
}

func TestUnlinkMovesToShadowWhenJournalEntryPending(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	f, _, err := b.Create(ctx, rootFH, "a", 0o644)
	require.NoError(t, err)

	store := b.metaOf[testVID]
	require.NoError(t, store.AddJournalEntry(rootFH, metadata.JournalEntry{Oper: metadata.OperAdd, LocalFH: f, Name: "a"}))

	require.NoError(t, b.Unlink(ctx, rootFH, "a"))

	rel, ok := b.relPath(f)
	require.True(t, ok, "shadowed file should keep a relPath entry")
	require.Equal(t, shadowDir, filepath.Dir(rel))

	vol, ok := b.resolveVolume(f)
	require.True(t, ok)
	_, statErr := os.Stat(filepath.Join(vol.LocalPath, rel))
	require.NoError(t, statErr, "shadowed file's bytes should survive under .shadow")
}

func TestLinkAddsSecondName(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	f, _, err := b.Create(ctx, rootFH, "a", 0o644)
	require.NoError(t, err)

	require.NoError(t, b.Link(ctx, rootFH, "b", f))

	aFH, _, err := b.Lookup(rootFH, "a")
	require.NoError(t, err)
	bFH, _, err := b.Lookup(rootFH, "b")
	require.NoError(t, err)
	require.Equal(t, aFH, bFH)

	attrs, err := b.Getattr(f)
	require.NoError(t, err)
	require.EqualValues(t, 2, attrs.Nlink)
}

func TestSymlinkReadlink(t *testing.T) {
	b, rootFH := newFixture(t)
	ctx := context.Background()

	link, err := b.Symlink(ctx, rootFH, "l", "/target")
	require.NoError(t, err)

	target, err := b.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "/target", target)
}

func TestSetattrRejectsVirtualParent(t *testing.T) {
	b, _ := newFixture(t)
	ctx := context.Background()

	_, err := b.Setattr(ctx, b.VTree.Root().FH, fh.Attrs{}, SetMode)
	require.Error(t, err)
	require.Equal(t, zfserr.EROFS, zfserr.CodeOf(err))
}
