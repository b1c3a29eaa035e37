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

package update_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/config"
	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/metadata"
	"github.com/zlomekfs/zfsd/internal/node"
	"github.com/zlomekfs/zfsd/internal/update"
	"github.com/zlomekfs/zfsd/roundrobinslice"
)

type fakePeer struct {
	mu            sync.Mutex
	attrs         fh.Attrs
	masterVersion uint64
	content       []byte
	written       map[int64][]byte
	entries       []update.DirEntry
	reintegrated  uint64
	reads         int
}

func (p *fakePeer) GetAttr(ctx context.Context, master fh.FH) (fh.Attrs, uint64, error) {
	return p.attrs, p.masterVersion, nil
}

func (p *fakePeer) Readdir(ctx context.Context, master fh.FH) ([]update.DirEntry, error) {
	return p.entries, nil
}

func (p *fakePeer) ReadRange(ctx context.Context, master fh.FH, lo, hi int64) ([]byte, error) {
	p.mu.Lock()
	p.reads++
	p.mu.Unlock()
	return p.content[lo:hi], nil
}

func (p *fakePeer) WriteRange(ctx context.Context, master fh.FH, lo int64, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.written == nil {
		p.written = make(map[int64][]byte)
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.written[lo] = cp
	return nil
}

func (p *fakePeer) MD5Sum(ctx context.Context, master fh.FH, ranges []fh.Interval) ([][16]byte, error) {
	return nil, nil
}

func (p *fakePeer) ReintegrateVer(ctx context.Context, master fh.FH, delta uint64) error {
	p.reintegrated += delta
	return nil
}

func newTempFD(t *testing.T, content []byte) int {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "update-fd-*")
	require.NoError(t, err)
	if len(content) > 0 {
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func newEngine(t *testing.T, peer update.Peer) (*update.Engine, *fh.Graph) {
	t.Helper()
	g := fh.NewGraph()
	l := lock.NewManager()
	s, err := metadata.Open(t.TempDir(), 2, func(error) {})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return update.NewEngine(g, l, s, peer, 1), g
}

func TestUpdateIfNeededNoOpWhenVersionsMatch(t *testing.T) {
	peer := &fakePeer{}
	e, g := newEngine(t, peer)

	self := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: 10}
	ifh := fh.NewIFH(self)
	ifh.Metadata.LocalVersion = 5
	ifh.Metadata.MasterVersion = 5
	g.Insert(ifh, 2, "")

	require.NoError(t, e.UpdateIfNeeded(context.Background(), ifh, update.ModeAllUpdate))
	assert.Equal(t, uint64(5), ifh.Metadata.LocalVersion)
}

func TestUpdateIfNeededPullsMissingRanges(t *testing.T) {
	content := []byte("hello world")
	peer := &fakePeer{attrs: fh.Attrs{Size: int64(len(content))}, masterVersion: 2, content: content}
	e, g := newEngine(t, peer)

	self := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: 11}
	ifh := fh.NewIFH(self)
	ifh.Metadata.LocalVersion = 1
	ifh.Metadata.MasterVersion = 2
	ifh.Metadata.MasterFH = fh.FH{SID: 9, VID: 2, Ino: 11}
	ifh.Attrs.Type = fh.TypeRegular
	ifh.FD = newTempFD(t, make([]byte, len(content)))
	ifh.HasFD = true
	g.Insert(ifh, 2, "")

	require.NoError(t, e.UpdateIfNeeded(context.Background(), ifh, update.ModeAllUpdate))
	assert.Equal(t, uint64(2), ifh.Metadata.LocalVersion)
	assert.True(t, ifh.Updated.CoversWhole(int64(len(content))))
	assert.True(t, ifh.Metadata.Flags&fh.FlagComplete != 0)
}

func TestUpdateIfNeededPushesModifiedRanges(t *testing.T) {
	peer := &fakePeer{masterVersion: 1}
	e, g := newEngine(t, peer)

	self := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: 12}
	ifh := fh.NewIFH(self)
	ifh.Metadata.LocalVersion = 2
	ifh.Metadata.MasterVersion = 1
	ifh.Metadata.MasterFH = fh.FH{SID: 9, VID: 2, Ino: 12}
	ifh.Attrs.Type = fh.TypeRegular
	data := []byte("patched!")
	ifh.FD = newTempFD(t, data)
	ifh.HasFD = true
	ifh.Modified.Append(0, int64(len(data)))
	g.Insert(ifh, 2, "")

	require.NoError(t, e.UpdateIfNeeded(context.Background(), ifh, update.ModeReintegrate))
	assert.Equal(t, data, peer.written[0])
	assert.Equal(t, uint64(1), peer.reintegrated)
	assert.Equal(t, uint64(2), ifh.Metadata.MasterVersion)
	assert.Empty(t, ifh.Modified.Intervals())
}

func TestUpdateIfNeededRoundRobinsPullsAcrossReplicas(t *testing.T) {
	content := []byte("abcdefgh")
	master := &fakePeer{masterVersion: 2}
	replica1 := &fakePeer{attrs: fh.Attrs{Size: int64(len(content))}, masterVersion: 2, content: content}
	replica2 := &fakePeer{attrs: fh.Attrs{Size: int64(len(content))}, masterVersion: 2, content: content}

	e, g := newEngine(t, master)
	e.Replicas = roundrobinslice.New([]update.Peer{replica1, replica2})

	pull := func(ino uint64) {
		self := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: ino}
		ifh := fh.NewIFH(self)
		ifh.Metadata.LocalVersion = 1
		ifh.Metadata.MasterVersion = 2
		ifh.Metadata.MasterFH = fh.FH{SID: 9, VID: 2, Ino: ino}
		ifh.Attrs.Type = fh.TypeRegular
		ifh.FD = newTempFD(t, make([]byte, len(content)))
		ifh.HasFD = true
		g.Insert(ifh, 2, "")
		require.NoError(t, e.UpdateIfNeeded(context.Background(), ifh, update.ModeAllUpdate))
	}

	pull(20)
	pull(21)
	pull(22)

	assert.Equal(t, 2, replica1.reads)
	assert.Equal(t, 1, replica2.reads)
	assert.Zero(t, master.reads)
}

func TestUpdateIfNeededMapsIncomingAttrsUIDGID(t *testing.T) {
	content := []byte("data")
	peer := &fakePeer{attrs: fh.Attrs{Size: int64(len(content)), UID: 500, GID: 50}, masterVersion: 2, content: content}
	e, g := newEngine(t, peer)

	nodes := node.NewTable()
	master := node.NewNode(9, "master", "h", 1)
	master.UIDMap.Set(100, 500)
	master.GIDMap.Set(10, 50)
	nodes.Insert(master)
	e.Mapper = config.NewMapper(nodes)
	defer e.Mapper.Stop()

	self := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: 30}
	ifh := fh.NewIFH(self)
	ifh.Metadata.LocalVersion = 1
	ifh.Metadata.MasterVersion = 2
	ifh.Metadata.MasterFH = fh.FH{SID: 9, VID: 2, Ino: 30}
	ifh.Attrs.Type = fh.TypeRegular
	ifh.FD = newTempFD(t, make([]byte, len(content)))
	ifh.HasFD = true
	g.Insert(ifh, 2, "")

	require.NoError(t, e.UpdateIfNeeded(context.Background(), ifh, update.ModeAllUpdate))
	assert.Equal(t, uint32(100), ifh.Attrs.UID)
	assert.Equal(t, uint32(10), ifh.Attrs.GID)
}

func TestUpdateIfNeededBuildsConflictWhenBothSidesDiverged(t *testing.T) {
	peer := &fakePeer{masterVersion: 5}
	e, g := newEngine(t, peer)

	parent := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: 1}
	g.Insert(fh.NewIFH(parent), 2, "")

	self := fh.FH{SID: 1, VID: 2, Dev: 1, Ino: 13}
	ifh := fh.NewIFH(self)
	ifh.Metadata.LocalVersion = 2
	ifh.Metadata.MasterVersion = 3
	ifh.Metadata.MasterFH = fh.FH{SID: 9, VID: 2, Ino: 13}
	ifh.Attrs.Type = fh.TypeRegular
	ifh.Modified.Append(0, 4)
	g.Insert(ifh, 2, "")
	g.Link(parent, "b", self, false)

	require.NoError(t, e.UpdateIfNeeded(context.Background(), ifh, update.ModeAllUpdate))

	d, ok := g.Dentry(parent, "b")
	require.True(t, ok)
	children := g.ChildDentries(d.Child)
	assert.Len(t, children, 2)
}
