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

// Package binding implements the host-OS binding interface of spec §6:
// zfs_lookup, zfs_getattr, zfs_setattr, zfs_create, zfs_open, zfs_close,
// zfs_read, zfs_write, zfs_readdir, zfs_mkdir, zfs_rmdir, zfs_rename,
// zfs_link, zfs_unlink, zfs_readlink, zfs_symlink and zfs_mknod. Each
// method takes already-decoded arguments and returns either a result
// record or a ZFS_* error code (package zfserr); this package is
// responsible only for dispatching those decoded calls into the FH/
// dentry graph, the lock manager, the virtual directory skeleton and the
// local backing store, never for the kernel-facing request/reply wire
// format itself (that transport is out of scope, spec §1).
package binding

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/metadata"
	"github.com/zlomekfs/zfsd/internal/vdir"
	"github.com/zlomekfs/zfsd/internal/volume"
	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// Binding wires the host-OS entry points to the daemon's in-memory FH
// graph, lock manager, virtual directory skeleton and volume table. SID
// is this node's own station id, stamped into every FH this node mints.
type Binding struct {
	SID uint32

	Graph   *fh.Graph
	Locks   *lock.Manager
	VTree   *vdir.Tree
	Volumes *volume.Table

	inoCounter atomic.Uint64

	mu       sync.Mutex
	relPaths map[fh.FH]string // local path relative to the owning volume's LocalPath
	metaOf   map[uint32]*metadata.Store
	open     map[fh.FH]*os.File
}

// New returns a Binding ready to serve requests against graph, locks and
// vtree. metaByVolume supplies the metadata store for each volume id, so
// zfs_setattr/zfs_create/etc. can bump LocalVersion on every mutation
// (spec §4.2).
func New(sid uint32, graph *fh.Graph, locks *lock.Manager, vtree *vdir.Tree, volumes *volume.Table, metaByVolume map[uint32]*metadata.Store) *Binding {
	meta := make(map[uint32]*metadata.Store, len(metaByVolume))
	for k, v := range metaByVolume {
		meta[k] = v
	}
	return &Binding{
		SID:      sid,
		Graph:    graph,
		Locks:    locks,
		VTree:    vtree,
		Volumes:  volumes,
		relPaths: make(map[fh.FH]string),
		metaOf:   meta,
		open:     make(map[fh.FH]*os.File),
	}
}

func (b *Binding) nextIno() uint64 {
	return b.inoCounter.Add(1)
}

func (b *Binding) relPath(f fh.FH) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.relPaths[f]
	return p, ok
}

func (b *Binding) setRelPath(f fh.FH, p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relPaths[f] = p
}

func (b *Binding) dropRelPath(f fh.FH) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.relPaths, f)
}

func (b *Binding) localFile(vol *volume.Volume, f fh.FH) (string, bool) {
	rel, ok := b.relPath(f)
	if !ok || vol.LocalPath == "" {
		return "", false
	}
	return filepath.Join(vol.LocalPath, rel), true
}

// resolveVolume returns the volume owning a non-virtual FH.
func (b *Binding) resolveVolume(f fh.FH) (*volume.Volume, bool) {
	return b.Volumes.ByID(f.VID)
}

// DirEntry is one entry in a zfs_readdir reply.
type DirEntry struct {
	Name string
	FH   fh.FH
	Type fh.FileType
}

func opErr(op string, code zfserr.Code) error { return zfserr.New(op, code) }
