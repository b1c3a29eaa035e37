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

// Package fh implements the file handle type and the canonical in-memory
// iFH/dentry graph (spec §3, §4.3): the four index structures that give
// every known inode and every path that reaches it a stable identity.
package fh

import (
	"fmt"
	"strings"
	"sync"
)

const (
	MaxNameLen = 255
	MaxPathLen = 4096
)

// FH is the 5-tuple file handle (spec §3): (sid, vid, dev, ino, gen).
// sid identifies the authoritative node, vid the volume, (dev, ino) the
// underlying storage inode on that node, gen a generation counter bumped
// when an inode slot is reused.
type FH struct {
	SID uint32
	VID uint32
	Dev uint32
	Ino uint64
	Gen uint32
}

// Less imposes the total order spec §4.4 requires for two-FH acquisition
// (rename, cross-directory link): locks are always taken in this order.
func (a FH) Less(b FH) bool {
	switch {
	case a.SID != b.SID:
		return a.SID < b.SID
	case a.VID != b.VID:
		return a.VID < b.VID
	case a.Dev != b.Dev:
		return a.Dev < b.Dev
	case a.Ino != b.Ino:
		return a.Ino < b.Ino
	default:
		return a.Gen < b.Gen
	}
}

func (f FH) String() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d", f.SID, f.VID, f.Dev, f.Ino, f.Gen)
}

// IsVirtual reports whether f addresses a node in the static mount-point
// skeleton rather than a real file (spec §3: sid=0).
func (f FH) IsVirtual() bool { return f.SID == 0 }

// IsRegular reports whether f backs a real file on an authoritative node
// (spec §3: sid>0, vid>1).
func (f FH) IsRegular() bool { return f.SID > 0 && f.VID > 1 }

// Kind classifies the three well-known FH families plus the synthetic
// conflict-directory kind (spec §3).
type Kind int

const (
	KindRegular Kind = iota
	KindVirtual
	KindNonExist
	KindConflict
)

// dentryKey is the lookup key for the parent-and-name index.
type dentryKey struct {
	parent FH
	name   string
}

// Dentry is a named edge: parent iFH + name -> child iFH (spec §3). The
// root of a mounted volume has a single dentry whose parent is a virtual
// directory. A conflict dentry's two children share its own path.
type Dentry struct {
	Parent FH
	Name   string
	Child  FH

	// Conflict is set when this dentry sits inside a conflict directory;
	// its two sibling dentries are reached via Graph.ConflictChildren.
	Conflict bool
}

// Flag is one of the metadata-record flags carried on an iFH (spec §3).
type Flag int

const (
	FlagComplete Flag = 1 << iota
	FlagModifiedTree
	FlagShadow
	FlagShadowTree
)

// Attrs is the cached attribute set on an iFH (spec §3).
type Attrs struct {
	Type    FileType
	Mode    uint32
	UID     uint32
	GID     uint32
	Nlink   uint32
	Size    int64
	Blksize int32
	Blocks  int64
	Atime   int64
	Mtime   int64
	Ctime   int64
	Version uint64
}

// FileType enumerates the inode types an iFH's cached attributes carry.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeBlock
	TypeChar
	TypeFIFO
	TypeSocket
)

// Metadata is the on-disk metadata record mirrored onto an iFH (spec §3).
type Metadata struct {
	LocalVersion  uint64
	MasterVersion uint64
	MasterFH      FH
	Flags         Flag
}

// Lease is the per-iFH reintegration lease (spec §4.4): only the owner
// (sid, generation) may reintegrate; a newer generation steals it.
type Lease struct {
	OwnerSID   uint32
	Generation uint64
	Held       bool
}

// IFH is the canonical in-memory record for a regular FH (spec §3). All
// mutable fields are guarded by the lock state in package lock; callers
// must hold the appropriate level before touching Attrs/Metadata/Updated/
// Modified/Lease.
type IFH struct {
	fh IFH_id

	Attrs    Attrs
	Metadata Metadata

	// FD is the opened file descriptor backing this iFH, if any, paired
	// with the generation it was opened under.
	FD    int
	FDGen uint32
	HasFD bool

	Updated  *IntervalTree
	Modified *IntervalTree

	Lease Lease

	dentries []FH // keys into Graph.dentries, identified by (parent,name)
}

// IFH_id exists only so IFH can embed its own key without importing the
// package that owns the index maps; Graph always looks IFHs up by FH.
type IFH_id = FH

// FH returns the file handle that keys this iFH.
func (i *IFH) FH() FH { return i.fh }

// Graph owns the four index structures of spec §4.3:
//  1. iFH[fh]                       -> *IFH
//  2. dentry[parent_fh, name]       -> *Dentry
//  3. dentry_by_iFH[fh]             -> []*Dentry
//  4. iFH_by_local_path[vol, path]  -> *IFH
//
// All mutation goes through Graph's methods, which hold mu for the
// duration of an index update; the longer-held per-iFH lock state lives
// in package lock and is orthogonal to this mutex (spec §5: fh_mutex ->
// volume_mutex -> volume -> iFH -> node).
type Graph struct {
	mu sync.Mutex

	byFH         map[FH]*IFH
	byDentryKey  map[dentryKey]*Dentry
	byParentIFH  map[FH][]*Dentry // dentry_by_iFH, keyed by the PARENT's fh for fast readdir; see ChildDentries
	byChildIFH   map[FH][]*Dentry // dentry_by_iFH proper: every dentry reaching this child
	byLocalPath  map[localPathKey]FH

	pendingDestroy map[FH]struct{}
}

type localPathKey struct {
	volume uint32
	path   string
}

// NewGraph constructs an empty FH/dentry graph.
func NewGraph() *Graph {
	return &Graph{
		byFH:           make(map[FH]*IFH),
		byDentryKey:    make(map[dentryKey]*Dentry),
		byParentIFH:    make(map[FH][]*Dentry),
		byChildIFH:     make(map[FH][]*Dentry),
		byLocalPath:    make(map[localPathKey]FH),
		pendingDestroy: make(map[FH]struct{}),
	}
}

// Lookup returns the iFH for fh, if present.
func (g *Graph) Lookup(fh FH) (*IFH, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.byFH[fh]
	return i, ok
}

// LookupByLocalPath resolves a (volume, relative path) pair, used by
// configuration-file change notifications whose only key is the local
// disk path (spec §4.3 index 4).
func (g *Graph) LookupByLocalPath(volume uint32, relPath string) (*IFH, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fh, ok := g.byLocalPath[localPathKey{volume, relPath}]
	if !ok {
		return nil, false
	}
	i, ok := g.byFH[fh]
	return i, ok
}

// Insert adds a newly-created iFH to the graph, indexing it by local
// path if relPath is non-empty.
func (g *Graph) Insert(i *IFH, volume uint32, relPath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byFH[i.fh] = i
	if relPath != "" {
		g.byLocalPath[localPathKey{volume, relPath}] = i.fh
	}
}

// NewIFH allocates a fresh, unindexed iFH for fh.
func NewIFH(fh FH) *IFH {
	return &IFH{
		fh:       fh,
		Updated:  NewIntervalTree(),
		Modified: NewIntervalTree(),
	}
}

// Dentry returns the dentry naming child under parent, if one exists.
func (g *Graph) Dentry(parent FH, name string) (*Dentry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.byDentryKey[dentryKey{parent, name}]
	return d, ok
}

// ChildDentries returns every dentry directly under parent, for readdir.
func (g *Graph) ChildDentries(parent FH) []*Dentry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Dentry, len(g.byParentIFH[parent]))
	copy(out, g.byParentIFH[parent])
	return out
}

// DentriesByIFH returns every dentry reaching child, for hardlink walks
// (spec §4.3 index 3) and for the nlink invariant.
func (g *Graph) DentriesByIFH(child FH) []*Dentry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Dentry, len(g.byChildIFH[child]))
	copy(out, g.byChildIFH[child])
	return out
}

// Link creates a dentry naming child under parent. Used by lookup,
// create, mkdir, symlink, link, mknod and as the second half of rename.
func (g *Graph) Link(parent FH, name string, child FH, conflict bool) *Dentry {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := &Dentry{Parent: parent, Name: name, Child: child, Conflict: conflict}
	k := dentryKey{parent, name}
	g.byDentryKey[k] = d
	g.byParentIFH[parent] = append(g.byParentIFH[parent], d)
	g.byChildIFH[child] = append(g.byChildIFH[child], d)

	if ifh, ok := g.byFH[child]; ok {
		ifh.Attrs.Nlink = uint32(len(g.byChildIFH[child]))
	}
	return d
}

// Unlink removes the dentry naming name under parent, used by unlink,
// rmdir, and as the first half of rename/conflict resolution. It returns
// the iFH that the removed dentry pointed to, so the caller can decide
// whether to queue it for destruction.
func (g *Graph) Unlink(parent FH, name string) (FH, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := dentryKey{parent, name}
	d, ok := g.byDentryKey[k]
	if !ok {
		return FH{}, false
	}
	delete(g.byDentryKey, k)
	g.byParentIFH[parent] = removeDentry(g.byParentIFH[parent], d)
	g.byChildIFH[d.Child] = removeDentry(g.byChildIFH[d.Child], d)

	if ifh, ok := g.byFH[d.Child]; ok {
		ifh.Attrs.Nlink = uint32(len(g.byChildIFH[d.Child]))
	}
	return d.Child, true
}

// Rename reparents the dentry at (oldParent, oldName) to (newParent,
// newName), reusing the same iFH identity (spec §8 invariant 2). If a
// dentry already exists at the destination it is first detached and its
// iFH returned so the caller can unlink/overwrite it.
func (g *Graph) Rename(oldParent FH, oldName string, newParent FH, newName string) (replaced FH, hadReplaced bool, err error) {
	g.mu.Lock()

	srcKey := dentryKey{oldParent, oldName}
	src, ok := g.byDentryKey[srcKey]
	if !ok {
		g.mu.Unlock()
		return FH{}, false, fmt.Errorf("fh: rename: source dentry %v/%q not found", oldParent, oldName)
	}

	dstKey := dentryKey{newParent, newName}
	if existing, ok := g.byDentryKey[dstKey]; ok {
		replaced = existing.Child
		hadReplaced = true
		delete(g.byDentryKey, dstKey)
		g.byParentIFH[newParent] = removeDentry(g.byParentIFH[newParent], existing)
		g.byChildIFH[existing.Child] = removeDentry(g.byChildIFH[existing.Child], existing)
	}

	delete(g.byDentryKey, srcKey)
	g.byParentIFH[oldParent] = removeDentry(g.byParentIFH[oldParent], src)
	g.byChildIFH[src.Child] = removeDentry(g.byChildIFH[src.Child], src)

	src.Parent = newParent
	src.Name = newName
	g.byDentryKey[dstKey] = src
	g.byParentIFH[newParent] = append(g.byParentIFH[newParent], src)
	g.byChildIFH[src.Child] = append(g.byChildIFH[src.Child], src)

	g.mu.Unlock()
	return replaced, hadReplaced, nil
}

func removeDentry(list []*Dentry, d *Dentry) []*Dentry {
	for i, e := range list {
		if e == d {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// QueueDestroy marks fh as having an empty dentry list and an unlocked
// state, making it eligible for background destruction after the grace
// window (spec §4.3 "Destruction"). A subsequent Lookup/Link resurrects
// it by removing it from the pending set.
func (g *Graph) QueueDestroy(fh FH) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingDestroy[fh] = struct{}{}
}

// Resurrect removes fh from the pending-destruction set, called whenever
// a lookup or link operation finds it still referenced.
func (g *Graph) Resurrect(fh FH) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pendingDestroy, fh)
}

// SweepDestroyed removes every iFH still pending destruction (i.e. not
// resurrected since QueueDestroy) whose dentry list remains empty and
// reports them, for the caller to release FDs/leases on.
func (g *Graph) SweepDestroyed() []FH {
	g.mu.Lock()
	defer g.mu.Unlock()

	var destroyed []FH
	for fh := range g.pendingDestroy {
		if len(g.byChildIFH[fh]) > 0 {
			delete(g.pendingDestroy, fh)
			continue
		}
		delete(g.byFH, fh)
		delete(g.pendingDestroy, fh)
		destroyed = append(destroyed, fh)
	}
	return destroyed
}

// BuildRelativePath walks d up to the volume root via parent dentries,
// skipping conflict-dentry levels (the two children of a conflict share
// the conflict's own path), yielding the volume-relative path.
func BuildRelativePath(g *Graph, root FH, d *Dentry) (string, error) {
	var parts []string
	cur := d
	for {
		if cur.Conflict {
			// A conflict child shares the path of the conflict dentry
			// itself; do not contribute its own name.
		} else {
			parts = append(parts, cur.Name)
		}
		if cur.Parent == root {
			break
		}
		parentDentries := g.DentriesByIFH(cur.Parent)
		if len(parentDentries) == 0 {
			return "", fmt.Errorf("fh: build_relative_path: %v has no dentry", cur.Parent)
		}
		cur = parentDentries[0]
		if len(parts) > 256 {
			return "", fmt.Errorf("fh: build_relative_path: path too deep")
		}
	}
	reverse(parts)
	return strings.Join(parts, "/"), nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
