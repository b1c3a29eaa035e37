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

// Package update implements the update/reintegration decision tree of
// spec §6: update_fh_if_needed compares an iFH's local and master
// versions and pulls, pushes, or forks a conflict directory.
package update

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zlomekfs/zfsd/internal/config"
	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/metadata"
	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/roundrobinslice"
)

// Mode is update_fh_if_needed's mode parameter (spec §6).
type Mode int

const (
	// ModeMetadata only refreshes cached attributes when versions agree.
	ModeMetadata Mode = iota
	// ModeAllUpdate additionally pulls/pushes file content.
	ModeAllUpdate
	// ModeReintegrate additionally replays the journal and releases the
	// reintegration lease.
	ModeReintegrate
)

// DirEntry is one entry the peer's readdir returns, used to diff a
// remote directory listing against local dentries (spec §6: "Pull:
// readdir master, diff against local dentries, synthesize
// lookup/delete_dentry calls").
type DirEntry struct {
	Name string
	FH   fh.FH
	Type fh.FileType
}

// Peer abstracts the remote node this iFH's master_fh lives on,
// narrowed to exactly the RPCs the update engine drives. Grounded on
// gcsfuse's gcs.Bucket interface (gcs/bucket.go): a small
// pre-authenticated interface standing in for a network backend, so the
// engine can be exercised against a fake in tests without a live
// connection.
type Peer interface {
	// GetAttr fetches the master's current attributes and version.
	GetAttr(ctx context.Context, master fh.FH) (fh.Attrs, uint64, error)

	// Readdir lists a master directory's entries.
	Readdir(ctx context.Context, master fh.FH) ([]DirEntry, error)

	// ReadRange fetches [lo, hi) of the master's content.
	ReadRange(ctx context.Context, master fh.FH, lo, hi int64) ([]byte, error)

	// WriteRange pushes buf to the master at offset lo.
	WriteRange(ctx context.Context, master fh.FH, lo int64, buf []byte) error

	// MD5Sum hashes ranges of the master's content. Engine does not call
	// it: pulls and pushes transfer every missing or modified range in
	// full, whether or not its content already matches.
	MD5Sum(ctx context.Context, master fh.FH, ranges []fh.Interval) ([][md5Len]byte, error)

	// ReintegrateVer bumps master_version by delta and releases the
	// reintegration lease (spec §6).
	ReintegrateVer(ctx context.Context, master fh.FH, delta uint64) error
}

const md5Len = 16

// BlockSize bounds a single pull/push transfer. The caller's iFH lock
// stays held across every block of a transfer; it is not released and
// re-acquired between blocks.
const BlockSize = 1 << 20

// JournalReplayer replays a directory's journal against the peer,
// implementing reintegrate/reintegrate_add/reintegrate_del — implemented
// by internal/reintegrate's Replayer and plugged in here so push() can
// trigger a replay for directories without this package importing
// internal/reintegrate.
type JournalReplayer interface {
	Replay(ctx context.Context, dirFH *fh.IFH) error
}

// Engine drives update_fh_if_needed for one volume.
type Engine struct {
	Graph    *fh.Graph
	Locks    *lock.Manager
	Store    *metadata.Store
	Peer     Peer
	Replayer JournalReplayer // may be nil; directories with no journal activity never need it

	// Replicas round-robins bulk ReadRange pull traffic across a
	// volume's slave nodes (spec §3's Volume.Slaves) instead of always
	// reading from Peer, so one slave doesn't become a read hotspot for
	// every other cached copy. Nil means "no replicas configured, always
	// use Peer" — GetAttr, WriteRange and ReintegrateVer always go to
	// Peer regardless, since Peer is this iFH's master_fh owner and is
	// the only source of truth for versions and the only valid push
	// target.
	Replicas *roundrobinslice.RoundRobin[Peer]

	// Mapper translates a pulled attrs' uid/gid from the master node's
	// numbering into this node's local numbering (spec §3's per-node
	// id-mapping tables). Nil means no mapping configured: uid/gid are
	// taken as-is, matching a single-numbering-space cluster.
	Mapper *config.Mapper

	LocalSID uint32
}

// NewEngine wires together the graph, lock manager, metadata store, and
// peer a volume's update engine needs.
func NewEngine(g *fh.Graph, l *lock.Manager, s *metadata.Store, p Peer, localSID uint32) *Engine {
	return &Engine{Graph: g, Locks: l, Store: s, Peer: p, LocalSID: localSID}
}

// readPeer picks the peer a pull should fetch bulk content from: one of
// Replicas on a round-robin basis if any are configured, falling back to
// the master-holding Peer otherwise.
func (e *Engine) readPeer() Peer {
	if e.Replicas != nil {
		if p, ok := e.Replicas.Get(); ok {
			return p
		}
	}
	return e.Peer
}

// UpdateIfNeeded implements spec §6's decision tree. The caller must
// already hold ifh's lock: SHARED is sufficient for a pull, EXCLUSIVE is
// required for a push or conflict resolution, matching "The engine holds
// the iFH exclusive for the duration of a write-back and shared for a
// pull."
func (e *Engine) UpdateIfNeeded(ctx context.Context, ifh *fh.IFH, mode Mode) error {
	local := ifh.Metadata.LocalVersion
	master := ifh.Metadata.MasterVersion

	switch {
	case local == master:
		if mode == ModeMetadata {
			return e.refreshAttrs(ctx, ifh)
		}
		return nil

	case master > local && hasDirtyRanges(ifh):
		// Both sides diverged: the master has moved on since our last
		// sync point and we also have unreconciled local writes.
		return e.buildConflict(ctx, ifh)

	case master > local:
		if ifh.Attrs.Type == fh.TypeDirectory {
			return e.pullDirectory(ctx, ifh)
		}
		return e.pullFile(ctx, ifh)

	case local > master:
		return e.push(ctx, ifh, mode)

	default:
		return nil
	}
}

func hasDirtyRanges(ifh *fh.IFH) bool {
	return ifh.Modified != nil && len(ifh.Modified.Intervals()) > 0
}

// mapIncomingAttrs translates attrs.UID/GID from masterSID's numbering
// into this node's local numbering, if a Mapper is configured. Every
// path that stores a peer's fh.Attrs locally (refreshAttrs, pullFile)
// routes through this so a cached attribute's uid/gid is always in
// local numbering, never the master's.
func (e *Engine) mapIncomingAttrs(masterSID uint32, attrs fh.Attrs) fh.Attrs {
	if e.Mapper == nil {
		return attrs
	}
	attrs.UID = e.Mapper.MapUID(masterSID, attrs.UID, config.ToLocal)
	attrs.GID = e.Mapper.MapGID(masterSID, attrs.GID, config.ToLocal)
	return attrs
}

func (e *Engine) refreshAttrs(ctx context.Context, ifh *fh.IFH) error {
	attrs, masterVersion, err := e.Peer.GetAttr(ctx, ifh.Metadata.MasterFH)
	if err != nil {
		return zfserr.Wrap("update.refreshAttrs", zfserr.Stale, err)
	}
	ifh.Attrs = e.mapIncomingAttrs(ifh.Metadata.MasterFH.SID, attrs)
	ifh.Metadata.MasterVersion = masterVersion
	return nil
}

// pullFile fetches whatever byte ranges of [0, size) are not yet in
// ifh.Updated, merges them in, and marks the file complete once the
// tree covers the whole object (spec §6).
func (e *Engine) pullFile(ctx context.Context, ifh *fh.IFH) error {
	attrs, masterVersion, err := e.Peer.GetAttr(ctx, ifh.Metadata.MasterFH)
	if err != nil {
		return zfserr.Wrap("update.pullFile", zfserr.Stale, err)
	}
	mapped := e.mapIncomingAttrs(ifh.Metadata.MasterFH.SID, attrs)
	ifh.Attrs.Size = mapped.Size
	ifh.Attrs.UID = mapped.UID
	ifh.Attrs.GID = mapped.GID

	if ifh.Updated == nil {
		ifh.Updated = fh.NewIntervalTree()
	}

	missing := ifh.Updated.Missing(0, attrs.Size)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, gap := range missing {
		g.Go(func() error {
			return e.pullRangeInBlocks(gctx, ifh, gap.Lo, gap.Hi, &mu)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ifh.Metadata.LocalVersion = masterVersion
	ifh.Metadata.MasterVersion = masterVersion
	if ifh.Updated.CoversWhole(attrs.Size) {
		ifh.Metadata.Flags |= fh.FlagComplete
	}
	return e.Store.Flush(metadata.Record{
		Dev: ifh.FH().Dev, Ino: ifh.FH().Ino, Gen: ifh.FH().Gen,
		LocalVersion: ifh.Metadata.LocalVersion, MasterVersion: ifh.Metadata.MasterVersion,
		MasterFH: ifh.Metadata.MasterFH, Flags: ifh.Metadata.Flags,
	})
}

// pullRangeInBlocks fetches [lo, hi) one BlockSize chunk at a time,
// merging each block into ifh.Updated as it lands so a failure partway
// through still leaves progress recorded. mergeMu guards that merge: a
// caller fanning multiple disjoint gaps out across goroutines (pullFile)
// shares one mutex across all of them, since ifh.Updated is not itself
// safe for concurrent mutation. Disk writes need no such guard — pwrite
// at disjoint offsets into the same fd is safe without synchronization.
func (e *Engine) pullRangeInBlocks(ctx context.Context, ifh *fh.IFH, lo, hi int64, mergeMu *sync.Mutex) error {
	peer := e.readPeer()
	for off := lo; off < hi; off += BlockSize {
		end := off + BlockSize
		if end > hi {
			end = hi
		}
		buf, err := peer.ReadRange(ctx, ifh.Metadata.MasterFH, off, end)
		if err != nil {
			return zfserr.Wrap("update.pullRangeInBlocks", zfserr.UpdateFailed, err)
		}
		if !ifh.HasFD {
			return zfserr.New("update.pullRangeInBlocks", zfserr.EBADF)
		}
		if _, err := writeAtFD(ifh.FD, buf, off); err != nil {
			return zfserr.Wrap("update.pullRangeInBlocks", zfserr.EIO, err)
		}
		mergeMu.Lock()
		ifh.Updated.Append(off, end)
		mergeMu.Unlock()
	}
	return nil
}

// pullDirectory diffs the master's listing against local dentries,
// synthesizing lookup (new remote names) and delete_dentry (names the
// master no longer has) calls (spec §6).
func (e *Engine) pullDirectory(ctx context.Context, ifh *fh.IFH) error {
	entries, err := e.Peer.Readdir(ctx, ifh.Metadata.MasterFH)
	if err != nil {
		return zfserr.Wrap("update.pullDirectory", zfserr.Stale, err)
	}

	remoteByName := make(map[string]DirEntry, len(entries))
	for _, ent := range entries {
		remoteByName[ent.Name] = ent
	}

	self := ifh.FH()
	for _, d := range e.Graph.ChildDentries(self) {
		if _, stillThere := remoteByName[d.Name]; !stillThere {
			e.Graph.Unlink(self, d.Name)
		}
	}
	for name, ent := range remoteByName {
		if _, exists := e.Graph.Dentry(self, name); !exists {
			child := fh.FH{SID: e.LocalSID, VID: self.VID, Dev: self.Dev, Ino: ent.FH.Ino, Gen: ent.FH.Gen}
			if _, already := e.Graph.Lookup(child); !already {
				e.Graph.Insert(fh.NewIFH(child), self.VID, "")
			}
			e.Graph.Link(self, name, child, false)
		}
	}

	ifh.Metadata.LocalVersion = ifh.Metadata.MasterVersion
	return e.Store.Flush(metadata.Record{
		Dev: self.Dev, Ino: self.Ino, Gen: self.Gen,
		LocalVersion: ifh.Metadata.LocalVersion, MasterVersion: ifh.Metadata.MasterVersion,
		MasterFH: ifh.Metadata.MasterFH, Flags: ifh.Metadata.Flags,
	})
}

// push writes back local modifications: every dirty range for a
// regular file, or a journal replay for a directory, followed by
// reintegrate_ver to advance master_version and release the lease
// (spec §6: "Push: for regular files, write every modified range;
// replay journal for directories; then call reintegrate_ver(delta)").
func (e *Engine) push(ctx context.Context, ifh *fh.IFH, mode Mode) error {
	self := ifh.FH()

	if ifh.Attrs.Type == fh.TypeDirectory {
		if e.Replayer != nil {
			if err := e.Replayer.Replay(ctx, ifh); err != nil {
				return err
			}
		}
	} else if ifh.Modified != nil {
		g, gctx := errgroup.WithContext(ctx)
		for _, rng := range ifh.Modified.Intervals() {
			g.Go(func() error {
				return e.pushRangeInBlocks(gctx, ifh, rng.Lo, rng.Hi)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if mode != ModeReintegrate {
		return nil
	}

	delta := ifh.Metadata.LocalVersion - ifh.Metadata.MasterVersion
	if err := e.Peer.ReintegrateVer(ctx, ifh.Metadata.MasterFH, delta); err != nil {
		return zfserr.Wrap("update.push", zfserr.UpdateFailed, err)
	}
	lock.ReleaseLease(ifh, e.LocalSID, ifh.Lease.Generation)

	ifh.Metadata.MasterVersion = ifh.Metadata.LocalVersion
	if ifh.Modified != nil {
		ifh.Modified.Clear()
	}
	return e.Store.Flush(metadata.Record{
		Dev: self.Dev, Ino: self.Ino, Gen: self.Gen,
		LocalVersion: ifh.Metadata.LocalVersion, MasterVersion: ifh.Metadata.MasterVersion,
		MasterFH: ifh.Metadata.MasterFH, Flags: ifh.Metadata.Flags,
	})
}

func (e *Engine) pushRangeInBlocks(ctx context.Context, ifh *fh.IFH, lo, hi int64) error {
	for off := lo; off < hi; off += BlockSize {
		end := off + BlockSize
		if end > hi {
			end = hi
		}
		if !ifh.HasFD {
			return zfserr.New("update.pushRangeInBlocks", zfserr.EBADF)
		}
		buf := make([]byte, end-off)
		if _, err := readAtFD(ifh.FD, buf, off); err != nil {
			return zfserr.Wrap("update.pushRangeInBlocks", zfserr.EIO, err)
		}
		if err := e.Peer.WriteRange(ctx, ifh.Metadata.MasterFH, off, buf); err != nil {
			return zfserr.Wrap("update.pushRangeInBlocks", zfserr.UpdateFailed, err)
		}
	}
	return nil
}

// buildConflict forks a synthetic conflict directory at ifh's current
// dentry position with two children, named for the two participating
// nodes, carrying the local and remote contents respectively (spec §6,
// §3: "a conflict dentry has exactly two children, with distinct sids,
// whose names equal the two participating node names").
func (e *Engine) buildConflict(ctx context.Context, ifh *fh.IFH) error {
	dentries := e.Graph.DentriesByIFH(ifh.FH())
	if len(dentries) == 0 {
		return zfserr.New("update.buildConflict", zfserr.Stale)
	}
	d := dentries[0]

	conflictFH := fh.FH{SID: 0, VID: ifh.FH().VID, Dev: ifh.FH().Dev, Ino: ifh.FH().Ino, Gen: ifh.FH().Gen + 1}
	conflictIFH := fh.NewIFH(conflictFH)
	conflictIFH.Attrs.Type = fh.TypeDirectory
	e.Graph.Insert(conflictIFH, ifh.FH().VID, "")

	localName := fmt.Sprintf("%d", e.LocalSID)
	remoteName := fmt.Sprintf("%d", ifh.Metadata.MasterFH.SID)

	e.Graph.Unlink(d.Parent, d.Name)
	e.Graph.Link(d.Parent, d.Name, conflictFH, false)
	e.Graph.Link(conflictFH, localName, ifh.FH(), true)

	remoteFH := ifh.Metadata.MasterFH
	if _, exists := e.Graph.Lookup(remoteFH); !exists {
		e.Graph.Insert(fh.NewIFH(remoteFH), ifh.FH().VID, "")
	}
	e.Graph.Link(conflictFH, remoteName, remoteFH, true)

	ifh.Metadata.Flags |= fh.FlagModifiedTree
	return e.Store.Flush(metadata.Record{
		Dev: ifh.FH().Dev, Ino: ifh.FH().Ino, Gen: ifh.FH().Gen,
		LocalVersion: ifh.Metadata.LocalVersion, MasterVersion: ifh.Metadata.MasterVersion,
		MasterFH: ifh.Metadata.MasterFH, Flags: ifh.Metadata.Flags,
	})
}
