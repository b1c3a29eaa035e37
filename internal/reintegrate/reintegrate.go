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

// Package reintegrate replays a directory's journal against its
// master, the three-step loop of spec §6: acquire the reintegration
// lease, replay each entry as reintegrate_add/reintegrate_del, then
// reintegrate_ver to advance master_version and release the lease.
package reintegrate

import (
	"context"

	"github.com/zlomekfs/zfsd/common"
	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/lock"
	"github.com/zlomekfs/zfsd/internal/metadata"
	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// MasterLink abstracts the RPCs a journal replay issues against the
// directory's master node. Kept separate from update.Peer (rather than
// reused) because reintegrate/reintegrate_add/reintegrate_del/
// reintegrate_ver are a distinct function family from the pull/push
// RPCs update.Peer models, and because internal/update's Engine is
// itself this package's caller for push-mode directories (see
// update.Engine.Replayer) -- depending back on internal/update here
// would cycle.
type MasterLink interface {
	// Reintegrate acquires the reintegration lease on the master side of
	// dirFH for (sid, generation), returning ZFS_BUSY via err when
	// another node already holds it.
	Reintegrate(ctx context.Context, dirMasterFH fh.FH, sid uint32, generation uint64) error

	// ReintegrateAdd replays a journal ADD entry.
	ReintegrateAdd(ctx context.Context, dirMasterFH fh.FH, name string, childMasterFH fh.FH) error

	// ReintegrateDel replays a journal DEL entry. destroyP distinguishes
	// a terminal delete from a move-to-shadow.
	ReintegrateDel(ctx context.Context, dirMasterFH fh.FH, name string, destroyP bool) error

	// ReintegrateVer bumps the master's version by delta and releases
	// the lease.
	ReintegrateVer(ctx context.Context, dirMasterFH fh.FH, delta uint64) error
}

// Replayer drains a directory iFH's journal against its master,
// implementing update.JournalReplayer.
type Replayer struct {
	Store    *metadata.Store
	Locks    *lock.Manager
	Master   MasterLink
	LocalSID uint32
}

// NewReplayer wires a journal replayer to the metadata store and lock
// manager it shares with the update engine.
func NewReplayer(store *metadata.Store, locks *lock.Manager, master MasterLink, localSID uint32) *Replayer {
	return &Replayer{Store: store, Locks: locks, Master: master, LocalSID: localSID}
}

// Replay implements spec §6's reintegration loop for dirFH. The caller
// must already hold dirFH exclusively. An entry is removed from the
// local journal only once reintegrate_ver for this replay attempt has
// succeeded (invariant of spec §6: "an entry is removed from the local
// journal only after reintegrate_ver succeeds. A partial failure leaves
// the journal intact and is retried on the next connection
// generation").
func (r *Replayer) Replay(ctx context.Context, dirFH *fh.IFH) error {
	self := dirFH.FH()
	generation := dirFH.Lease.Generation + 1

	if err := r.Master.Reintegrate(ctx, dirFH.Metadata.MasterFH, r.LocalSID, generation); err != nil {
		if zfserr.CodeOf(err) == zfserr.Busy {
			return nil // another node holds the lease; try again next pass
		}
		return err
	}
	if !lock.AcquireLease(dirFH, r.LocalSID, generation) {
		return zfserr.New("reintegrate.Replay", zfserr.Busy)
	}

	entries, err := r.Store.ReadJournal(self)
	if err != nil {
		return zfserr.Wrap("reintegrate.Replay", zfserr.MetadataError, err)
	}
	if len(entries) == 0 {
		return nil
	}

	pending := common.NewLinkedListQueue[metadata.JournalEntry]()
	for _, e := range entries {
		pending.Push(e)
	}

	replayed := make([]metadata.JournalEntry, 0, len(entries))
	for !pending.IsEmpty() {
		e := pending.Pop()
		var err error
		switch e.Oper {
		case metadata.OperAdd:
			err = r.Master.ReintegrateAdd(ctx, dirFH.Metadata.MasterFH, e.Name, e.MasterFH)
		case metadata.OperDel:
			err = r.Master.ReintegrateDel(ctx, dirFH.Metadata.MasterFH, e.Name, true)
		}
		if err != nil {
			// Leave the journal as it was read and stop; the next
			// connection generation retries the whole replay.
			if werr := r.Store.WriteJournal(self, entries); werr != nil {
				return werr
			}
			return err
		}
		replayed = append(replayed, e)
	}

	delta := uint64(len(replayed))
	if err := r.Master.ReintegrateVer(ctx, dirFH.Metadata.MasterFH, delta); err != nil {
		if werr := r.Store.WriteJournal(self, entries); werr != nil {
			return werr
		}
		return err
	}
	lock.ReleaseLease(dirFH, r.LocalSID, generation)

	return r.Store.WriteJournal(self, nil)
}
