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

// Package volume models the Volume record of spec §3 and the table
// that indexes every volume known to this node (spec §4.9).
package volume

import (
	"sync"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/hashfile"
)

// Volume is the in-memory record of spec §3: `(id, name, mountpoint,
// master_node, slaves, local_path?, size_limit, metadata_handle?,
// fh_mapping_handle?, root_dentry, root_vd, is_copy, delete_mark,
// locked_fh_count)`.
type Volume struct {
	mu sync.Mutex

	ID         uint32
	Name       string
	Mountpoint string

	MasterNode uint32
	Slaves     []uint32

	// LocalPath is empty if this volume has no local backing store on
	// this node (master-only elsewhere, not cached here).
	LocalPath string
	SizeLimit int64

	MetadataHandle  *hashfile.File
	FHMappingHandle *hashfile.File

	RootDentry fh.FH // dentry identifying this volume's root within its parent virtual directory
	RootVD     fh.FH // the virtual FH this volume's root shadows

	IsCopy bool

	// DeleteMark is set by the metadata store's error policy (spec §4.2)
	// on any I/O failure; once set the volume is removed from service at
	// the next safe point.
	DeleteMark bool

	// LockedFHCount counts iFHs under this volume currently held at any
	// lock level above UNLOCKED; a volume cannot be dropped while this is
	// nonzero without first failing those operations.
	LockedFHCount int64
}

// MarkForDeletion sets DeleteMark under the volume's own mutex, the
// "volume" link in spec §5's acquisition chain (fh_mutex -> volume_mutex
// -> volume -> iFH -> node).
func (v *Volume) MarkForDeletion() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.DeleteMark = true
}

// Marked reports whether the volume has been marked for removal.
func (v *Volume) Marked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.DeleteMark
}

// ApplyLocalConfig re-applies this node's own cache_size/local_path for
// the volume, config-reader's sentinel reread (spec §4.9: "Local
// volume-info changes ... re-applied without invalidating open file
// handles when the path is unchanged" -- this package has no separate
// handle-invalidation step tied to LocalPath, so re-applying it here is
// always safe).
func (v *Volume) ApplyLocalConfig(cacheSize int64, localPath string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.SizeLimit = cacheSize
	v.LocalPath = localPath
}

// UnmarkForDeletion clears DeleteMark: config-reader's volume_list
// reconciliation (spec §4.9) calls this for every volume still present
// in a freshly reread file, after having called Table.MarkAll.
func (v *Volume) UnmarkForDeletion() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.DeleteMark = false
}

// IncLockedFH and DecLockedFH track LockedFHCount as iFHs under this
// volume transition in and out of a held lock level, so a quiescent
// point (the safe moment to actually drop a DeleteMark'd volume) can be
// detected by polling for zero.
func (v *Volume) IncLockedFH() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.LockedFHCount++
}

func (v *Volume) DecLockedFH() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.LockedFHCount > 0 {
		v.LockedFHCount--
	}
}

// Quiescent reports whether the volume has no locked iFHs outstanding,
// the condition under which a DeleteMark'd volume may actually be
// dropped (spec §4.2's "removed from service at the next safe point").
func (v *Volume) Quiescent() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.LockedFHCount == 0
}

// Close releases the volume's metadata and fh_mapping hash files.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var err error
	if v.MetadataHandle != nil {
		err = v.MetadataHandle.Close()
	}
	if v.FHMappingHandle != nil {
		if cerr := v.FHMappingHandle.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Table indexes every volume known to this node by id and by name, the
// volume-table half of spec §4.9's config store. Access is guarded by
// its own mutex: the "volume_mutex" link in spec §5's acquisition
// chain, distinct from each Volume's own mutex.
type Table struct {
	mu     sync.Mutex
	byID   map[uint32]*Volume
	byName map[string]*Volume
}

// NewTable returns an empty volume table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[uint32]*Volume),
		byName: make(map[string]*Volume),
	}
}

// Insert adds or replaces vol in the table.
func (t *Table) Insert(vol *Volume) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[vol.ID] = vol
	t.byName[vol.Name] = vol
}

// Remove drops vol from the table by id.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.byID[id]; ok {
		delete(t.byName, v.Name)
		delete(t.byID, id)
	}
}

// ByID looks up a volume by id.
func (t *Table) ByID(id uint32) (*Volume, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.byID[id]
	return v, ok
}

// ByName looks up a volume by name.
func (t *Table) ByName(name string) (*Volume, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.byName[name]
	return v, ok
}

// All returns a snapshot of every volume currently in the table, used
// by the config reader's mark-and-sweep reload (spec §4.9).
func (t *Table) All() []*Volume {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Volume, 0, len(t.byID))
	for _, v := range t.byID {
		out = append(out, v)
	}
	return out
}

// MarkAll flags every volume currently in the table, the first step of
// config-reader's volume_list reconciliation (spec §4.9).
func (t *Table) MarkAll() {
	t.mu.Lock()
	snapshot := make([]*Volume, 0, len(t.byID))
	for _, v := range t.byID {
		snapshot = append(snapshot, v)
	}
	t.mu.Unlock()

	for _, v := range snapshot {
		v.MarkForDeletion()
	}
}

// MarkedForDeletion returns every volume whose DeleteMark is set and
// which has reached quiescence, ready to actually be dropped.
func (t *Table) MarkedForDeletion() []*Volume {
	t.mu.Lock()
	snapshot := make([]*Volume, 0, len(t.byID))
	for _, v := range t.byID {
		snapshot = append(snapshot, v)
	}
	t.mu.Unlock()

	var out []*Volume
	for _, v := range snapshot {
		if v.Marked() && v.Quiescent() {
			out = append(out, v)
		}
	}
	return out
}
