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

package metadata

import (
	"fmt"
	"path/filepath"

	"github.com/zlomekfs/zfsd/internal/fh"
	"github.com/zlomekfs/zfsd/internal/hashfile"
)

// ErrorPolicy is invoked whenever a metadata operation hits an I/O
// failure; spec §4.2 requires that this mark the owning volume with
// delete_mark rather than propagate a partial failure to the caller.
type ErrorPolicy func(err error)

// Store is the per-volume metadata store: the `metadata` and
// `fh_mapping` hash files plus the journal tree (spec §4.2).
type Store struct {
	metadata  *hashfile.File
	fhMapping *hashfile.File
	journals  *JournalTree

	onError ErrorPolicy
}

// Open opens (creating if necessary) the metadata store rooted at dir,
// with metadataTreeDepth controlling the journal directory fan-out
// (spec §6: "metadata_tree_depth levels of two hex digits").
func Open(dir string, metadataTreeDepth int, onError ErrorPolicy) (*Store, error) {
	metaHF, err := hashfile.Open(filepath.Join(dir, "metadata"), 1021, recordCodec{})
	if err != nil {
		return nil, fmt.Errorf("metadata: open metadata hash file: %w", err)
	}
	mapHF, err := hashfile.Open(filepath.Join(dir, "fh_mapping"), 1021, fhMappingCodec{})
	if err != nil {
		metaHF.Close()
		return nil, fmt.Errorf("metadata: open fh_mapping hash file: %w", err)
	}
	journals := NewJournalTree(filepath.Join(dir, "journal"), metadataTreeDepth)

	return &Store{metadata: metaHF, fhMapping: mapHF, journals: journals, onError: onError}, nil
}

// Close releases both hash files.
func (s *Store) Close() error {
	err := s.metadata.Close()
	if cerr := s.fhMapping.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) fail(err error) error {
	if err != nil && s.onError != nil {
		s.onError(err)
	}
	return err
}

// Lookup returns the metadata record for (dev, ino), if one exists.
func (s *Store) Lookup(dev uint32, ino uint64) (Record, bool) {
	res, raw := s.metadata.Lookup(recordKeyHash(dev, ino), func(record []byte) bool {
		r := decodeRecord(record)
		return r.Dev == dev && r.Ino == ino
	})
	if !res.Found {
		return Record{}, false
	}
	return decodeRecord(raw), true
}

// Flush durably writes rec back to the metadata hash file (spec §4.2
// "flush(vol, record) -> durable write-back").
func (s *Store) Flush(rec Record) error {
	res, _ := s.metadata.Lookup(recordKeyHash(rec.Dev, rec.Ino), func(record []byte) bool {
		r := decodeRecord(record)
		return r.Dev == rec.Dev && r.Ino == rec.Ino
	})
	return s.fail(s.metadata.Store(res.Slot, recordKeyHash(rec.Dev, rec.Ino), encodeRecord(rec)))
}

// Delete removes the metadata record for (dev, ino).
func (s *Store) Delete(dev uint32, ino uint64) error {
	res, _ := s.metadata.Lookup(recordKeyHash(dev, ino), func(record []byte) bool {
		r := decodeRecord(record)
		return r.Dev == dev && r.Ino == ino
	})
	if !res.Found {
		return nil
	}
	return s.fail(s.metadata.Delete(res.Slot))
}

// lookupMapping finds the fh_mapping record for master, if any.
func (s *Store) lookupMapping(master fh.FH) (fhMappingRecord, bool) {
	res, raw := s.fhMapping.Lookup(xxhashFH(master), func(record []byte) bool {
		return decodeFHMapping(record).MasterFH == master
	})
	if !res.Found {
		return fhMappingRecord{}, false
	}
	return decodeFHMapping(raw), true
}

func (s *Store) storeMapping(r fhMappingRecord) error {
	res, _ := s.fhMapping.Lookup(xxhashFH(r.MasterFH), func(record []byte) bool {
		return decodeFHMapping(record).MasterFH == r.MasterFH
	})
	return s.fail(s.fhMapping.Store(res.Slot, xxhashFH(r.MasterFH), encodeFHMapping(r)))
}

// HardlinkInsert records a new hardlink name for master, bumping the
// link count (spec §4.2 "hardlink_insert").
func (s *Store) HardlinkInsert(master fh.FH, localDev uint32, localIno uint64, name string) error {
	r, ok := s.lookupMapping(master)
	if !ok {
		r = fhMappingRecord{MasterFH: master, LocalDev: localDev, LocalIno: localIno}
	}
	if r.NameCount < maxNames {
		setName(&r, int(r.NameCount), name)
		r.NameCount++
	}
	r.LinkCount++
	return s.storeMapping(r)
}

// HardlinkReplace renames master's hardlink entry oldName to newName
// (spec §4.2 "hardlink_insert/replace/number").
func (s *Store) HardlinkReplace(master fh.FH, oldName, newName string) error {
	r, ok := s.lookupMapping(master)
	if !ok {
		return fmt.Errorf("metadata: hardlink_replace: no mapping for %v", master)
	}
	for i := 0; i < int(r.NameCount); i++ {
		if getName(r, i) == oldName {
			setName(&r, i, newName)
			return s.storeMapping(r)
		}
	}
	return fmt.Errorf("metadata: hardlink_replace: name %q not found for %v", oldName, master)
}

// HardlinkNumber returns master's current hardlink count, or 0 if
// unmapped.
func (s *Store) HardlinkNumber(master fh.FH) uint32 {
	r, ok := s.lookupMapping(master)
	if !ok {
		return 0
	}
	return r.LinkCount
}

// HardlinkRemove drops name from master's mapping; if the link count
// reaches zero the mapping record itself is dropped (spec §4.2
// "delete(vol, record, parent, name)").
func (s *Store) HardlinkRemove(master fh.FH, name string) error {
	r, ok := s.lookupMapping(master)
	if !ok {
		return nil
	}
	for i := 0; i < int(r.NameCount); i++ {
		if getName(r, i) == name {
			for j := i; j < int(r.NameCount)-1; j++ {
				r.Names[j] = r.Names[j+1]
			}
			r.NameCount--
			break
		}
	}
	if r.LinkCount > 0 {
		r.LinkCount--
	}
	if r.LinkCount == 0 {
		res, _ := s.fhMapping.Lookup(xxhashFH(master), func(record []byte) bool {
			return decodeFHMapping(record).MasterFH == master
		})
		if res.Found {
			return s.fail(s.fhMapping.Delete(res.Slot))
		}
		return nil
	}
	return s.storeMapping(r)
}

// AppendInterval merges [lo, hi) into the named interval tree on ifh
// and, once the in-memory delta since the last flush exceeds
// flushThreshold bytes, serializes the tree to its side file under
// intervals/ (spec §4.2).
func (s *Store) AppendInterval(ifh *fh.IFH, kind IntervalKind, lo, hi int64, flushThreshold int64, sideFileDir string) error {
	tree := ifh.Updated
	if kind == IntervalModified {
		tree = ifh.Modified
	}
	before := len(tree.Intervals())
	tree.Append(lo, hi)
	after := len(tree.Intervals())

	if int64(after-before) >= flushThreshold || flushThreshold <= 0 {
		return s.flushIntervalSideFile(ifh.FH(), kind, tree, sideFileDir)
	}
	return nil
}

// IntervalKind selects which of an iFH's two interval trees an
// operation addresses (spec §3: "updated" vs "modified").
type IntervalKind int

const (
	IntervalUpdated IntervalKind = iota
	IntervalModified
)

func (s *Store) flushIntervalSideFile(f fh.FH, kind IntervalKind, tree *fh.IntervalTree, dir string) error {
	suffix := "u"
	if kind == IntervalModified {
		suffix = "m"
	}
	path := s.journals.pathFor(dir, f, suffix)
	return s.fail(writeIntervals(path, tree.Intervals()))
}

// ReadJournal returns dirFH's pending journal entries, compacted.
func (s *Store) ReadJournal(dirFH fh.FH) ([]JournalEntry, error) {
	entries, err := s.journals.ReadJournal(dirFH)
	if err != nil {
		return nil, s.fail(err)
	}
	return entries, nil
}

// WriteJournal overwrites dirFH's journal with entries.
func (s *Store) WriteJournal(dirFH fh.FH, entries []JournalEntry) error {
	return s.fail(s.journals.WriteJournal(dirFH, entries))
}

// AddJournalEntry appends e to dirFH's journal, compacting on write.
func (s *Store) AddJournalEntry(dirFH fh.FH, e JournalEntry) error {
	return s.fail(s.journals.AddJournalEntry(dirFH, e))
}

// JournalEmpty reports whether dirFH has no pending journal entries.
func (s *Store) JournalEmpty(dirFH fh.FH) (bool, error) {
	empty, err := s.journals.JournalEmpty(dirFH)
	if err != nil {
		return false, s.fail(err)
	}
	return empty, nil
}

func xxhashFH(f fh.FH) uint64 {
	var buf [fhSize]byte
	encodeFH(buf[:], f)
	return xxhashSum(buf[:])
}
