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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zlomekfs/zfsd/internal/fh"
)

// Oper is a journal entry's operation kind (spec §3).
type Oper uint8

const (
	OperAdd Oper = iota
	OperDel
)

// JournalEntry is `(oper, local_fh, master_fh, master_version, name,
// prev, next)` (spec §3), deduplicated by (oper, name): an ADD and a
// later DEL for the same name annihilate each other.
type JournalEntry struct {
	Oper          Oper
	LocalFH       fh.FH
	MasterFH      fh.FH
	MasterVersion uint64
	Name          string
}

// JournalTree allocates and locates per-directory journal files in a
// tree whose depth is metadataTreeDepth, keyed by two hex digits of the
// directory iFH's inode number per level (spec §6), keeping any single
// directory level small.
type JournalTree struct {
	mu    sync.Mutex
	root  string
	depth int
}

// NewJournalTree returns a tree rooted at root with the given depth.
func NewJournalTree(root string, depth int) *JournalTree {
	if depth < 1 {
		depth = 1
	}
	return &JournalTree{root: root, depth: depth}
}

func (jt *JournalTree) dirFor(dirFH fh.FH) string {
	hex := fmt.Sprintf("%016x", dirFH.Ino)
	path := jt.root
	for i := 0; i < jt.depth; i++ {
		idx := i * 2
		if idx+2 > len(hex) {
			break
		}
		path = filepath.Join(path, hex[idx:idx+2])
	}
	return path
}

func (jt *JournalTree) pathFor(subdir string, f fh.FH, suffix string) string {
	hex := fmt.Sprintf("%016x", f.Ino)
	path := subdir
	for i := 0; i < jt.depth; i++ {
		idx := i * 2
		if idx+2 > len(hex) {
			break
		}
		path = filepath.Join(path, hex[idx:idx+2])
	}
	return filepath.Join(path, fmt.Sprintf("%s.%s", f.String(), suffix))
}

func (jt *JournalTree) journalPath(dirFH fh.FH) string {
	return filepath.Join(jt.dirFor(dirFH), fmt.Sprintf("%s.journal", dirFH.String()))
}

const journalEntrySize = 1 + fhSize + fhSize + 8 + maxNameLen

func encodeJournalEntry(e JournalEntry) []byte {
	buf := make([]byte, journalEntrySize)
	buf[0] = byte(e.Oper)
	off := 1
	encodeFH(buf[off:off+fhSize], e.LocalFH)
	off += fhSize
	encodeFH(buf[off:off+fhSize], e.MasterFH)
	off += fhSize
	binary.LittleEndian.PutUint64(buf[off:off+8], e.MasterVersion)
	off += 8
	name := e.Name
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	copy(buf[off:off+maxNameLen], name)
	return buf
}

func decodeJournalEntry(buf []byte) JournalEntry {
	var e JournalEntry
	e.Oper = Oper(buf[0])
	off := 1
	e.LocalFH = decodeFH(buf[off : off+fhSize])
	off += fhSize
	e.MasterFH = decodeFH(buf[off : off+fhSize])
	off += fhSize
	e.MasterVersion = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	nameBuf := buf[off : off+maxNameLen]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	e.Name = string(nameBuf[:n])
	return e
}

// ReadJournal reads every entry currently in dirFH's journal (spec §4.2
// "read_journal(vol, dir_fh) -> journal").
func (jt *JournalTree) ReadJournal(dirFH fh.FH) ([]JournalEntry, error) {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	f, err := os.Open(jt.journalPath(dirFH))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: read_journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	r := bufio.NewReader(f)
	buf := make([]byte, journalEntrySize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("metadata: read_journal: %w", err)
		}
		entries = append(entries, decodeJournalEntry(buf))
	}
	return compact(entries), nil
}

// WriteJournal overwrites dirFH's journal with entries, fully compacted
// (spec §4.2 "write_journal").
func (jt *JournalTree) WriteJournal(dirFH fh.FH, entries []JournalEntry) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	path := jt.journalPath(dirFH)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("metadata: write_journal: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("metadata: write_journal: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range compact(entries) {
		if _, err := w.Write(encodeJournalEntry(e)); err != nil {
			return fmt.Errorf("metadata: write_journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("metadata: write_journal: %w", err)
	}
	return f.Sync()
}

// AddJournalEntry appends a single entry to dirFH's journal. On open,
// the existing log is read, compacted (ADD/DEL annihilation by
// (oper,name)), and rewritten with e appended (spec §4.2: "append log
// with compaction on next open").
func (jt *JournalTree) AddJournalEntry(dirFH fh.FH, e JournalEntry) error {
	existing, err := jt.ReadJournal(dirFH)
	if err != nil {
		return err
	}
	existing = append(existing, e)
	return jt.WriteJournal(dirFH, compact(existing))
}

// JournalEmpty reports whether dirFH currently has no pending journal
// entries (spec §4.2 "journal_empty").
func (jt *JournalTree) JournalEmpty(dirFH fh.FH) (bool, error) {
	entries, err := jt.ReadJournal(dirFH)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// compact deduplicates by (oper, name), keeping only the latest entry
// of each, then annihilates any name that carries both a pending ADD
// and a pending DEL (spec §3: "An ADD and a subsequent DEL for the same
// name annihilate").
func compact(entries []JournalEntry) []JournalEntry {
	type key struct {
		oper Oper
		name string
	}
	latest := make(map[key]JournalEntry)
	var order []key
	for _, e := range entries {
		k := key{e.Oper, e.Name}
		if _, ok := latest[k]; !ok {
			order = append(order, k)
		}
		latest[k] = e
	}

	var out []JournalEntry
	for _, k := range order {
		addKey := key{OperAdd, k.name}
		delKey := key{OperDel, k.name}
		_, hasAdd := latest[addKey]
		_, hasDel := latest[delKey]
		if hasAdd && hasDel {
			continue
		}
		out = append(out, latest[k])
	}
	return dedupeEntries(out)
}

func dedupeEntries(entries []JournalEntry) []JournalEntry {
	seen := make(map[string]bool)
	var out []JournalEntry
	for _, e := range entries {
		k := fmt.Sprintf("%d|%s", e.Oper, e.Name)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

func writeIntervals(path string, ivs []fh.Interval) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("metadata: write intervals: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("metadata: write intervals: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(ivs)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, iv := range ivs {
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], uint64(iv.Lo))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(iv.Hi))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readIntervals(path string) ([]fh.Interval, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	count := binary.LittleEndian.Uint32(hdr[:])

	ivs := make([]fh.Interval, 0, count)
	buf := make([]byte, 16)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, err
		}
		ivs = append(ivs, fh.Interval{
			Lo: int64(binary.LittleEndian.Uint64(buf[0:8])),
			Hi: int64(binary.LittleEndian.Uint64(buf[8:16])),
		})
	}
	return ivs, nil
}

func xxhashSum(b []byte) uint64 {
	return xxhash.Sum64(b)
}
