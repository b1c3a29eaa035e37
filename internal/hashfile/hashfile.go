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

// Package hashfile implements the fixed-record, memory-mapped hash table
// used to back the per-volume metadata and fh_mapping files (spec §4.1).
// Records are addressed by linear probing from hash(key) mod capacity;
// every mutation is followed by fdatasync, and concurrent access to a
// single file is serialized by an internal latch.
package hashfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SlotState is the three-valued state of a hash table slot.
type SlotState uint8

const (
	SlotEmpty SlotState = iota
	SlotDeleted
	SlotValid
)

// slotHeader precedes every record on disk: 1 byte state, 8 bytes hash,
// little-endian. Kept separate from the record payload so the payload's
// size can vary by table (metadata vs fh_mapping) while recovery logic
// stays generic.
const slotHeaderSize = 9

// recordCodec knows how to encode/decode a fixed-size record and compute
// its hash from the part of the record that is the lookup key.
type recordCodec interface {
	// Size is the fixed on-disk payload size in bytes (excluding the
	// slot header).
	Size() int

	// Hash returns the hash of a record's key, used both to place the
	// record and to verify it was not a torn write on recovery.
	Hash(record []byte) uint64
}

// File is a single memory-mapped hash file.
type File struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	data     []byte
	codec    recordCodec
	capacity int64 // number of slots; always prime
	count    int64 // number of valid (non-empty, non-deleted) slots
}

func slotSize(codec recordCodec) int64 {
	return int64(slotHeaderSize + codec.Size())
}

// Open opens (creating if necessary) the hash file at path with the given
// initial capacity (rounded up to the next prime) and record codec.
func Open(path string, initialCapacity int64, codec recordCodec) (*File, error) {
	if initialCapacity < 7 {
		initialCapacity = 7
	}
	capacity := nextPrime(initialCapacity)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hashfile: open %s: %w", path, err)
	}

	size := slotSize(codec) * capacity
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hashfile: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("hashfile: truncate %s: %w", path, err)
		}
	} else {
		// Existing file: trust its size to recover capacity.
		capacity = st.Size() / slotSize(codec)
		size = st.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hashfile: mmap %s: %w", path, err)
	}

	hf := &File{
		path:     path,
		f:        f,
		data:     data,
		codec:    codec,
		capacity: capacity,
	}
	hf.recover()
	return hf, nil
}

// Close unmaps and closes the underlying file.
func (hf *File) Close() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	var err error
	if hf.data != nil {
		err = unix.Munmap(hf.data)
		hf.data = nil
	}
	if cerr := hf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (hf *File) slotOffset(i int64) int64 {
	return i * slotSize(hf.codec)
}

func (hf *File) slotState(i int64) SlotState {
	return SlotState(hf.data[hf.slotOffset(i)])
}

func (hf *File) setSlotState(i int64, s SlotState) {
	hf.data[hf.slotOffset(i)] = byte(s)
}

func (hf *File) slotHash(i int64) uint64 {
	off := hf.slotOffset(i) + 1
	return binary.LittleEndian.Uint64(hf.data[off : off+8])
}

func (hf *File) setSlotHash(i int64, h uint64) {
	off := hf.slotOffset(i) + 1
	binary.LittleEndian.PutUint64(hf.data[off:off+8], h)
}

func (hf *File) slotRecord(i int64) []byte {
	off := hf.slotOffset(i) + slotHeaderSize
	return hf.data[off : off+int64(hf.codec.Size())]
}

// recover scans for torn writes: a valid slot whose record hash disagrees
// with its recomputed hash is downgraded to deleted.
func (hf *File) recover() {
	var count int64
	for i := int64(0); i < hf.capacity; i++ {
		switch hf.slotState(i) {
		case SlotValid:
			want := hf.codec.Hash(hf.slotRecord(i))
			if want != hf.slotHash(i) {
				hf.setSlotState(i, SlotDeleted)
				continue
			}
			count++
		}
	}
	hf.count = count
}

// LookupResult reports whether Lookup found a valid record.
type LookupResult struct {
	Found bool
	Slot  int64 // slot index; valid whether or not Found, for a follow-up Store
}

// Lookup probes for key's hash, calling match(record) to confirm identity
// once hashes agree (hashes can collide). It returns the first valid slot
// matching, or the first empty/deleted slot seen if none match (so the
// caller can populate it).
func (hf *File) Lookup(keyHash uint64, match func(record []byte) bool) (LookupResult, []byte) {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	start := int64(keyHash % uint64(hf.capacity))
	var firstFree int64 = -1

	for probe := int64(0); probe < hf.capacity; probe++ {
		i := (start + probe) % hf.capacity
		switch hf.slotState(i) {
		case SlotEmpty:
			// Empty ends the probe sequence: the key was never inserted
			// past this point.
			if firstFree < 0 {
				firstFree = i
			}
			return LookupResult{Found: false, Slot: firstFree}, nil
		case SlotDeleted:
			if firstFree < 0 {
				firstFree = i
			}
		case SlotValid:
			if hf.slotHash(i) == keyHash {
				rec := hf.slotRecord(i)
				if match(rec) {
					out := make([]byte, len(rec))
					copy(out, rec)
					return LookupResult{Found: true, Slot: i}, out
				}
			}
		}
	}

	if firstFree < 0 {
		firstFree = start
	}
	return LookupResult{Found: false, Slot: firstFree}, nil
}

// Store writes record (of codec.Size() bytes) into slot, marks it valid,
// and durably syncs the write. It then grows the table if the load
// factor now exceeds 60%.
func (hf *File) Store(slot int64, keyHash uint64, record []byte) error {
	hf.mu.Lock()
	wasValid := hf.slotState(slot) == SlotValid
	hf.setSlotState(slot, SlotValid)
	hf.setSlotHash(slot, keyHash)
	copy(hf.slotRecord(slot), record)
	if !wasValid {
		hf.count++
	}
	grow := hf.count*5 > hf.capacity*3
	hf.mu.Unlock()

	if err := hf.sync(); err != nil {
		return err
	}
	if grow {
		return hf.growAndRebuild()
	}
	return nil
}

// Delete marks slot deleted and durably syncs the write.
func (hf *File) Delete(slot int64) error {
	hf.mu.Lock()
	if hf.slotState(slot) == SlotValid {
		hf.count--
	}
	hf.setSlotState(slot, SlotDeleted)
	hf.mu.Unlock()
	return hf.sync()
}

func (hf *File) sync() error {
	return hf.f.Sync()
}

// Count returns the number of valid records currently stored.
func (hf *File) Count() int64 {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.count
}

// Capacity returns the current number of slots.
func (hf *File) Capacity() int64 {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.capacity
}

// growAndRebuild doubles capacity, rehashing every valid record into a
// new backing file, then swaps it into place and unlinks the old one
// (spec §4.1: "new file, swap, unlink").
func (hf *File) growAndRebuild() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	newCapacity := nextPrime(hf.capacity * 2)
	tmpPath := hf.path + ".rebuild"

	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("hashfile: rebuild create: %w", err)
	}
	newSize := slotSize(hf.codec) * newCapacity
	if err := tmpFile.Truncate(newSize); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hashfile: rebuild truncate: %w", err)
	}
	newData, err := unix.Mmap(int(tmpFile.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hashfile: rebuild mmap: %w", err)
	}

	rehash := func(h uint64, rec []byte) {
		start := int64(h % uint64(newCapacity))
		for probe := int64(0); probe < newCapacity; probe++ {
			i := (start + probe) % newCapacity
			off := i * slotSize(hf.codec)
			if SlotState(newData[off]) == SlotEmpty {
				newData[off] = byte(SlotValid)
				binary.LittleEndian.PutUint64(newData[off+1:off+9], h)
				copy(newData[off+slotHeaderSize:off+slotHeaderSize+int64(hf.codec.Size())], rec)
				return
			}
		}
	}

	for i := int64(0); i < hf.capacity; i++ {
		if hf.slotState(i) == SlotValid {
			rehash(hf.slotHash(i), hf.slotRecord(i))
		}
	}

	if err := tmpFile.Sync(); err != nil {
		unix.Munmap(newData)
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hashfile: rebuild sync: %w", err)
	}

	oldPath := hf.path
	if err := os.Rename(tmpPath, oldPath); err != nil {
		unix.Munmap(newData)
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hashfile: rebuild rename: %w", err)
	}

	unix.Munmap(hf.data)
	hf.f.Close()

	hf.f = tmpFile
	hf.data = newData
	hf.capacity = newCapacity
	return nil
}

// nextPrime returns the smallest prime >= n.
func nextPrime(n int64) int64 {
	if n < 2 {
		return 2
	}
	if n%2 == 0 {
		n++
	}
	for !isPrime(n) {
		n += 2
	}
	return n
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for i := int64(3); i*i <= n; i += 2 {
		if n%i == 0 {
			return false
		}
	}
	return true
}
