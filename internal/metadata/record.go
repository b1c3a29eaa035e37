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

// Package metadata implements the per-volume metadata store of spec
// §4.2: two hash files (metadata keyed by (dev,ino), fh_mapping keyed
// by master_fh) plus per-directory journal files.
package metadata

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/zlomekfs/zfsd/internal/fh"
)

// Record is the full metadata record stored in the `metadata` hash file,
// keyed by (dev, ino): local/master version, the mapped master FH, and
// flags (spec §3, §4.2).
type Record struct {
	Dev           uint32
	Ino           uint64
	Gen           uint32
	LocalVersion  uint64
	MasterVersion uint64
	MasterFH      fh.FH
	Flags         fh.Flag
}

const recordSize = 4 + 8 + 4 + 8 + 8 + fhSize + 4

const fhSize = 4 + 4 + 4 + 8 + 4 // SID, VID, Dev, Ino, Gen

func encodeFH(buf []byte, f fh.FH) {
	binary.LittleEndian.PutUint32(buf[0:4], f.SID)
	binary.LittleEndian.PutUint32(buf[4:8], f.VID)
	binary.LittleEndian.PutUint32(buf[8:12], f.Dev)
	binary.LittleEndian.PutUint64(buf[12:20], f.Ino)
	binary.LittleEndian.PutUint32(buf[20:24], f.Gen)
}

func decodeFH(buf []byte) fh.FH {
	return fh.FH{
		SID: binary.LittleEndian.Uint32(buf[0:4]),
		VID: binary.LittleEndian.Uint32(buf[4:8]),
		Dev: binary.LittleEndian.Uint32(buf[8:12]),
		Ino: binary.LittleEndian.Uint64(buf[12:20]),
		Gen: binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// recordKeyHash hashes the (dev, ino) pair that keys the metadata file.
func recordKeyHash(dev uint32, ino uint64) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], dev)
	binary.LittleEndian.PutUint64(buf[4:12], ino)
	return xxhash.Sum64(buf[:])
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Dev)
	binary.LittleEndian.PutUint64(buf[4:12], r.Ino)
	binary.LittleEndian.PutUint32(buf[12:16], r.Gen)
	binary.LittleEndian.PutUint64(buf[16:24], r.LocalVersion)
	binary.LittleEndian.PutUint64(buf[24:32], r.MasterVersion)
	encodeFH(buf[32:32+fhSize], r.MasterFH)
	binary.LittleEndian.PutUint32(buf[32+fhSize:36+fhSize], uint32(r.Flags))
	return buf
}

func decodeRecord(buf []byte) Record {
	return Record{
		Dev:           binary.LittleEndian.Uint32(buf[0:4]),
		Ino:           binary.LittleEndian.Uint64(buf[4:12]),
		Gen:           binary.LittleEndian.Uint32(buf[12:16]),
		LocalVersion:  binary.LittleEndian.Uint64(buf[16:24]),
		MasterVersion: binary.LittleEndian.Uint64(buf[24:32]),
		MasterFH:      decodeFH(buf[32 : 32+fhSize]),
		Flags:         fh.Flag(binary.LittleEndian.Uint32(buf[32+fhSize : 36+fhSize])),
	}
}

// recordCodec adapts Record's fixed encoding to hashfile's recordCodec
// interface.
type recordCodec struct{}

func (recordCodec) Size() int { return recordSize }

func (recordCodec) Hash(record []byte) uint64 {
	dev := binary.LittleEndian.Uint32(record[0:4])
	ino := binary.LittleEndian.Uint64(record[4:12])
	return recordKeyHash(dev, ino)
}

// maxNames bounds the name list carried in an fhMappingRecord; the spec
// does not fix a limit, but the hash file format requires a fixed
// record size, so this caps the hardlink count tracked inline before a
// name is dropped from the list (the hardlink COUNT itself is never
// capped — only how many of the names are remembered for diagnostics).
const maxNames = 4
const maxNameLen = 64

// fhMappingRecord is the `fh_mapping` hash file's record, keyed by
// master_fh: the corresponding local (dev, ino), a hardlink count, and
// a name list (spec §4.2).
type fhMappingRecord struct {
	MasterFH  fh.FH
	LocalDev  uint32
	LocalIno  uint64
	LinkCount uint32
	NameCount uint32
	Names     [maxNames][maxNameLen]byte
}

const fhMappingRecordSize = fhSize + 4 + 8 + 4 + 4 + maxNames*maxNameLen

type fhMappingCodec struct{}

func (fhMappingCodec) Size() int { return fhMappingRecordSize }

func (fhMappingCodec) Hash(record []byte) uint64 {
	return xxhash.Sum64(record[0:fhSize])
}

func encodeFHMapping(r fhMappingRecord) []byte {
	buf := make([]byte, fhMappingRecordSize)
	off := 0
	encodeFH(buf[off:off+fhSize], r.MasterFH)
	off += fhSize
	binary.LittleEndian.PutUint32(buf[off:off+4], r.LocalDev)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], r.LocalIno)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.LinkCount)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], r.NameCount)
	off += 4
	for i := 0; i < maxNames; i++ {
		copy(buf[off:off+maxNameLen], r.Names[i][:])
		off += maxNameLen
	}
	return buf
}

func decodeFHMapping(buf []byte) fhMappingRecord {
	var r fhMappingRecord
	off := 0
	r.MasterFH = decodeFH(buf[off : off+fhSize])
	off += fhSize
	r.LocalDev = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.LocalIno = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.LinkCount = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.NameCount = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	for i := 0; i < maxNames; i++ {
		copy(r.Names[i][:], buf[off:off+maxNameLen])
		off += maxNameLen
	}
	return r
}

func setName(r *fhMappingRecord, i int, name string) {
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	var buf [maxNameLen]byte
	copy(buf[:], name)
	r.Names[i] = buf
}

func getName(r fhMappingRecord, i int) string {
	b := r.Names[i][:]
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
