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

// Package rpc implements the node-to-node transport of spec §4.6: a
// length-prefixed framed protocol, a connection state machine with a
// two-stage auth handshake, request/reply matching via a pending-
// request table, and worker-pool dispatch of inbound requests.
package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zlomekfs/zfsd/internal/zfserr"
)

// Direction is the frame's direction field (spec §4.6).
type Direction uint8

const (
	DirRequest Direction = iota
	DirReply
	DirOneway
)

const (
	// MaxData bounds a single encoded data buffer (ZFS_MAXDATA).
	MaxData = 1 << 16
	// MaxNameLen bounds a single path component (ZFS_MAXNAMELEN).
	MaxNameLen = 255
	// MaxPathLen bounds a full path (ZFS_MAXPATHLEN).
	MaxPathLen = 4096

	frameHeaderSize = 4 + 1 + 4 // length + direction + request_id
)

// RereadConfigFn is the stable wire function number of reread_config
// (spec §4.6's function table: its position among `null, ping, root,
// volume_root, getattr, setattr, lookup, create, open, close, readdir,
// mkdir, rmdir, rename, link, unlink, read, write, readlink, symlink,
// mknod, auth_stage1, auth_stage2, md5sum, file_info, reread_config,
// ...`), the RPC config-reader broadcasts to the config volume's slave
// nodes once it finishes reconciling a changed file (spec §4.9 step 5).
const RereadConfigFn = 25

// Frame is one decoded wire frame: `| u32 length | u8 direction | u32
// request_id | u32 fn_number (if REQUEST) | encoded args or reply |`
// (spec §4.6).
type Frame struct {
	Direction Direction
	RequestID uint32
	FnNumber  uint32 // only meaningful when Direction == DirRequest
	Payload   []byte
}

// WriteFrame encodes and writes f to w, computing its length prefix.
func WriteFrame(w io.Writer, f Frame) error {
	bodyLen := 1 + 4 + len(f.Payload)
	if f.Direction == DirRequest {
		bodyLen += 4
	}
	if bodyLen > MaxData {
		return zfserr.New("rpc.WriteFrame", zfserr.RequestTooLong)
	}

	buf := make([]byte, 4+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	buf[4] = byte(f.Direction)
	binary.LittleEndian.PutUint32(buf[5:9], f.RequestID)
	off := 9
	if f.Direction == DirRequest {
		binary.LittleEndian.PutUint32(buf[off:off+4], f.FnNumber)
		off += 4
	}
	copy(buf[off:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < 5 || int64(length) > MaxData {
		return Frame{}, zfserr.New("rpc.ReadFrame", zfserr.RequestTooLong)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Direction: Direction(body[0]),
		RequestID: binary.LittleEndian.Uint32(body[1:5]),
	}
	off := 5
	if f.Direction == DirRequest {
		if len(body) < 9 {
			return Frame{}, zfserr.New("rpc.ReadFrame", zfserr.InvalidRequest)
		}
		f.FnNumber = binary.LittleEndian.Uint32(body[5:9])
		off = 9
	} else if f.Direction > DirOneway {
		return Frame{}, zfserr.New("rpc.ReadFrame", zfserr.InvalidRequest)
	}
	f.Payload = body[off:]
	return f, nil
}

// EncodeString length-prefixes s, enforcing maxLen (spec §4.6: "length-
// prefixed byte strings").
func EncodeString(s string, maxLen int) ([]byte, error) {
	if len(s) > maxLen {
		return nil, fmt.Errorf("rpc: string exceeds max length %d", maxLen)
	}
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf, nil
}

// DecodeString reads a length-prefixed string from buf, returning the
// string and the number of bytes consumed.
func DecodeString(buf []byte, maxLen int) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("rpc: truncated string length")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if int(n) > maxLen || len(buf) < 4+int(n) {
		return "", 0, fmt.Errorf("rpc: string length %d exceeds bound or buffer", n)
	}
	return string(buf[4 : 4+n]), 4 + int(n), nil
}
