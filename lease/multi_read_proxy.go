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

package lease

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// multiReadProxy presents several Refreshers' content concatenated as a
// single logical byte range -- used for a file whose pulled content
// spans more than one range fetched independently.
type multiReadProxy struct {
	leaser  *FileLeaser
	proxies []ReadProxy
	offsets []int64 // len(proxies)+1; offsets[i] is proxies[i]'s start
}

func NewMultiReadProxy(leaser *FileLeaser, refreshers []Refresher, initial ReadLease) ReadProxy {
	mp := &multiReadProxy{leaser: leaser, offsets: []int64{0}}

	var off int64
	for i, r := range refreshers {
		var lease ReadLease
		if i == 0 {
			lease = initial
		}
		mp.proxies = append(mp.proxies, NewReadProxy(leaser, r, lease))
		off += r.Size()
		mp.offsets = append(mp.offsets, off)
	}

	return mp
}

func (mp *multiReadProxy) Size() int64 {
	return mp.offsets[len(mp.offsets)-1]
}

func (mp *multiReadProxy) CheckInvariants() {}

func (mp *multiReadProxy) Destroy() {
	for _, p := range mp.proxies {
		p.Destroy()
	}
}

// indexFor returns the index of the sub-proxy containing byte offset
// off, which must be < mp.Size().
func (mp *multiReadProxy) indexFor(off int64) int {
	return sort.Search(len(mp.proxies), func(i int) bool {
		return mp.offsets[i+1] > off
	})
}

func (mp *multiReadProxy) ReadAt(ctx context.Context, buf []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("Invalid offset: %d", off)
	}

	total := mp.Size()
	if off >= total {
		return 0, io.EOF
	}

	idx := mp.indexFor(off)
	pos := off

	for n < len(buf) {
		if idx >= len(mp.proxies) {
			err = io.EOF
			break
		}

		localOff := pos - mp.offsets[idx]
		avail := mp.offsets[idx+1] - pos
		want := buf[n:]
		if int64(len(want)) > avail {
			want = want[:avail]
		}

		m, rerr := mp.proxies[idx].ReadAt(ctx, want, localOff)
		n += m
		pos += int64(m)

		if rerr != nil && rerr != io.EOF {
			err = rerr
			break
		}
		if int64(m) < int64(len(want)) {
			// Sub-proxy came up short of its own range without a hard
			// error; nothing more to read from it this round.
			if pos >= mp.offsets[idx+1] {
				idx++
				continue
			}
			err = io.ErrUnexpectedEOF
			break
		}

		idx++
	}

	if n == len(buf) {
		err = nil
	}

	return n, err
}

func (mp *multiReadProxy) Upgrade(ctx context.Context) (ReadWriteLease, error) {
	rwl, err := mp.leaser.NewFile()
	if err != nil {
		return nil, fmt.Errorf("NewFile: %v", err)
	}

	buf := make([]byte, 1<<20)
	var off int64
	total := mp.Size()
	for off < total {
		n, rerr := mp.ReadAt(ctx, buf, off)
		if n > 0 {
			if _, werr := rwl.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			off += int64(n)
		}
		if rerr != nil && rerr != io.EOF {
			return nil, rerr
		}
		if rerr == io.EOF {
			break
		}
	}

	mp.Destroy()
	return rwl, nil
}
