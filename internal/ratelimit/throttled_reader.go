// Copyright 2023 Google Inc. All Rights Reserved.
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

package ratelimit

import (
	"context"
	"io"
)

type throttledReader struct {
	ctx      context.Context
	wrapped  io.Reader
	throttle Throttle
}

// ThrottledReader returns a reader that calls throttle.Wait before each
// read from wrapped, capping any single read at throttle's capacity and
// retrying short reads from wrapped until the capped amount is filled, an
// error occurs, or wrapped stops making progress.
func ThrottledReader(ctx context.Context, wrapped io.Reader, throttle Throttle) io.Reader {
	return &throttledReader{
		ctx:      ctx,
		wrapped:  wrapped,
		throttle: throttle,
	}
}

func (tr *throttledReader) Read(p []byte) (n int, err error) {
	readSize := uint64(len(p))
	if c := tr.throttle.Capacity(); readSize > c {
		readSize = c
	}
	p = p[:readSize]

	if err = tr.throttle.Wait(tr.ctx, readSize); err != nil {
		return 0, err
	}

	for uint64(n) < readSize {
		var nn int
		nn, err = tr.wrapped.Read(p[n:])
		n += nn
		if err != nil {
			return n, err
		}
		if nn == 0 {
			break
		}
	}

	return n, nil
}
