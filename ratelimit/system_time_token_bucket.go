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

package ratelimit

import (
	"context"
	"time"
)

// SystemTimeTokenBucket adapts a TokenBucket, whose Remove method works in
// terms of an arbitrary nanosecond clock, to the wall clock, and exposes it
// as something that can be waited on.
type SystemTimeTokenBucket struct {
	Bucket    TokenBucket
	StartTime time.Time
}

// Capacity returns the bucket's capacity.
func (tb *SystemTimeTokenBucket) Capacity() uint64 {
	return tb.Bucket.Capacity()
}

// Wait blocks until tokens tokens are available or ctx is done, returning
// false in the latter case.
func (tb *SystemTimeTokenBucket) Wait(ctx context.Context, tokens uint64) (ok bool) {
	now := time.Since(tb.StartTime)
	availableAt := tb.Bucket.Remove(int64(now), tokens)

	delay := time.Duration(availableAt) - now
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
