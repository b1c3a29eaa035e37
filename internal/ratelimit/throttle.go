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
	"time"

	"github.com/zlomekfs/zfsd/ratelimit"
)

// Throttle bounds how many tokens may be consumed in a given stretch of
// time, reporting ctx's error rather than a bool when it can't admit the
// request before ctx is done.
type Throttle interface {
	Capacity() uint64
	Wait(ctx context.Context, tokens uint64) error
}

type throttle struct {
	bucket *ratelimit.SystemTimeTokenBucket
}

// NewThrottle returns a Throttle admitting up to rateHz tokens per second,
// with bursts up to capacity tokens.
func NewThrottle(rateHz float64, capacity uint64) Throttle {
	return &throttle{
		bucket: &ratelimit.SystemTimeTokenBucket{
			Bucket:    ratelimit.NewTokenBucket(rateHz, capacity),
			StartTime: time.Now(),
		},
	}
}

func (t *throttle) Capacity() uint64 {
	return t.bucket.Capacity()
}

func (t *throttle) Wait(ctx context.Context, tokens uint64) error {
	if !t.bucket.Wait(ctx, tokens) {
		return ctx.Err()
	}
	return nil
}
