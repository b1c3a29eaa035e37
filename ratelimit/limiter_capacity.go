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
	"fmt"
	"time"
)

// capacityDivisor controls how many bucket refills fit in window: a larger
// divisor yields a smaller, more bursty-intolerant capacity for the same
// rate and window.
const capacityDivisor = 50

// ChooseTokenBucketCapacity picks a token bucket capacity appropriate for
// limiting to rateHz over the given window: small enough that a caller
// can't burst through an entire window's budget at once, but large enough
// to absorb ordinary scheduling jitter.
func ChooseTokenBucketCapacity(rateHz float64, window time.Duration) (uint64, error) {
	if rateHz <= 0 {
		return 0, fmt.Errorf("Illegal rate: %f", rateHz)
	}
	if window <= 0 {
		return 0, fmt.Errorf("Illegal window: %v", window)
	}

	capacity := uint64(rateHz * window.Seconds() / capacityDivisor)
	if capacity == 0 {
		return 0, fmt.Errorf(
			"Can't use a token bucket to limit to %f Hz over a window of %v (result is a capacity of %f)",
			rateHz, window, float64(capacity))
	}

	return capacity, nil
}
