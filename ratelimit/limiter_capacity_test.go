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

package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zlomekfs/zfsd/ratelimit"
)

func TestChooseTokenBucketCapacityRateLessThanOrEqualToZero(t *testing.T) {
	_, err := ratelimit.ChooseTokenBucketCapacity(-1, 30)
	assert.EqualError(t, err, "Illegal rate: -1.000000")

	_, err = ratelimit.ChooseTokenBucketCapacity(0, 30)
	assert.EqualError(t, err, "Illegal rate: 0.000000")
}

func TestChooseTokenBucketCapacityWindowLessThanOrEqualToZero(t *testing.T) {
	_, err := ratelimit.ChooseTokenBucketCapacity(1, -1)
	assert.Error(t, err)

	_, err = ratelimit.ChooseTokenBucketCapacity(1, 0)
	assert.Error(t, err)
}

func TestChooseTokenBucketCapacityExpected(t *testing.T) {
	capacity, err := ratelimit.ChooseTokenBucketCapacity(20, 10*time.Second)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, capacity)
}
