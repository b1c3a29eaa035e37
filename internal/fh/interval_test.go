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

package fh_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zlomekfs/zfsd/internal/fh"
)

func TestIntervalTreeMergesAdjacent(t *testing.T) {
	tr := fh.NewIntervalTree()
	tr.Append(0, 10)
	tr.Append(10, 20)
	assert.Equal(t, []fh.Interval{{Lo: 0, Hi: 20}}, tr.Intervals())
}

func TestIntervalTreeMergesOverlapping(t *testing.T) {
	tr := fh.NewIntervalTree()
	tr.Append(5, 15)
	tr.Append(0, 8)
	assert.Equal(t, []fh.Interval{{Lo: 0, Hi: 15}}, tr.Intervals())
}

func TestIntervalTreeLeavesGaps(t *testing.T) {
	tr := fh.NewIntervalTree()
	tr.Append(0, 5)
	tr.Append(10, 15)
	assert.Equal(t, []fh.Interval{{Lo: 0, Hi: 5}, {Lo: 10, Hi: 15}}, tr.Intervals())
	assert.False(t, tr.Covers(0, 15))
	assert.True(t, tr.Covers(0, 5))
}

func TestIntervalTreeMissing(t *testing.T) {
	tr := fh.NewIntervalTree()
	tr.Append(0, 5)
	tr.Append(10, 15)

	gaps := tr.Missing(0, 15)
	assert.Equal(t, []fh.Interval{{Lo: 5, Hi: 10}}, gaps)
}

func TestIntervalTreeCoversWhole(t *testing.T) {
	tr := fh.NewIntervalTree()
	tr.Append(0, 100)
	assert.True(t, tr.CoversWhole(100))
	assert.False(t, tr.CoversWhole(101))
}
