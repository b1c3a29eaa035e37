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

package lease_test

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/lease"
)

func newMultiProxy(contents []string) lease.ReadProxy {
	fl := lease.NewFileLeaser("", math.MaxInt64)
	var refreshers []lease.Refresher
	for _, c := range contents {
		refreshers = append(refreshers, &fakeRefresher{content: c})
	}
	return lease.NewMultiReadProxy(fl, refreshers, nil)
}

func TestMultiReadProxySizeZeroNoRefreshers(t *testing.T) {
	proxy := newMultiProxy(nil)
	assert.EqualValues(t, 0, proxy.Size())

	_, err := proxy.ReadAt(context.Background(), make([]byte, 10), 0)
	assert.Equal(t, io.EOF, err)
}

func TestMultiReadProxySize(t *testing.T) {
	proxy := newMultiProxy([]string{"taco", "burrito", "enchilada"})
	assert.EqualValues(t, len("tacoburritoenchilada"), proxy.Size())
}

func TestMultiReadProxyReadAtNegativeOffset(t *testing.T) {
	proxy := newMultiProxy([]string{"taco"})
	_, err := proxy.ReadAt(context.Background(), make([]byte, 1), -1)
	assert.ErrorContains(t, err, "Invalid offset")
}

func TestMultiReadProxyReadAtAllSuccessful(t *testing.T) {
	proxy := newMultiProxy([]string{"taco", "burrito", "enchilada"})

	cases := []struct {
		start, limit int64
		expected     string
		eof          bool
	}{
		{0, 4, "taco", false},
		{1, 4, "aco", false},
		{0, 5, "tacob", false},
		{0, 20, "tacoburritoenchilada", false},
		{4, 11, "burrito", false},
		{11, 20, "enchilada", false},
		{11, 100, "enchilada", true},
		{20, 20, "", true},
	}

	for _, tc := range cases {
		buf := make([]byte, tc.limit-tc.start)
		n, err := proxy.ReadAt(context.Background(), buf, tc.start)
		require.Equal(t, tc.expected, string(buf[:n]))
		if tc.eof {
			assert.Equal(t, io.EOF, err)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestMultiReadProxyContentAlreadyCached(t *testing.T) {
	proxy := newMultiProxy([]string{"taco", "burrito", "enchilada"})

	buf := make([]byte, 1024)
	n, err := proxy.ReadAt(context.Background(), buf, 0)
	require.True(t, err == nil || err == io.EOF)
	assert.Equal(t, "tacoburritoenchilada", string(buf[:n]))

	// Reading again should serve from the cached leases without error.
	n, err = proxy.ReadAt(context.Background(), buf, 0)
	require.True(t, err == nil || err == io.EOF)
	assert.Equal(t, "tacoburritoenchilada", string(buf[:n]))
}
