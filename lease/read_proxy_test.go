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
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/lease"
)

const readProxyContents = "taco"

type fakeRefresher struct {
	content string
	calls   int
	err     error
}

func (r *fakeRefresher) Size() int64 { return int64(len(r.content)) }

func (r *fakeRefresher) Refresh(ctx context.Context) (io.ReadCloser, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return io.NopCloser(strings.NewReader(r.content)), nil
}

func TestReadProxySize(t *testing.T) {
	fl := lease.NewFileLeaser("", 1024)
	r := &fakeRefresher{content: readProxyContents}
	proxy := lease.NewReadProxy(fl, r, nil)

	assert.EqualValues(t, len(readProxyContents), proxy.Size())
}

func TestReadProxyRefresherFails(t *testing.T) {
	fl := lease.NewFileLeaser("", 1024)
	r := &fakeRefresher{content: readProxyContents, err: errors.New("taco error")}
	proxy := lease.NewReadProxy(fl, r, nil)

	_, err := proxy.ReadAt(context.Background(), make([]byte, 1), 0)
	assert.ErrorContains(t, err, "taco error")
}

func TestReadProxyReadAtSuccessful(t *testing.T) {
	fl := lease.NewFileLeaser("", 1024)
	r := &fakeRefresher{content: readProxyContents}
	proxy := lease.NewReadProxy(fl, r, nil)

	buf := make([]byte, 2)
	n, err := proxy.ReadAt(context.Background(), buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "ac", string(buf[:n]))
	assert.Equal(t, 1, r.calls, "second read should hit the cached lease")

	_, err = proxy.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
}

func TestReadProxyRefreshesAfterEviction(t *testing.T) {
	fl := lease.NewFileLeaser("", int64(len(readProxyContents)))
	r := &fakeRefresher{content: readProxyContents}
	proxy := lease.NewReadProxy(fl, r, nil)

	buf := make([]byte, 1)
	_, err := proxy.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)

	// Fill the leaser's budget with an unrelated lease, evicting the
	// proxy's cached content.
	other := &fakeRefresher{content: readProxyContents}
	otherProxy := lease.NewReadProxy(fl, other, nil)
	_, err = otherProxy.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)

	_, err = proxy.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.calls, "eviction should force a re-refresh")
}

func TestReadProxyUpgrade(t *testing.T) {
	fl := lease.NewFileLeaser("", 1024)
	r := &fakeRefresher{content: readProxyContents}
	proxy := lease.NewReadProxy(fl, r, nil)

	rwl, err := proxy.Upgrade(context.Background())
	require.NoError(t, err)

	size, err := rwl.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len(readProxyContents), size)
}

func TestReadProxyDestroy(t *testing.T) {
	fl := lease.NewFileLeaser("", 1024)
	r := &fakeRefresher{content: readProxyContents}
	proxy := lease.NewReadProxy(fl, r, nil)

	_, err := proxy.ReadAt(context.Background(), make([]byte, 1), 0)
	require.NoError(t, err)

	proxy.Destroy()
}
