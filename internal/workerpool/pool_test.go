// Copyright 2024 Google LLC
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

package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsInvalidBounds(t *testing.T) {
	_, err := NewPool(5, 2, 10)
	assert.Error(t, err)

	_, err = NewPool(1, 20, 10)
	assert.Error(t, err)

	_, err = NewPool(1, 2, 0)
	assert.Error(t, err)
}

func TestPoolGrowsUnderPressureAndCapsAtMaxTotal(t *testing.T) {
	p, err := NewPool(1, 2, 3)
	require.NoError(t, err)
	defer p.Stop()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(TaskFunc(func() {
			defer wg.Done()
			<-release
		})))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, total := p.Stats()
		if total == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_, _, total := p.Stats()
	assert.Equal(t, uint32(3), total)

	close(release)
	wg.Wait()
}

func TestPoolShrinksIdleWorkersAboveMaxSpare(t *testing.T) {
	p, err := NewPool(1, 1, 4)
	require.NoError(t, err)
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(TaskFunc(func() {
			defer wg.Done()
		})))
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, idle, total := p.Stats()
		if idle <= 1 && total <= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_, idle, total := p.Stats()
	assert.LessOrEqual(t, idle, uint32(1))
	assert.LessOrEqual(t, total, uint32(1))
}

func TestSubmitAfterStopFails(t *testing.T) {
	p, err := NewPool(1, 1, 1)
	require.NoError(t, err)
	p.Stop()

	err = p.Submit(TaskFunc(func() {}))
	assert.Error(t, err)
}
