// Copyright 2025 Google LLC
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

// Package clock re-exports the root clock package's simulated clock for
// internal/* callers, so packages under internal/ never need to import
// outside the internal tree to get test-controllable time.
package clock

import (
	"time"

	rootclock "github.com/zlomekfs/zfsd/clock"
)

// SimulatedClock is a manually-advanced clock for deterministic tests
// (background destruction grace windows, lease generations, reconnect
// back-off).
type SimulatedClock = rootclock.SimulatedClock

// NewSimulatedClock returns a SimulatedClock starting at t.
func NewSimulatedClock(t time.Time) *SimulatedClock {
	return rootclock.NewSimulatedClock(t)
}
