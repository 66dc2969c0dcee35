// Copyright 2025 The Trawl Authors
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

package gateway

import (
	"math/rand/v2"
	"sync"
	"time"
)

// State is the channel lifecycle the transport reports.
type State string

const (
	// StateIdle means the transport exists but has never connected, or
	// has been closed.
	StateIdle State = "IDLE"
	// StateConnecting means the first connection attempt is in flight.
	StateConnecting State = "CONNECTING"
	// StateConnected means the channel is usable.
	StateConnected State = "CONNECTED"
	// StateReconnecting means the channel failed and a rebuild is in
	// flight.
	StateReconnecting State = "RECONNECTING"
	// StateFailed means the last rebuild attempt did not succeed.
	StateFailed State = "FAILED"
)

// reconnector tracks channel state and paces rebuild attempts with
// jittered exponential backoff.
type reconnector struct {
	mu       sync.Mutex
	state    State
	attempts int

	min    time.Duration
	max    time.Duration
	jitter float64
}

func newReconnector(min, max time.Duration, jitter float64) *reconnector {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = 2 * time.Minute
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.2
	}
	return &reconnector{state: StateIdle, min: min, max: max, jitter: jitter}
}

func (r *reconnector) get() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *reconnector) set(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// connected marks the channel healthy and resets the backoff schedule.
func (r *reconnector) connected() {
	r.mu.Lock()
	r.state = StateConnected
	r.attempts = 0
	r.mu.Unlock()
}

// nextDelay returns the pause before the next rebuild attempt:
// min·2^attempts capped at max, spread by ±jitter.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.min << r.attempts
	if d > r.max || d <= 0 {
		d = r.max
	} else {
		r.attempts++
	}
	spread := 1 + r.jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * spread)
}
