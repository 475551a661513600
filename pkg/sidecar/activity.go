// Copyright 2025 The Workshop Hub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sidecar implements the per-workshop activity sidecar: a TCP byte
// pipe in front of the user's application and an HTTP endpoint reporting how
// long the pipe has been idle. The hub's reaper polls the latter to decide
// when a workshop can be reclaimed.
package sidecar

import (
	"sync/atomic"
	"time"
)

// Activity records the last time any byte crossed the pipe in either
// direction. Many connection goroutines write it and the health handler reads
// it concurrently; last-writer-wins is correct since any recent write is
// sufficient evidence of liveness.
type Activity struct {
	last atomic.Int64
}

// NewActivity returns a tracker initialized to now, so a freshly started
// sidecar does not immediately report as idle.
func NewActivity() *Activity {
	a := &Activity{}
	a.Touch()
	return a
}

// Touch stamps the tracker with the current time.
func (a *Activity) Touch() {
	a.last.Store(time.Now().Unix())
}

// Last returns the unix timestamp of the most recent activity.
func (a *Activity) Last() int64 {
	return a.last.Load()
}

// IdleSeconds returns how long the pipe has been idle at the given time,
// clamped at zero against clock skew.
func (a *Activity) IdleSeconds(now time.Time) int64 {
	idle := now.Unix() - a.Last()
	if idle < 0 {
		return 0
	}
	return idle
}
