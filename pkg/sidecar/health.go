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

package sidecar

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the document served on /health. The reaper treats idle_seconds
// as the authoritative idleness signal for this workshop.
type Health struct {
	Status                string `json:"status"`
	LastActivityTimestamp int64  `json:"last_activity_timestamp"`
	IdleSeconds           int64  `json:"idle_seconds"`
}

// HealthHandler serves the activity state on /health and process metrics on
// /metrics.
func HealthHandler(logger log.Logger, activity *Activity, reg *prometheus.Registry) http.Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{
			Status:                "ok",
			LastActivityTimestamp: activity.Last(),
			IdleSeconds:           activity.IdleSeconds(time.Now()),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h); err != nil {
			_ = level.Warn(logger).Log("msg", "writing health response failed", "err", err)
		}
	})
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return mux
}
