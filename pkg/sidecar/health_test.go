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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	handler := HealthHandler(log.NewNopLogger(), activity, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.Equal(t, "ok", h.Status)
	require.Equal(t, activity.Last(), h.LastActivityTimestamp)
	require.GreaterOrEqual(t, h.IdleSeconds, int64(0))
	require.LessOrEqual(t, h.IdleSeconds, int64(1))
}

func TestHealthHandlerReportsIdle(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	// Backdate the tracker to simulate a quiet pipe.
	activity.last.Store(time.Now().Add(-90 * time.Second).Unix())

	handler := HealthHandler(log.NewNopLogger(), activity, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.GreaterOrEqual(t, h.IdleSeconds, int64(89))
}

func TestHealthHandlerMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	handler := HealthHandler(log.NewNopLogger(), NewActivity(), reg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
