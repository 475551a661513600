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

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/nbhdai/workshop-hub/pkg/sidecar"
)

// healthServer serves a fixed sidecar health document.
func healthServer(t *testing.T, idleSeconds int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sidecar.Health{
			Status:      "ok",
			IdleSeconds: idleSeconds,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestReaper(t *testing.T, client *fake.Clientset, cfg Config, healthURL string) *Reaper {
	t.Helper()
	r := NewReaper(nil, client, cfg, nil)
	r.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	r.healthURL = func(string) string { return healthURL }
	return r
}

func expiringPod(cfg Config, name, userID string, phase corev1.PodPhase, expiresAt int64) *corev1.Pod {
	pod := managedPod(cfg, name, userID, phase)
	pod.Annotations = map[string]string{
		AnnotationTTLExpiresAt: strconv.FormatInt(expiresAt, 10),
	}
	return pod
}

func podNames(t *testing.T, client *fake.Clientset, namespace string) []string {
	t.Helper()
	pods, err := client.CoreV1().Pods(namespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	names := make([]string, 0, len(pods.Items))
	for _, p := range pods.Items {
		names = append(names, p.Name)
	}
	return names
}

func TestSweepReapsExpiredTTL(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	healthy := healthServer(t, 0)

	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "expired", "user-alice", corev1.PodRunning, now-1),
		expiringPod(cfg, "alive", "user-bob", corev1.PodRunning, now+3600),
	)
	r := newTestReaper(t, client, cfg, healthy.URL+"/health")

	r.Sweep(context.Background())

	require.Equal(t, []string{"alive"}, podNames(t, client, cfg.WorkshopNamespace))
}

func TestSweepReapsNonRunningPod(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	healthy := healthServer(t, 0)

	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "crashed", "user-alice", corev1.PodFailed, now+3600),
		expiringPod(cfg, "pending", "user-bob", corev1.PodPending, now+3600),
		expiringPod(cfg, "alive", "user-carol", corev1.PodRunning, now+3600),
	)
	r := newTestReaper(t, client, cfg, healthy.URL+"/health")

	r.Sweep(context.Background())

	require.Equal(t, []string{"alive"}, podNames(t, client, cfg.WorkshopNamespace))
}

func TestSweepReapsUnreachableSidecar(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "unreachable", "user-alice", corev1.PodRunning, now+3600),
	)
	r := newTestReaper(t, client, cfg, dead.URL+"/health")

	r.Sweep(context.Background())

	require.Empty(t, podNames(t, client, cfg.WorkshopNamespace))
}

func TestSweepReapsIdlePod(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.WorkshopIdleSeconds = 3600
	idle := healthServer(t, 7200)

	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "idle", "user-alice", corev1.PodRunning, now+3600),
	)
	r := newTestReaper(t, client, cfg, idle.URL+"/health")

	r.Sweep(context.Background())

	require.Empty(t, podNames(t, client, cfg.WorkshopNamespace))
}

func TestSweepKeepsActivePod(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.WorkshopIdleSeconds = 3600
	active := healthServer(t, 10)

	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "active", "user-alice", corev1.PodRunning, now+3600),
	)
	r := newTestReaper(t, client, cfg, active.URL+"/health")

	r.Sweep(context.Background())

	require.Equal(t, []string{"active"}, podNames(t, client, cfg.WorkshopNamespace))
}

func TestSweepIgnoresUnmanagedPods(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	// A failed, unlabeled pod in the same namespace must survive the sweep.
	bystander := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "bystander",
			Namespace: cfg.WorkshopNamespace,
			Labels:    map[string]string{"app": "something-else"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodFailed},
	}
	client := fake.NewClientset(bystander)
	r := newTestReaper(t, client, cfg, dead.URL+"/health")

	r.Sweep(context.Background())

	require.Equal(t, []string{"bystander"}, podNames(t, client, cfg.WorkshopNamespace))
}

func TestSweepTTLWinsOverHealth(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	var probed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probed = true
		_ = json.NewEncoder(w).Encode(sidecar.Health{Status: "ok"})
	}))
	t.Cleanup(srv.Close)

	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "expired", "user-alice", corev1.PodRunning, now-1),
	)
	r := newTestReaper(t, client, cfg, srv.URL+"/health")

	r.Sweep(context.Background())

	require.Empty(t, podNames(t, client, cfg.WorkshopNamespace))
	require.False(t, probed, "a TTL-condemned pod must not be probed")
}

func TestReaperRunSweepsImmediately(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	now := int64(1_700_000_000)
	client := fake.NewClientset(
		expiringPod(cfg, "expired-while-down", "user-alice", corev1.PodRunning, now-1),
	)
	r := newTestReaper(t, client, cfg, "http://invalid/health")
	// An interval far beyond the test's patience: only the startup sweep can
	// delete the pod.
	r.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(podNames(t, client, cfg.WorkshopNamespace)) == 0
	}, 2*time.Second, 10*time.Millisecond, "startup sweep must reclaim the expired pod")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	r := newTestReaper(t, fake.NewClientset(), cfg, "http://invalid/health")
	r.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
