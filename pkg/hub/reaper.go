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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nbhdai/workshop-hub/pkg/sidecar"
)

const (
	// SweepInterval is how often the reaper walks the managed pods.
	SweepInterval = 5 * time.Minute
	// healthProbeTimeout bounds the sidecar health request.
	healthProbeTimeout = 5 * time.Second
)

// Reasons a pod is condemned, in check order. Cheap local checks run before
// the network probe so a pod already condemned by TTL or phase is never
// probed.
const (
	reapReasonTTL    = "ttl"
	reapReasonPhase  = "phase"
	reapReasonHealth = "health"
	reapReasonIdle   = "idle"
)

// Reaper periodically deletes managed pods that are expired, dead,
// unreachable, or idle. It only ever absorbs errors: a failing pod is logged
// and skipped, never aborts the sweep.
type Reaper struct {
	logger log.Logger
	client kubernetes.Interface
	cfg    Config

	probe    *http.Client
	interval time.Duration
	now      func() time.Time

	// healthURL builds the sidecar health endpoint for a pod. Overridden in
	// tests to point at local listeners.
	healthURL func(podName string) string

	sweepsTotal     prometheus.Counter
	podsReapedTotal *prometheus.CounterVec
}

// NewReaper creates a reaper sweeping the configured namespace every
// SweepInterval.
func NewReaper(logger log.Logger, client kubernetes.Interface, cfg Config, reg prometheus.Registerer) *Reaper {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Reaper{
		logger:   logger,
		client:   client,
		cfg:      cfg,
		probe:    &http.Client{Timeout: healthProbeTimeout},
		interval: SweepInterval,
		now:      time.Now,
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_hub_reaper_sweeps_total",
			Help: "Completed reaper sweeps.",
		}),
		podsReapedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workshop_hub_pods_reaped_total",
			Help: "Pods deleted by the reaper, by reason.",
		}, []string{"reason"}),
	}
	r.healthURL = func(podName string) string {
		return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d/health", podName, cfg.WorkshopNamespace, HealthPort)
	}
	if reg != nil {
		reg.MustRegister(r.sweepsTotal, r.podsReapedTotal)
	}
	return r
}

// Run sweeps once immediately and then on the reaper's interval until ctx is
// canceled. The immediate sweep reclaims pods that expired while the hub was
// down.
func (r *Reaper) Run(ctx context.Context) error {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep lists the managed pods and applies the TTL, phase, health, and idle
// checks to each.
func (r *Reaper) Sweep(ctx context.Context) {
	selector := fmt.Sprintf("%s=%s,%s=%s",
		LabelManagedBy, ManagedBy,
		LabelWorkshopName, r.cfg.WorkshopName)

	pods, err := r.client.CoreV1().Pods(r.cfg.WorkshopNamespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		_ = level.Error(r.logger).Log("msg", "listing managed pods failed", "err", err)
		return
	}
	if len(pods.Items) == 0 {
		_ = level.Debug(r.logger).Log("msg", "no managed pods")
		r.sweepsTotal.Inc()
		return
	}
	_ = level.Info(r.logger).Log("msg", "sweeping managed pods", "count", len(pods.Items))

	for i := range pods.Items {
		pod := &pods.Items[i]
		if reason := r.condemnReason(ctx, pod); reason != "" {
			r.reap(ctx, pod.Name, reason)
		}
	}
	r.sweepsTotal.Inc()
}

// condemnReason returns why the pod must be deleted, or "" to keep it.
func (r *Reaper) condemnReason(ctx context.Context, pod *corev1.Pod) string {
	now := r.now().Unix()

	if raw, ok := pod.Annotations[AnnotationTTLExpiresAt]; ok {
		if expiresAt, err := strconv.ParseInt(raw, 10, 64); err == nil && now > expiresAt {
			return reapReasonTTL
		}
	}

	if pod.Status.Phase != corev1.PodRunning {
		return reapReasonPhase
	}

	health, err := r.probeHealth(ctx, pod.Name)
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "health probe failed", "pod", pod.Name, "err", err)
		return reapReasonHealth
	}
	if health.IdleSeconds > r.cfg.WorkshopIdleSeconds {
		return reapReasonIdle
	}

	_ = level.Debug(r.logger).Log("msg", "pod healthy", "pod", pod.Name, "idle_seconds", health.IdleSeconds)
	return ""
}

func (r *Reaper) probeHealth(ctx context.Context, podName string) (sidecar.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.healthURL(podName), nil)
	if err != nil {
		return sidecar.Health{}, err
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		return sidecar.Health{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sidecar.Health{}, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	var health sidecar.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return sidecar.Health{}, fmt.Errorf("decode health response: %w", err)
	}
	return health, nil
}

// reap deletes the pod; the owner reference cascades to the service.
// Deletion is fire-and-forget, the next sweep re-observes actual state.
func (r *Reaper) reap(ctx context.Context, podName, reason string) {
	_ = level.Info(r.logger).Log("msg", "reaping pod", "pod", podName, "reason", reason)
	if err := r.client.CoreV1().Pods(r.cfg.WorkshopNamespace).Delete(ctx, podName, metav1.DeleteOptions{}); err != nil {
		_ = level.Error(r.logger).Log("msg", "deleting pod failed", "pod", podName, "err", err)
		return
	}
	r.podsReapedTotal.WithLabelValues(reason).Inc()
}
