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
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/nbhdai/workshop-hub/internal/kubeutil"
)

// Label and annotation schema for managed resources. The three managed
// labels together form the ownership boundary: every list the hub issues
// carries all of them, so unmanaged workloads in the namespace are never
// observed, counted, or deleted.
const (
	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelWorkshopName = "workshop-hub/workshop-name"
	LabelUserID       = "workshop-hub/user-id"

	// ManagedBy is the value of LabelManagedBy on everything the hub owns.
	ManagedBy = "workshop-hub"

	// AnnotationTTLExpiresAt records the absolute reclamation deadline as
	// unix seconds.
	AnnotationTTLExpiresAt = "workshop-hub/ttl-expires-at"
)

// Sidecar ports, fixed across the fleet. The service exposes both; the hub
// proxies user traffic to ProxyPort and the reaper probes HealthPort.
const (
	ProxyPort  = 8888
	HealthPort = 8080
)

const (
	readinessTimeout  = 180 * time.Second
	readinessInterval = 2 * time.Second
)

// Binding resolves a user to the network endpoint of their workshop pod. It
// is re-derived from the platform on every request; the hub keeps no
// in-memory session state.
type Binding struct {
	PodName        string
	ServiceName    string
	ClusterDNSName string
}

// PodResolver maps an authenticated user to a running workshop endpoint.
type PodResolver interface {
	Resolve(ctx context.Context, userID string) (Binding, error)
}

// Orchestrator is the get-or-create engine behind the gateway. All state
// lives in the platform; concurrent Resolve calls for the same user converge
// on one pod because pod names are derived deterministically from the user
// id and creation dedupes on AlreadyExists.
type Orchestrator struct {
	logger log.Logger
	client kubernetes.Interface
	cfg    Config

	now               func() time.Time
	readinessInterval time.Duration
	readinessTimeout  time.Duration

	podsCreatedTotal  prometheus.Counter
	limitRejectsTotal prometheus.Counter
}

// NewOrchestrator creates an orchestrator operating on the configured
// namespace.
func NewOrchestrator(logger log.Logger, client kubernetes.Interface, cfg Config, reg prometheus.Registerer) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	o := &Orchestrator{
		logger:            logger,
		client:            client,
		cfg:               cfg,
		now:               time.Now,
		readinessInterval: readinessInterval,
		readinessTimeout:  readinessTimeout,
		podsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_hub_pods_created_total",
			Help: "Workshop pods created by the orchestrator.",
		}),
		limitRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_hub_pod_limit_rejects_total",
			Help: "Resolve calls rejected because the pod limit was reached.",
		}),
	}
	if reg != nil {
		reg.MustRegister(o.podsCreatedTotal, o.limitRejectsTotal)
	}
	return o
}

// Resolve finds the user's workshop pod, creating one if needed, and returns
// its binding once the pod serves traffic. Callers distinguish
// ErrPodLimitReached and ErrPodNotReady with errors.Is.
func (o *Orchestrator) Resolve(ctx context.Context, userID string) (Binding, error) {
	ns := o.cfg.WorkshopNamespace
	pods := o.client.CoreV1().Pods(ns)

	// Fast path: an existing pod for this user.
	existing, err := pods.List(ctx, metav1.ListOptions{LabelSelector: o.userSelector(userID)})
	if err != nil {
		return Binding{}, errors.Wrap(err, "list user pods")
	}
	if len(existing.Items) > 0 {
		name := existing.Items[0].Name
		_ = level.Debug(o.logger).Log("msg", "found existing workshop pod", "user", userID, "pod", name)
		return o.binding(name), nil
	}

	// Capacity gate before creating anything.
	all, err := pods.List(ctx, metav1.ListOptions{LabelSelector: o.managedSelector()})
	if err != nil {
		return Binding{}, errors.Wrap(err, "count managed pods")
	}
	if len(all.Items) >= o.cfg.WorkshopPodLimit {
		o.limitRejectsTotal.Inc()
		_ = level.Warn(o.logger).Log("msg", "pod limit reached, denying creation",
			"user", userID, "count", len(all.Items), "limit", o.cfg.WorkshopPodLimit)
		return Binding{}, ErrPodLimitReached
	}

	name := o.podName(userID)
	expiresAt := o.now().Unix() + o.cfg.WorkshopTTLSeconds

	pod, err := pods.Create(ctx, o.workshopPod(name, userID, expiresAt), metav1.CreateOptions{})
	switch {
	case apierrors.IsAlreadyExists(err):
		// A concurrent Resolve for the same user won the race. Adopt its pod.
		_ = level.Info(o.logger).Log("msg", "pod already exists, adopting", "pod", name)
		if pod, err = pods.Get(ctx, name, metav1.GetOptions{}); err != nil {
			return Binding{}, errors.Wrap(err, "fetch adopted pod")
		}
	case err != nil:
		return Binding{}, errors.Wrap(err, "create workshop pod")
	default:
		o.podsCreatedTotal.Inc()
		_ = level.Info(o.logger).Log("msg", "created workshop pod", "user", userID, "pod", name)
	}

	// The same-named service carries an owner reference to the pod so that
	// deleting the pod cascades to the service.
	owner := metav1.OwnerReference{
		APIVersion: "v1",
		Kind:       "Pod",
		Name:       pod.Name,
		UID:        pod.UID,
	}
	svc := o.workshopService(name, userID, owner)
	if _, err := o.client.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return Binding{}, errors.Wrap(err, "create workshop service")
	}

	if err := kubeutil.WaitForPodRunning(ctx, o.client, ns, name, o.readinessInterval, o.readinessTimeout); err != nil {
		_ = level.Warn(o.logger).Log("msg", "pod did not become ready, rolling back", "pod", name, "err", err)
		if derr := pods.Delete(ctx, name, metav1.DeleteOptions{}); derr != nil {
			_ = level.Error(o.logger).Log("msg", "rollback delete failed", "pod", name, "err", derr)
		}
		return Binding{}, ErrPodNotReady
	}

	return o.binding(name), nil
}

func (o *Orchestrator) binding(podName string) Binding {
	return Binding{
		PodName:        podName,
		ServiceName:    podName,
		ClusterDNSName: fmt.Sprintf("%s.%s.svc.cluster.local", podName, o.cfg.WorkshopNamespace),
	}
}

func (o *Orchestrator) userSelector(userID string) string {
	return fmt.Sprintf("%s=%s,%s=%s,%s=%s",
		LabelManagedBy, ManagedBy,
		LabelWorkshopName, o.cfg.WorkshopName,
		LabelUserID, userID)
}

func (o *Orchestrator) managedSelector() string {
	return fmt.Sprintf("%s=%s,%s=%s",
		LabelManagedBy, ManagedBy,
		LabelWorkshopName, o.cfg.WorkshopName)
}

// podName derives the pod (and service) name from the user id alone. The
// deterministic suffix turns the platform's name uniqueness into a mutex:
// two racing creates collide instead of leaving duplicate pods behind.
// User ids may contain underscores, which are valid in label values but not
// in DNS names, so the name portion swaps them for dashes and is truncated
// to respect the 63-character service name limit.
func (o *Orchestrator) podName(userID string) string {
	name := strings.ReplaceAll(userID, "_", "-")
	if len(name) > 40 {
		name = name[:40]
	}
	name = strings.Trim(name, "-")
	return fmt.Sprintf("workshop-%s-%s", name, nameSuffix(userID))
}

// nameSuffix hashes the full, untruncated user id into six lowercase
// alphanumerics so truncated names stay distinct.
func nameSuffix(userID string) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	h := fnv.New32a()
	h.Write([]byte(userID))
	v := h.Sum32()
	b := make([]byte, 6)
	for i := range b {
		b[i] = alphabet[v%36]
		v /= 36
	}
	return string(b)
}

func (o *Orchestrator) managedLabels(userID string) map[string]string {
	return map[string]string{
		LabelManagedBy:    ManagedBy,
		LabelWorkshopName: o.cfg.WorkshopName,
		LabelUserID:       userID,
	}
}

func (o *Orchestrator) workshopPod(name, userID string, expiresAt int64) *corev1.Pod {
	labels := o.managedLabels(userID)
	// The service selects the pod through this label.
	labels["app"] = name

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
			Annotations: map[string]string{
				AnnotationTTLExpiresAt: strconv.FormatInt(expiresAt, 10),
			},
		},
		Spec: corev1.PodSpec{
			// Failed workloads are reclaimed by the reaper, not restarted.
			RestartPolicy: corev1.RestartPolicyNever,
			// Workshop pods never talk to the platform API.
			AutomountServiceAccountToken: ptr.To(false),
			Containers: []corev1.Container{
				{
					Name:            "workshop",
					Image:           o.cfg.WorkshopImage,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Ports: []corev1.ContainerPort{
						{ContainerPort: o.cfg.WorkshopPort},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(o.cfg.WorkshopCPURequest),
							corev1.ResourceMemory: resource.MustParse(o.cfg.WorkshopMemRequest),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(o.cfg.WorkshopCPULimit),
							corev1.ResourceMemory: resource.MustParse(o.cfg.WorkshopMemLimit),
						},
					},
				},
				{
					Name:            "sidecar",
					Image:           o.cfg.SidecarImage,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Env: []corev1.EnvVar{
						{Name: "SIDECAR_HTTP_LISTEN", Value: fmt.Sprintf("0.0.0.0:%d", HealthPort)},
						{Name: "SIDECAR_TCP_LISTEN", Value: fmt.Sprintf("0.0.0.0:%d", ProxyPort)},
						{Name: "SIDECAR_TARGET_TCP", Value: fmt.Sprintf("127.0.0.1:%d", o.cfg.WorkshopPort)},
					},
					Ports: []corev1.ContainerPort{
						{Name: "health", ContainerPort: HealthPort},
						{Name: "proxy", ContainerPort: ProxyPort},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("50m"),
							corev1.ResourceMemory: resource.MustParse("64Mi"),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("100m"),
							corev1.ResourceMemory: resource.MustParse("128Mi"),
						},
					},
				},
			},
		},
	}
}

func (o *Orchestrator) workshopService(name, userID string, owner metav1.OwnerReference) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Labels:          o.managedLabels(userID),
			OwnerReferences: []metav1.OwnerReference{owner},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Name: "proxy", Port: ProxyPort, TargetPort: intstr.FromInt32(ProxyPort)},
				{Name: "health", Port: HealthPort, TargetPort: intstr.FromInt32(HealthPort)},
			},
		},
	}
}
