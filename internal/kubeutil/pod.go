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

// Package kubeutil holds small helpers over the Kubernetes clientset shared
// by the orchestrator and the reaper.
package kubeutil

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

// IsPodRunning reports whether the pod has reached the Running phase.
func IsPodRunning(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodRunning
}

// WaitForPodRunning polls the pod until it reaches the Running phase or the
// timeout elapses. The returned error describes the last observed state so
// readiness failures are debuggable from logs alone.
func WaitForPodRunning(ctx context.Context, client kubernetes.Interface, namespace, name string, interval, timeout time.Duration) error {
	var lastPhase corev1.PodPhase
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		pod, err := client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			// Transient list/get failures should not abort the wait.
			return false, nil
		}
		lastPhase = pod.Status.Phase
		return IsPodRunning(pod), nil
	})
	if err != nil {
		return fmt.Errorf("pod %s/%s not running after %s (last phase %q): %w", namespace, name, timeout, lastPhase, err)
	}
	return nil
}
