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

package kubeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testPod(name string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func TestIsPodRunning(t *testing.T) {
	t.Parallel()

	require.True(t, IsPodRunning(testPod("p", corev1.PodRunning)))
	require.False(t, IsPodRunning(testPod("p", corev1.PodPending)))
	require.False(t, IsPodRunning(testPod("p", corev1.PodFailed)))
}

func TestWaitForPodRunning(t *testing.T) {
	t.Parallel()

	t.Run("already running", func(t *testing.T) {
		t.Parallel()
		client := fake.NewClientset(testPod("ready", corev1.PodRunning))
		err := WaitForPodRunning(context.Background(), client, "default", "ready", time.Millisecond, 100*time.Millisecond)
		require.NoError(t, err)
	})

	t.Run("becomes running", func(t *testing.T) {
		t.Parallel()
		client := fake.NewClientset(testPod("starting", corev1.PodPending))
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = client.CoreV1().Pods("default").Update(context.Background(), testPod("starting", corev1.PodRunning), metav1.UpdateOptions{})
		}()
		err := WaitForPodRunning(context.Background(), client, "default", "starting", time.Millisecond, time.Second)
		require.NoError(t, err)
	})

	t.Run("times out with last phase", func(t *testing.T) {
		t.Parallel()
		client := fake.NewClientset(testPod("stuck", corev1.PodPending))
		err := WaitForPodRunning(context.Background(), client, "default", "stuck", time.Millisecond, 50*time.Millisecond)
		require.Error(t, err)
		require.Contains(t, err.Error(), "Pending")
	})

	t.Run("missing pod times out", func(t *testing.T) {
		t.Parallel()
		client := fake.NewClientset()
		err := WaitForPodRunning(context.Background(), client, "default", "ghost", time.Millisecond, 50*time.Millisecond)
		require.Error(t, err)
	})
}
