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

// Package hub implements the workshop session broker: authentication,
// the per-user pod orchestrator, the request gateway that proxies workshop
// traffic, and the reaper that reclaims expired and idle pods.
package hub

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config is the hub configuration, read from HUB_-prefixed environment
// variables.
type Config struct {
	// WorkshopName scopes all managed resources. Two hubs with different
	// names can share a namespace without seeing each other's pods.
	WorkshopName string `envconfig:"WORKSHOP_NAME" default:"workshop"`
	// WorkshopNamespace is the namespace user pods are created in.
	WorkshopNamespace string `envconfig:"WORKSHOP_NAMESPACE" default:"default"`
	// WorkshopTTLSeconds is the absolute pod lifetime, enforced by the reaper
	// regardless of activity.
	WorkshopTTLSeconds int64 `envconfig:"WORKSHOP_TTL_SECONDS" default:"28800"`
	// WorkshopIdleSeconds is how long a pod's sidecar may report no traffic
	// before the reaper reclaims it.
	WorkshopIdleSeconds int64 `envconfig:"WORKSHOP_IDLE_SECONDS" default:"3600"`
	// WorkshopImage is the user workload container image.
	WorkshopImage string `envconfig:"WORKSHOP_IMAGE" default:"nginx"`
	// WorkshopPort is the port the workload listens on inside the pod.
	WorkshopPort int32 `envconfig:"WORKSHOP_PORT" default:"80"`
	// WorkshopPodLimit caps the total number of managed pods.
	WorkshopPodLimit int `envconfig:"WORKSHOP_POD_LIMIT" default:"100"`

	WorkshopCPURequest string `envconfig:"WORKSHOP_CPU_REQUEST" default:"100m"`
	WorkshopCPULimit   string `envconfig:"WORKSHOP_CPU_LIMIT" default:"500m"`
	WorkshopMemRequest string `envconfig:"WORKSHOP_MEM_REQUEST" default:"128Mi"`
	WorkshopMemLimit   string `envconfig:"WORKSHOP_MEM_LIMIT" default:"512Mi"`

	// SidecarImage is the activity sidecar injected next to every workload.
	SidecarImage string `envconfig:"SIDECAR_IMAGE" default:"ghcr.io/nbhdai/workshop-sidecar:latest"`

	// Secret signs session tokens. Loaded once at startup; rotation is not
	// supported.
	Secret string `envconfig:"SECRET"`
}

// ConfigFromEnv loads and validates the hub configuration.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("hub", &c); err != nil {
		return Config{}, errors.Wrap(err, "process environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the orchestrator could not act on. Resource
// quantities are parsed here so pod spec construction can assume they are
// well formed.
func (c Config) Validate() error {
	if c.WorkshopName == "" {
		return errors.New("workshop name must not be empty")
	}
	if c.WorkshopNamespace == "" {
		return errors.New("workshop namespace must not be empty")
	}
	if c.WorkshopPodLimit <= 0 {
		return errors.New("workshop pod limit must be positive")
	}
	if c.WorkshopPort <= 0 || c.WorkshopPort > 65535 {
		return errors.Errorf("workshop port %d out of range", c.WorkshopPort)
	}
	if c.WorkshopTTLSeconds <= 0 {
		return errors.New("workshop TTL must be positive")
	}
	if c.WorkshopIdleSeconds <= 0 {
		return errors.New("workshop idle threshold must be positive")
	}
	for _, q := range []string{c.WorkshopCPURequest, c.WorkshopCPULimit, c.WorkshopMemRequest, c.WorkshopMemLimit} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return errors.Wrapf(err, "invalid resource quantity %q", q)
		}
	}
	return nil
}
