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
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is the sidecar configuration, read from SIDECAR_-prefixed
// environment variables. Exactly one of TargetTCP and TargetUDS must be set.
type Config struct {
	// HTTPListen is the address of the health server.
	HTTPListen string `envconfig:"HTTP_LISTEN" default:":8080"`
	// TCPListen is the address of the byte-pipe listener.
	TCPListen string `envconfig:"TCP_LISTEN" default:":8888"`
	// TargetTCP is the upstream TCP address, e.g. "127.0.0.1:80".
	TargetTCP string `envconfig:"TARGET_TCP"`
	// TargetUDS is the upstream Unix domain socket path.
	TargetUDS string `envconfig:"TARGET_UDS"`
}

// ConfigFromEnv loads and validates the sidecar configuration.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("sidecar", &c); err != nil {
		return Config{}, errors.Wrap(err, "process environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate ensures the upstream target is unambiguous.
func (c Config) Validate() error {
	switch {
	case c.TargetTCP != "" && c.TargetUDS != "":
		return errors.New("both SIDECAR_TARGET_TCP and SIDECAR_TARGET_UDS are set, specify only one")
	case c.TargetTCP == "" && c.TargetUDS == "":
		return errors.New("no proxy target specified, set either SIDECAR_TARGET_TCP or SIDECAR_TARGET_UDS")
	}
	return nil
}

// Target returns the network and address to dial for the upstream.
func (c Config) Target() (network, address string) {
	if c.TargetUDS != "" {
		return "unix", c.TargetUDS
	}
	return "tcp", c.TargetTCP
}

func (c Config) String() string {
	network, address := c.Target()
	return fmt.Sprintf("http_listen=%s tcp_listen=%s target=%s://%s", c.HTTPListen, c.TCPListen, network, address)
}
