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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "tcp target only",
			cfg:  Config{TargetTCP: "127.0.0.1:80"},
		},
		{
			name: "uds target only",
			cfg:  Config{TargetUDS: "/var/run/app.sock"},
		},
		{
			name:    "both targets",
			cfg:     Config{TargetTCP: "127.0.0.1:80", TargetUDS: "/var/run/app.sock"},
			wantErr: true,
		},
		{
			name:    "no target",
			cfg:     Config{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SIDECAR_HTTP_LISTEN", "0.0.0.0:9090")
	t.Setenv("SIDECAR_TCP_LISTEN", "0.0.0.0:9999")
	t.Setenv("SIDECAR_TARGET_TCP", "127.0.0.1:3000")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9090", cfg.HTTPListen)
	require.Equal(t, "0.0.0.0:9999", cfg.TCPListen)

	network, address := cfg.Target()
	require.Equal(t, "tcp", network)
	require.Equal(t, "127.0.0.1:3000", address)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("SIDECAR_TARGET_UDS", "/tmp/app.sock")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPListen)
	require.Equal(t, ":8888", cfg.TCPListen)

	network, address := cfg.Target()
	require.Equal(t, "unix", network)
	require.Equal(t, "/tmp/app.sock", address)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	t.Setenv("SIDECAR_TARGET_TCP", "127.0.0.1:3000")
	t.Setenv("SIDECAR_TARGET_UDS", "/tmp/app.sock")

	_, err := ConfigFromEnv()
	require.Error(t, err)
}
