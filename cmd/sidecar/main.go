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

// The sidecar runs next to every workshop container. It pipes user traffic
// to the workload while recording when bytes last flowed, and serves that
// activity state to the reaper on a separate health port.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nbhdai/workshop-hub/pkg/sidecar"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	cfg, err := sidecar.ConfigFromEnv()
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "starting workshop sidecar", "config", cfg.String())

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	activity := sidecar.NewActivity()
	pipe := sidecar.NewPipe(log.With(logger, "component", "pipe"), cfg, activity, metrics)

	ln, err := net.Listen("tcp", cfg.TCPListen)
	if err != nil {
		_ = level.Error(logger).Log("msg", "listening for proxy connections failed", "listen", cfg.TCPListen, "err", err)
		os.Exit(1)
	}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return pipe.Serve(ctx, ln)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		healthServer := &http.Server{
			Addr:    cfg.HTTPListen,
			Handler: sidecar.HealthHandler(log.With(logger, "component", "health"), activity, metrics),
		}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting health server", "listen", cfg.HTTPListen)
				return healthServer.ListenAndServe()
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = healthServer.Shutdown(ctx)
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running workshop sidecar failed", "err", err)
		os.Exit(1)
	}
}
