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

// The hub serves the login flow and the authenticated reverse proxy that
// gives each user their own workshop pod, and runs the reaper that reclaims
// expired and idle pods.
package main

import (
	"context"
	"crypto/rand"
	"flag"
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
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nbhdai/workshop-hub/pkg/hub"
)

var (
	listenAddress = flag.String("web.listen-address", ":3000",
		"Address on which to expose the login flow, the workshop proxy, and metrics.")

	kubeconfig = flag.String("kubeconfig", "",
		"Path to a kubeconfig file. Only needed when running outside a cluster.")
)

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg, err := hub.ConfigFromEnv()
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}

	client, err := newKubeClient(*kubeconfig)
	if err != nil {
		_ = level.Error(logger).Log("msg", "creating Kubernetes client failed", "err", err)
		os.Exit(1)
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// Without a configured secret every restart invalidates all sessions.
		_ = level.Warn(logger).Log("msg", "HUB_SECRET not set, using a random per-process secret")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			_ = level.Error(logger).Log("msg", "generating session secret failed", "err", err)
			os.Exit(1)
		}
	}
	sessions := hub.NewSessions(secret)

	orchestrator := hub.NewOrchestrator(log.With(logger, "component", "orchestrator"), client, cfg, metrics)
	server := hub.NewServer(log.With(logger, "component", "gateway"), sessions, orchestrator, metrics)
	reaper := hub.NewReaper(log.With(logger, "component", "reaper"), client, cfg, metrics)

	_ = level.Info(logger).Log("msg", "starting workshop hub",
		"workshop", cfg.WorkshopName, "namespace", cfg.WorkshopNamespace,
		"pod_limit", cfg.WorkshopPodLimit, "listen", *listenAddress)

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
		httpServer := &http.Server{
			Addr:    *listenAddress,
			Handler: server.Handler(),
		}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting web server", "listen", *listenAddress)
				return httpServer.ListenAndServe()
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				_ = httpServer.Shutdown(ctx)
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return reaper.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running workshop hub failed", "err", err)
		os.Exit(1)
	}
}

// newKubeClient prefers the in-cluster service account and falls back to the
// given kubeconfig for local development.
func newKubeClient(kubeconfigPath string) (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(restCfg)
}
