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
	"context"
	"io"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	dialTimeout = 10 * time.Second
	// acceptRetryDelay paces the accept loop after an error, so conditions
	// like file descriptor exhaustion do not spin the log.
	acceptRetryDelay = 100 * time.Millisecond
)

// Pipe accepts downstream connections and copies bytes bidirectionally to the
// configured upstream, stamping the shared activity tracker on every nonzero
// transfer.
type Pipe struct {
	logger   log.Logger
	activity *Activity

	network string
	address string

	connectionsTotal prometheus.Counter
	dialErrorsTotal  prometheus.Counter
	bytesTotal       prometheus.Counter
}

// NewPipe creates a byte pipe for the target configured in cfg.
func NewPipe(logger log.Logger, cfg Config, activity *Activity, reg prometheus.Registerer) *Pipe {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	network, address := cfg.Target()
	p := &Pipe{
		logger:   logger,
		activity: activity,
		network:  network,
		address:  address,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_sidecar_connections_total",
			Help: "Downstream connections accepted by the byte pipe.",
		}),
		dialErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_sidecar_upstream_dial_errors_total",
			Help: "Failed attempts to connect to the upstream target.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_sidecar_piped_bytes_total",
			Help: "Bytes copied through the pipe in both directions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.connectionsTotal, p.dialErrorsTotal, p.bytesTotal)
	}
	return p
}

// Serve runs the accept loop on the given listener until ctx is canceled.
// Each accepted connection is handled in its own goroutine.
func (p *Pipe) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			_ = level.Error(p.logger).Log("msg", "accepting connection failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		p.connectionsTotal.Inc()
		go p.handle(conn)
	}
}

func (p *Pipe) handle(downstream net.Conn) {
	defer downstream.Close()

	upstream, err := net.DialTimeout(p.network, p.address, dialTimeout)
	if err != nil {
		p.dialErrorsTotal.Inc()
		_ = level.Warn(p.logger).Log("msg", "connecting to upstream failed", "target", p.address, "err", err)
		return
	}
	defer upstream.Close()

	// Copy both directions concurrently. When one direction drains, propagate
	// EOF with a half-close so the peer's copy can finish; a hard error on
	// either side tears both connections down via the deferred closes.
	done := make(chan struct{}, 2)
	go func() {
		_, err := io.Copy(upstream, p.track(downstream))
		if err != nil {
			_ = level.Debug(p.logger).Log("msg", "downstream to upstream copy ended", "err", err)
		}
		halfClose(upstream)
		done <- struct{}{}
	}()
	go func() {
		_, err := io.Copy(downstream, p.track(upstream))
		if err != nil {
			_ = level.Debug(p.logger).Log("msg", "upstream to downstream copy ended", "err", err)
		}
		halfClose(downstream)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// track wraps r so every nonzero read stamps the activity tracker. Reads
// cover both directions since each copy reads from one of the two peers.
func (p *Pipe) track(r io.Reader) io.Reader {
	return &activityReader{r: r, pipe: p}
}

type activityReader struct {
	r    io.Reader
	pipe *Pipe
}

func (ar *activityReader) Read(b []byte) (int, error) {
	n, err := ar.r.Read(b)
	if n > 0 {
		ar.pipe.activity.Touch()
		ar.pipe.bytesTotal.Add(float64(n))
	}
	return n, err
}

// halfClose signals EOF to the peer without discarding unread data, when the
// connection type supports it.
func halfClose(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
