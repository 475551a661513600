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
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Hop-by-hop headers are meaningful only for the client-to-hub connection
// and must not be forwarded. Headers named by the Connection header are
// stripped as well.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const upgradeDialTimeout = 10 * time.Second

// workshopHandler resolves the caller's workshop pod and streams the request
// to its sidecar proxy port.
func (s *Server) workshopHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		// requireIdentity runs in front of this handler; reaching here
		// without an identity is a routing bug.
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	binding, err := s.resolver.Resolve(r.Context(), id.UserID)
	if err != nil {
		s.writeResolveError(w, id.UserID, err)
		return
	}

	endpoint := net.JoinHostPort(binding.ClusterDNSName, s.upstreamPort)
	path := "/" + chi.URLParam(r, "*")

	if isUpgradeRequest(r) {
		s.proxyUpgrade(w, r, endpoint, path)
		return
	}
	s.proxyHTTP(w, r, endpoint, path)
}

func (s *Server) writeResolveError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, ErrPodLimitReached):
		http.Error(w, "service is at capacity, please try again later", http.StatusServiceUnavailable)
	case errors.Is(err, ErrPodNotReady):
		http.Error(w, "workshop failed to start", http.StatusGatewayTimeout)
	default:
		_ = level.Error(s.logger).Log("msg", "resolving workshop pod failed", "user", userID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// proxyHTTP forwards a plain HTTP exchange. The request and response bodies
// are streamed; nothing is buffered beyond the transport's own chunking.
func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, endpoint, path string) {
	u := &url.URL{
		Scheme:   "http",
		Host:     endpoint,
		Path:     path,
		RawQuery: r.URL.RawQuery,
	}
	outreq, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "building upstream request failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	copyProxyHeaders(outreq.Header, r.Header)
	appendForwardedFor(outreq.Header, r)

	resp, err := s.httpClient.Do(outreq)
	if err != nil {
		s.upstreamErrorsTotal.Inc()
		_ = level.Warn(s.logger).Log("msg", "upstream request failed", "endpoint", endpoint, "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	copyProxyHeaders(dst, resp.Header)
	w.WriteHeader(resp.StatusCode)
	s.proxiedRequestsTotal.Inc()

	if err := flushingCopy(w, resp.Body); err != nil {
		// The client likely went away; the deferred close cancels upstream.
		_ = level.Debug(s.logger).Log("msg", "copying response body ended", "err", err)
	}
}

// proxyUpgrade handles protocol upgrades (WebSocket). The handshake request
// is replayed to the upstream verbatim and both connections are then joined
// into a raw bidirectional pipe.
func (s *Server) proxyUpgrade(w http.ResponseWriter, r *http.Request, endpoint, path string) {
	upstream, err := net.DialTimeout("tcp", endpoint, upgradeDialTimeout)
	if err != nil {
		s.upstreamErrorsTotal.Inc()
		_ = level.Warn(s.logger).Log("msg", "upstream dial for upgrade failed", "endpoint", endpoint, "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	outreq := r.Clone(r.Context())
	outreq.URL = &url.URL{Scheme: "http", Host: endpoint, Path: path, RawQuery: r.URL.RawQuery}
	outreq.Host = endpoint
	outreq.RequestURI = ""
	appendForwardedFor(outreq.Header, r)
	if err := outreq.Write(upstream); err != nil {
		_ = level.Warn(s.logger).Log("msg", "writing upgrade handshake failed", "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = level.Error(s.logger).Log("msg", "response writer does not support hijacking")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	downstream, bufrw, err := hj.Hijack()
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "hijacking connection failed", "err", err)
		return
	}
	defer downstream.Close()
	s.proxiedRequestsTotal.Inc()

	// From here on the exchange is an opaque byte stream: the upstream's
	// 101 response and everything after it flows raw in both directions.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, bufrw.Reader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(downstream, upstream)
		done <- struct{}{}
	}()
	<-done
}

func isUpgradeRequest(r *http.Request) bool {
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// copyProxyHeaders copies src into dst, dropping hop-by-hop headers and any
// header named by src's Connection header.
func copyProxyHeaders(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, h := range hopHeaders {
		dropped[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				dropped[http.CanonicalHeaderKey(t)] = true
			}
		}
	}
	for k, vals := range src {
		if dropped[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func appendForwardedFor(dst http.Header, r *http.Request) {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	dst.Set("X-Forwarded-For", clientIP)
}

// flushingCopy streams src to w, flushing after each chunk so long-lived
// responses (SSE, chunked logs) reach the client promptly.
func flushingCopy(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
