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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the hub's HTTP surface: the login flow, the health and metrics
// endpoints, and the authenticated reverse proxy into per-user workshop pods.
type Server struct {
	logger   log.Logger
	sessions *Sessions
	resolver PodResolver

	// httpClient performs plain (non-upgrade) upstream requests. It must not
	// follow redirects; those belong to the browser.
	httpClient *http.Client
	// upstreamPort is the sidecar proxy port on workshop pods. Tests point it
	// at local listeners.
	upstreamPort string

	gatherer prometheus.Gatherer

	proxiedRequestsTotal prometheus.Counter
	upstreamErrorsTotal  prometheus.Counter
	loginsTotal          prometheus.Counter
}

// NewServer wires the HTTP surface together. reg may be a *prometheus.Registry
// to also serve as the /metrics gatherer; passing nil disables registration.
func NewServer(logger log.Logger, sessions *Sessions, resolver PodResolver, reg *prometheus.Registry) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		logger:   logger,
		sessions: sessions,
		resolver: resolver,
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upstreamPort: strconv.Itoa(ProxyPort),
		proxiedRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_hub_proxied_requests_total",
			Help: "Requests forwarded to workshop pods.",
		}),
		upstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_hub_upstream_errors_total",
			Help: "Upstream requests that failed before a response arrived.",
		}),
		loginsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workshop_hub_logins_total",
			Help: "Successful logins.",
		}),
	}
	if reg != nil {
		s.gatherer = reg
		reg.MustRegister(s.proxiedRequestsTotal, s.upstreamErrorsTotal, s.loginsTotal)
	}
	return s
}

// Handler returns the hub's router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/", s.landingHandler)
	r.Get("/login", s.landingHandler)
	r.Post("/login", s.loginHandler)
	r.Post("/logout", s.logoutHandler)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	if s.gatherer != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Handle("/workshop", http.RedirectHandler("/workshop/", http.StatusMovedPermanently))
		r.Handle("/workshop/", http.HandlerFunc(s.workshopHandler))
		r.Handle("/workshop/*", http.HandlerFunc(s.workshopHandler))
	})
	return r
}

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

// loginHandler accepts a JSON username, issues a session token, and sets it
// as the session cookie. No password check happens here; the hub fronts
// workshops, not secrets, and identity only partitions pods.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, loginResponse{Message: "invalid request body"})
		return
	}
	// A username that sanitizes to nothing would yield the id "user-", which
	// is not a legal label value and could never resolve a pod.
	if DeriveUserID(req.Username) == "user-" {
		writeJSON(w, http.StatusBadRequest, loginResponse{Message: "username must contain letters or digits"})
		return
	}
	token, err := s.sessions.Issue(req.Username)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "issuing session token failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, loginResponse{Message: "internal server error"})
		return
	}
	http.SetCookie(w, sessionCookie(token))
	s.loginsTotal.Inc()
	_ = level.Info(s.logger).Log("msg", "user logged in", "user", DeriveUserID(req.Username))
	writeJSON(w, http.StatusOK, loginResponse{
		Success:  true,
		Message:  "logged in",
		Redirect: "/workshop/",
	})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	clearSessionCookie(w)
	if id, ok := IdentityFrom(r.Context()); ok {
		_ = level.Info(s.logger).Log("msg", "user logged out", "user", id.UserID)
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// landingHandler serves the login page. Authenticated browsers are sent
// straight to their workshop.
func (s *Server) landingHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := IdentityFrom(r.Context()); ok {
		http.Redirect(w, r, "/workshop/", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(loginPage))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

const loginPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Workshop Hub</title>
<style>
  body { font-family: system-ui, sans-serif; display: flex; align-items: center;
         justify-content: center; min-height: 100vh; margin: 0; background: #f4f4f5; }
  .card { background: #fff; padding: 2.5rem; border-radius: 8px;
          box-shadow: 0 1px 4px rgba(0,0,0,.15); width: 20rem; }
  h1 { margin-top: 0; font-size: 1.4rem; }
  input, button { width: 100%; box-sizing: border-box; padding: .6rem;
                  font-size: 1rem; border-radius: 4px; }
  input { border: 1px solid #ccc; margin-bottom: 1rem; }
  button { border: none; background: #2563eb; color: #fff; cursor: pointer; }
  button:hover { background: #1d4ed8; }
  .error { color: #dc2626; font-size: .9rem; min-height: 1.2rem; }
</style>
</head>
<body>
<div class="card">
  <h1>Workshop Hub</h1>
  <form id="login">
    <input id="username" name="username" placeholder="Username" autofocus autocomplete="username">
    <button type="submit">Start workshop</button>
    <p class="error" id="error"></p>
  </form>
</div>
<script>
document.getElementById('login').addEventListener('submit', async (e) => {
  e.preventDefault();
  const username = document.getElementById('username').value.trim();
  const errEl = document.getElementById('error');
  errEl.textContent = '';
  try {
    const resp = await fetch('/login', {
      method: 'POST',
      headers: {'Content-Type': 'application/json'},
      body: JSON.stringify({username}),
    });
    const body = await resp.json();
    if (resp.ok && body.success) {
      window.location.href = body.redirect || '/workshop/';
    } else {
      errEl.textContent = body.message || 'login failed';
    }
  } catch (err) {
    errEl.textContent = 'login failed';
  }
});
</script>
</body>
</html>
`
