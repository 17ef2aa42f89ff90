// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package metrics exposes vored's Prometheus instrumentation, the way
// kata-containers/src/runtime/pkg/katautils/katatrace and the shim's
// pkg/metrics register a small set of process-wide collectors and serve
// them over plain HTTP rather than pushing to a gateway.
package metrics

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Registry is vored's Prometheus collectors. It is safe to update from the
// single-threaded event loop and safe to scrape concurrently from a
// separate HTTP goroutine: every prometheus.Collector is internally
// synchronized, so the metrics server never needs to touch daemon state
// directly.
type Registry struct {
	reg *prometheus.Registry

	MachinesRunning prometheus.Gauge
	MachinesTotal   prometheus.Gauge
	RPCRequests     *prometheus.CounterVec
	RPCErrors       *prometheus.CounterVec
}

// New registers and returns vored's metric set against a private registry
// (not the global DefaultRegisterer), so embedding vored in another Go
// program never collides with that program's own collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MachinesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vored",
			Name:      "machines_running",
			Help:      "Number of machines currently in the running state.",
		}),
		MachinesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vored",
			Name:      "machines_total",
			Help:      "Number of machines currently loaded, regardless of state.",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vored",
			Name:      "rpc_requests_total",
			Help:      "Number of RPC requests handled, by query name.",
		}, []string{"query"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vored",
			Name:      "rpc_errors_total",
			Help:      "Number of RPC requests that returned an error, by query name.",
		}, []string{"query"}),
	}

	reg.MustRegister(r.MachinesRunning, r.MachinesTotal, r.RPCRequests, r.RPCErrors)
	return r
}

// Server serves the registry's collectors over plain HTTP, matching
// spec.md's "off unless configured" posture for optional surfaces: a
// nil/empty listen address means Serve is simply never called.
type Server struct {
	httpServer *http.Server
}

// Serve starts listening on addr in the background and returns once the
// listener is bound, so callers can log a definite "metrics on" line
// before moving on; it runs its own goroutine because http.Server owns its
// own accept loop and never touches the daemon's machine table.
func (r *Registry) Serve(addr string, logger logrus.FieldLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen for metrics on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server exited: %v", err)
		}
	}()

	return &Server{httpServer: srv}, nil
}

// Close shuts the metrics HTTP server down with a short grace period.
func (s *Server) Close() error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
