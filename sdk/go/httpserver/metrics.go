// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler

	// Returns an http.Handler that serves the Handler's metrics
	// data at /metrics, and passes other requests through to
	// next.
	ServeAPI(token string, next http.Handler) http.Handler
}

type metrics struct {
	next       http.Handler
	exportProm http.Handler
}

// ServeHTTP implements http.Handler.
func (m *metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.next.ServeHTTP(w, req)
}

// ServeAPI returns a new http.Handler that serves current data at
// "GET /metrics" and passes other requests through to next.
//
// The metrics endpoint is disabled (404) if token is empty, and
// requires the token otherwise.
func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	plainMetrics := RequireLiteralToken(token, m.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if (req.Method == "GET" || req.Method == "HEAD") && req.URL.Path == "/metrics" {
			plainMetrics.ServeHTTP(w, req)
		} else {
			next.ServeHTTP(w, req)
		}
	})
}

// Instrument returns a new Handler that passes requests through to
// the next handler in the stack, and tracks metrics of those
// requests.
//
// If registry is nil, a new registry is created.
//
// If logger is nil, logrus.StandardLogger() is used.
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "nimbus",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of requests being handled.",
	})
	registry.MustRegister(reqDuration, inFlight)
	return &metrics{
		next: promhttp.InstrumentHandlerInFlight(inFlight,
			promhttp.InstrumentHandlerDuration(reqDuration, next)),
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: logger,
		}),
	}
}

// RequireLiteralToken returns a handler that passes requests through
// to next if they carry "Authorization: Bearer {token}", and
// responds 401 otherwise. If token is empty, every request gets 404.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if token == "" {
			Error(w, "disabled", http.StatusNotFound)
			return
		}
		if !HasToken(req, token) {
			Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// HasToken returns true if req carries "Authorization: Bearer
// {token}". token must not be empty.
func HasToken(req *http.Request, token string) bool {
	got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	return token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
