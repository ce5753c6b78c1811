// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spot

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mPrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "spot",
		Name:      "price",
		Help:      "Current spot clearing price.",
	})
	reg.MustRegister(m.mPrice)
	m.mRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "spot",
		Name:      "requests",
		Help:      "Number of live spot requests.",
	}, []string{"state", "backfill"})
	reg.MustRegister(m.mRequests)
	m.mAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "spot",
		Name:      "admissions_total",
		Help:      "Number of times a spot request was given its instances.",
	})
	reg.MustRegister(m.mAdmitted)
	m.mEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "spot",
		Name:      "evictions_total",
		Help:      "Number of times a spot request lost its instances.",
	})
	reg.MustRegister(m.mEvicted)
	m.mReconciles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "spot",
		Name:      "reconciles_total",
		Help:      "Number of price recomputations.",
	})
	reg.MustRegister(m.mReconciles)
}

// Caller must hold mtx.
func (m *Manager) updateMetrics() {
	m.mPrice.Set(m.price)
	counts := map[[2]string]int{}
	for _, state := range []State{Open, Active} {
		for _, backfill := range []string{"false", "true"} {
			counts[[2]string{string(state), backfill}] = 0
		}
	}
	for _, req := range m.requests {
		backfill := "false"
		if req.Backfill {
			backfill = "true"
		}
		counts[[2]string{string(req.State), backfill}]++
	}
	for k, n := range counts {
		m.mRequests.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
}
