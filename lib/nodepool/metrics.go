// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodepool

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "nodepool",
		Name:      "nodes_total",
		Help:      "Number of hypervisor nodes, active or not.",
	})
	reg.MustRegister(p.mNodes)
	p.mMemoryTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "nodepool",
		Name:      "memory_bytes_total",
		Help:      "Total memory on all nodes.",
	})
	reg.MustRegister(p.mMemoryTotal)
	p.mMemoryFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "nodepool",
		Name:      "memory_bytes_free",
		Help:      "Unallocated memory on active nodes.",
	})
	reg.MustRegister(p.mMemoryFree)
	p.mMemoryPreemptible = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "nodepool",
		Name:      "memory_bytes_preemptible",
		Help:      "Memory allocated to spot and backfill VMs.",
	})
	reg.MustRegister(p.mMemoryPreemptible)
}

// Caller must hold mtx.
func (p *Pool) updateMetrics() {
	var total, free, preemptible int64
	for _, e := range p.entries {
		total += int64(e.node.MemoryMB)
		if e.node.Active {
			free += int64(e.node.MemoryRemainingMB)
		}
		preemptible += int64(e.preemptibleMB)
	}
	p.mNodes.Set(float64(len(p.entries)))
	p.mMemoryTotal.Set(float64(total << 20))
	p.mMemoryFree.Set(float64(free << 20))
	p.mMemoryPreemptible.Set(float64(preemptible << 20))
}
