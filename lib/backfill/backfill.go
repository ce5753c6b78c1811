// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backfill keeps the spot market's synthetic backfill
// requests in line with the configured backfill workload.
package backfill

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimbusproject/nimbus-sub009/lib/spot"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Spot is the part of the spot market used by the controller.
type Spot interface {
	InstanceMemoryMB() int
	SetBackfill(ctx context.Context, spec spot.Spec, n int) error
	BackfillRequests() []spot.Request
}

// Capacity reports site capacity and its changes.
type Capacity interface {
	TotalMaxMemory() int
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// Store persists the applied configuration.
type Store interface {
	GetStoredBackfill(ctx context.Context) (*nimbus.Backfill, error)
	SetBackfill(ctx context.Context, bf nimbus.Backfill) error
}

// Controller applies backfill configurations.
type Controller struct {
	logger   logrus.FieldLogger
	spot     Spot
	capacity Capacity
	store    Store

	mtx     sync.Mutex
	current nimbus.Backfill

	mApplied   prometheus.Counter
	mInstances prometheus.Gauge
}

func New(logger logrus.FieldLogger, sp Spot, capacity Capacity, st Store, reg *prometheus.Registry) *Controller {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctrl := &Controller{
		logger:   logger,
		spot:     sp,
		capacity: capacity,
		store:    st,
		mApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "backfill",
			Name:      "applied_total",
			Help:      "Number of times backfill requests were re-registered.",
		}),
		mInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "backfill",
			Name:      "instances",
			Help:      "Number of registered backfill requests.",
		}),
	}
	reg.MustRegister(ctrl.mApplied, ctrl.mInstances)
	return ctrl
}

// Apply brings the registered backfill requests in line with bf. It
// returns true if anything had to change.
func (ctrl *Controller) Apply(ctx context.Context, bf nimbus.Backfill) (bool, error) {
	ctrl.mtx.Lock()
	defer ctrl.mtx.Unlock()
	if err := bf.Validate(); err != nil {
		return false, err
	}
	if bf.Enabled && bf.MemoryMB > ctrl.spot.InstanceMemoryMB() {
		return false, fmt.Errorf("backfill MemoryMB %d exceeds spot instance size %d", bf.MemoryMB, ctrl.spot.InstanceMemoryMB())
	}
	ctrl.current = bf
	bf.SiteCapacityMB = 0
	if bf.MaxInstances == 0 {
		bf.SiteCapacityMB = ctrl.capacity.TotalMaxMemory()
	}
	n := 0
	if bf.Enabled {
		// Each backfill instance occupies a whole spot slot,
		// however little memory its VM uses.
		slotted := bf
		slotted.MemoryMB = ctrl.spot.InstanceMemoryMB()
		n = slotted.Instances(bf.SiteCapacityMB)
	}

	stored, err := ctrl.store.GetStoredBackfill(ctx)
	if err != nil {
		return false, err
	}
	registered := len(ctrl.spot.BackfillRequests())
	if stored != nil && stored.Equal(bf) && registered == n {
		return false, nil
	}
	logger := ctrl.logger.WithFields(logrus.Fields{
		"Enabled":        bf.Enabled,
		"Instances":      n,
		"SiteCapacityMB": bf.SiteCapacityMB,
		"Registered":     registered,
	})
	err = ctrl.spot.SetBackfill(ctx, spot.Spec{
		DiskImage: bf.DiskImage,
		Network:   bf.Network,
		MemoryMB:  bf.MemoryMB,
		VCPUs:     bf.VCPUs,
		Duration:  bf.Duration,
	}, n)
	if err != nil {
		logger.WithError(err).Error("registering backfill requests failed")
		return false, err
	}
	if err := ctrl.store.SetBackfill(ctx, bf); err != nil {
		return true, err
	}
	ctrl.mApplied.Inc()
	ctrl.mInstances.Set(float64(n))
	logger.Info("backfill configuration applied")
	return true, nil
}

// Run re-applies the current configuration when site capacity
// changes and applies each configuration received on reload, until
// ctx is done.
func (ctrl *Controller) Run(ctx context.Context, reload <-chan nimbus.Backfill) {
	ch := ctrl.capacity.Subscribe()
	defer ctrl.capacity.Unsubscribe(ch)
	for {
		var bf nimbus.Backfill
		select {
		case <-ctx.Done():
			return
		case <-ch:
			ctrl.mtx.Lock()
			bf = ctrl.current
			ctrl.mtx.Unlock()
			if bf.MaxInstances != 0 {
				continue
			}
		case next, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			bf = next
		}
		if _, err := ctrl.Apply(ctx, bf); err != nil {
			ctrl.logger.WithError(err).Warn("applying backfill configuration failed")
		}
	}
}
