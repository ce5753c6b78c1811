// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbusproject/nimbus-sub009/lib/events"
	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/pricing"
	"github.com/nimbusproject/nimbus-sub009/lib/vmm"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/sirupsen/logrus"
)

// Reconcile recomputes the clearing price from the current bids and
// capacity, evicts Active requests that no longer clear, admits Open
// requests that do, and records the price.
//
// A second call with no change in between changes nothing except
// the price history.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mtx.Lock()
	todo, err := m.reconcile(ctx)
	m.mtx.Unlock()
	m.execute(ctx, todo)
	return err
}

// Caller must hold mtx.
func (m *Manager) reconcile(ctx context.Context) ([]action, error) {
	m.mReconciles.Inc()
	capacity := m.pool.Slots(m.cfg.InstanceMemoryMB)
	bids := make([]pricing.Bid, 0, len(m.requests))
	for _, req := range m.requests {
		bids = append(bids, req.bid())
	}
	current := m.price
	price := m.model.NextPrice(capacity, bids, &current)
	target := map[string]bool{}
	for _, b := range pricing.Accept(capacity, bids, price) {
		target[b.ID] = true
	}
	sorted := pricing.SortBids(bids)

	var todo []action
	// Evict before admitting, so admissions can use the memory.
	for _, b := range sorted {
		if req := m.requests[b.ID]; req.State == Active && !target[b.ID] {
			todo = append(todo, m.evict(ctx, req, "outbid")...)
		}
	}
	for _, b := range sorted {
		req, ok := m.requests[b.ID]
		if ok && req.State == Open && target[b.ID] {
			todo = append(todo, m.admit(ctx, req)...)
		}
	}

	if price != m.price {
		m.logger.WithFields(logrus.Fields{
			"Price":    price,
			"Previous": m.price,
			"Capacity": capacity,
			"Bids":     len(bids),
		}).Info("spot price changed")
		m.hub.Publish(events.Event{Kind: events.PriceChanged, Price: price})
	}
	m.price = price
	m.updateMetrics()
	if err := m.store.AppendPrice(ctx, nimbus.SpotPrice{Time: m.now(), Price: price}); err != nil {
		return todo, fmt.Errorf("record spot price: %w", err)
	}
	return todo, nil
}

// evict takes req's instances away. Persistent requests go back to
// Open, others are Closed. Caller must hold mtx.
func (m *Manager) evict(ctx context.Context, req *Request, reason string) []action {
	todo := m.releaseInstances(ctx, req)
	m.mEvicted.Inc()
	m.logger.WithFields(logrus.Fields{
		"RequestID": req.ID,
		"Price":     req.Spec.Price,
		"Reason":    reason,
	}).Info("spot request evicted")
	m.hub.Publish(events.Event{Kind: events.SpotEvicted, RequestID: req.ID, Owner: req.Owner, Price: req.Spec.Price, Reason: reason})
	if req.Spec.Persistent {
		req.State = Open
	} else {
		m.finish(req, Closed)
		m.hub.Publish(events.Event{Kind: events.SpotClosed, RequestID: req.ID, Owner: req.Owner, Reason: reason})
	}
	return todo
}

// admit allocates req's instances on preemptible memory. If the pool
// can't place them, req stays Open. Caller must hold mtx.
func (m *Manager) admit(ctx context.Context, req *Request) []action {
	placement := nodepool.Requirements{
		MemoryMB:    m.cfg.InstanceMemoryMB,
		Preemptible: true,
	}
	if req.Spec.Network != "" {
		placement.Networks = []string{req.Spec.Network}
	}
	allocs, err := m.pool.AllocateN(ctx, placement, req.Spec.Instances)
	if err != nil {
		m.logger.WithError(err).WithField("RequestID", req.ID).Debug("cannot place spot request yet")
		return nil
	}
	start := m.now()
	duration := m.duration(req.Spec)
	rsv := &nimbus.Reservation{
		Start:       start,
		Stop:        start.Add(duration),
		Preemptible: true,
	}
	req.allocations = map[string]nodepool.Allocation{}
	var todo []action
	for _, a := range allocs {
		req.allocations[a.ID] = a
		rsv.IDs = append(rsv.IDs, a.ID)
		rsv.Hostnames = append(rsv.Hostnames, a.Hostname)
		todo = append(todo, action{launch: vmm.Launch{
			InstanceID:  a.ID,
			Hostname:    a.Hostname,
			RequestID:   req.ID,
			DiskImage:   req.Spec.DiskImage,
			Network:     req.Spec.Network,
			MemoryMB:    req.Spec.MemoryMB,
			VCPUs:       req.Spec.VCPUs,
			Duration:    duration,
			Preemptible: true,
		}})
	}
	req.Reservation = rsv
	req.State = Active
	m.mAdmitted.Inc()
	m.logger.WithFields(logrus.Fields{
		"RequestID": req.ID,
		"Price":     req.Spec.Price,
		"Hostnames": rsv.Hostnames,
	}).Info("spot request admitted")
	m.hub.Publish(events.Event{Kind: events.SpotAdmitted, RequestID: req.ID, Owner: req.Owner, Price: req.Spec.Price, Instances: rsv.IDs, Hostnames: rsv.Hostnames})
	return todo
}

func (m *Manager) duration(spec Spec) time.Duration {
	d, limit := spec.Duration.Duration(), m.cfg.MaxDuration.Duration()
	if d == 0 || (limit > 0 && d > limit) {
		d = limit
	}
	if d == 0 {
		d = DefaultDuration
	}
	return d
}

// ReleaseSpace makes room for non-preemptible work. It calls try,
// and while try fails for lack of capacity, evicts the Active spot
// request with the lowest priority that holds memory on a host
// accepted by useful, and calls try again. A nil useful accepts
// every host. try runs under the spot lock, so reconciliation
// cannot hand the freed memory back to spot requests before try has
// claimed it. try must not call back into the Manager.
func (m *Manager) ReleaseSpace(ctx context.Context, useful func(hostname string) bool, try func() error) error {
	m.mtx.Lock()
	var todo []action
	err := try()
	if err != nil {
		var active []pricing.Bid
		for _, req := range m.requests {
			if req.State == Active && req.holdsAny(useful) {
				active = append(active, req.bid())
			}
		}
	sorted := pricing.SortBids(active)
		for i := len(sorted) - 1; i >= 0 && err != nil; i-- {
			var denied nodepool.ResourceRequestDeniedError
			if !errors.As(err, &denied) || denied.Reason != nodepool.InsufficientCapacity {
				break
			}
			todo = append(todo, m.evict(ctx, m.requests[sorted[i].ID], "preempted")...)
			err = try()
		}
	}
	m.mtx.Unlock()
	m.execute(ctx, todo)
	if len(todo) > 0 {
		if rerr := m.Reconcile(ctx); rerr != nil {
			m.logger.WithError(rerr).Warn("reconcile after preemption failed")
		}
	}
	return err
}

// SetBackfill withdraws every backfill request and registers n new
// ones of one instance each, bidding the minimum price.
func (m *Manager) SetBackfill(ctx context.Context, spec Spec, n int) error {
	spec.Backfill = true
	spec.Price = m.model.MinPrice()
	spec.Instances = 1
	spec.Persistent = true
	if n > 0 {
		if err := m.validate(&spec, nimbus.BackfillCaller); err != nil {
			return err
		}
	}
	m.mtx.Lock()
	var todo []action
	for _, req := range m.requests {
		if req.Backfill {
			todo = append(todo, m.cancel(ctx, req)...)
		}
	}
	for i := 0; i < n; i++ {
		m.register(spec, nimbus.BackfillCaller)
	}
	m.mtx.Unlock()
	m.execute(ctx, todo)
	return m.Reconcile(ctx)
}

// BackfillRequests returns the live backfill requests.
func (m *Manager) BackfillRequests() []Request {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var reqs []Request
	for _, req := range m.requests {
		if req.Backfill {
			reqs = append(reqs, req.snapshot())
		}
	}
	return reqs
}

// Run reconciles whenever pool capacity changes, and at least every
// RecomputeInterval, until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ch := m.pool.Subscribe()
	defer m.pool.Unsubscribe(ch)
	interval := m.cfg.RecomputeInterval.Duration()
	if interval <= 0 {
		interval = defaultRecomputeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Reconcile(ctx); err != nil {
			m.logger.WithError(err).Warn("reconcile failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ch:
		case <-ticker.C:
		}
	}
}
