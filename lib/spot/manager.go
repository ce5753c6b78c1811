// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package spot runs the spot instance market: it keeps the open
// bids, recomputes the clearing price when demand or capacity
// changes, and admits or evicts bids accordingly.
package spot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nimbusproject/nimbus-sub009/lib/events"
	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/pricing"
	"github.com/nimbusproject/nimbus-sub009/lib/vmm"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Pool is the part of the node pool used by the spot market.
type Pool interface {
	Slots(memoryMB int) int
	AllocateN(ctx context.Context, req nodepool.Requirements, n int) ([]nodepool.Allocation, error)
	Release(ctx context.Context, a nodepool.Allocation) error
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// PriceStore records the clearing price.
type PriceStore interface {
	AppendPrice(context.Context, nimbus.SpotPrice) error
	PriceHistory(ctx context.Context, start, end *time.Time) ([]nimbus.SpotPrice, error)
}

const (
	defaultArchiveSize       = 1000
	defaultRecomputeInterval = time.Minute
)

// Manager owns the spot requests and the clearing price. All
// admission and eviction decisions are made under one lock, against
// one snapshot of bids and capacity. VM launch and teardown happen
// after the lock is released.
type Manager struct {
	logger   logrus.FieldLogger
	cfg      nimbus.SpotConfig
	pool     Pool
	store    PriceStore
	model    pricing.PricingModel
	executor vmm.Executor
	hub      *events.Hub
	now      func() time.Time

	mtx      sync.Mutex
	requests map[string]*Request // Open and Active
	archive  *lru.Cache          // Closed and Cancelled
	price    float64
	seq      uint64

	mPrice      prometheus.Gauge
	mRequests   *prometheus.GaugeVec
	mAdmitted   prometheus.Counter
	mEvicted    prometheus.Counter
	mReconciles prometheus.Counter
}

// NewManager returns a Manager with no requests. The current price
// starts at the model's minimum.
func NewManager(logger logrus.FieldLogger, cfg nimbus.SpotConfig, pool Pool, st PriceStore, model pricing.PricingModel, executor vmm.Executor, hub *events.Hub, reg *prometheus.Registry) (*Manager, error) {
	if cfg.InstanceMemoryMB < 1 {
		return nil, fmt.Errorf("spot InstanceMemoryMB %d must be positive", cfg.InstanceMemoryMB)
	}
	size := cfg.ArchiveSize
	if size < 1 {
		size = defaultArchiveSize
	}
	archive, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logger:   logger,
		cfg:      cfg,
		pool:     pool,
		store:    st,
		model:    model,
		executor: executor,
		hub:      hub,
		now:      time.Now,
		requests: map[string]*Request{},
		archive:  archive,
		price:    model.MinPrice(),
	}
	m.registerMetrics(reg)
	m.mPrice.Set(m.price)
	return m, nil
}

// MinPrice returns the pricing model's floor, which is also the bid
// of every backfill request.
func (m *Manager) MinPrice() float64 {
	return m.model.MinPrice()
}

// InstanceMemoryMB returns the size of one spot instance slot.
func (m *Manager) InstanceMemoryMB() int {
	return m.cfg.InstanceMemoryMB
}

// CurrentPrice returns the clearing price computed by the most
// recent reconciliation.
func (m *Manager) CurrentPrice() float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.price
}

// RequestSpotInstances registers a new bid, then reconciles, so the
// returned request is already Active if the bid clears.
func (m *Manager) RequestSpotInstances(ctx context.Context, spec Spec, caller nimbus.Caller) (Request, error) {
	if err := m.validate(&spec, caller); err != nil {
		return Request{}, err
	}
	m.mtx.Lock()
	req := m.register(spec, caller)
	m.mtx.Unlock()
	if err := m.Reconcile(ctx); err != nil {
		m.logger.WithError(err).Warn("reconcile after new spot request failed")
	}
	return m.GetSpotRequest(req.ID, caller)
}

// Caller must hold mtx.
func (m *Manager) register(spec Spec, caller nimbus.Caller) *Request {
	m.seq++
	req := &Request{
		ID:       "sir-" + uuid.NewString(),
		Owner:    caller.ID,
		Spec:     spec,
		Backfill: spec.Backfill,
		Created:  m.now(),
		State:    Open,
		seq:      m.seq,
	}
	m.requests[req.ID] = req
	m.logger.WithFields(logrus.Fields{
		"RequestID": req.ID,
		"Owner":     req.Owner,
		"Price":     spec.Price,
		"Instances": spec.Instances,
		"Backfill":  spec.Backfill,
	}).Info("spot request opened")
	m.hub.Publish(events.Event{Kind: events.SpotOpened, RequestID: req.ID, Owner: req.Owner, Price: spec.Price})
	return req
}

// lookup returns the live or archived request, if the caller may see
// it. Caller must hold mtx.
func (m *Manager) lookup(id string, caller nimbus.Caller) (*Request, error) {
	req, ok := m.requests[id]
	if !ok {
		if v, found := m.archive.Get(id); found {
			req, ok = v.(*Request), true
		}
	}
	if !ok || !caller.CanAccess(req.Owner) {
		return nil, AuthorizationError{ID: id}
	}
	return req, nil
}

// GetSpotRequest returns the request with the given ID.
func (m *Manager) GetSpotRequest(id string, caller nimbus.Caller) (Request, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	req, err := m.lookup(id, caller)
	if err != nil {
		return Request{}, err
	}
	return req.snapshot(), nil
}

// GetSpotRequests returns the live and recently finished requests
// visible to the caller, oldest first.
func (m *Manager) GetSpotRequests(caller nimbus.Caller) []Request {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var all []*Request
	for _, req := range m.requests {
		all = append(all, req)
	}
	for _, key := range m.archive.Keys() {
		if v, ok := m.archive.Peek(key); ok {
			all = append(all, v.(*Request))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	reqs := []Request{}
	for _, req := range all {
		if caller.CanAccess(req.Owner) {
			reqs = append(reqs, req.snapshot())
		}
	}
	return reqs
}

// CancelSpotInstanceRequests withdraws the given requests and tears
// down their instances. If any ID is not accessible, nothing is
// cancelled. Requests that are already finished are returned as
// they are.
func (m *Manager) CancelSpotInstanceRequests(ctx context.Context, ids []string, caller nimbus.Caller) ([]Request, error) {
	m.mtx.Lock()
	var reqs []*Request
	for _, id := range ids {
		req, err := m.lookup(id, caller)
		if err != nil {
			m.mtx.Unlock()
			return nil, err
		}
		reqs = append(reqs, req)
	}
	var todo []action
	var cancelled []Request
	for _, req := range reqs {
		if !req.State.terminal() {
			todo = append(todo, m.cancel(ctx, req)...)
		}
		cancelled = append(cancelled, req.snapshot())
	}
	m.mtx.Unlock()
	m.execute(ctx, todo)
	if len(todo) > 0 {
		if err := m.Reconcile(ctx); err != nil {
			m.logger.WithError(err).Warn("reconcile after cancel failed")
		}
	}
	return cancelled, nil
}

// Caller must hold mtx.
func (m *Manager) cancel(ctx context.Context, req *Request) []action {
	todo := m.releaseInstances(ctx, req)
	m.finish(req, Cancelled)
	m.hub.Publish(events.Event{Kind: events.SpotCancelled, RequestID: req.ID, Owner: req.Owner})
	return todo
}

// GetSpotPriceHistory returns the recorded clearing prices with
// start <= time <= end, in the order they were computed.
func (m *Manager) GetSpotPriceHistory(ctx context.Context, start, end *time.Time) ([]nimbus.SpotPrice, error) {
	return m.store.PriceHistory(ctx, start, end)
}

// InstanceTerminated records that a VM has gone away, e.g., because
// its reservation expired. When all of a request's instances are
// gone, the request is Closed.
func (m *Manager) InstanceTerminated(ctx context.Context, instanceID string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, req := range m.requests {
		a, ok := req.allocations[instanceID]
		if !ok {
			continue
		}
		if err := m.pool.Release(ctx, a); err != nil {
			return true, fmt.Errorf("release instance %s: %w", instanceID, err)
		}
		req.dropInstance(instanceID)
		if len(req.allocations) == 0 {
			m.finish(req, Closed)
			m.hub.Publish(events.Event{Kind: events.SpotClosed, RequestID: req.ID, Owner: req.Owner, Reason: "instances terminated"})
		}
		return true, nil
	}
	return false, nil
}

// finish moves req to a terminal state and into the archive. Caller
// must hold mtx.
func (m *Manager) finish(req *Request, state State) {
	m.logger.WithFields(logrus.Fields{
		"RequestID": req.ID,
		"State":     state,
	}).Info("spot request finished")
	req.State = state
	req.allocations = nil
	delete(m.requests, req.ID)
	m.archive.Add(req.ID, req)
}

// An action is a VM operation to run once mtx is released.
type action struct {
	destroy bool
	launch  vmm.Launch
}

// releaseInstances returns req's memory to the pool and clears its
// reservation. Caller must hold mtx.
func (m *Manager) releaseInstances(ctx context.Context, req *Request) []action {
	var todo []action
	for id, a := range req.allocations {
		if err := m.pool.Release(ctx, a); err != nil {
			m.logger.WithError(err).WithField("InstanceID", id).Error("release failed")
		}
		todo = append(todo, action{destroy: true, launch: vmm.Launch{InstanceID: id, Hostname: a.Hostname, RequestID: req.ID}})
	}
	req.allocations = nil
	req.Reservation = nil
	return todo
}

// execute runs VM operations. Caller must not hold mtx.
func (m *Manager) execute(ctx context.Context, todo []action) {
	for _, act := range todo {
		logger := m.logger.WithFields(logrus.Fields{
			"RequestID":  act.launch.RequestID,
			"InstanceID": act.launch.InstanceID,
			"Hostname":   act.launch.Hostname,
		})
		if act.destroy {
			if err := m.executor.Destroy(ctx, act.launch.Hostname, act.launch.InstanceID); err != nil {
				logger.WithError(err).Error("destroy failed")
			}
			continue
		}
		if err := m.executor.Launch(ctx, act.launch); err != nil {
			logger.WithError(err).Error("launch failed")
			if _, err := m.InstanceTerminated(ctx, act.launch.InstanceID); err != nil {
				logger.WithError(err).Error("cleanup after failed launch failed")
			}
		}
	}
}
