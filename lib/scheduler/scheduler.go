// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler turns workspace requests into reservations.
//
// Ordinary requests are placed on the node pool immediately or
// denied; they never wait for capacity. If preemptible spot and
// backfill instances are in the way, they are evicted to make room.
// Spot requests are handed to the spot market.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nimbusproject/nimbus-sub009/lib/events"
	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/spot"
	"github.com/nimbusproject/nimbus-sub009/lib/vmm"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Pool is the part of the node pool used by the scheduler.
type Pool interface {
	AllocateN(ctx context.Context, req nodepool.Requirements, n int) ([]nodepool.Allocation, error)
	Release(ctx context.Context, a nodepool.Allocation) error
	Fits(req nodepool.Requirements, n int, countPreemptibleFree bool) bool
	Eligible(hostname string, req nodepool.Requirements) bool
}

// SpotService is the part of the spot market used by the scheduler.
type SpotService interface {
	ReleaseSpace(ctx context.Context, useful func(hostname string) bool, try func() error) error
	RequestSpotInstances(ctx context.Context, spec spot.Spec, caller nimbus.Caller) (spot.Request, error)
}

// Request is an ordinary workspace creation request.
type Request struct {
	Count     int             `json:"count"`
	MemoryMB  int             `json:"memory_mb"`
	VCPUs     int             `json:"vcpus"`
	Pool      string          `json:"pool"`
	Network   string          `json:"network"`
	DiskImage string          `json:"disk_image"`
	Duration  nimbus.Duration `json:"duration"`
	// Per-instance run times, overriding Duration. Either empty or
	// one per instance.
	Durations []nimbus.Duration `json:"durations,omitempty"`
}

type unknownInstanceError struct{}

func (unknownInstanceError) Error() string   { return "unknown instance" }
func (unknownInstanceError) HTTPStatus() int { return http.StatusNotFound }

// ErrUnknownInstance is returned when releasing an instance that is
// not (or no longer) reserved.
var ErrUnknownInstance error = unknownInstanceError{}

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string { return "invalid workspace request: " + e.msg }
func (invalidRequestError) HTTPStatus() int { return http.StatusBadRequest }

type instance struct {
	owner      string
	allocation nodepool.Allocation
}

// Scheduler places ordinary workspaces and forwards spot requests.
type Scheduler struct {
	logger          logrus.FieldLogger
	pool            Pool
	spot            SpotService
	executor        vmm.Executor
	hub             *events.Hub
	defaultDuration time.Duration
	now             func() time.Time

	mtx       sync.Mutex
	instances map[string]instance

	mReservations *prometheus.CounterVec
	mReleased     prometheus.Counter
}

// New returns a Scheduler. defaultDuration applies to requests that
// don't specify a duration.
func New(logger logrus.FieldLogger, pool Pool, spotsvc SpotService, executor vmm.Executor, hub *events.Hub, defaultDuration time.Duration, reg *prometheus.Registry) *Scheduler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch := &Scheduler{
		logger:          logger,
		pool:            pool,
		spot:            spotsvc,
		executor:        executor,
		hub:             hub,
		defaultDuration: defaultDuration,
		now:             time.Now,
		instances:       map[string]instance{},
		mReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "scheduler",
			Name:      "reservations_total",
			Help:      "Number of ordinary workspace requests, by outcome.",
		}, []string{"outcome"}),
		mReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "scheduler",
			Name:      "released_instances_total",
			Help:      "Number of ordinary instances released.",
		}),
	}
	reg.MustRegister(sch.mReservations, sch.mReleased)
	return sch
}

func (req Request) validate() error {
	switch {
	case req.Count < 1:
		return invalidRequestError{fmt.Sprintf("instance count %d must be positive", req.Count)}
	case req.MemoryMB < 1:
		return invalidRequestError{fmt.Sprintf("memory %d MiB must be positive", req.MemoryMB)}
	case req.VCPUs < 0:
		return invalidRequestError{fmt.Sprintf("vcpus %d must not be negative", req.VCPUs)}
	case req.Duration < 0:
		return invalidRequestError{fmt.Sprintf("duration %s must not be negative", req.Duration)}
	case len(req.Durations) > 0 && len(req.Durations) != req.Count:
		return invalidRequestError{fmt.Sprintf("got %d durations for %d instances", len(req.Durations), req.Count)}
	}
	for _, d := range req.Durations {
		if d < 0 {
			return invalidRequestError{fmt.Sprintf("duration %s must not be negative", d)}
		}
	}
	return nil
}

// Reserve places all instances of req, or none. On success the VMs
// have been launched.
func (sch *Scheduler) Reserve(ctx context.Context, req Request, caller nimbus.Caller) (nimbus.Reservation, error) {
	if err := req.validate(); err != nil {
		return nimbus.Reservation{}, err
	}
	logger := sch.logger.WithFields(logrus.Fields{
		"Owner":    caller.ID,
		"Count":    req.Count,
		"MemoryMB": req.MemoryMB,
	})
	placement := nodepool.Requirements{MemoryMB: req.MemoryMB, Pool: req.Pool}
	if req.Network != "" {
		placement.Networks = []string{req.Network}
	}
	var allocs []nodepool.Allocation
	try := func() (err error) {
		allocs, err = sch.pool.AllocateN(ctx, placement, req.Count)
		return err
	}
	err := try()
	var denied nodepool.ResourceRequestDeniedError
	if errors.As(err, &denied) && denied.Reason == nodepool.InsufficientCapacity &&
		sch.spot != nil && sch.pool.Fits(placement, req.Count, true) {
		logger.Info("preempting spot instances")
		useful := func(hostname string) bool { return sch.pool.Eligible(hostname, placement) }
		err = sch.spot.ReleaseSpace(ctx, useful, try)
	}
	if err != nil {
		sch.mReservations.WithLabelValues("denied").Inc()
		logger.WithError(err).Info("workspace request denied")
		sch.hub.Publish(events.Event{Kind: events.Denied, Owner: caller.ID, Reason: err.Error()})
		return nimbus.Reservation{}, err
	}

	start := sch.now()
	window := req.Duration.Duration()
	if window == 0 {
		window = sch.defaultDuration
	}
	rsv := nimbus.Reservation{Start: start}
	var longest time.Duration
	for i, a := range allocs {
		d := window
		if len(req.Durations) > 0 && req.Durations[i] > 0 {
			d = req.Durations[i].Duration()
			if rsv.Durations == nil {
				rsv.Durations = map[string]nimbus.Duration{}
			}
			rsv.Durations[a.ID] = req.Durations[i]
		}
		if d > longest {
			longest = d
		}
		rsv.IDs = append(rsv.IDs, a.ID)
		rsv.Hostnames = append(rsv.Hostnames, a.Hostname)
	}
	rsv.Stop = start.Add(longest)

	sch.mtx.Lock()
	for _, a := range allocs {
		sch.instances[a.ID] = instance{owner: caller.ID, allocation: a}
	}
	sch.mtx.Unlock()

	for _, a := range allocs {
		err := sch.executor.Launch(ctx, vmm.Launch{
			InstanceID: a.ID,
			Hostname:   a.Hostname,
			DiskImage:  req.DiskImage,
			Network:    req.Network,
			MemoryMB:   req.MemoryMB,
			VCPUs:      req.VCPUs,
			Duration:   rsv.Duration(a.ID),
		})
		if err != nil {
			logger.WithError(err).Error("launch failed, releasing reservation")
			if rerr := sch.Release(ctx, rsv); rerr != nil {
				logger.WithError(rerr).Error("release after failed launch failed")
			}
			sch.mReservations.WithLabelValues("failed").Inc()
			return nimbus.Reservation{}, fmt.Errorf("launch failed: %w", err)
		}
	}
	sch.mReservations.WithLabelValues("allocated").Inc()
	logger.WithField("Hostnames", rsv.Hostnames).Info("workspace request allocated")
	sch.hub.Publish(events.Event{Kind: events.Allocated, Owner: caller.ID, Instances: rsv.IDs, Hostnames: rsv.Hostnames})
	return rsv, nil
}

// Release destroys the instances of an ordinary reservation and
// returns their memory. Each instance is released at most once;
// instances already released are reported with ErrUnknownInstance
// after the others have been released.
func (sch *Scheduler) Release(ctx context.Context, rsv nimbus.Reservation) error {
	sch.mtx.Lock()
	var found []instance
	var missing []string
	for _, id := range rsv.IDs {
		if inst, ok := sch.instances[id]; ok {
			found = append(found, inst)
			delete(sch.instances, id)
		} else {
			missing = append(missing, id)
		}
	}
	sch.mtx.Unlock()
	return sch.release(ctx, found, missing)
}

// Destroy releases the named instances on behalf of caller. Instances
// the caller may not access are treated as unknown.
func (sch *Scheduler) Destroy(ctx context.Context, ids []string, caller nimbus.Caller) error {
	sch.mtx.Lock()
	var found []instance
	var missing []string
	for _, id := range ids {
		if inst, ok := sch.instances[id]; ok && caller.CanAccess(inst.owner) {
			found = append(found, inst)
			delete(sch.instances, id)
		} else {
			missing = append(missing, id)
		}
	}
	sch.mtx.Unlock()
	return sch.release(ctx, found, missing)
}

func (sch *Scheduler) release(ctx context.Context, found []instance, missing []string) error {
	var errs []error
	var ids, hosts []string
	for _, inst := range found {
		a := inst.allocation
		if err := sch.executor.Destroy(ctx, a.Hostname, a.ID); err != nil {
			sch.logger.WithError(err).WithField("InstanceID", a.ID).Warn("destroy failed")
		}
		if err := sch.pool.Release(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		sch.mReleased.Inc()
		ids = append(ids, a.ID)
		hosts = append(hosts, a.Hostname)
	}
	if len(ids) > 0 {
		sch.hub.Publish(events.Event{Kind: events.Released, Instances: ids, Hostnames: hosts})
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: %v", ErrUnknownInstance, missing))
	}
	return errors.Join(errs...)
}

// RequestSpot registers a spot request with the spot market. Spot
// requests are never placed directly.
func (sch *Scheduler) RequestSpot(ctx context.Context, spec spot.Spec, caller nimbus.Caller) (spot.Request, error) {
	if sch.spot == nil {
		return spot.Request{}, errors.New("spot market is not enabled")
	}
	return sch.spot.RequestSpotInstances(ctx, spec, caller)
}
