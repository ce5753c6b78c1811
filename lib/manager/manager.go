// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package manager runs the workspace service: node pool, spot
// market, scheduler, backfill, and the management API.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nimbusproject/nimbus-sub009/lib/backfill"
	"github.com/nimbusproject/nimbus-sub009/lib/cmd"
	"github.com/nimbusproject/nimbus-sub009/lib/config"
	"github.com/nimbusproject/nimbus-sub009/lib/events"
	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/pricing"
	"github.com/nimbusproject/nimbus-sub009/lib/scheduler"
	"github.com/nimbusproject/nimbus-sub009/lib/service"
	"github.com/nimbusproject/nimbus-sub009/lib/spot"
	"github.com/nimbusproject/nimbus-sub009/lib/store"
	"github.com/nimbusproject/nimbus-sub009/lib/vmm"
	"github.com/nimbusproject/nimbus-sub009/lib/workqueue"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command cmd.Handler = service.Command(nimbus.ServiceNameWorkspace, newHandler)

func newHandler(ctx context.Context, cluster *nimbus.Cluster, configPath string, reg *prometheus.Registry) service.Handler {
	mgr := &Manager{
		Cluster:    cluster,
		Context:    ctx,
		Registry:   reg,
		ConfigPath: configPath,
	}
	go mgr.Start()
	return mgr
}

// Manager is the workspace service.
type Manager struct {
	Cluster  *nimbus.Cluster
	Context  context.Context
	Registry *prometheus.Registry
	// Config file to watch for backfill changes. Empty or "-"
	// disables reloading.
	ConfigPath string

	// If non-nil, used instead of the store and executor
	// selected by Cluster. Typically used in tests.
	Store    store.Store
	Executor vmm.Executor

	logger    logrus.FieldLogger
	closers   []func()
	hub       *events.Hub
	pool      *nodepool.Pool
	spot      *spot.Manager
	scheduler *scheduler.Scheduler
	backfill  *backfill.Controller
	queue     *workqueue.Queue
	reload    chan nimbus.Backfill

	httpHandler http.Handler
	setupErr    error

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the service. Start can be called multiple times with
// no ill effect.
func (mgr *Manager) Start() {
	mgr.setupOnce.Do(mgr.setup)
}

// ServeHTTP implements service.Handler.
func (mgr *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mgr.Start()
	mgr.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (mgr *Manager) CheckHealth() error {
	mgr.Start()
	return mgr.setupErr
}

// Done implements service.Handler.
func (mgr *Manager) Done() <-chan struct{} {
	mgr.Start()
	return mgr.stopped
}

// Close stops the service and releases resources. Typically used in
// tests.
func (mgr *Manager) Close() {
	mgr.Start()
	select {
	case mgr.stop <- struct{}{}:
	default:
	}
	<-mgr.stopped
}

func (mgr *Manager) setup() {
	mgr.stop = make(chan struct{}, 1)
	mgr.stopped = make(chan struct{})
	if mgr.Context == nil {
		mgr.Context = context.Background()
	}
	if mgr.Registry == nil {
		mgr.Registry = prometheus.NewRegistry()
	}
	mgr.logger = ctxlog.FromContext(mgr.Context)
	mgr.setupErr = mgr.initialize()
	if mgr.setupErr != nil {
		mgr.logger.WithError(mgr.setupErr).Error("initialization failed")
		mgr.httpHandler = service.Unhealthy(mgr.Context, mgr.setupErr)
		mgr.cleanup()
		close(mgr.stopped)
		return
	}
	mgr.httpHandler = mgr.newRouter()
	go mgr.run()
}

func (mgr *Manager) initialize() error {
	cluster := mgr.Cluster
	ctx := mgr.Context
	if mgr.Store == nil {
		if len(cluster.PostgreSQL.Connection) == 0 {
			mgr.logger.Warn("PostgreSQL.Connection is not configured; state will not survive a restart")
			mgr.Store = store.NewMemoryStore()
		} else {
			ps, err := store.OpenPostgres(ctx, cluster.PostgreSQL)
			if err != nil {
				return fmt.Errorf("error opening database: %w", err)
			}
			mgr.closers = append(mgr.closers, func() { ps.Close() })
			mgr.Store = ps
		}
	}
	if mgr.Executor == nil {
		exr, err := vmm.New(mgr.logger, cluster.VMM)
		if err != nil {
			return fmt.Errorf("error initializing VMM executor: %w", err)
		}
		if ssh, ok := exr.(*vmm.SSHExecutor); ok {
			mgr.closers = append(mgr.closers, ssh.Close)
		}
		mgr.Executor = exr
	}

	var err error
	mgr.pool, err = nodepool.New(mgr.logger, mgr.Store, cluster.Allocator.Policy, mgr.Registry)
	if err != nil {
		return err
	}
	if err = mgr.pool.Load(ctx); err != nil {
		return fmt.Errorf("error loading node inventory: %w", err)
	}
	for _, spec := range cluster.Nodes {
		_, err := mgr.pool.AddNode(ctx, spec.Node())
		if errors.As(err, new(nodepool.NodeExistsError)) {
			continue
		} else if err != nil {
			return fmt.Errorf("error adding configured node: %w", err)
		}
	}
	mgr.logger.WithFields(logrus.Fields{
		"Nodes":  len(mgr.pool.ListNodes()),
		"Memory": humanize.IBytes(uint64(mgr.pool.TotalMaxMemory()) << 20),
	}).Info("node inventory loaded")

	model, err := pricing.New(pricing.Config{MinPrice: cluster.Spot.MinPrice}, cluster.Spot.PricingModel, cluster.Spot.ResetToMinPrice)
	if err != nil {
		return err
	}
	mgr.hub = events.NewHub(mgr.logger, mgr.Registry)
	mgr.spot, err = spot.NewManager(mgr.logger, cluster.Spot, mgr.pool, mgr.Store, model, mgr.Executor, mgr.hub, mgr.Registry)
	if err != nil {
		return err
	}
	mgr.scheduler = scheduler.New(mgr.logger, mgr.pool, mgr.spot, mgr.Executor, mgr.hub, cluster.Workspaces.DefaultDuration.Duration(), mgr.Registry)
	mgr.backfill = backfill.New(mgr.logger, mgr.spot, mgr.pool, mgr.Store, mgr.Registry)
	mgr.queue = workqueue.New(mgr.logger, cluster.Workspaces.QueueSize, cluster.Workspaces.Workers, mgr.Registry)
	mgr.closers = append(mgr.closers, mgr.queue.Stop)
	mgr.reload = make(chan nimbus.Backfill)

	if _, err := mgr.backfill.Apply(ctx, cluster.Backfill); err != nil {
		return fmt.Errorf("error applying backfill configuration: %w", err)
	}
	return nil
}

func (mgr *Manager) cleanup() {
	for i := len(mgr.closers) - 1; i >= 0; i-- {
		mgr.closers[i]()
	}
	mgr.closers = nil
}

func (mgr *Manager) run() {
	defer close(mgr.stopped)
	defer mgr.cleanup()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(mgr.Context)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.spot.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.backfill.Run(ctx, mgr.reload)
	}()
	if mgr.ConfigPath != "" && mgr.ConfigPath != "-" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			config.Watch(ctx, mgr.logger, mgr.ConfigPath, nil, mgr.configChanged(ctx))
		}()
	}
	evs := mgr.hub.Subscribe()
	defer mgr.hub.Unsubscribe(evs)
	for {
		select {
		case <-mgr.stop:
			return
		case <-ctx.Done():
			return
		case ev := <-evs:
			mgr.logger.WithFields(logrus.Fields{
				"Event":     ev.Kind,
				"RequestID": ev.RequestID,
				"Owner":     ev.Owner,
				"Instances": len(ev.Instances),
				"Price":     ev.Price,
				"Reason":    ev.Reason,
			}).Debug("event")
		}
	}
}

// configChanged returns a config.Watch callback that hands the new
// backfill configuration to the backfill controller. Other changes
// need a restart.
func (mgr *Manager) configChanged(ctx context.Context) func(*nimbus.Config) {
	return func(cfg *nimbus.Config) {
		cc, err := cfg.GetCluster(mgr.Cluster.ClusterID)
		if err != nil {
			mgr.logger.WithError(err).Warn("reloaded config does not include this cluster")
			return
		}
		select {
		case mgr.reload <- cc.Backfill:
		case <-ctx.Done():
		case <-time.After(time.Minute):
			mgr.logger.Warn("timed out delivering backfill configuration")
		}
	}
}
