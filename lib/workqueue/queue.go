// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workqueue runs submitted tasks on a bounded FIFO queue
// served by a resizable set of workers.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Task is a unit of queued work, such as creating or destroying a
// workspace.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a func to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

type queueFullError struct{}

func (queueFullError) Error() string   { return "request queue is full" }
func (queueFullError) HTTPStatus() int { return http.StatusServiceUnavailable }

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull error = queueFullError{}

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("request queue is stopped")

type job struct {
	task Task
	done chan error
}

// Queue is a bounded FIFO of tasks. A nil job on the channel tells
// one worker to exit.
type Queue struct {
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *job

	mtx     sync.Mutex
	workers int
	want    int
	stopped bool
	wg      sync.WaitGroup
	sending sync.WaitGroup

	mDepth    prometheus.GaugeFunc
	mWorkers  prometheus.Gauge
	mOutcomes *prometheus.CounterVec
}

// New returns a Queue holding at most size waiting tasks, served by
// the given number of workers.
func New(logger logrus.FieldLogger, size, workers int, reg *prometheus.Registry) *Queue {
	if size < 1 {
		size = 1
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan *job, size),
	}
	q.registerMetrics(reg)
	q.Resize(workers)
	return q
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	q.mDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "workqueue",
		Name:      "queued_tasks",
		Help:      "Number of tasks waiting for a worker.",
	}, func() float64 { return float64(len(q.jobs)) })
	q.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Subsystem: "workqueue",
		Name:      "workers",
		Help:      "Number of running workers.",
	})
	q.mOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nimbus",
		Subsystem: "workqueue",
		Name:      "tasks_total",
		Help:      "Number of tasks executed, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(q.mDepth, q.mWorkers, q.mOutcomes)
}

// Submit enqueues task without waiting. The returned channel
// receives the task's result once a worker has run it.
func (q *Queue) Submit(task Task) (<-chan error, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.stopped {
		return nil, ErrStopped
	}
	j := &job{task: task, done: make(chan error, 1)}
	select {
	case q.jobs <- j:
		return j.done, nil
	default:
		q.mOutcomes.WithLabelValues("rejected").Inc()
		return nil, ErrQueueFull
	}
}

// Workers returns the number of workers currently running.
func (q *Queue) Workers() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.workers
}

// Resize changes the number of workers. Growing takes effect
// immediately. Shrinking takes effect as surplus workers finish
// their current tasks.
func (q *Queue) Resize(n int) {
	if n < 0 {
		n = 0
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.stopped {
		return
	}
	for ; q.want < n; q.want++ {
		q.workers++
		q.wg.Add(1)
		go q.work()
	}
	if q.want > n {
		surplus := q.want - n
		q.want = n
		// Sentinels queue behind pending tasks, so send them
		// from another goroutine instead of blocking here.
		q.sending.Add(1)
		go func() {
			defer q.sending.Done()
			for i := 0; i < surplus; i++ {
				q.jobs <- nil
			}
		}()
	}
	q.mWorkers.Set(float64(q.workers))
}

// Stop rejects further submissions, lets the workers finish the
// queued tasks, and waits for them to exit. Tasks left in the queue
// with no worker to run them fail with ErrStopped.
func (q *Queue) Stop() {
	q.mtx.Lock()
	if q.stopped {
		q.mtx.Unlock()
		return
	}
	q.stopped = true
	q.mtx.Unlock()
	q.sending.Wait()
	close(q.jobs)
	q.wg.Wait()
	for j := range q.jobs {
		if j != nil {
			j.done <- ErrStopped
		}
	}
	q.cancel()
}

func (q *Queue) work() {
	defer q.wg.Done()
	defer func() {
		q.mtx.Lock()
		q.workers--
		q.mWorkers.Set(float64(q.workers))
		q.mtx.Unlock()
	}()
	for j := range q.jobs {
		if j == nil {
			return
		}
		j.done <- q.run(j.task)
	}
}

func (q *Queue) run(task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
		if err != nil {
			q.mOutcomes.WithLabelValues("failed").Inc()
			q.logger.WithError(err).Warn("task failed")
		} else {
			q.mOutcomes.WithLabelValues("succeeded").Inc()
		}
	}()
	return task.Execute(q.ctx)
}
