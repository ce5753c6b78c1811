// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package vmm starts and stops VMs on hypervisor nodes.
package vmm

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/sirupsen/logrus"
)

// Launch describes one VM to start on an already-chosen host.
type Launch struct {
	InstanceID  string
	Hostname    string
	RequestID   string
	DiskImage   string
	Network     string
	MemoryMB    int
	VCPUs       int
	Duration    time.Duration
	Preemptible bool
}

// Env returns the variables passed to the start command.
func (l Launch) Env() map[string]string {
	return map[string]string{
		"NIMBUS_INSTANCE_ID":  l.InstanceID,
		"NIMBUS_REQUEST_ID":   l.RequestID,
		"NIMBUS_DISK_IMAGE":   l.DiskImage,
		"NIMBUS_NETWORK":      l.Network,
		"NIMBUS_MEMORY_MB":    strconv.Itoa(l.MemoryMB),
		"NIMBUS_VCPUS":        strconv.Itoa(l.VCPUs),
		"NIMBUS_DURATION_SEC": strconv.Itoa(int(l.Duration / time.Second)),
		"NIMBUS_PREEMPTIBLE":  strconv.FormatBool(l.Preemptible),
	}
}

// An Executor carries out VM lifecycle operations on hypervisors.
type Executor interface {
	Launch(ctx context.Context, l Launch) error
	Destroy(ctx context.Context, hostname, instanceID string) error
}

// Call is one operation recorded by Loopback.
type Call struct {
	Op         string // "launch" or "destroy"
	Hostname   string
	InstanceID string
	Launch     Launch
}

// Loopback is an Executor that only records what it is asked to do.
type Loopback struct {
	// If non-nil, returned by every call.
	Err error

	mtx   sync.Mutex
	calls []Call
}

func (lb *Loopback) Launch(_ context.Context, l Launch) error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	lb.calls = append(lb.calls, Call{Op: "launch", Hostname: l.Hostname, InstanceID: l.InstanceID, Launch: l})
	return lb.Err
}

func (lb *Loopback) Destroy(_ context.Context, hostname, instanceID string) error {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	lb.calls = append(lb.calls, Call{Op: "destroy", Hostname: hostname, InstanceID: instanceID})
	return lb.Err
}

// Calls returns the operations recorded so far.
func (lb *Loopback) Calls() []Call {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	return append([]Call(nil), lb.calls...)
}

// Running returns the instances launched and not yet destroyed, keyed
// by instance ID.
func (lb *Loopback) Running() map[string]string {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()
	running := map[string]string{}
	for _, call := range lb.calls {
		if call.Op == "launch" {
			running[call.InstanceID] = call.Hostname
		} else {
			delete(running, call.InstanceID)
		}
	}
	return running
}

// New returns the executor selected by cfg.Driver.
func New(logger logrus.FieldLogger, cfg nimbus.VMMConfig) (Executor, error) {
	switch cfg.Driver {
	case "", "loopback":
		return &Loopback{}, nil
	case "ssh":
		return NewSSHExecutor(logger, cfg)
	default:
		return nil, fmt.Errorf("unknown VMM driver %q", cfg.Driver)
	}
}
