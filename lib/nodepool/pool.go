// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodepool tracks hypervisor node inventory and the memory
// allocated to VMs on each node.
package nodepool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nimbusproject/nimbus-sub009/lib/store"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Placement policies.
const (
	// Most available memory first: leaves large free blocks.
	MostFree = "most-free"
	// Least available memory first: packs nodes densely.
	LeastFree = "least-free"
)

// Requirements describe one VM to be placed.
type Requirements struct {
	MemoryMB    int
	Pool        string   // "" matches every pool
	Networks    []string // node must support all of these
	Preemptible bool
}

// An Allocation is the memory held by one VM on one node. Each
// Allocation must be released exactly once.
type Allocation struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	MemoryMB    int    `json:"memory_mb"`
	Preemptible bool   `json:"preemptible"`
}

// NodeUpdate is a partial node update. Nil fields are left alone.
type NodeUpdate struct {
	Hostname string    `json:"hostname"`
	Pool     *string   `json:"pool,omitempty"`
	MemoryMB *int      `json:"memory_mb,omitempty"`
	CPUs     *int      `json:"cpus,omitempty"`
	Networks *[]string `json:"networks,omitempty"`
	Active   *bool     `json:"active,omitempty"`
}

func (upd NodeUpdate) validate() error {
	switch {
	case upd.Hostname == "":
		return errors.New("hostname is required")
	case upd.MemoryMB != nil && *upd.MemoryMB < 0:
		return fmt.Errorf("node %q: memory must not be negative", upd.Hostname)
	case upd.CPUs != nil && *upd.CPUs < 0:
		return fmt.Errorf("node %q: CPU count must not be negative", upd.Hostname)
	}
	return nil
}

type entry struct {
	node          nimbus.Node
	allocations   map[string]Allocation
	preemptibleMB int
	// Usage found in the store at startup, not attributed to
	// any allocation.
	recoveredMB int
}

func (e *entry) allocatedMB() int {
	return e.node.MemoryMB - e.node.MemoryRemainingMB
}

func (e *entry) updateVacant() {
	e.node.Vacant = len(e.allocations) == 0 && e.recoveredMB == 0
}

func (e *entry) copyNode() nimbus.Node {
	n := e.node
	n.Networks = append([]string(nil), e.node.Networks...)
	return n
}

func (e *entry) eligible(req Requirements) bool {
	if !e.node.Active {
		return false
	}
	if req.Pool != "" && req.Pool != e.node.Pool {
		return false
	}
	for _, nw := range req.Networks {
		if !e.node.HasNetwork(nw) {
			return false
		}
	}
	return true
}

// Pool is the authoritative node inventory. Every change is written
// through to the Store.
type Pool struct {
	logger logrus.FieldLogger
	store  store.Store
	policy string

	mtx         sync.RWMutex
	entries     map[string]*entry
	subscribers map[<-chan struct{}]chan<- struct{}

	mNodes             prometheus.Gauge
	mMemoryTotal       prometheus.Gauge
	mMemoryFree        prometheus.Gauge
	mMemoryPreemptible prometheus.Gauge
}

// New returns an empty pool. Call Load to pick up the stored
// inventory.
func New(logger logrus.FieldLogger, st store.Store, policy string, reg *prometheus.Registry) (*Pool, error) {
	switch policy {
	case "":
		policy = MostFree
	case MostFree, LeastFree:
	default:
		return nil, fmt.Errorf("unknown allocator policy %q", policy)
	}
	p := &Pool{
		logger:      logger,
		store:       st,
		policy:      policy,
		entries:     map[string]*entry{},
		subscribers: map[<-chan struct{}]chan<- struct{}{},
	}
	p.registerMetrics(reg)
	return p, nil
}

// Load replaces the in-memory inventory with the stored one. Memory
// already in use according to the store is kept as non-preemptible
// usage until released with ReleaseRecovered.
func (p *Pool) Load(ctx context.Context) error {
	nodes, err := p.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	entries := map[string]*entry{}
	for _, node := range nodes {
		if node.MemoryRemainingMB > node.MemoryMB || node.MemoryRemainingMB < 0 {
			p.logger.WithFields(logrus.Fields{
				"Hostname":          node.Hostname,
				"MemoryMB":          node.MemoryMB,
				"MemoryRemainingMB": node.MemoryRemainingMB,
			}).Warn("stored remaining memory out of range, treating node as empty")
			node.MemoryRemainingMB = node.MemoryMB
		}
		e := &entry{node: node, allocations: map[string]Allocation{}}
		e.recoveredMB = e.allocatedMB()
		e.updateVacant()
		entries[node.Hostname] = e
	}
	p.mtx.Lock()
	p.entries = entries
	p.updateMetrics()
	p.mtx.Unlock()
	p.logger.WithField("Nodes", len(entries)).Info("loaded node inventory")
	p.notify()
	return nil
}

// AddNode adds a node with no VMs.
func (p *Pool) AddNode(ctx context.Context, node nimbus.Node) (nimbus.Node, error) {
	if err := (nimbus.NodeSpec{Hostname: node.Hostname, MemoryMB: node.MemoryMB, CPUs: node.CPUs}).Validate(); err != nil {
		return nimbus.Node{}, err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.entries[node.Hostname]; ok {
		return nimbus.Node{}, NodeExistsError{Hostname: node.Hostname}
	}
	node.MemoryRemainingMB = node.MemoryMB
	node.Vacant = true
	node.Networks = append([]string(nil), node.Networks...)
	e := &entry{node: node, allocations: map[string]Allocation{}}
	if err := p.store.PutNode(ctx, e.copyNode()); err != nil {
		return nimbus.Node{}, fmt.Errorf("add node %q: %w", node.Hostname, err)
	}
	p.entries[node.Hostname] = e
	p.logger.WithFields(logrus.Fields{
		"Hostname": node.Hostname,
		"Pool":     node.Pool,
		"Memory":   humanize.IBytes(uint64(node.MemoryMB) << 20),
	}).Info("node added")
	p.changed()
	return e.copyNode(), nil
}

// GetNode returns the named node.
func (p *Pool) GetNode(hostname string) (nimbus.Node, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	e, ok := p.entries[hostname]
	if !ok {
		return nimbus.Node{}, false
	}
	return e.copyNode(), true
}

// ListNodes returns all nodes, sorted by hostname.
func (p *Pool) ListNodes() []nimbus.Node {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	nodes := make([]nimbus.Node, 0, len(p.entries))
	for _, e := range p.entries {
		nodes = append(nodes, e.copyNode())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hostname < nodes[j].Hostname })
	return nodes
}

// UpdateNode applies a partial update. Memory cannot shrink below
// what is currently allocated.
func (p *Pool) UpdateNode(ctx context.Context, upd NodeUpdate) (nimbus.Node, error) {
	if err := upd.validate(); err != nil {
		return nimbus.Node{}, err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	e, ok := p.entries[upd.Hostname]
	if !ok {
		return nimbus.Node{}, NodeNotFoundError{Hostname: upd.Hostname}
	}
	node := e.copyNode()
	if upd.MemoryMB != nil {
		allocated := e.allocatedMB()
		if *upd.MemoryMB < allocated {
			return nimbus.Node{}, NodeInUseError{
				Hostname: upd.Hostname,
				Reason:   fmt.Sprintf("cannot shrink memory to %d MiB, %d MiB allocated", *upd.MemoryMB, allocated),
			}
		}
		node.MemoryMB = *upd.MemoryMB
		node.MemoryRemainingMB = *upd.MemoryMB - allocated
	}
	if upd.Pool != nil {
		node.Pool = *upd.Pool
	}
	if upd.CPUs != nil {
		node.CPUs = *upd.CPUs
	}
	if upd.Networks != nil {
		node.Networks = append([]string(nil), (*upd.Networks)...)
	}
	if upd.Active != nil {
		node.Active = *upd.Active
	}
	if err := p.store.PutNode(ctx, node); err != nil {
		return nimbus.Node{}, fmt.Errorf("update node %q: %w", upd.Hostname, err)
	}
	e.node = node
	p.logger.WithField("Hostname", upd.Hostname).Info("node updated")
	p.changed()
	return e.copyNode(), nil
}

// RemoveNode removes a node that hosts no VMs. It returns false if
// the node does not exist.
func (p *Pool) RemoveNode(ctx context.Context, hostname string) (bool, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	e, ok := p.entries[hostname]
	if !ok {
		return false, nil
	}
	if !e.node.Vacant {
		return false, NodeInUseError{
			Hostname: hostname,
			Reason:   fmt.Sprintf("%d VMs, %d MiB allocated", len(e.allocations), e.allocatedMB()),
		}
	}
	if err := p.store.DeleteNode(ctx, hostname); err != nil {
		return false, fmt.Errorf("remove node %q: %w", hostname, err)
	}
	delete(p.entries, hostname)
	p.logger.WithField("Hostname", hostname).Info("node removed")
	p.changed()
	return true, nil
}

// Allocate places one VM.
func (p *Pool) Allocate(ctx context.Context, req Requirements) (Allocation, error) {
	allocs, err := p.AllocateN(ctx, req, 1)
	if err != nil {
		return Allocation{}, err
	}
	return allocs[0], nil
}

// AllocateN places n identical VMs, or none.
func (p *Pool) AllocateN(ctx context.Context, req Requirements, n int) ([]Allocation, error) {
	if req.MemoryMB < 1 || n < 1 {
		return nil, fmt.Errorf("invalid allocation request: %d x %d MiB", n, req.MemoryMB)
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()

	hosts, err := p.plan(req, n, false)
	if err != nil {
		return nil, err
	}
	allocs := make([]Allocation, 0, n)
	touched := map[string]nimbus.Node{}
	for _, hostname := range hosts {
		e := p.entries[hostname]
		if _, ok := touched[hostname]; !ok {
			touched[hostname] = e.copyNode()
		}
		a := Allocation{
			ID:          uuid.NewString(),
			Hostname:    hostname,
			MemoryMB:    req.MemoryMB,
			Preemptible: req.Preemptible,
		}
		e.add(a)
		allocs = append(allocs, a)
	}
	for hostname := range touched {
		err := p.store.PutNode(ctx, p.entries[hostname].copyNode())
		if err == nil {
			continue
		}
		// Roll back everything, including store writes that
		// already succeeded.
		for _, a := range allocs {
			p.entries[a.Hostname].remove(a)
		}
		for hostname, node := range touched {
			if perr := p.store.PutNode(ctx, node); perr != nil {
				p.logger.WithError(perr).WithField("Hostname", hostname).Error("rollback of stored node failed")
			}
		}
		return nil, fmt.Errorf("allocate: %w", err)
	}
	p.logger.WithFields(logrus.Fields{
		"Hosts":       hosts,
		"Memory":      humanize.IBytes(uint64(req.MemoryMB) << 20),
		"Preemptible": req.Preemptible,
	}).Debug("allocated")
	p.changed()
	return allocs, nil
}

// plan chooses a host for each of n VMs without changing anything.
// If countPreemptible is true, memory held by preemptible VMs is
// treated as free. Caller must hold mtx.
func (p *Pool) plan(req Requirements, n int, countPreemptible bool) ([]string, error) {
	type candidate struct {
		hostname string
		free     int
	}
	var candidates []*candidate
	tooLarge := true
	for hostname, e := range p.entries {
		if !e.eligible(req) {
			continue
		}
		if e.node.MemoryMB >= req.MemoryMB {
			tooLarge = false
		}
		free := e.node.MemoryRemainingMB
		if countPreemptible {
			free += e.preemptibleMB
		}
		if free >= req.MemoryMB {
			candidates = append(candidates, &candidate{hostname: hostname, free: free})
		}
	}
	if tooLarge {
		return nil, ResourceRequestDeniedError{Reason: MemoryTooLarge, MemoryMB: req.MemoryMB, Count: n}
	}
	hosts := make([]string, 0, n)
	for len(hosts) < n {
		var best *candidate
		for _, c := range candidates {
			if c.free < req.MemoryMB {
				continue
			}
			if best == nil || p.better(c.free, c.hostname, best.free, best.hostname) {
				best = c
			}
		}
		if best == nil {
			return nil, ResourceRequestDeniedError{Reason: InsufficientCapacity, MemoryMB: req.MemoryMB, Count: n}
		}
		best.free -= req.MemoryMB
		hosts = append(hosts, best.hostname)
	}
	return hosts, nil
}

func (p *Pool) better(free int, hostname string, bestFree int, bestHostname string) bool {
	if free != bestFree {
		if p.policy == LeastFree {
			return free < bestFree
		}
		return free > bestFree
	}
	return hostname < bestHostname
}

// Fits returns true if n VMs matching req could be placed right now,
// or, if countPreemptibleFree is true, after evicting every
// preemptible VM.
func (p *Pool) Fits(req Requirements, n int, countPreemptibleFree bool) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	_, err := p.plan(req, n, countPreemptibleFree)
	return err == nil
}

// Eligible returns true if the named node could hold a VM matching
// req once its preemptible VMs are gone.
func (p *Pool) Eligible(hostname string, req Requirements) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	e, ok := p.entries[hostname]
	return ok && e.eligible(req) && e.node.MemoryMB >= req.MemoryMB
}

// Release returns the memory held by an allocation. Inactive nodes
// accept releases.
func (p *Pool) Release(ctx context.Context, a Allocation) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	e, ok := p.entries[a.Hostname]
	if !ok {
		return fmt.Errorf("release %s: %w", a.ID, NodeNotFoundError{Hostname: a.Hostname})
	}
	held, ok := e.allocations[a.ID]
	if !ok {
		return fmt.Errorf("release %s on %s: %w", a.ID, a.Hostname, ErrUnknownAllocation)
	}
	e.remove(held)
	if err := p.store.PutNode(ctx, e.copyNode()); err != nil {
		e.add(held)
		return fmt.Errorf("release %s: %w", a.ID, err)
	}
	p.changed()
	return nil
}

// ReleaseRecovered returns memory that was found in use at startup
// and has since been freed, e.g., because the VM lifecycle layer
// destroyed a VM left over from before a restart.
func (p *Pool) ReleaseRecovered(ctx context.Context, hostname string, memoryMB int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	e, ok := p.entries[hostname]
	if !ok {
		return NodeNotFoundError{Hostname: hostname}
	}
	if memoryMB < 0 || memoryMB > e.recoveredMB {
		return fmt.Errorf("node %q: cannot release %d MiB, %d MiB recovered usage", hostname, memoryMB, e.recoveredMB)
	}
	e.recoveredMB -= memoryMB
	e.node.MemoryRemainingMB += memoryMB
	e.updateVacant()
	if err := p.store.PutNode(ctx, e.copyNode()); err != nil {
		e.recoveredMB += memoryMB
		e.node.MemoryRemainingMB -= memoryMB
		e.updateVacant()
		return fmt.Errorf("release recovered memory on %q: %w", hostname, err)
	}
	p.changed()
	return nil
}

func (e *entry) add(a Allocation) {
	e.allocations[a.ID] = a
	e.node.MemoryRemainingMB -= a.MemoryMB
	if a.Preemptible {
		e.preemptibleMB += a.MemoryMB
	}
	e.updateVacant()
}

func (e *entry) remove(a Allocation) {
	delete(e.allocations, a.ID)
	e.node.MemoryRemainingMB += a.MemoryMB
	if a.Preemptible {
		e.preemptibleMB -= a.MemoryMB
	}
	e.updateVacant()
}

// Slots returns the number of VMs of the given size that would fit
// on active nodes if every preemptible VM were evicted.
func (p *Pool) Slots(memoryMB int) int {
	if memoryMB < 1 {
		return 0
	}
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	slots := 0
	for _, e := range p.entries {
		if !e.node.Active {
			continue
		}
		slots += (e.node.MemoryRemainingMB + e.preemptibleMB) / memoryMB
	}
	return slots
}

// PreemptibleMemory returns the memory held by preemptible VMs.
func (p *Pool) PreemptibleMemory() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	total := 0
	for _, e := range p.entries {
		total += e.preemptibleMB
	}
	return total
}

// TotalMaxMemory returns the memory of all nodes, active or not.
func (p *Pool) TotalMaxMemory() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	total := 0
	for _, e := range p.entries {
		total += e.node.MemoryMB
	}
	return total
}

// FreeMemory returns the unallocated memory of active nodes.
func (p *Pool) FreeMemory() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	total := 0
	for _, e := range p.entries {
		if e.node.Active {
			total += e.node.MemoryRemainingMB
		}
	}
	return total
}

// Subscribe returns a buffered channel that becomes ready after any
// change that could affect capacity: a node is added, removed or
// updated, or memory is allocated or released.
//
// Additional events that occur while the channel is already ready
// are dropped, so it is OK if the caller services the channel
// slowly.
func (p *Pool) Subscribe() <-chan struct{} {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ch := make(chan struct{}, 1)
	p.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (p *Pool) Unsubscribe(ch <-chan struct{}) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.subscribers, ch)
}

// changed updates metrics and notifies subscribers. Caller must hold
// mtx.
func (p *Pool) changed() {
	p.updateMetrics()
	for _, send := range p.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) notify() {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	for _, send := range p.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}
