// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

// MemoryStore is a Store that keeps everything in process memory.
// The zero value is ready to use.
type MemoryStore struct {
	mtx      sync.Mutex
	nodes    map[string]nimbus.Node
	prices   []nimbus.SpotPrice
	backfill *nimbus.Backfill
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) GetStoredBackfill(context.Context) (*nimbus.Backfill, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if ms.backfill == nil {
		return nil, nil
	}
	bf := *ms.backfill
	return &bf, nil
}

func (ms *MemoryStore) SetBackfill(_ context.Context, bf nimbus.Backfill) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.backfill = &bf
	return nil
}

func (ms *MemoryStore) TotalMaxMemory(context.Context) (int, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	total := 0
	for _, node := range ms.nodes {
		total += node.MemoryMB
	}
	return total, nil
}

func (ms *MemoryStore) ListNodes(context.Context) ([]nimbus.Node, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	nodes := make([]nimbus.Node, 0, len(ms.nodes))
	for _, node := range ms.nodes {
		nodes = append(nodes, copyNode(node))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hostname < nodes[j].Hostname })
	return nodes, nil
}

func (ms *MemoryStore) PutNode(_ context.Context, node nimbus.Node) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if ms.nodes == nil {
		ms.nodes = map[string]nimbus.Node{}
	}
	ms.nodes[node.Hostname] = copyNode(node)
	return nil
}

func (ms *MemoryStore) DeleteNode(_ context.Context, hostname string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.nodes, hostname)
	return nil
}

func (ms *MemoryStore) AppendPrice(_ context.Context, sp nimbus.SpotPrice) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.prices = append(ms.prices, sp)
	return nil
}

func (ms *MemoryStore) PriceHistory(_ context.Context, start, end *time.Time) ([]nimbus.SpotPrice, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var history []nimbus.SpotPrice
	for _, sp := range ms.prices {
		if inRange(sp.Time, start, end) {
			history = append(history, sp)
		}
	}
	return history, nil
}

func copyNode(node nimbus.Node) nimbus.Node {
	node.Networks = append([]string(nil), node.Networks...)
	return node
}
