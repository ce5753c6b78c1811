// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store persists node inventory, spot price history and the
// last applied backfill configuration.
package store

import (
	"context"
	"time"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

// Store is the durable state consumed by the node pool, the spot
// manager and the backfill controller.
type Store interface {
	// GetStoredBackfill returns the last applied backfill
	// configuration, or nil if none has been stored.
	GetStoredBackfill(context.Context) (*nimbus.Backfill, error)
	SetBackfill(context.Context, nimbus.Backfill) error

	// TotalMaxMemory returns the sum of MemoryMB of all stored
	// nodes.
	TotalMaxMemory(context.Context) (int, error)

	ListNodes(context.Context) ([]nimbus.Node, error)
	// PutNode creates or replaces the node record with the same
	// hostname.
	PutNode(context.Context, nimbus.Node) error
	// DeleteNode removes the node record. Deleting an unknown
	// hostname is not an error.
	DeleteNode(ctx context.Context, hostname string) error

	AppendPrice(context.Context, nimbus.SpotPrice) error
	// PriceHistory returns entries with start <= Time <= end, in
	// the order they were appended. A nil bound is unbounded.
	PriceHistory(ctx context.Context, start, end *time.Time) ([]nimbus.SpotPrice, error)
}

func inRange(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}
