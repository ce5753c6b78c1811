// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pricing

import (
	"sort"
	"time"
)

// A Bid is one spot request's offer: up to Price per instance for
// Instances instances, all or nothing.
type Bid struct {
	ID        string
	Price     float64
	Instances int
	Created   time.Time
	Seq       uint64 // arrival order, breaks ties between equal Created times
	Backfill  bool
}

// Less reports whether a is served before b: higher price first, real
// bids before backfill bids, then earliest arrival.
func Less(a, b Bid) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	if a.Backfill != b.Backfill {
		return !a.Backfill
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Seq < b.Seq
}

// SortBids returns a sorted copy of bids.
func SortBids(bids []Bid) []Bid {
	sorted := make([]Bid, len(bids))
	copy(sorted, bids)
	sort.SliceStable(sorted, func(i, j int) bool {
		return Less(sorted[i], sorted[j])
	})
	return sorted
}

// Accept returns the bids that get capacity at the given clearing
// price: in serving order, every bid at or above price whose instance
// count still fits in the remaining capacity.
func Accept(capacity int, bids []Bid, price float64) []Bid {
	var accepted []Bid
	remaining := capacity
	for _, b := range SortBids(bids) {
		if b.Price < price {
			break
		}
		if b.Instances > remaining {
			continue
		}
		remaining -= b.Instances
		accepted = append(accepted, b)
	}
	return accepted
}
