// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pricing

import (
	"github.com/shopspring/decimal"
)

// NewMaximizeProfit returns a model that picks the price with the
// highest revenue (price x accepted instances), even if that leaves
// capacity idle. Equal revenue goes to the lower price.
func NewMaximizeProfit(cfg Config) *Model {
	return NewModel(cfg, &maximizeProfit{cfg: cfg})
}

type maximizeProfit struct {
	cfg Config
}

func (p *maximizeProfit) NextPriceImpl(capacity int, sorted []Bid, _ *float64) float64 {
	var (
		best        float64
		bestRevenue = decimal.Zero
		found       bool
	)
	for i, candidate := range sorted {
		if candidate.Price < p.cfg.MinPrice {
			break
		}
		if i > 0 && sorted[i-1].Price == candidate.Price {
			continue
		}
		units := 0
		for _, b := range Accept(capacity, sorted, candidate.Price) {
			units += b.Instances
		}
		if units == 0 {
			continue
		}
		revenue := decimal.NewFromFloat(candidate.Price).Mul(decimal.NewFromInt(int64(units)))
		// Candidates arrive in descending price order, so >=
		// prefers the lower price on a tie.
		if !found || revenue.GreaterThanOrEqual(bestRevenue) {
			best, bestRevenue, found = candidate.Price, revenue, true
		}
	}
	if !found {
		if len(sorted) > 0 && sorted[0].Price >= p.cfg.MinPrice {
			return withPremium(sorted[0].Price)
		}
		return p.cfg.MinPrice
	}
	return best
}
