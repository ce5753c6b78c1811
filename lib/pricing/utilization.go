// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pricing

// NewMaximizeUtilization returns a model that clears as many bids as
// fit, charging the lowest accepted bid.
//
// If resetToMinPrice is true and capacity is left over after every
// eligible bid is accepted (none was skipped for lack of room), the price drops to the configured
// minimum. When capacity is exactly consumed the flag has no effect.
func NewMaximizeUtilization(cfg Config, resetToMinPrice bool) *Model {
	return NewModel(cfg, &maximizeUtilization{cfg: cfg, resetToMinPrice: resetToMinPrice})
}

type maximizeUtilization struct {
	cfg             Config
	resetToMinPrice bool
}

func (p *maximizeUtilization) NextPriceImpl(capacity int, sorted []Bid, _ *float64) float64 {
	remaining := capacity
	accepted, skipped := false, false
	var price float64
	for _, b := range sorted {
		if b.Price < p.cfg.MinPrice {
			break
		}
		if b.Instances > remaining {
			// Doesn't fit. Smaller bids further down
			// might.
			skipped = true
			continue
		}
		remaining -= b.Instances
		price = b.Price
		accepted = true
	}
	switch {
	case !accepted && len(sorted) > 0 && sorted[0].Price >= p.cfg.MinPrice:
		// Eligible bids exist but none fits: price all of
		// them out.
		return withPremium(sorted[0].Price)
	case !accepted:
		return p.cfg.MinPrice
	case remaining > 0 && !skipped && p.resetToMinPrice:
		return p.cfg.MinPrice
	default:
		return price
	}
}
