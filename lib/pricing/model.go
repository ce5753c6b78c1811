// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pricing computes the spot market clearing price from the
// current bids and the capacity available to spot instances.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	DefaultMinPrice = 0.1

	// Added to the highest bid when there is no capacity at all.
	ExhaustedPremium = 0.1
)

var premium = decimal.NewFromFloat(ExhaustedPremium)

// Config is the immutable configuration of a pricing model.
type Config struct {
	MinPrice float64
}

// A PricingModel maps demand and capacity to a clearing price.
type PricingModel interface {
	// NextPrice returns the clearing price for the given number
	// of available instance slots and alive bids.
	NextPrice(totalReservedResources int, alive []Bid, current *float64) float64
	MinPrice() float64
}

// A Policy computes the price when there are bids and at least one
// slot available. Bids are passed in serving order.
type Policy interface {
	NextPriceImpl(totalReservedResources int, sorted []Bid, current *float64) float64
}

// Model applies the floor and exhaustion rules shared by every
// policy, and defers to its Policy otherwise.
type Model struct {
	cfg    Config
	policy Policy
}

// NewModel returns a Model with the given policy.
func NewModel(cfg Config, policy Policy) *Model {
	return &Model{cfg: cfg, policy: policy}
}

// New returns a Model using the named policy: "MaximizeUtilization"
// (the default when name is empty) or "MaximizeProfit".
func New(cfg Config, name string, resetToMinPrice bool) (*Model, error) {
	if cfg.MinPrice < 0 {
		return nil, fmt.Errorf("minimum price %v must not be negative", cfg.MinPrice)
	}
	switch name {
	case "", "MaximizeUtilization":
		return NewMaximizeUtilization(cfg, resetToMinPrice), nil
	case "MaximizeProfit":
		return NewMaximizeProfit(cfg), nil
	default:
		return nil, fmt.Errorf("unknown pricing model %q", name)
	}
}

// MinPrice implements PricingModel.
func (m *Model) MinPrice() float64 {
	return m.cfg.MinPrice
}

// NextPrice implements PricingModel.
func (m *Model) NextPrice(totalReservedResources int, alive []Bid, current *float64) float64 {
	if len(alive) == 0 {
		return m.cfg.MinPrice
	}
	if totalReservedResources < 1 {
		highest := highestBid(alive)
		if highest >= m.cfg.MinPrice {
			return withPremium(highest)
		}
		return m.cfg.MinPrice
	}
	return m.policy.NextPriceImpl(totalReservedResources, SortBids(alive), current)
}

func highestBid(bids []Bid) float64 {
	highest := bids[0].Price
	for _, b := range bids[1:] {
		if b.Price > highest {
			highest = b.Price
		}
	}
	return highest
}

// withPremium returns price+ExhaustedPremium, computed in decimal so
// 0.2 yields exactly 0.3.
func withPremium(price float64) float64 {
	return decimal.NewFromFloat(price).Add(premium).InexactFloat64()
}
