// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pricing

import (
	"math/rand"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ModelSuite{})

type ModelSuite struct {
	cfg Config
	t0  time.Time
}

func (s *ModelSuite) SetUpTest(c *check.C) {
	s.cfg = Config{MinPrice: DefaultMinPrice}
	s.t0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *ModelSuite) bids(pairs ...float64) []Bid {
	var bids []Bid
	for i := 0; i+1 < len(pairs); i += 2 {
		bids = append(bids, Bid{
			ID:        string(rune('a' + i/2)),
			Price:     pairs[i],
			Instances: int(pairs[i+1]),
			Created:   s.t0.Add(time.Duration(i) * time.Second),
			Seq:       uint64(i),
		})
	}
	return bids
}

func (s *ModelSuite) models() map[string]PricingModel {
	return map[string]PricingModel{
		"utilization":       NewMaximizeUtilization(s.cfg, false),
		"utilization-reset": NewMaximizeUtilization(s.cfg, true),
		"profit":            NewMaximizeProfit(s.cfg),
	}
}

func (s *ModelSuite) TestEmptyReturnsMinPrice(c *check.C) {
	for name, m := range s.models() {
		for _, capacity := range []int{0, 1, 2500} {
			c.Check(m.NextPrice(capacity, nil, nil), check.Equals, 0.1, check.Commentf("%s capacity %d", name, capacity))
		}
		current := 4.0
		c.Check(m.NextPrice(2500, []Bid{}, &current), check.Equals, 0.1, check.Commentf(name))
	}
}

func (s *ModelSuite) TestExhaustionPremium(c *check.C) {
	for name, m := range s.models() {
		c.Check(m.NextPrice(0, s.bids(0.2, 1), nil), check.Equals, 0.3, check.Commentf(name))
		c.Check(m.NextPrice(0, s.bids(1.7, 3, 0.4, 1), nil), check.Equals, 1.8, check.Commentf(name))
		c.Check(m.NextPrice(0, s.bids(0.1, 1), nil), check.Equals, 0.2, check.Commentf(name))
	}
}

func (s *ModelSuite) TestExhaustedWithOnlyCheapBids(c *check.C) {
	s.cfg.MinPrice = 0.5
	for name, m := range s.models() {
		c.Check(m.NextPrice(0, s.bids(0.2, 1), nil), check.Equals, 0.5, check.Commentf(name))
		c.Check(m.NextPrice(10, s.bids(0.2, 1), nil), check.Equals, 0.5, check.Commentf(name))
	}
}

func (s *ModelSuite) TestUtilizationAllClear(c *check.C) {
	bids := s.bids(2.0, 5, 1.0, 5, 1.6, 5)
	for _, reset := range []bool{false, true} {
		m := NewMaximizeUtilization(s.cfg, reset)
		c.Check(m.NextPrice(15, bids, nil), check.Equals, 1.0, check.Commentf("reset=%v", reset))
	}
}

// ResetToMinPrice only matters when capacity is left over.
func (s *ModelSuite) TestUtilizationResetFlag(c *check.C) {
	bids := s.bids(2.0, 5, 1.0, 5, 1.6, 5)
	c.Check(NewMaximizeUtilization(s.cfg, true).NextPrice(20, bids, nil), check.Equals, 0.1)
	c.Check(NewMaximizeUtilization(s.cfg, false).NextPrice(20, bids, nil), check.Equals, 1.0)
}

func (s *ModelSuite) TestUtilizationPartial(c *check.C) {
	bids := s.bids(2.0, 5, 1.0, 5, 1.6, 5)
	for _, reset := range []bool{false, true} {
		m := NewMaximizeUtilization(s.cfg, reset)
		c.Check(m.NextPrice(10, bids, nil), check.Equals, 1.6, check.Commentf("reset=%v", reset))
		c.Check(m.NextPrice(12, bids, nil), check.Equals, 1.6, check.Commentf("reset=%v", reset))
	}
}

func (s *ModelSuite) TestUtilizationSkipsBidsThatDoNotFit(c *check.C) {
	bids := s.bids(2.0, 5, 1.0, 1)
	for _, reset := range []bool{false, true} {
		m := NewMaximizeUtilization(s.cfg, reset)
		c.Check(m.NextPrice(3, bids, nil), check.Equals, 1.0, check.Commentf("reset=%v", reset))
	}
}

func (s *ModelSuite) TestNothingFits(c *check.C) {
	for name, m := range s.models() {
		c.Check(m.NextPrice(2, s.bids(1.0, 5, 0.5, 3), nil), check.Equals, 1.1, check.Commentf(name))
	}
}

func (s *ModelSuite) TestProfit(c *check.C) {
	m := NewMaximizeProfit(s.cfg)
	c.Check(m.NextPrice(10, s.bids(3.0, 2, 1.0, 8), nil), check.Equals, 1.0)
	c.Check(m.NextPrice(10, s.bids(3.0, 4, 1.0, 6), nil), check.Equals, 3.0)
	// Equal revenue: prefer the lower price.
	c.Check(m.NextPrice(10, s.bids(2.0, 1, 1.0, 1), nil), check.Equals, 1.0)
	c.Check(m.NextPrice(15, s.bids(2.0, 5, 1.0, 5, 1.6, 5), nil), check.Equals, 1.6)
}

func (s *ModelSuite) TestSortOrder(c *check.C) {
	bids := []Bid{
		{ID: "late", Price: 1, Created: s.t0.Add(time.Minute)},
		{ID: "backfill", Price: 1, Created: s.t0, Backfill: true},
		{ID: "high", Price: 2, Created: s.t0.Add(time.Hour)},
		{ID: "early2", Price: 1, Created: s.t0, Seq: 2},
		{ID: "early1", Price: 1, Created: s.t0, Seq: 1},
	}
	var ids []string
	for _, b := range SortBids(bids) {
		ids = append(ids, b.ID)
	}
	c.Check(ids, check.DeepEquals, []string{"high", "early1", "early2", "late", "backfill"})
	c.Check(bids[0].ID, check.Equals, "late")
}

func (s *ModelSuite) TestAccept(c *check.C) {
	bids := s.bids(2.0, 5, 1.0, 1, 1.6, 5, 0.5, 1)
	var ids []string
	for _, b := range Accept(6, bids, 1.0) {
		ids = append(ids, b.ID)
	}
	c.Check(ids, check.DeepEquals, []string{"a", "b"})
}

func (s *ModelSuite) TestNew(c *check.C) {
	m, err := New(s.cfg, "", false)
	c.Check(err, check.IsNil)
	c.Check(m.MinPrice(), check.Equals, 0.1)
	_, err = New(s.cfg, "MaximizeProfit", false)
	c.Check(err, check.IsNil)
	_, err = New(s.cfg, "Auction", false)
	c.Check(err, check.ErrorMatches, `unknown pricing model "Auction"`)
	_, err = New(Config{MinPrice: -1}, "", false)
	c.Check(err, check.NotNil)
}

// No bid priced above the clearing price is turned away while it
// would still fit.
func (s *ModelSuite) TestNoUndercut(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	for trial := 0; trial < 2000; trial++ {
		var bids []Bid
		for i := rnd.Intn(8); i >= 0; i-- {
			bids = append(bids, Bid{
				ID:        string(rune('a' + i)),
				Price:     float64(rnd.Intn(30)) / 10,
				Instances: 1 + rnd.Intn(6),
				Seq:       uint64(i),
			})
		}
		capacity := rnd.Intn(20)
		for name, m := range s.models() {
			price := m.NextPrice(capacity, bids, nil)
			accepted := map[string]bool{}
			units := 0
			for _, b := range Accept(capacity, bids, price) {
				accepted[b.ID] = true
				units += b.Instances
			}
			c.Assert(units <= capacity, check.Equals, true)
			remaining := capacity
			for _, b := range SortBids(bids) {
				if accepted[b.ID] {
					remaining -= b.Instances
				} else if b.Price > price {
					c.Assert(b.Instances > remaining, check.Equals, true, check.Commentf("%s trial %d: bid %+v rejected at price %v with %d free", name, trial, b, price, remaining))
				}
			}
		}
	}
}
