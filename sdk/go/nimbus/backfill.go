// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

import (
	"errors"
	"fmt"
	"time"
)

// MinBackfillDuration is the shortest configurable backfill instance
// lifetime.
const MinBackfillDuration = Duration(time.Minute)

// Backfill describes the synthetic workload used to fill idle
// capacity. Two Backfill values describe the same configuration iff
// they are ==.
type Backfill struct {
	Enabled   bool
	DiskImage string
	MemoryMB  int
	VCPUs     int
	Duration  Duration
	Network   string

	// Number of backfill instances to request. 0 means as many as
	// fit in the site capacity.
	MaxInstances int

	// Site capacity at the time the configuration was applied.
	// Set by the backfill controller (only when MaxInstances is
	// 0), not by configuration files.
	SiteCapacityMB int `json:",omitempty"`
}

// Equal returns true if b and other describe the same configuration.
func (b Backfill) Equal(other Backfill) bool {
	return b == other
}

// Validate returns an error if the configuration cannot be applied.
func (b Backfill) Validate() error {
	if b.MaxInstances < 0 {
		return fmt.Errorf("backfill MaxInstances %d must not be negative", b.MaxInstances)
	}
	if !b.Enabled {
		return nil
	}
	if b.DiskImage == "" {
		return errors.New("backfill DiskImage must be set when backfill is enabled")
	}
	if b.MemoryMB < 1 {
		return fmt.Errorf("backfill MemoryMB %d must be positive", b.MemoryMB)
	}
	if b.VCPUs < 1 {
		return fmt.Errorf("backfill VCPUs %d must be positive", b.VCPUs)
	}
	if b.Duration < MinBackfillDuration {
		return fmt.Errorf("backfill Duration %s must be at least %s", b.Duration, MinBackfillDuration)
	}
	return nil
}

// Instances returns the number of backfill instances to request for
// a site with the given total capacity.
func (b Backfill) Instances(siteCapacityMB int) int {
	if b.MaxInstances > 0 {
		return b.MaxInstances
	}
	if b.MemoryMB < 1 {
		return 1
	}
	n := siteCapacityMB / b.MemoryMB
	if n < 1 {
		n = 1
	}
	return n
}
