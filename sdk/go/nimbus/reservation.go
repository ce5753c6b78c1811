// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

import (
	"fmt"
	"time"
)

// A Reservation binds instance IDs to hypervisor hosts for a time
// window. IDs[i] runs on Hostnames[i].
type Reservation struct {
	IDs         []string            `json:"ids"`
	Hostnames   []string            `json:"hostnames"`
	Durations   map[string]Duration `json:"durations,omitempty"`
	Start       time.Time           `json:"start"`
	Stop        time.Time           `json:"stop"`
	Preemptible bool                `json:"preemptible"`
}

// Concrete returns true if the reservation has a start time, a stop
// time, and at least one host.
func (r Reservation) Concrete() bool {
	return !r.Start.IsZero() && !r.Stop.IsZero() && len(r.Hostnames) > 0
}

// Validate checks that every instance ID has a host when hosts are
// assigned at all.
func (r Reservation) Validate() error {
	if len(r.Hostnames) > 0 && len(r.Hostnames) != len(r.IDs) {
		return fmt.Errorf("reservation has %d instance IDs but %d hostnames", len(r.IDs), len(r.Hostnames))
	}
	if !r.Stop.IsZero() && r.Stop.Before(r.Start) {
		return fmt.Errorf("reservation stop time %s is before start time %s", r.Stop, r.Start)
	}
	return nil
}

// Duration returns the run time for the given instance: its override
// if any, otherwise the reservation window.
func (r Reservation) Duration(id string) time.Duration {
	if d, ok := r.Durations[id]; ok {
		return d.Duration()
	}
	return r.Stop.Sub(r.Start)
}

// SpotPrice is one entry in the spot price history.
type SpotPrice struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}
