// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spot

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/pricing"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

// State is the lifecycle state of a spot request.
type State string

const (
	// Waiting for the clearing price to drop to the bid, or for
	// capacity.
	Open State = "Open"
	// Instances allocated.
	Active State = "Active"
	// Done: instances terminated, or evicted without Persistent.
	Closed State = "Closed"
	// Withdrawn by the owner.
	Cancelled State = "Cancelled"
)

func (s State) terminal() bool {
	return s == Closed || s == Cancelled
}

// DefaultDuration is the reservation window of an admitted spot
// request when neither the request nor the configuration set one.
const DefaultDuration = time.Hour

// Spec is a client's spot instance request.
type Spec struct {
	Price      float64         `json:"price"`
	Instances  int             `json:"instances"`
	Persistent bool            `json:"persistent"`
	DiskImage  string          `json:"disk_image"`
	Network    string          `json:"network"`
	MemoryMB   int             `json:"memory_mb"`
	VCPUs      int             `json:"vcpus"`
	Duration   nimbus.Duration `json:"duration"`

	// Set only by the backfill controller.
	Backfill bool `json:"-"`
}

// Request is a spot request and its current state.
type Request struct {
	ID          string              `json:"id"`
	Owner       string              `json:"owner"`
	Spec        Spec                `json:"spec"`
	Backfill    bool                `json:"backfill"`
	Created     time.Time           `json:"created"`
	State       State               `json:"state"`
	Reservation *nimbus.Reservation `json:"reservation,omitempty"`

	seq         uint64
	allocations map[string]nodepool.Allocation // by instance ID
}

func (r *Request) bid() pricing.Bid {
	return pricing.Bid{
		ID:        r.ID,
		Price:     r.Spec.Price,
		Instances: r.Spec.Instances,
		Created:   r.Created,
		Seq:       r.seq,
		Backfill:  r.Backfill,
	}
}

// holdsAny reports whether any of r's instances is on a host
// accepted by useful. A nil useful accepts every host.
func (r *Request) holdsAny(useful func(hostname string) bool) bool {
	for _, a := range r.allocations {
		if useful == nil || useful(a.Hostname) {
			return true
		}
	}
	return false
}

// dropInstance removes instanceID from r's reservation, keeping IDs
// and Hostnames aligned.
func (r *Request) dropInstance(instanceID string) {
	delete(r.allocations, instanceID)
	if r.Reservation == nil {
		return
	}
	rsv := r.Reservation
	for i, id := range rsv.IDs {
		if id != instanceID {
			continue
		}
		rsv.IDs = append(rsv.IDs[:i:i], rsv.IDs[i+1:]...)
		if i < len(rsv.Hostnames) {
			rsv.Hostnames = append(rsv.Hostnames[:i:i], rsv.Hostnames[i+1:]...)
		}
		return
	}
}

// snapshot returns a copy that shares no memory with r.
func (r *Request) snapshot() Request {
	cp := *r
	cp.allocations = nil
	if r.Reservation != nil {
		rsv := *r.Reservation
		rsv.IDs = append([]string(nil), r.Reservation.IDs...)
		rsv.Hostnames = append([]string(nil), r.Reservation.Hostnames...)
		cp.Reservation = &rsv
	}
	return cp
}

// ErrInvalidRequest wraps every spot request validation error.
var ErrInvalidRequest = errors.New("invalid spot request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string { return ErrInvalidRequest.Error() + ": " + e.msg }
func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }
func (invalidRequestError) HTTPStatus() int { return http.StatusBadRequest }

func invalid(format string, args ...interface{}) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError is returned for an ID that does not exist as
// well as for one the caller may not access, so callers cannot
// enumerate other users' requests.
type AuthorizationError struct {
	ID string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("spot request %q does not exist or is not accessible", e.ID)
}

func (AuthorizationError) HTTPStatus() int { return http.StatusForbidden }

// validate checks spec and fills in defaults.
func (m *Manager) validate(spec *Spec, caller nimbus.Caller) error {
	if caller.ID == "" {
		return invalid("caller identity is required")
	}
	if spec.Backfill && caller != nimbus.BackfillCaller {
		return invalid("backfill requests can only be made by %s", nimbus.BackfillCaller.ID)
	}
	if math.IsNaN(spec.Price) || math.IsInf(spec.Price, 0) || spec.Price < 0 {
		return invalid("price %v must be a non-negative number", spec.Price)
	}
	if spec.Instances < 1 {
		return invalid("instance count %d must be positive", spec.Instances)
	}
	if spec.MemoryMB == 0 {
		spec.MemoryMB = m.cfg.InstanceMemoryMB
	}
	if spec.MemoryMB < 0 || spec.MemoryMB > m.cfg.InstanceMemoryMB {
		return invalid("memory %d MiB must be between 1 and the spot instance size %d MiB", spec.MemoryMB, m.cfg.InstanceMemoryMB)
	}
	if spec.VCPUs < 0 {
		return invalid("vcpus %d must not be negative", spec.VCPUs)
	}
	if spec.Duration < 0 {
		return invalid("duration %s must not be negative", spec.Duration)
	}
	return nil
}
