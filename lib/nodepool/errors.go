// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodepool

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnknownAllocation is returned by Release when the allocation is
// not (or no longer) held.
var ErrUnknownAllocation = errors.New("unknown allocation")

type NodeExistsError struct {
	Hostname string
}

func (e NodeExistsError) Error() string {
	return fmt.Sprintf("node %q already exists", e.Hostname)
}

func (NodeExistsError) HTTPStatus() int { return http.StatusConflict }

type NodeInUseError struct {
	Hostname string
	Reason   string
}

func (e NodeInUseError) Error() string {
	return fmt.Sprintf("node %q is in use: %s", e.Hostname, e.Reason)
}

func (NodeInUseError) HTTPStatus() int { return http.StatusConflict }

type NodeNotFoundError struct {
	Hostname string
}

func (e NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %q not found", e.Hostname)
}

func (NodeNotFoundError) HTTPStatus() int { return http.StatusNotFound }

// DeniedReason tells a client whether retrying later could help.
type DeniedReason string

const (
	// No eligible node is big enough, however empty.
	MemoryTooLarge DeniedReason = "MemoryTooLarge"
	// Eligible nodes exist but they are too busy right now.
	InsufficientCapacity DeniedReason = "InsufficientCapacity"
)

// ResourceRequestDeniedError is returned when an allocation request
// cannot be satisfied.
type ResourceRequestDeniedError struct {
	Reason   DeniedReason
	MemoryMB int
	Count    int
}

func (e ResourceRequestDeniedError) Error() string {
	if e.Reason == MemoryTooLarge {
		return fmt.Sprintf("resource request denied: no node can host a %d MiB instance", e.MemoryMB)
	}
	return fmt.Sprintf("resource request denied: insufficient capacity for %d x %d MiB", e.Count, e.MemoryMB)
}

func (e ResourceRequestDeniedError) HTTPStatus() int {
	if e.Reason == MemoryTooLarge {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

// InvalidInputError is returned when an admin request cannot be
// decoded.
type InvalidInputError struct {
	Err error
}

func (e InvalidInputError) Error() string { return e.Err.Error() }
func (e InvalidInputError) Unwrap() error { return e.Err }

func (InvalidInputError) HTTPStatus() int { return http.StatusBadRequest }
