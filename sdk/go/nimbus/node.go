// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

import (
	"errors"
	"fmt"
)

// A Node is a physical hypervisor host, as persisted and as reported
// by the node management API.
type Node struct {
	Hostname          string   `json:"hostname"`
	Pool              string   `json:"pool"`
	MemoryMB          int      `json:"memory_mb"`
	MemoryRemainingMB int      `json:"memory_remaining_mb"`
	CPUs              int      `json:"cpus"`
	Networks          []string `json:"networks"`
	Active            bool     `json:"active"`
	Vacant            bool     `json:"vacant"`
}

// HasNetwork returns true if the node supports the named network
// association. A node listing "*" supports all networks.
func (n Node) HasNetwork(name string) bool {
	for _, nw := range n.Networks {
		if nw == name || nw == "*" {
			return true
		}
	}
	return false
}

// NodeSpec describes a node to add, as given to the node admin API
// or in the Nodes section of the cluster config. Nodes are active
// unless Active is false.
type NodeSpec struct {
	Hostname string   `json:"hostname"`
	Pool     string   `json:"pool"`
	MemoryMB int      `json:"memory_mb"`
	CPUs     int      `json:"cpus"`
	Networks []string `json:"networks"`
	Active   *bool    `json:"active,omitempty"`
}

// Node returns the inventory record for a newly added node.
func (ns NodeSpec) Node() Node {
	return Node{
		Hostname: ns.Hostname,
		Pool:     ns.Pool,
		MemoryMB: ns.MemoryMB,
		CPUs:     ns.CPUs,
		Networks: ns.Networks,
		Active:   ns.Active == nil || *ns.Active,
	}
}

// Validate returns an error if the node cannot be added.
func (ns NodeSpec) Validate() error {
	if ns.Hostname == "" {
		return errors.New("hostname is required")
	}
	if ns.MemoryMB < 0 || ns.CPUs < 0 {
		return fmt.Errorf("node %q: memory and CPU count must not be negative", ns.Hostname)
	}
	return nil
}
