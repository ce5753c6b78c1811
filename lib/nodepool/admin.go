// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodepool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

// Outcome states reported by the node admin operations.
const (
	StateAdded        = "ADDED"
	StateRemoved      = "REMOVED"
	StateUpdated      = "UPDATED"
	StateNodeExists   = "NODE_EXISTS"
	StateNodeInUse    = "NODE_IN_USE"
	StateNodeNotFound = "NODE_NOT_FOUND"
	// The change could not be saved. Error says why.
	StateFailed = "FAILED"
)

// NodeReport is the outcome of an admin operation on one node.
type NodeReport struct {
	Hostname string       `json:"hostname"`
	State    string       `json:"state"`
	Node     *nimbus.Node `json:"node,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func failed(hostname string, err error) NodeReport {
	return NodeReport{Hostname: hostname, State: StateFailed, Error: err.Error()}
}

// AddNodes adds each node in a JSON list of node descriptors, and
// returns a JSON list of NodeReports. If any descriptor is invalid,
// nothing is added.
func (p *Pool) AddNodes(ctx context.Context, data []byte) ([]byte, error) {
	var specs []nimbus.NodeSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, InvalidInputError{fmt.Errorf("decode node list: %w", err)}
	}
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, InvalidInputError{fmt.Errorf("node %d: %w", i, err)}
		}
	}
	reports := make([]NodeReport, 0, len(specs))
	for _, spec := range specs {
		added, err := p.AddNode(ctx, spec.Node())
		switch {
		case errors.As(err, &NodeExistsError{}):
			existing, _ := p.GetNode(spec.Hostname)
			reports = append(reports, NodeReport{Hostname: spec.Hostname, State: StateNodeExists, Node: &existing})
		case err != nil:
			reports = append(reports, failed(spec.Hostname, err))
		default:
			reports = append(reports, NodeReport{Hostname: spec.Hostname, State: StateAdded, Node: &added})
		}
	}
	return json.Marshal(reports)
}

// ListNodesJSON returns a JSON list of all nodes.
func (p *Pool) ListNodesJSON() ([]byte, error) {
	return json.Marshal(p.ListNodes())
}

// GetNodeJSON returns the JSON descriptor of one node.
func (p *Pool) GetNodeJSON(hostname string) ([]byte, error) {
	node, ok := p.GetNode(hostname)
	if !ok {
		return nil, NodeNotFoundError{Hostname: hostname}
	}
	return json.Marshal(node)
}

// UpdateNodes applies a JSON list of partial node updates, and
// returns a JSON list of NodeReports. If any update is invalid,
// nothing is changed.
func (p *Pool) UpdateNodes(ctx context.Context, data []byte) ([]byte, error) {
	var upds []NodeUpdate
	if err := json.Unmarshal(data, &upds); err != nil {
		return nil, InvalidInputError{fmt.Errorf("decode node update list: %w", err)}
	}
	for i, upd := range upds {
		if err := upd.validate(); err != nil {
			return nil, InvalidInputError{fmt.Errorf("update %d: %w", i, err)}
		}
	}
	reports := make([]NodeReport, 0, len(upds))
	for _, upd := range upds {
		node, err := p.UpdateNode(ctx, upd)
		switch {
		case errors.As(err, &NodeNotFoundError{}):
			reports = append(reports, NodeReport{Hostname: upd.Hostname, State: StateNodeNotFound})
		case errors.As(err, &NodeInUseError{}):
			existing, _ := p.GetNode(upd.Hostname)
			reports = append(reports, NodeReport{Hostname: upd.Hostname, State: StateNodeInUse, Node: &existing})
		case err != nil:
			reports = append(reports, failed(upd.Hostname, err))
		default:
			reports = append(reports, NodeReport{Hostname: upd.Hostname, State: StateUpdated, Node: &node})
		}
	}
	return json.Marshal(reports)
}

// RemoveNodes removes each node in a JSON list of hostnames, and
// returns a JSON list of NodeReports.
func (p *Pool) RemoveNodes(ctx context.Context, data []byte) ([]byte, error) {
	var hostnames []string
	if err := json.Unmarshal(data, &hostnames); err != nil {
		return nil, InvalidInputError{fmt.Errorf("decode hostname list: %w", err)}
	}
	reports := make([]NodeReport, 0, len(hostnames))
	for _, hostname := range hostnames {
		removed, err := p.RemoveNode(ctx, hostname)
		switch {
		case errors.As(err, &NodeInUseError{}):
			existing, _ := p.GetNode(hostname)
			reports = append(reports, NodeReport{Hostname: hostname, State: StateNodeInUse, Node: &existing})
		case err != nil:
			reports = append(reports, failed(hostname, err))
		case !removed:
			reports = append(reports, NodeReport{Hostname: hostname, State: StateNodeNotFound})
		default:
			reports = append(reports, NodeReport{Hostname: hostname, State: StateRemoved})
		}
	}
	return json.Marshal(reports)
}
