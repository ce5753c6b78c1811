// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodepool

import (
	"encoding/json"
	"errors"

	check "gopkg.in/check.v1"
)

func decodeReports(c *check.C, data []byte, err error) []NodeReport {
	c.Assert(err, check.IsNil)
	var reports []NodeReport
	c.Assert(json.Unmarshal(data, &reports), check.IsNil)
	return reports
}

func (s *PoolSuite) TestAdminAddExisting(c *check.C) {
	data, err := s.pool.AddNodes(s.ctx, []byte(`[{"hostname":"host1","memory_mb":4096,"networks":["public"]}]`))
	reports := decodeReports(c, data, err)
	c.Assert(reports, check.HasLen, 1)
	c.Check(reports[0].State, check.Equals, StateAdded)
	c.Check(reports[0].Node.Active, check.Equals, true)

	data, err = s.pool.AddNodes(s.ctx, []byte(`[{"hostname":"host1","memory_mb":1024},{"hostname":"host2","memory_mb":1024,"active":false}]`))
	reports = decodeReports(c, data, err)
	c.Assert(reports, check.HasLen, 2)
	c.Check(reports[0].State, check.Equals, StateNodeExists)
	c.Check(reports[0].Node.MemoryMB, check.Equals, 4096)
	c.Check(reports[1].State, check.Equals, StateAdded)
	c.Check(reports[1].Node.Active, check.Equals, false)

	node, _ := s.pool.GetNode("host1")
	c.Check(node.MemoryMB, check.Equals, 4096)

	_, err = s.pool.AddNodes(s.ctx, []byte(`{`))
	c.Check(err, check.ErrorMatches, `decode node list: .*`)
	c.Check(err, check.FitsTypeOf, InvalidInputError{})
}

func (s *PoolSuite) TestAdminListAndGet(c *check.C) {
	s.addNode(c, "host1", 4096)
	data, err := s.pool.ListNodesJSON()
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Matches, `\[\{"hostname":"host1",.*"vacant":true\}\]`)

	data, err = s.pool.GetNodeJSON("host1")
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Matches, `\{"hostname":"host1",.*`)

	_, err = s.pool.GetNodeJSON("host9")
	c.Check(errors.As(err, &NodeNotFoundError{}), check.Equals, true)
}

func (s *PoolSuite) TestAdminUpdate(c *check.C) {
	s.addNode(c, "host1", 4096)
	_, err := s.pool.Allocate(s.ctx, Requirements{MemoryMB: 2048})
	c.Assert(err, check.IsNil)
	data, err := s.pool.UpdateNodes(s.ctx, []byte(`[
		{"hostname":"host1","memory_mb":1024},
		{"hostname":"host1","pool":"big","cpus":16},
		{"hostname":"host9","active":false}]`))
	reports := decodeReports(c, data, err)
	c.Assert(reports, check.HasLen, 3)
	c.Check(reports[0].State, check.Equals, StateNodeInUse)
	c.Check(reports[1].State, check.Equals, StateUpdated)
	c.Check(reports[1].Node.Pool, check.Equals, "big")
	c.Check(reports[1].Node.CPUs, check.Equals, 16)
	c.Check(reports[1].Node.MemoryMB, check.Equals, 4096)
	c.Check(reports[2].State, check.Equals, StateNodeNotFound)
}

func (s *PoolSuite) TestAdminRemove(c *check.C) {
	s.addNode(c, "host1", 4096)
	s.addNode(c, "host2", 4096)
	a, err := s.pool.AllocateN(s.ctx, Requirements{MemoryMB: 4096}, 1)
	c.Assert(err, check.IsNil)
	busy := a[0].Hostname
	data, err := s.pool.RemoveNodes(s.ctx, []byte(`["host1","host2","host3"]`))
	reports := decodeReports(c, data, err)
	c.Assert(reports, check.HasLen, 3)
	for _, r := range reports {
		switch r.Hostname {
		case busy:
			c.Check(r.State, check.Equals, StateNodeInUse)
		case "host3":
			c.Check(r.State, check.Equals, StateNodeNotFound)
		default:
			c.Check(r.State, check.Equals, StateRemoved)
		}
	}
	c.Check(s.pool.ListNodes(), check.HasLen, 1)
}

func (s *PoolSuite) TestAdminRejectsWholeBatch(c *check.C) {
	_, err := s.pool.AddNodes(s.ctx, []byte(`[{"hostname":"ok1","memory_mb":1024},{"hostname":""}]`))
	c.Check(err, check.ErrorMatches, `node 1: hostname is required`)
	c.Check(err, check.FitsTypeOf, InvalidInputError{})
	_, err = s.pool.AddNodes(s.ctx, []byte(`[{"hostname":"ok1"},{"hostname":"bad","cpus":-2}]`))
	c.Check(err, check.ErrorMatches, `node 1: node "bad": memory and CPU count must not be negative`)
	c.Check(s.pool.ListNodes(), check.HasLen, 0)

	s.addNode(c, "host1", 4096)
	_, err = s.pool.UpdateNodes(s.ctx, []byte(`[{"hostname":"host1","pool":"big"},{"hostname":"host1","cpus":-1}]`))
	c.Check(err, check.ErrorMatches, `update 1: node "host1": CPU count must not be negative`)
	c.Check(err, check.FitsTypeOf, InvalidInputError{})
	_, err = s.pool.UpdateNodes(s.ctx, []byte(`[{"pool":"big"}]`))
	c.Check(err, check.ErrorMatches, `update 0: hostname is required`)
	node, _ := s.pool.GetNode("host1")
	c.Check(node.Pool, check.Equals, "")
}

func (s *PoolSuite) TestAdminReportsStoreFailures(c *check.C) {
	s.addNode(c, "host1", 4096)
	s.store.failPut = true
	data, err := s.pool.AddNodes(s.ctx, []byte(`[{"hostname":"host1"},{"hostname":"host2","memory_mb":1024}]`))
	reports := decodeReports(c, data, err)
	c.Assert(reports, check.HasLen, 2)
	c.Check(reports[0].State, check.Equals, StateNodeExists)
	c.Check(reports[1].State, check.Equals, StateFailed)
	c.Check(reports[1].Error, check.Matches, `add node "host2": disk on fire`)
	c.Check(reports[1].Node, check.IsNil)

	data, err = s.pool.UpdateNodes(s.ctx, []byte(`[{"hostname":"host1","pool":"big"},{"hostname":"host9","pool":"big"}]`))
	reports = decodeReports(c, data, err)
	c.Assert(reports, check.HasLen, 2)
	c.Check(reports[0].State, check.Equals, StateFailed)
	c.Check(reports[0].Error, check.Matches, `update node "host1": disk on fire`)
	c.Check(reports[1].State, check.Equals, StateNodeNotFound)

	s.store.failPut = false
	c.Check(s.pool.ListNodes(), check.HasLen, 1)
	node, _ := s.pool.GetNode("host1")
	c.Check(node.Pool, check.Equals, "")
}
