// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimbusproject/nimbus-sub009/lib/config"
	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/spot"
	"github.com/nimbusproject/nimbus-sub009/lib/store"
	"github.com/nimbusproject/nimbus-sub009/lib/vmm"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ManagerSuite{})

const testToken = "s3cr3t"

const testConfig = `
Clusters:
  zzzzz:
    ManagementToken: s3cr3t
    Workspaces:
      Workers: 2
      QueueSize: 4
      Superusers: [root]
    Spot:
      InstanceMemoryMB: 1024
      MinPrice: 0.1
      ResetToMinPrice: true
    Backfill:
      Enabled: true
      DiskImage: backfill.img
      MemoryMB: 1024
      VCPUs: 1
      Duration: 1h
      MaxInstances: 1
    Nodes:
      - hostname: host1
        memory_mb: 4096
        networks: ["*"]
`

type ManagerSuite struct {
	cluster  *nimbus.Cluster
	store    *store.MemoryStore
	executor *vmm.Loopback
	mgr      *Manager
}

func (s *ManagerSuite) SetUpTest(c *check.C) {
	ldr := &config.Loader{Path: "-", Stdin: bytes.NewBufferString(testConfig), Logger: ctxlog.TestLogger(c)}
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	s.cluster, err = cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	s.store = store.NewMemoryStore()
	s.executor = &vmm.Loopback{}
	s.mgr = &Manager{
		Cluster:  s.cluster,
		Context:  ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry: prometheus.NewRegistry(),
		Store:    s.store,
		Executor: s.executor,
	}
	c.Assert(s.mgr.CheckHealth(), check.IsNil)
}

func (s *ManagerSuite) TearDownTest(c *check.C) {
	s.mgr.Close()
}

func (s *ManagerSuite) do(c *check.C, method, path, caller, body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if caller != "" {
		req.Header.Set(HeaderCaller, caller)
	}
	resp := httptest.NewRecorder()
	s.mgr.ServeHTTP(resp, req)
	c.Logf("%s %s => %d %s", method, path, resp.Code, resp.Body.String())
	return resp
}

func (s *ManagerSuite) call(c *check.C, method, path, caller, body string, status int, dst interface{}) {
	resp := s.do(c, method, path, caller, body, testToken)
	c.Assert(resp.Code, check.Equals, status)
	if dst != nil {
		c.Assert(json.Unmarshal(resp.Body.Bytes(), dst), check.IsNil)
	}
}

func (s *ManagerSuite) TestAuth(c *check.C) {
	c.Check(s.do(c, "GET", "/nimbus/v1/nodes", "", "", "").Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do(c, "GET", "/nimbus/v1/nodes", "", "", "wrong").Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do(c, "GET", "/nimbus/v1/nodes", "", "", testToken).Code, check.Equals, http.StatusOK)
	c.Check(s.do(c, "GET", "/nimbus/v1/spot/requests", "", "", testToken).Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do(c, "GET", "/nimbus/v1/bogus", "", "", testToken).Code, check.Equals, http.StatusNotFound)
}

func (s *ManagerSuite) TestSeededAndBackfilled(c *check.C) {
	var node nimbus.Node
	s.call(c, "GET", "/nimbus/v1/nodes/host1", "", "", http.StatusOK, &node)
	c.Check(node.MemoryMB, check.Equals, 4096)
	c.Check(node.MemoryRemainingMB, check.Equals, 3072)
	// Seed nodes are active unless the config says otherwise.
	c.Check(node.Active, check.Equals, true)

	bf := s.mgr.spot.BackfillRequests()
	c.Assert(bf, check.HasLen, 1)
	c.Check(bf[0].State, check.Equals, spot.Active)

	s.call(c, "GET", "/nimbus/v1/nodes/nohost", "", "", http.StatusNotFound, nil)
}

func (s *ManagerSuite) TestNodeAdmin(c *check.C) {
	var reports []nodepool.NodeReport
	s.call(c, "POST", "/nimbus/v1/nodes", "", `[{"hostname":"host2","memory_mb":2048},{"hostname":"host1","memory_mb":1}]`, http.StatusOK, &reports)
	c.Assert(reports, check.HasLen, 2)
	c.Check(reports[0].State, check.Equals, nodepool.StateAdded)
	c.Check(reports[1].State, check.Equals, nodepool.StateNodeExists)

	s.call(c, "PUT", "/nimbus/v1/nodes", "", `[{"hostname":"host2","active":false}]`, http.StatusOK, &reports)
	c.Check(reports[0].State, check.Equals, nodepool.StateUpdated)

	var nodes []nimbus.Node
	s.call(c, "GET", "/nimbus/v1/nodes", "", "", http.StatusOK, &nodes)
	c.Assert(nodes, check.HasLen, 2)
	c.Check(nodes[1].Active, check.Equals, false)

	s.call(c, "POST", "/nimbus/v1/nodes/remove", "", `["host2"]`, http.StatusOK, &reports)
	c.Check(reports[0].State, check.Equals, nodepool.StateRemoved)

	s.call(c, "POST", "/nimbus/v1/nodes", "", `{`, http.StatusBadRequest, nil)
}

func (s *ManagerSuite) TestWorkspaceLifecycle(c *check.C) {
	var rsv nimbus.Reservation
	s.call(c, "POST", "/nimbus/v1/workspaces", "alice", `{"count":2,"memory_mb":1024,"disk_image":"base.img"}`, http.StatusOK, &rsv)
	c.Check(rsv.IDs, check.HasLen, 2)
	c.Check(rsv.Hostnames, check.DeepEquals, []string{"host1", "host1"})

	// The backfill instance made room.
	c.Check(s.mgr.spot.BackfillRequests()[0].State, check.Equals, spot.Active)
	s.call(c, "POST", "/nimbus/v1/workspaces", "alice", `{"count":2,"memory_mb":1024}`, http.StatusOK, nil)
	c.Check(s.mgr.spot.BackfillRequests()[0].State, check.Equals, spot.Open)

	s.call(c, "POST", "/nimbus/v1/workspaces", "alice", `{"count":1,"memory_mb":8192}`, http.StatusBadRequest, nil)
	s.call(c, "POST", "/nimbus/v1/workspaces", "alice", `{"count":1,"memory_mb":1024}`, http.StatusServiceUnavailable, nil)
	s.call(c, "POST", "/nimbus/v1/workspaces", "alice", `{"count":0,"memory_mb":1024}`, http.StatusBadRequest, nil)

	body, _ := json.Marshal(map[string][]string{"ids": rsv.IDs})
	s.call(c, "POST", "/nimbus/v1/workspaces/destroy", "bob", string(body), http.StatusNotFound, nil)
	s.call(c, "POST", "/nimbus/v1/workspaces/destroy", "alice", string(body), http.StatusOK, nil)

	// Freed memory goes back to backfill.
	deadline := time.Now().Add(5 * time.Second)
	for s.mgr.spot.BackfillRequests()[0].State != spot.Active && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Check(s.mgr.spot.BackfillRequests()[0].State, check.Equals, spot.Active)
}

func (s *ManagerSuite) TestSpotAPI(c *check.C) {
	var req spot.Request
	s.call(c, "POST", "/nimbus/v1/spot/requests", "alice", `{"price":0.5,"instances":2,"disk_image":"spot.img"}`, http.StatusOK, &req)
	c.Check(req.State, check.Equals, spot.Active)
	c.Check(req.Owner, check.Equals, "alice")

	var got spot.Request
	s.call(c, "GET", "/nimbus/v1/spot/requests/"+req.ID, "alice", "", http.StatusOK, &got)
	c.Check(got.ID, check.Equals, req.ID)
	s.call(c, "GET", "/nimbus/v1/spot/requests/"+req.ID, "bob", "", http.StatusForbidden, nil)
	s.call(c, "GET", "/nimbus/v1/spot/requests/"+req.ID, "root", "", http.StatusOK, nil)

	var list struct{ Items []spot.Request }
	s.call(c, "GET", "/nimbus/v1/spot/requests", "bob", "", http.StatusOK, &list)
	c.Check(list.Items, check.HasLen, 0)
	s.call(c, "GET", "/nimbus/v1/spot/requests", "root", "", http.StatusOK, &list)
	c.Check(list.Items, check.HasLen, 2)

	var price struct{ Price float64 }
	s.call(c, "GET", "/nimbus/v1/spot/price", "", "", http.StatusOK, &price)
	c.Check(price.Price, check.Equals, 0.1)

	s.call(c, "POST", "/nimbus/v1/spot/requests/cancel", "bob", `{"ids":["`+req.ID+`"]}`, http.StatusForbidden, nil)
	s.call(c, "POST", "/nimbus/v1/spot/requests/cancel", "alice", `{"ids":["`+req.ID+`"]}`, http.StatusOK, &list)
	c.Assert(list.Items, check.HasLen, 1)
	c.Check(list.Items[0].State, check.Equals, spot.Cancelled)

	s.call(c, "POST", "/nimbus/v1/spot/requests", "alice", `{"price":-1,"instances":1}`, http.StatusBadRequest, nil)

	var history struct{ Items []nimbus.SpotPrice }
	s.call(c, "GET", "/nimbus/v1/spot/price/history", "", "", http.StatusOK, &history)
	c.Check(len(history.Items) > 0, check.Equals, true)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	s.call(c, "GET", "/nimbus/v1/spot/price/history?start="+future, "", "", http.StatusOK, &history)
	c.Check(history.Items, check.HasLen, 0)
	s.call(c, "GET", "/nimbus/v1/spot/price/history?start=yesterday", "", "", http.StatusBadRequest, nil)
}

func (s *ManagerSuite) TestSpotAPIUsesQueue(c *check.C) {
	var req spot.Request
	s.call(c, "POST", "/nimbus/v1/spot/requests", "alice", `{"price":0.5,"instances":1,"disk_image":"spot.img"}`, http.StatusOK, &req)
	root := nimbus.Caller{ID: "root", Superuser: true}
	before := len(s.mgr.spot.GetSpotRequests(root))

	s.mgr.queue.Stop()
	s.call(c, "POST", "/nimbus/v1/spot/requests", "alice", `{"price":0.5,"instances":1,"disk_image":"spot.img"}`, http.StatusInternalServerError, nil)
	s.call(c, "POST", "/nimbus/v1/spot/requests/cancel", "alice", `{"ids":["`+req.ID+`"]}`, http.StatusInternalServerError, nil)
	c.Check(s.mgr.spot.GetSpotRequests(root), check.HasLen, before)
	got, err := s.mgr.spot.GetSpotRequest(req.ID, root)
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, spot.Active)
}

func (s *ManagerSuite) TestNoManagementToken(c *check.C) {
	cluster := *s.cluster
	cluster.ManagementToken = ""
	mgr := &Manager{Cluster: &cluster, Context: context.Background(), Store: store.NewMemoryStore(), Executor: &vmm.Loopback{}}
	defer mgr.Close()
	resp := httptest.NewRecorder()
	mgr.ServeHTTP(resp, httptest.NewRequest("GET", "/nimbus/v1/nodes", nil))
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}

func (s *ManagerSuite) TestSetupFailure(c *check.C) {
	cluster := *s.cluster
	cluster.Spot.PricingModel = "MaximizeSomething"
	mgr := &Manager{Cluster: &cluster, Context: context.Background(), Store: store.NewMemoryStore(), Executor: &vmm.Loopback{}}
	c.Check(mgr.CheckHealth(), check.ErrorMatches, `.*MaximizeSomething.*`)
	<-mgr.Done()
	resp := httptest.NewRecorder()
	mgr.ServeHTTP(resp, httptest.NewRequest("GET", "/nimbus/v1/nodes", nil))
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*MaximizeSomething.*`)
}
