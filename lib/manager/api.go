// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package manager

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/nimbusproject/nimbus-sub009/lib/scheduler"
	"github.com/nimbusproject/nimbus-sub009/lib/spot"
	"github.com/nimbusproject/nimbus-sub009/lib/workqueue"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/httpserver"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

// HeaderCaller identifies the client on whose behalf a request is
// made. The management token vouches for it.
const HeaderCaller = "X-Nimbus-Caller"

const maxRequestBody = 1 << 20

func (mgr *Manager) newRouter() http.Handler {
	if mgr.Cluster.ManagementToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/nimbus/v1/nodes", mgr.apiListNodes)
	mux.HandlerFunc("POST", "/nimbus/v1/nodes", mgr.apiAddNodes)
	mux.HandlerFunc("PUT", "/nimbus/v1/nodes", mgr.apiUpdateNodes)
	mux.GET("/nimbus/v1/nodes/:hostname", mgr.apiGetNode)
	mux.HandlerFunc("POST", "/nimbus/v1/nodes/remove", mgr.apiRemoveNodes)
	mux.HandlerFunc("POST", "/nimbus/v1/workspaces", mgr.apiCreateWorkspaces)
	mux.HandlerFunc("POST", "/nimbus/v1/workspaces/destroy", mgr.apiDestroyWorkspaces)
	mux.HandlerFunc("POST", "/nimbus/v1/spot/requests", mgr.apiRequestSpot)
	mux.HandlerFunc("GET", "/nimbus/v1/spot/requests", mgr.apiListSpot)
	mux.GET("/nimbus/v1/spot/requests/:id", mgr.apiGetSpot)
	mux.HandlerFunc("POST", "/nimbus/v1/spot/requests/cancel", mgr.apiCancelSpot)
	mux.HandlerFunc("GET", "/nimbus/v1/spot/price", mgr.apiSpotPrice)
	mux.HandlerFunc("GET", "/nimbus/v1/spot/price/history", mgr.apiSpotPriceHistory)
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	return httpserver.RequireLiteralToken(mgr.Cluster.ManagementToken, mux)
}

// caller returns the identity named in the request header.
func (mgr *Manager) caller(r *http.Request) (nimbus.Caller, bool) {
	id := r.Header.Get(HeaderCaller)
	if id == "" {
		return nimbus.Caller{}, false
	}
	for _, su := range mgr.Cluster.Workspaces.Superusers {
		if su == id {
			return nimbus.Caller{ID: id, Superuser: true}, true
		}
	}
	return nimbus.Caller{ID: id}, true
}

func (mgr *Manager) requireCaller(w http.ResponseWriter, r *http.Request) (nimbus.Caller, bool) {
	caller, ok := mgr.caller(r)
	if !ok {
		httpserver.Error(w, HeaderCaller+" header is required", http.StatusUnauthorized)
	}
	return caller, ok
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return buf, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	buf, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(buf, dst); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, buf []byte, err error) {
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf)
}

// Management API: all nodes.
func (mgr *Manager) apiListNodes(w http.ResponseWriter, r *http.Request) {
	buf, err := mgr.pool.ListNodesJSON()
	writeRawJSON(w, buf, err)
}

// Management API: one node.
func (mgr *Manager) apiGetNode(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	buf, err := mgr.pool.GetNodeJSON(params.ByName("hostname"))
	writeRawJSON(w, buf, err)
}

// Management API: add nodes, reporting per-node outcomes.
func (mgr *Manager) apiAddNodes(w http.ResponseWriter, r *http.Request) {
	if buf, ok := readBody(w, r); ok {
		out, err := mgr.pool.AddNodes(r.Context(), buf)
		writeRawJSON(w, out, err)
	}
}

// Management API: update nodes, reporting per-node outcomes.
func (mgr *Manager) apiUpdateNodes(w http.ResponseWriter, r *http.Request) {
	if buf, ok := readBody(w, r); ok {
		out, err := mgr.pool.UpdateNodes(r.Context(), buf)
		writeRawJSON(w, out, err)
	}
}

// Management API: remove nodes, given a JSON list of hostnames.
func (mgr *Manager) apiRemoveNodes(w http.ResponseWriter, r *http.Request) {
	if buf, ok := readBody(w, r); ok {
		out, err := mgr.pool.RemoveNodes(r.Context(), buf)
		writeRawJSON(w, out, err)
	}
}

// submit runs fn on the work queue and waits for it to finish or
// for the client to go away.
func (mgr *Manager) submit(w http.ResponseWriter, r *http.Request, fn workqueue.TaskFunc) bool {
	done, err := mgr.queue.Submit(fn)
	if err != nil {
		httpserver.WriteError(w, err)
		return false
	}
	select {
	case err = <-done:
	case <-r.Context().Done():
		// The task still runs; its outcome is logged by the
		// queue.
		return false
	}
	if err != nil {
		httpserver.WriteError(w, err)
		return false
	}
	return true
}

// Management API: create ordinary workspaces.
func (mgr *Manager) apiCreateWorkspaces(w http.ResponseWriter, r *http.Request) {
	caller, ok := mgr.requireCaller(w, r)
	if !ok {
		return
	}
	var req scheduler.Request
	if !decodeBody(w, r, &req) {
		return
	}
	var rsv nimbus.Reservation
	if mgr.submit(w, r, func(ctx context.Context) (err error) {
		rsv, err = mgr.scheduler.Reserve(ctx, req, caller)
		return
	}) {
		writeJSON(w, rsv)
	}
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

// Management API: destroy ordinary workspaces by instance ID.
func (mgr *Manager) apiDestroyWorkspaces(w http.ResponseWriter, r *http.Request) {
	caller, ok := mgr.requireCaller(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if mgr.submit(w, r, func(ctx context.Context) error {
		return mgr.scheduler.Destroy(ctx, req.IDs, caller)
	}) {
		writeJSON(w, req)
	}
}

// Management API: create a spot request.
func (mgr *Manager) apiRequestSpot(w http.ResponseWriter, r *http.Request) {
	caller, ok := mgr.requireCaller(w, r)
	if !ok {
		return
	}
	var spec spot.Spec
	if !decodeBody(w, r, &spec) {
		return
	}
	var req spot.Request
	if mgr.submit(w, r, func(ctx context.Context) (err error) {
		req, err = mgr.scheduler.RequestSpot(ctx, spec, caller)
		return
	}) {
		writeJSON(w, req)
	}
}

// Management API: the caller's spot requests (everyone's for a
// superuser).
func (mgr *Manager) apiListSpot(w http.ResponseWriter, r *http.Request) {
	caller, ok := mgr.requireCaller(w, r)
	if !ok {
		return
	}
	var resp struct {
		Items []spot.Request `json:"items"`
	}
	resp.Items = mgr.spot.GetSpotRequests(caller)
	writeJSON(w, resp)
}

// Management API: one spot request.
func (mgr *Manager) apiGetSpot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	caller, ok := mgr.requireCaller(w, r)
	if !ok {
		return
	}
	req, err := mgr.spot.GetSpotRequest(params.ByName("id"), caller)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	writeJSON(w, req)
}

// Management API: cancel spot requests.
func (mgr *Manager) apiCancelSpot(w http.ResponseWriter, r *http.Request) {
	caller, ok := mgr.requireCaller(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var resp struct {
		Items []spot.Request `json:"items"`
	}
	if mgr.submit(w, r, func(ctx context.Context) (err error) {
		resp.Items, err = mgr.spot.CancelSpotInstanceRequests(ctx, req.IDs, caller)
		return
	}) {
		writeJSON(w, resp)
	}
}

// Management API: current spot price.
func (mgr *Manager) apiSpotPrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]float64{"price": mgr.spot.CurrentPrice()})
}

// Management API: spot price history, optionally bounded by
// start/end query parameters (RFC3339, inclusive).
func (mgr *Manager) apiSpotPriceHistory(w http.ResponseWriter, r *http.Request) {
	var bounds [2]*time.Time
	for i, param := range []string{"start", "end"} {
		s := r.FormValue(param)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			httpserver.Error(w, "invalid "+param+" parameter: "+err.Error(), http.StatusBadRequest)
			return
		}
		bounds[i] = &t
	}
	items, err := mgr.spot.GetSpotPriceHistory(r.Context(), bounds[0], bounds[1])
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var resp struct {
		Items []nimbus.SpotPrice `json:"items"`
	}
	resp.Items = items
	writeJSON(w, resp)
}
