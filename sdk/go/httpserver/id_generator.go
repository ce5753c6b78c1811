// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderRequestID is the request header carrying the request ID.
const HeaderRequestID = "X-Request-Id"

// IDGenerator generates alphanumeric strings suitable for use as
// unique IDs.
type IDGenerator struct {
	// Prefix is prepended to each returned ID.
	Prefix string
}

// Next returns a new ID string. It is safe to call Next from multiple
// goroutines.
func (g *IDGenerator) Next() string {
	return g.Prefix + strings.Replace(uuid.NewString(), "-", "", -1)[:20]
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one, and echoing it in
// the response.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(HeaderRequestID) == "" {
			req.Header.Set(HeaderRequestID, gen.Next())
		}
		w.Header().Set(HeaderRequestID, req.Header.Get(HeaderRequestID))
		h.ServeHTTP(w, req)
	})
}
