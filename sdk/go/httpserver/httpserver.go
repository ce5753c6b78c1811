// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the HTTP server plumbing shared by
// nimbus services: request IDs, request logging, metrics, and JSON
// error responses.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is an http.Server that listens before Start returns, so
// Addr reports the actual listening address (useful with port 0).
type Server struct {
	http.Server
	Addr string

	// Time allowed for in-flight requests when closing. Zero
	// means 10 seconds.
	ShutdownTimeout time.Duration

	listener  net.Listener
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Start listens on Addr and serves in a background goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections, waits for in-flight requests
// (up to ShutdownTimeout), and returns the same error as Wait. It is
// safe to call more than once.
func (srv *Server) Close() error {
	if srv.done == nil {
		return nil
	}
	srv.closeOnce.Do(func() {
		timeout := srv.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if srv.Shutdown(ctx) != nil {
			srv.Server.Close()
		}
	})
	return srv.Wait()
}

// Wait returns when the server has stopped. The error is nil if it
// stopped because of Close.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}
