// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/nimbusproject/nimbus-sub009/lib/cmd"
	"github.com/nimbusproject/nimbus-sub009/lib/config"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/httpserver"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// Unhealthy returns a Handler for a service that failed to start.
// Requests get a 503 carrying err's message. Done is already closed,
// so RunCommand exits.
func Unhealthy(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("service setup failed")
	done := make(chan struct{})
	close(done)
	return &unhealthy{err: err, logger: logger, done: done}
}

type unhealthy struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (u *unhealthy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.logger.WithError(u.err).WithField("RequestPath", r.URL.Path).Warn("refusing request, service setup failed")
	httpserver.Error(w, u.err.Error(), http.StatusServiceUnavailable)
}

func (u *unhealthy) CheckHealth() error   { return u.err }
func (u *unhealthy) Done() <-chan struct{} { return u.done }

// NewHandlerFunc returns the service's handler. configPath is the
// file the cluster config was loaded from, or "-" for stdin.
type NewHandlerFunc func(_ context.Context, _ *nimbus.Cluster, configPath string, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    nimbus.ServiceName
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(svcName nimbus.ServiceName, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", nimbus.DefaultConfigFile, "Site configuration `file`, or \"-\" for stdin")
	clusterID := flags.String("cluster", "", "Cluster `ID` to run, if the config file has more than one")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	loader := &config.Loader{Path: *configFile, Stdin: stdin, Logger: log}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster(*clusterID)
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()

	// nimbus_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nimbus",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, *configFile, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg, log,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(logger,
				interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth, handler))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented.ServeAPI(cluster.ManagementToken, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cluster.Services.Workspace.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

type healthResponse struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, req *http.Request) {
		if mgtToken == "" {
			httpserver.Error(w, "disabled", http.StatusNotFound)
			return
		}
		if !httpserver.HasToken(req, mgtToken) {
			httpserver.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := healthResponse{Health: "OK"}
		if err := checkHealth(); err != nil {
			resp = healthResponse{Health: "ERROR", Error: err.Error()}
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.NotFound = next
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}
