// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request logger is attached to the request
// context, so handlers can retrieve it with ctxlog.FromContext.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		tStart := time.Now()
		lgr.Debug("request")
		defer logResponse(w, tStart, lgr)
		h.ServeHTTP(w, req)
	})
}

func logResponse(w *responseWriter, tStart time.Time, lgr logrus.FieldLogger) {
	tDone := time.Now()
	respCode := w.WroteStatus()
	if respCode == 0 {
		respCode = http.StatusOK
		w.writeTime = tDone
	}
	lgr = lgr.WithFields(logrus.Fields{
		"timeTotal":      tDone.Sub(tStart).Seconds(),
		"timeToStatus":   w.writeTime.Sub(tStart).Seconds(),
		"timeWriteBody":  tDone.Sub(w.writeTime).Seconds(),
		"respStatusCode": respCode,
		"respStatus":     http.StatusText(respCode),
		"respBytes":      w.WroteBodyBytes(),
	})
	if respCode >= 500 {
		lgr.Warn("response")
	} else {
		lgr.Info("response")
	}
}
