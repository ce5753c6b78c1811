// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/sirupsen/logrus"
)

// Watch calls fn with the reloaded configuration each time the file
// at path changes into something that loads without error and is not
// DeepEqual to the previous configuration. It returns when ctx is
// done or the watcher fails.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, prev *nimbus.Config, fn func(*nimbus.Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(path)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// Editors that replace the file leave the
				// watch pointing at the old inode.
				watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					logger.WithError(err).Warn("re-adding config file watch failed")
				}
			}
			ldr := &Loader{Path: path, Logger: logger}
			cfg, err := ldr.Load()
			if err != nil {
				logger.WithError(err).Warn("error reloading config file after change detected; ignoring new config for now")
			} else if reflect.DeepEqual(cfg, prev) {
				logger.Debug("config file changed but is still DeepEqual to the existing config")
			} else {
				logger.Info("config file changed")
				prev = cfg
				fn(cfg)
			}
		}
	}
}
