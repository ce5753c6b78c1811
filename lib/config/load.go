// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/nimbusproject/nimbus-sub009/lib/nodepool"
	"github.com/nimbusproject/nimbus-sub009/lib/pricing"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/sirupsen/logrus"
)

// Loader reads a site configuration file, applies defaults, and
// checks the result.
type Loader struct {
	// Config file, or "-" for Stdin.
	Path   string
	Stdin  io.Reader
	Logger logrus.FieldLogger
}

// NewLoader returns a Loader that reads the default config file.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Path: nimbus.DefaultConfigFile, Stdin: stdin, Logger: logger}
}

// Load reads and checks the configuration.
func (ldr *Loader) Load() (*nimbus.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*nimbus.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}
	var cfg nimbus.Config
	for id := range dummy.Clusters {
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &cfg)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	for id, cc := range cfg.Clusters {
		if err := ldr.checkCluster(id, &cc); err != nil {
			return nil, err
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

func (ldr *Loader) checkCluster(id string, cc *nimbus.Cluster) error {
	cc.ClusterID = id
	if _, err := pricing.New(pricing.Config{MinPrice: cc.Spot.MinPrice}, cc.Spot.PricingModel, cc.Spot.ResetToMinPrice); err != nil {
		return fmt.Errorf("%s.Spot: %w", id, err)
	}
	if cc.Spot.InstanceMemoryMB < 1 {
		return fmt.Errorf("%s.Spot.InstanceMemoryMB %d must be positive", id, cc.Spot.InstanceMemoryMB)
	}
	switch cc.Allocator.Policy {
	case nodepool.MostFree, nodepool.LeastFree:
	default:
		return fmt.Errorf("%s.Allocator.Policy %q is not %q or %q", id, cc.Allocator.Policy, nodepool.MostFree, nodepool.LeastFree)
	}
	if cc.Workspaces.Workers < 1 {
		return fmt.Errorf("%s.Workspaces.Workers %d must be positive", id, cc.Workspaces.Workers)
	}
	if cc.Workspaces.QueueSize < 1 {
		return fmt.Errorf("%s.Workspaces.QueueSize %d must be positive", id, cc.Workspaces.QueueSize)
	}
	if err := cc.Backfill.Validate(); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if cc.Backfill.Enabled && cc.Backfill.MemoryMB > cc.Spot.InstanceMemoryMB {
		return fmt.Errorf("%s.Backfill.MemoryMB %d exceeds Spot.InstanceMemoryMB %d", id, cc.Backfill.MemoryMB, cc.Spot.InstanceMemoryMB)
	}
	if cc.Backfill.SiteCapacityMB != 0 {
		ldr.warnf("%s.Backfill.SiteCapacityMB is computed at runtime; ignoring configured value", id)
		cc.Backfill.SiteCapacityMB = 0
	}
	for _, cmd := range []struct{ name, value string }{
		{"StartCommand", cc.VMM.StartCommand},
		{"StopCommand", cc.VMM.StopCommand},
	} {
		if _, err := shlex.Split(cmd.value); err != nil {
			return fmt.Errorf("%s.VMM.%s: %w", id, cmd.name, err)
		}
	}
	if cc.VMM.Driver == "ssh" && (cc.VMM.StartCommand == "" || cc.VMM.StopCommand == "") {
		return fmt.Errorf("%s.VMM: StartCommand and StopCommand are required by the ssh driver", id)
	}
	if cc.ManagementToken == "" {
		ldr.warnf("%s.ManagementToken is empty; metrics and node administration are disabled", id)
	}
	seen := map[string]bool{}
	for _, node := range cc.Nodes {
		if node.Hostname == "" {
			return fmt.Errorf("%s.Nodes: hostname must not be empty", id)
		}
		if err := node.Validate(); err != nil {
			return fmt.Errorf("%s.Nodes: %w", id, err)
		}
		if seen[node.Hostname] {
			return fmt.Errorf("%s.Nodes: duplicate hostname %q", id, node.Hostname)
		}
		seen[node.Hostname] = true
	}
	return nil
}

func (ldr *Loader) warnf(format string, args ...interface{}) {
	if ldr.Logger != nil {
		ldr.Logger.Warnf(format, args...)
	}
}
