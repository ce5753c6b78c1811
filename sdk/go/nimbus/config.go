// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultConfigFile = "/etc/nimbus/config.yml"

type ServiceName string

const (
	ServiceNameWorkspace ServiceName = "nimbus-workspace"
)

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		}
		for id, cc := range sc.Clusters {
			cc.ClusterID = id
			return &cc, nil
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string

	SystemLogs struct {
		Format   string
		LogLevel string
	}
	Services struct {
		Workspace Service
	}
	PostgreSQL PostgreSQL
	Workspaces WorkspacesConfig
	Allocator  AllocatorConfig
	Spot       SpotConfig
	Backfill   Backfill
	VMM        VMMConfig

	// Nodes seeds the node pool at startup. Nodes already present
	// in the store are left alone.
	Nodes []NodeSpec
}

type Service struct {
	Listen string
}

type PostgreSQL struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

type PostgreSQLConnection map[string]string

// String returns a libpq connection string, with keys in a
// predictable order.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k, v := range c {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		v := strings.Replace(strings.Replace(c[k], `\`, `\\`, -1), `'`, `\'`, -1)
		s += strings.ToLower(k) + "='" + v + "' "
	}
	return s
}

type WorkspacesConfig struct {
	// Number of workers executing queued create/destroy
	// operations.
	Workers int
	// Maximum number of operations waiting for a worker.
	QueueSize int
	// Duration of a workspace whose request does not specify one.
	DefaultDuration Duration
	// Caller IDs allowed to see and cancel everyone's requests.
	Superusers []string
}

type AllocatorConfig struct {
	// "most-free" (spread) or "least-free" (pack).
	Policy string
}

type SpotConfig struct {
	// Floor for the clearing price.
	MinPrice float64
	// "MaximizeUtilization" or "MaximizeProfit".
	PricingModel string
	// MaximizeUtilization only: clear at MinPrice when capacity
	// remains after every eligible bid is accepted.
	ResetToMinPrice bool
	// Memory of one spot (and backfill) instance slot.
	InstanceMemoryMB int
	// Reconcile at least this often even without demand or
	// capacity changes.
	RecomputeInterval Duration
	// Number of closed/cancelled requests kept for lookups.
	ArchiveSize int
	// Time window given to an admitted spot reservation.
	MaxDuration Duration
}

type VMMConfig struct {
	// "ssh" or "loopback".
	Driver       string
	SSHPort      string
	SSHUser      string
	PrivateKey   string
	StartCommand string
	StopCommand  string
}
