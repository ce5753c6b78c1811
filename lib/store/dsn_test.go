// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"strings"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
)

// parseDSN splits "host=x dbname=y" into a connection map.
func parseDSN(dsn string) nimbus.PostgreSQLConnection {
	conn := nimbus.PostgreSQLConnection{}
	for _, kv := range strings.Fields(dsn) {
		if i := strings.Index(kv, "="); i > 0 {
			conn[kv[:i]] = strings.Trim(kv[i+1:], "'")
		}
	}
	return conn
}
