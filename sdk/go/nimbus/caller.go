// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

// A Caller is the identity on whose behalf a request is made.
type Caller struct {
	ID        string
	Superuser bool
}

// BackfillCaller owns every synthetic backfill request.
var BackfillCaller = Caller{ID: "nimbus-backfill", Superuser: true}

// CanAccess returns true if the caller may see or modify a request
// owned by owner.
func (c Caller) CanAccess(owner string) bool {
	return c.Superuser || (c.ID != "" && c.ID == owner)
}
