// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

import (
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RecordsSuite{})

type RecordsSuite struct{}

func (s *RecordsSuite) TestReservationConcrete(c *check.C) {
	now := time.Now()
	r := Reservation{IDs: []string{"a"}}
	c.Check(r.Concrete(), check.Equals, false)
	r.Hostnames = []string{"host1"}
	r.Start = now
	c.Check(r.Concrete(), check.Equals, false)
	r.Stop = now.Add(time.Hour)
	c.Check(r.Concrete(), check.Equals, true)
	c.Check(r.Validate(), check.IsNil)
	c.Check(r.Duration("a"), check.Equals, time.Hour)

	r.Durations = map[string]Duration{"a": Duration(time.Minute)}
	c.Check(r.Duration("a"), check.Equals, time.Minute)

	r.IDs = append(r.IDs, "b")
	c.Check(r.Validate(), check.ErrorMatches, `reservation has 2 instance IDs but 1 hostnames`)
}

func (s *RecordsSuite) TestBackfillValidate(c *check.C) {
	good := Backfill{
		Enabled:   true,
		DiskImage: "backfill.img",
		MemoryMB:  1024,
		VCPUs:     1,
		Duration:  Duration(time.Hour),
	}
	c.Check(good.Validate(), check.IsNil)

	bad := good
	bad.MaxInstances = -1
	c.Check(bad.Validate(), check.ErrorMatches, `.*MaxInstances -1 must not be negative`)

	bad = good
	bad.Duration = Duration(59 * time.Second)
	c.Check(bad.Validate(), check.ErrorMatches, `backfill Duration 59s must be at least 1m0s`)

	bad = good
	bad.DiskImage = ""
	c.Check(bad.Validate(), check.NotNil)

	// Disabled configs only need sane counts.
	bad.Enabled = false
	c.Check(bad.Validate(), check.IsNil)
}

func (s *RecordsSuite) TestBackfillInstances(c *check.C) {
	b := Backfill{MemoryMB: 1000}
	c.Check(b.Instances(4500), check.Equals, 4)
	c.Check(b.Instances(500), check.Equals, 1)
	b.MaxInstances = 7
	c.Check(b.Instances(4500), check.Equals, 7)
}

func (s *RecordsSuite) TestBackfillEqual(c *check.C) {
	a := Backfill{Enabled: true, DiskImage: "x", MemoryMB: 64}
	b := a
	c.Check(a.Equal(b), check.Equals, true)
	b.SiteCapacityMB = 1
	c.Check(a.Equal(b), check.Equals, false)
}

func (s *RecordsSuite) TestCallerAccess(c *check.C) {
	c.Check(Caller{ID: "alice"}.CanAccess("alice"), check.Equals, true)
	c.Check(Caller{ID: "alice"}.CanAccess("bob"), check.Equals, false)
	c.Check(Caller{}.CanAccess(""), check.Equals, false)
	c.Check(Caller{ID: "root", Superuser: true}.CanAccess("bob"), check.Equals, true)
}

func (s *RecordsSuite) TestNodeHasNetwork(c *check.C) {
	n := Node{Networks: []string{"public"}}
	c.Check(n.HasNetwork("public"), check.Equals, true)
	c.Check(n.HasNetwork("private"), check.Equals, false)
	n.Networks = []string{"*"}
	c.Check(n.HasNetwork("private"), check.Equals, true)
}

func (s *RecordsSuite) TestPostgreSQLConnectionString(c *check.C) {
	conn := PostgreSQLConnection{"user": "nimbus", "dbname": "nimbus", "password": `it's`, "host": ""}
	c.Check(conn.String(), check.Equals, `dbname='nimbus' password='it\'s' user='nimbus' `)
}
