// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nimbus

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1.234s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(time.Second+234*time.Millisecond))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.234s"}`)

	for _, trial := range []struct {
		seconds int
		out     string
	}{
		{30, "30s"},
		{60, "1m0s"},
		{5184000, "1440h0m0s"},
	} {
		buf, err := json.Marshal(Duration(time.Duration(trial.seconds) * time.Second))
		c.Check(err, check.IsNil)
		c.Check(string(buf), check.Equals, `"`+trial.out+`"`)
	}
}

func (s *DurationSuite) TestUnmarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	c.Check(json.Unmarshal([]byte(`{"D":0}`), &d), check.IsNil)
	c.Check(d.D, check.Equals, Duration(0))
	c.Check(json.Unmarshal([]byte(`{"D":"2m"}`), &d), check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 2*time.Minute)
	c.Check(json.Unmarshal([]byte(`{"D":120}`), &d), check.ErrorMatches, `duration must be given as a string.*`)
	c.Check(json.Unmarshal([]byte(`{"D":"bogus"}`), &d), check.NotNil)
}
