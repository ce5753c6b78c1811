// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/ctxlog"
	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoopbackSuite{})
var _ = check.Suite(&SSHSuite{})

type LoopbackSuite struct{}

func (*LoopbackSuite) TestRecord(c *check.C) {
	var exr Executor = &Loopback{}
	lb := exr.(*Loopback)
	c.Check(exr.Launch(context.Background(), Launch{InstanceID: "i1", Hostname: "host1"}), check.IsNil)
	c.Check(exr.Launch(context.Background(), Launch{InstanceID: "i2", Hostname: "host2"}), check.IsNil)
	c.Check(exr.Destroy(context.Background(), "host1", "i1"), check.IsNil)
	c.Check(lb.Calls(), check.HasLen, 3)
	c.Check(lb.Running(), check.DeepEquals, map[string]string{"i2": "host2"})

	lb.Err = errors.New("hypervisor unreachable")
	c.Check(exr.Destroy(context.Background(), "host2", "i2"), check.Equals, lb.Err)
}

func (*LoopbackSuite) TestNew(c *check.C) {
	exr, err := New(ctxlog.TestLogger(c), nimbus.VMMConfig{})
	c.Check(err, check.IsNil)
	c.Check(exr, check.FitsTypeOf, &Loopback{})
	_, err = New(ctxlog.TestLogger(c), nimbus.VMMConfig{Driver: "xen"})
	c.Check(err, check.ErrorMatches, `unknown VMM driver "xen"`)
	_, err = New(ctxlog.TestLogger(c), nimbus.VMMConfig{Driver: "ssh"})
	c.Check(err, check.ErrorMatches, `ssh driver requires .*`)
}

type SSHSuite struct {
	service *sshService
	addr    string
	cfg     nimbus.VMMConfig

	mtx   sync.Mutex
	execs []string
	envs  []map[string]string
}

func (s *SSHSuite) SetUpTest(c *check.C) {
	s.execs, s.envs = nil, nil
	_, hostKey, _ := generateKey(c)
	clientPub, _, clientPEM := generateKey(c)
	s.service = &sshService{
		HostKey:        hostKey,
		AuthorizedUser: "nimbus",
		AuthorizedKeys: []ssh.PublicKey{clientPub},
		Exec: func(env map[string]string, cmd string, stdout, stderr io.Writer) uint32 {
			s.mtx.Lock()
			s.execs = append(s.execs, cmd)
			s.envs = append(s.envs, env)
			s.mtx.Unlock()
			switch cmd {
			case "fail":
				fmt.Fprint(stderr, "no such image")
				return 1
			case "hang":
				time.Sleep(time.Second)
			}
			fmt.Fprint(stdout, "ok")
			return 0
		},
	}
	s.addr = s.service.start(c)
	s.cfg = nimbus.VMMConfig{
		Driver:       "ssh",
		SSHUser:      "nimbus",
		PrivateKey:   string(clientPEM),
		StartCommand: "start-vm",
		StopCommand:  "stop-vm",
	}
}

func (s *SSHSuite) TearDownTest(c *check.C) {
	s.service.close()
}

func (s *SSHSuite) TestLaunchAndDestroy(c *check.C) {
	exr, err := NewSSHExecutor(ctxlog.TestLogger(c), s.cfg)
	c.Assert(err, check.IsNil)
	defer exr.Close()
	ctx := context.Background()
	err = exr.Launch(ctx, Launch{InstanceID: "i1", Hostname: s.addr, DiskImage: "base.img", MemoryMB: 512, VCPUs: 2, Duration: time.Hour})
	c.Assert(err, check.IsNil)
	err = exr.Destroy(ctx, s.addr, "i1")
	c.Assert(err, check.IsNil)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	c.Check(s.execs, check.DeepEquals, []string{"start-vm", "stop-vm"})
	c.Check(s.envs[0]["NIMBUS_INSTANCE_ID"], check.Equals, "i1")
	c.Check(s.envs[0]["NIMBUS_DISK_IMAGE"], check.Equals, "base.img")
	c.Check(s.envs[0]["NIMBUS_MEMORY_MB"], check.Equals, "512")
	c.Check(s.envs[0]["NIMBUS_DURATION_SEC"], check.Equals, "3600")
	c.Check(s.envs[1]["NIMBUS_INSTANCE_ID"], check.Equals, "i1")
}

func (s *SSHSuite) TestConnectionReused(c *check.C) {
	exr, err := NewSSHExecutor(ctxlog.TestLogger(c), s.cfg)
	c.Assert(err, check.IsNil)
	defer exr.Close()
	for i := 0; i < 3; i++ {
		stdout, _, err := exr.Execute(context.Background(), s.addr, nil, "true")
		c.Assert(err, check.IsNil)
		c.Check(string(stdout), check.Equals, "ok")
	}
	c.Check(s.service.connections(), check.Equals, 1)
}

func (s *SSHSuite) TestCommandFails(c *check.C) {
	s.cfg.StartCommand = "fail"
	exr, err := NewSSHExecutor(ctxlog.TestLogger(c), s.cfg)
	c.Assert(err, check.IsNil)
	defer exr.Close()
	err = exr.Launch(context.Background(), Launch{InstanceID: "i1", Hostname: s.addr})
	c.Check(err, check.ErrorMatches, `launch i1 on .*: .*exited with status 1.*no such image.*`)
}

func (s *SSHSuite) TestContextCancel(c *check.C) {
	exr, err := NewSSHExecutor(ctxlog.TestLogger(c), s.cfg)
	c.Assert(err, check.IsNil)
	defer exr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = exr.Execute(ctx, s.addr, nil, "hang")
	c.Check(errors.Is(err, context.DeadlineExceeded), check.Equals, true)
}

func (s *SSHSuite) TestHostKeyChanged(c *check.C) {
	exr, err := NewSSHExecutor(ctxlog.TestLogger(c), s.cfg)
	c.Assert(err, check.IsNil)
	defer exr.Close()
	otherPub, _, _ := generateKey(c)
	exr.host(s.addr).hostKey = otherPub
	_, _, err = exr.Execute(context.Background(), s.addr, nil, "true")
	c.Check(err, check.ErrorMatches, `.*host key for .* changed`)
}

func (s *SSHSuite) TestBadPrivateKey(c *check.C) {
	s.cfg.PrivateKey = "bogus"
	_, err := NewSSHExecutor(ctxlog.TestLogger(c), s.cfg)
	c.Check(err, check.ErrorMatches, `error parsing VMM.PrivateKey: .*`)
}
