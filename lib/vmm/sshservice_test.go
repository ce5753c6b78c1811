// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmm

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// generateKey returns a new keypair, and the PEM encoding of the
// private key.
func generateKey(c *check.C) (ssh.PublicKey, ssh.Signer, []byte) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	block, err := ssh.MarshalPrivateKey(priv, "")
	c.Assert(err, check.IsNil)
	return signer.PublicKey(), signer, pem.EncodeToMemory(block)
}

// An execFunc handles an "exec" session and returns the exit status.
type execFunc func(env map[string]string, command string, stdout, stderr io.Writer) uint32

// sshService accepts SSH connections on a local port and passes
// "exec" sessions to Exec.
type sshService struct {
	Exec           execFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	listener net.Listener
	mtx      sync.Mutex
	conns    int
}

func (ss *sshService) start(c *check.C) string {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() != ss.AuthorizedUser {
				return nil, fmt.Errorf("unknown user %q", meta.User())
			}
			for _, ak := range ss.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", meta.User())
		},
	}
	config.AddHostKey(ss.HostKey)
	ln, err := net.Listen("tcp", "127.0.0.1:")
	c.Assert(err, check.IsNil)
	ss.listener = ln
	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			ss.mtx.Lock()
			ss.conns++
			ss.mtx.Unlock()
			go ss.serveConn(nConn, config)
		}
	}()
	return ln.Addr().String()
}

func (ss *sshService) connections() int {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return ss.conns
}

func (ss *sshService) close() {
	if ss.listener != nil {
		ss.listener.Close()
	}
}

func (ss *sshService) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			return
		}
		go func() {
			env := map[string]string{}
			didExec := false
			for req := range reqs {
				switch {
				case didExec:
					req.Reply(false, nil)
				case req.Type == "env":
					var envReq struct {
						Name  string
						Value string
					}
					ssh.Unmarshal(req.Payload, &envReq)
					env[envReq.Name] = envReq.Value
					req.Reply(true, nil)
				case req.Type == "exec":
					var execReq struct {
						Command string
					}
					ssh.Unmarshal(req.Payload, &execReq)
					req.Reply(true, nil)
					didExec = true
					go func(env map[string]string) {
						var resp struct {
							Status uint32
						}
						resp.Status = ss.Exec(env, execReq.Command, ch, ch.Stderr())
						ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
						ch.Close()
					}(env)
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
}
