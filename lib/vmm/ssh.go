// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nimbusproject/nimbus-sub009/sdk/go/nimbus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs the configured start and stop commands on each
// hypervisor over a long-lived multiplexed SSH connection, with the
// VM parameters in environment variables. It reconnects
// automatically after errors.
//
// The first host key received from each hypervisor is remembered; a
// different key on a later connection is refused.
type SSHExecutor struct {
	logger       logrus.FieldLogger
	user         string
	port         string
	signers      []ssh.Signer
	startCommand string
	stopCommand  string
	dialTimeout  time.Duration

	mtx   sync.Mutex
	hosts map[string]*sshHost
}

type sshHost struct {
	mtx     sync.Mutex
	client  *ssh.Client
	hostKey ssh.PublicKey
}

// NewSSHExecutor returns an SSHExecutor using the key, user, port
// and commands in cfg.
func NewSSHExecutor(logger logrus.FieldLogger, cfg nimbus.VMMConfig) (*SSHExecutor, error) {
	if cfg.StartCommand == "" || cfg.StopCommand == "" {
		return nil, errors.New("ssh driver requires StartCommand and StopCommand")
	}
	signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("error parsing VMM.PrivateKey: %w", err)
	}
	port := cfg.SSHPort
	if port == "" {
		port = "ssh"
	}
	return &SSHExecutor{
		logger:       logger,
		user:         cfg.SSHUser,
		port:         port,
		signers:      []ssh.Signer{signer},
		startCommand: cfg.StartCommand,
		stopCommand:  cfg.StopCommand,
		dialTimeout:  time.Minute,
		hosts:        map[string]*sshHost{},
	}, nil
}

func (exr *SSHExecutor) Launch(ctx context.Context, l Launch) error {
	stdout, stderr, err := exr.Execute(ctx, l.Hostname, l.Env(), exr.startCommand)
	exr.logger.WithFields(logrus.Fields{
		"Hostname":   l.Hostname,
		"InstanceID": l.InstanceID,
		"stdout":     string(stdout),
		"stderr":     string(stderr),
	}).Debug("start command finished")
	if err != nil {
		return fmt.Errorf("launch %s on %s: %w (stderr %q)", l.InstanceID, l.Hostname, err, stderr)
	}
	return nil
}

func (exr *SSHExecutor) Destroy(ctx context.Context, hostname, instanceID string) error {
	env := map[string]string{"NIMBUS_INSTANCE_ID": instanceID}
	_, stderr, err := exr.Execute(ctx, hostname, env, exr.stopCommand)
	if err != nil {
		return fmt.Errorf("destroy %s on %s: %w (stderr %q)", instanceID, hostname, err, stderr)
	}
	return nil
}

// Execute runs cmd on the given host. If an existing connection is
// not usable, it sets up a new one. If ctx is cancelled before the
// command finishes, the session is closed.
func (exr *SSHExecutor) Execute(ctx context.Context, hostname string, env map[string]string, cmd string) ([]byte, []byte, error) {
	session, err := exr.newSession(hostname)
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		err = ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close hangs up all connections.
func (exr *SSHExecutor) Close() {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	for _, h := range exr.hosts {
		h.mtx.Lock()
		if h.client != nil {
			h.client.Close()
			h.client = nil
		}
		h.mtx.Unlock()
	}
}

func (exr *SSHExecutor) host(hostname string) *sshHost {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	h, ok := exr.hosts[hostname]
	if !ok {
		h = &sshHost{}
		exr.hosts[hostname] = h
	}
	return h
}

// newSession opens a session on the existing connection, or on a new
// connection if that fails.
func (exr *SSHExecutor) newSession(hostname string) (*ssh.Session, error) {
	h := exr.host(hostname)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.client != nil {
		session, err := h.client.NewSession()
		if err == nil {
			return session, nil
		}
		// Hang up the previous (non-working) client
		go h.client.Close()
		h.client = nil
	}
	client, err := exr.dial(hostname, h)
	if err != nil {
		return nil, err
	}
	h.client = client
	return client.NewSession()
}

// Caller must hold h.mtx.
func (exr *SSHExecutor) dial(hostname string, h *sshHost) (*ssh.Client, error) {
	addr := hostname
	if _, _, err := net.SplitHostPort(hostname); err != nil {
		addr = net.JoinHostPort(hostname, exr.port)
	}
	var receivedKey ssh.PublicKey
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: exr.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(exr.signers...),
		},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			if h.hostKey != nil && !bytes.Equal(h.hostKey.Marshal(), key.Marshal()) {
				return fmt.Errorf("host key for %s changed", hostname)
			}
			receivedKey = key
			return nil
		},
		Timeout: exr.dialTimeout,
	})
	if err != nil {
		return nil, err
	} else if receivedKey == nil {
		client.Close()
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}
	h.hostKey = receivedKey
	return client, nil
}
