/*
Copyright 2023 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package iscsit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/util"
)

type SessionType int

const (
	SessionTypeNone SessionType = iota
	SessionTypeDiscovery
	SessionTypeNormal
)

func (t SessionType) String() string {
	switch t {
	case SessionTypeDiscovery:
		return "Discovery"
	case SessionTypeNormal:
		return "Normal"
	}
	return "None"
}

// Connection defaults before negotiation, rfc7143 section 13.
const (
	defaultMaxDataSegmentLength = 8192
	defaultMaxBurstLength       = 262144
	defaultFirstBurstLength     = 65536
)

// Conn is the state of one initiator connection from accept until it is
// handed to the kernel or closed. It is owned by a single goroutine.
type Conn struct {
	id          string
	sock        *kernel.Socket
	snap        *api.Snapshot
	portal      *api.Portal
	backend     kernel.Backend
	tsihs       *tsihPool
	idleTimeout time.Duration
	started     time.Time
	log         *logrus.Entry

	mu    sync.Mutex
	state LoginState

	sessionType    SessionType
	initiatorName  string
	initiatorAlias string
	initiatorAddr  string
	initiatorIP    net.IP
	isid           uint64
	tsih           uint16
	target         *api.Target
	port           *api.Port
	authGroup      *api.AuthGroup
	authType       api.AuthType
	chap           *auth.CHAP
	chapUser       *api.CHAPUser
	user           string

	// request is the last Login PDU received. When pending is set, it has
	// not been answered yet and the next transition works on it.
	request          *Message
	requestKeys      util.KeyValueList
	pending          bool
	skippedSecurity  bool
	negotiating      bool
	sentMaxRecv      bool
	transitAfterAuth bool

	cmdSN  uint32
	statSN uint32

	limits                   kernel.Limits
	headerDigest             api.Digest
	dataDigest               api.Digest
	maxRecvDataSegmentLength int
	maxSendDataSegmentLength int
	maxBurstLength           int
	firstBurstLength         int
	immediateData            bool
}

type ConnOptions struct {
	Snapshot    *api.Snapshot
	Portal      *api.Portal
	Backend     kernel.Backend
	IdleTimeout time.Duration
	tsihs       *tsihPool
}

// NewConn wraps an accepted connection arriving on opts.Portal.
func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	c := &Conn{
		id:                       uuid.NewV1().String(),
		sock:                     kernel.NewSocket(nc),
		snap:                     opts.Snapshot,
		portal:                   opts.Portal,
		backend:                  opts.Backend,
		tsihs:                    opts.tsihs,
		idleTimeout:              opts.IdleTimeout,
		started:                  time.Now(),
		state:                    StateInitialLogin,
		maxRecvDataSegmentLength: defaultMaxDataSegmentLength,
		maxSendDataSegmentLength: defaultMaxDataSegmentLength,
		maxBurstLength:           defaultMaxBurstLength,
		firstBurstLength:         defaultFirstBurstLength,
		immediateData:            true,
	}
	if c.tsihs == nil {
		c.tsihs = &tsihPool{}
	}
	c.initiatorAddr = nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(c.initiatorAddr); err == nil {
		c.initiatorIP = net.ParseIP(host)
	}
	c.log = logrus.WithFields(logrus.Fields{
		"conn":   c.id,
		"portal": c.portal.Address(),
		"addr":   c.initiatorAddr,
	})
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() LoginState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s LoginState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		c.log.Debugf("login state %v -> %v", c.state, s)
	}
	c.state = s
}

func (c *Conn) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Info describes the connection for the management API. It is safe to call
// from other goroutines.
func (c *Conn) Info() api.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := api.ConnectionInfo{
		ID:          c.id,
		Protocol:    api.ProtocolISCSI,
		PortalGroup: c.portal.Group.Name,
		Portal:      c.portal.Address(),
		Initiator:   c.initiatorName,
		Address:     c.initiatorAddr,
		SessionType: c.sessionType.String(),
		State:       c.state.String(),
		User:        c.user,
		Started:     c.started,
	}
	if c.target != nil {
		info.Target = c.target.Name
	}
	return info
}

// Serve runs the login and then either the discovery session or the
// kernel handoff. The connection is closed or handed off when Serve
// returns. A nil error means the connection ended the way the protocol
// intends: redirect, discovery logout or handoff.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.sock.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.sock.Close()
		case <-done:
		}
	}()

	if err := c.login(ctx); err != nil {
		return err
	}
	switch c.State() {
	case StateRedirected:
		return nil
	case StateFullFeaturePhase:
	default:
		return fmt.Errorf("login ended in state %v", c.State())
	}
	if c.sessionType == SessionTypeDiscovery {
		return c.discovery()
	}
	return c.handoff(ctx)
}

func (c *Conn) receive() (*Message, error) {
	if c.idleTimeout > 0 {
		if err := c.sock.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return nil, err
		}
	}
	maxData := MaxLoginDataSegmentLength
	if c.State() == StateFullFeaturePhase {
		maxData = c.maxRecvDataSegmentLength
	}
	m, err := ReadMessage(c.sock, maxData)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("timed out after %s waiting for PDU", c.idleTimeout)
		}
		return nil, fmt.Errorf("failed to read PDU: %w", err)
	}
	c.log.Debugf("received PDU: %s", m.OpCode)
	return m, nil
}

// send assigns the sequence numbers of a response and writes it.
func (c *Conn) send(m *Message, kv util.KeyValueList) error {
	if kv != nil {
		m.RawData = util.MarshalKVText(kv)
	}
	m.StatSN = c.statSN
	c.statSN++
	m.ExpCmdSN = c.cmdSN
	m.MaxCmdSN = c.cmdSN
	if _, err := c.sock.Write(m.Bytes()); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.OpCode, err)
	}
	return nil
}

// handoff passes the negotiated session to the kernel. The socket is
// consumed whatever the outcome.
func (c *Conn) handoff(ctx context.Context) error {
	req := &kernel.HandoffRequest{
		Protocol:                 api.ProtocolISCSI,
		ConnectionID:             c.id,
		InitiatorName:            c.initiatorName,
		InitiatorAddr:            c.initiatorAddr,
		InitiatorAlias:           c.initiatorAlias,
		ISID:                     c.isid,
		TargetName:               c.target.Name,
		Offload:                  c.portal.Group.Offload,
		PortalGroupTag:           c.portal.Group.Tag,
		TSIH:                     c.tsih,
		HeaderDigest:             c.headerDigest,
		DataDigest:               c.dataDigest,
		CmdSN:                    c.cmdSN,
		StatSN:                   c.statSN,
		MaxRecvDataSegmentLength: c.maxRecvDataSegmentLength,
		MaxSendDataSegmentLength: c.maxSendDataSegmentLength,
		MaxBurstLength:           c.maxBurstLength,
		FirstBurstLength:         c.firstBurstLength,
		ImmediateData:            c.immediateData,
	}
	if err := c.backend.Handoff(ctx, req, c.sock); err != nil {
		return fmt.Errorf("kernel handoff failed: %w", err)
	}
	c.log.Infof("session handed off to the kernel: %s", req)
	return nil
}
