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

package nvmet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	satori "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/metrics"
	"github.com/gostor/ctld/pkg/util"
)

// Connection states reported to the management API.
const (
	StateInitialize = "icreq"
	StateConnect    = "connect"
	StateDiscovery  = "discovery"
	StateHandoff    = "handoff"
)

// ConnectError is a Fabrics Connect rejected with Status.
type ConnectError struct {
	Status uint16
	Msg    string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect rejected (status %#x): %s", e.Status, e.Msg)
}

// Conn is one NVMe/TCP queue pair from accept until it is handed to the
// kernel or the discovery controller finishes.
type Conn struct {
	id          string
	sock        *kernel.Socket
	q           *qpair
	snap        *api.Snapshot
	portal      *api.Portal
	backend     kernel.Backend
	cntlids     *cntlidPool
	idleTimeout time.Duration
	started     time.Time
	log         *logrus.Entry

	mu        sync.Mutex
	state     string
	hostNQN   string
	hostID    uuid.UUID
	subNQN    string
	queueID   uint16
	discovery bool

	hostAddr string
	hostIP   net.IP
}

type ConnOptions struct {
	Snapshot    *api.Snapshot
	Portal      *api.Portal
	Backend     kernel.Backend
	IdleTimeout time.Duration
	cntlids     *cntlidPool
}

func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	sock := kernel.NewSocket(nc)
	c := &Conn{
		id:          satori.NewV1().String(),
		sock:        sock,
		q:           &qpair{rw: sock},
		snap:        opts.Snapshot,
		portal:      opts.Portal,
		backend:     opts.Backend,
		cntlids:     opts.cntlids,
		idleTimeout: opts.IdleTimeout,
		started:     time.Now(),
		state:       StateInitialize,
	}
	if c.cntlids == nil {
		c.cntlids = &cntlidPool{}
	}
	c.hostAddr = nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(c.hostAddr); err == nil {
		c.hostIP = net.ParseIP(host)
	}
	c.log = logrus.WithFields(logrus.Fields{
		"conn":   c.id,
		"portal": c.portal.Address(),
		"addr":   c.hostAddr,
	})
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Conn) setState(s string) {
	c.update(func() { c.state = s })
}

func (c *Conn) Info() api.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := api.ConnectionInfo{
		ID:          c.id,
		Protocol:    api.ProtocolNVMeTCP,
		PortalGroup: c.portal.Group.Name,
		Portal:      c.portal.Address(),
		Initiator:   c.hostNQN,
		Address:     c.hostAddr,
		Target:      c.subNQN,
		State:       c.state,
		Started:     c.started,
	}
	switch {
	case c.discovery:
		info.SessionType = "Discovery"
	case c.subNQN != "":
		info.SessionType = "Normal"
	}
	return info
}

// Serve runs the queue pair until it is handed off or the discovery
// controller is done. A host that disconnects from the discovery controller
// is a clean end.
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

	if err := c.deadline(); err != nil {
		return err
	}
	req, err := c.q.accept()
	if err != nil {
		return fmt.Errorf("failed to initialize connection: %w", err)
	}
	c.log.Debugf("ICReq maxr2t %d digest %#x", req.Maxr2t, req.Digest)
	c.setState(StateConnect)

	cp, err := c.receive()
	if err != nil {
		return err
	}
	return c.connect(ctx, cp)
}

func (c *Conn) deadline() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	err := c.sock.SetReadDeadline(time.Now().Add(c.idleTimeout))
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		// the read that follows reports how the queue went away
		return nil
	}
	return err
}

func (c *Conn) receive() (*capsule, error) {
	if err := c.deadline(); err != nil {
		return nil, err
	}
	cp, err := c.q.readCapsule()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("timed out after %s waiting for capsule", c.idleTimeout)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, errHostTerminated) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read capsule: %w", err)
	}
	return cp, nil
}

func (c *Conn) complete(cid uint16, status uint16, result uint64) error {
	return c.q.sendCompletion(NewCompletion(cid, status, result))
}

// reject answers the Connect with status and returns the matching error.
func (c *Conn) reject(cmd *ConnectCommand, status uint16, format string, args ...interface{}) error {
	ce := &ConnectError{Status: status, Msg: fmt.Sprintf(format, args...)}
	if err := c.complete(cmd.CommandID, status, 0); err != nil {
		return fmt.Errorf("%v; failed to send completion: %w", ce, err)
	}
	return ce
}

func trimNQN(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// admit applies an auth group to the host. NVMe has no CHAP, so only
// groups that need no authentication can admit.
func (c *Conn) admit(ag *api.AuthGroup) error {
	switch t := auth.Decide(ag); t {
	case api.AuthTypeNoAuthentication:
	case api.AuthTypeCHAP, api.AuthTypeCHAPMutual:
		return fmt.Errorf("auth-group %q requires CHAP, which NVMe/TCP does not support", ag.Name)
	default:
		return errors.New("access denied by auth-group")
	}
	if !auth.CheckInitiatorPortal(ag, c.hostIP) {
		return fmt.Errorf("host address %s not allowed", c.hostIP)
	}
	if !auth.CheckInitiatorName(ag, c.hostNQN) {
		return fmt.Errorf("host NQN %q not allowed", c.hostNQN)
	}
	return nil
}

func (c *Conn) connect(ctx context.Context, cp *capsule) error {
	cmd := &ConnectCommand{}
	if err := unpack(cp.sqe, cmd); err != nil {
		return err
	}
	if cmd.Opcode != opFabrics || cmd.FcType != fctypeConnect {
		if err := c.complete(cmd.CommandID, StatusCommandSequenceError, 0); err != nil {
			return err
		}
		return fmt.Errorf("expected Fabrics Connect, got opcode %#x", cmd.Opcode)
	}
	if cmd.RecFmt != 0 {
		return c.reject(cmd, StatusConnectIncompatibleFormat, "unsupported record format %d", cmd.RecFmt)
	}
	if len(cp.data) != connectDataSize {
		return c.reject(cmd, StatusConnectInvalidParameters, "connect data is %d bytes", len(cp.data))
	}
	data := &ConnectData{}
	if err := unpack(cp.data, data); err != nil {
		return err
	}

	hostNQN := trimNQN(data.HostNQN[:])
	subNQN := trimNQN(data.SubNQN[:])
	hostID, err := uuid.FromBytes(data.HostID[:])
	if err != nil {
		return c.reject(cmd, StatusConnectInvalidParameters, "bad host id: %v", err)
	}
	c.update(func() {
		c.hostNQN = hostNQN
		c.hostID = hostID
		c.subNQN = subNQN
		c.queueID = cmd.QID
	})
	c.log = c.log.WithField("initiator", hostNQN)

	if err := util.ValidNQN(hostNQN); err != nil {
		return c.reject(cmd, StatusConnectInvalidParameters, "%v", err)
	}
	if hostID == uuid.Nil {
		return c.reject(cmd, StatusConnectInvalidParameters, "host id is not set")
	}
	c.log.Debugf("connect subnqn %s hostid %s qid %d sqsize %d", subNQN, hostID, cmd.QID, cmd.SqSize)

	if subNQN == DiscoveryNQN {
		return c.discoveryController(cmd, data)
	}
	return c.handoff(ctx, cmd, data, cp)
}

func (c *Conn) discoveryController(cmd *ConnectCommand, data *ConnectData) error {
	if cmd.QID != 0 {
		return c.reject(cmd, StatusConnectInvalidParameters, "discovery controller has no I/O queues")
	}
	if data.CntlID != dynamicCntl {
		return c.reject(cmd, StatusConnectInvalidParameters, "static controller id %#x", data.CntlID)
	}
	pg := c.portal.Group
	if err := c.admit(pg.DiscoveryAuthGroup); err != nil {
		return c.reject(cmd, StatusConnectInvalidHost, "%v", err)
	}

	d := &Discoverer{
		PortalGroup: pg,
		HostNQN:     c.hostNQN,
		HostAddr:    c.hostIP,
	}
	logPage, err := d.Log(c.snap.Generation)
	if err != nil {
		return err
	}
	ctrl, err := NewController(c.cntlids.next(), logPage)
	if err != nil {
		return err
	}
	c.update(func() {
		c.discovery = true
		c.state = StateDiscovery
	})
	if err := c.complete(cmd.CommandID, StatusSuccess, uint64(ctrl.ID())); err != nil {
		return err
	}
	metrics.Metrics.DiscoveryRequestsTotal.WithLabelValues(string(api.ProtocolNVMeTCP), pg.Name).Inc()
	c.log.Debugf("discovery controller %d with %d log bytes", ctrl.ID(), len(logPage))
	return c.adminLoop(ctrl)
}

// adminLoop serves the discovery controller until a terminal register
// transition or until the host goes away.
func (c *Conn) adminLoop(ctrl *Controller) error {
	for !ctrl.Done() {
		cp, err := c.receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errHostTerminated) {
				c.log.Debugf("host left the discovery controller: %v", err)
				return nil
			}
			return err
		}
		cid := binary.LittleEndian.Uint16(cp.sqe[2:4])
		res := ctrl.Execute(cp.sqe)
		if res.Status == StatusSuccess && len(res.Data) > 0 {
			if err := c.q.sendData(cid, res.Data); err != nil {
				return err
			}
		}
		if err := c.complete(cid, res.Status, res.Value); err != nil {
			return err
		}
		if res.Status != StatusSuccess {
			c.log.Debugf("command opcode %#x failed with status %#x", cp.sqe[0], res.Status)
		}
	}
	return nil
}

func (c *Conn) handoff(ctx context.Context, cmd *ConnectCommand, data *ConnectData, cp *capsule) error {
	pg := c.portal.Group
	port := pg.FindPort(c.subNQN)
	if port == nil {
		return c.reject(cmd, StatusConnectInvalidParameters, "subsystem %q is not exported on %q", c.subNQN, pg.Name)
	}
	if err := c.admit(port.EffectiveAuthGroup()); err != nil {
		return c.reject(cmd, StatusConnectInvalidHost, "%v", err)
	}

	req := &kernel.HandoffRequest{
		Protocol:       api.ProtocolNVMeTCP,
		ConnectionID:   c.id,
		InitiatorName:  c.hostNQN,
		InitiatorAddr:  c.hostAddr,
		TargetName:     port.Target.Name,
		Offload:        pg.Offload,
		PortalGroupTag: pg.Tag,
		NVMe: &kernel.NVMeHandoff{
			HostNQN:        c.hostNQN,
			HostID:         c.hostID.String(),
			SubNQN:         c.subNQN,
			ControllerID:   data.CntlID,
			QueueID:        cmd.QID,
			SQSize:         cmd.SqSize,
			KATO:           cmd.Kato,
			HeaderDigest:   c.q.hdgst,
			DataDigest:     c.q.ddgst,
			MaxH2CData:     maxH2CData,
			ConnectCommand: cp.sqe,
			ConnectData:    cp.data,
		},
	}
	if c.q.hdgst {
		req.HeaderDigest = api.DigestCRC32C
	}
	if c.q.ddgst {
		req.DataDigest = api.DigestCRC32C
	}
	c.setState(StateHandoff)
	c.log.Infof("handing off queue %d of %s", cmd.QID, c.subNQN)
	if err := c.backend.Handoff(ctx, req, c.sock); err != nil {
		return fmt.Errorf("failed to hand off connection: %w", err)
	}
	return nil
}
