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
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/metrics"
	"github.com/gostor/ctld/pkg/port"
)

const iSCSIDriverName = "iscsi"

const (
	maxTSIH    = uint16(0xffff)
	unspecTSIH = uint16(0)
)

// tsihPool hands out session handles. Sessions live in the kernel after
// handoff, so handles are never returned; the pool wraps around instead.
type tsihPool struct {
	mu   sync.Mutex
	last uint16
}

func (p *tsihPool) next() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last++
	if p.last == maxTSIH {
		p.last = unspecTSIH + 1
	}
	return p.last
}

type ISCSITargetDriver struct {
	snap        *port.SnapshotStore
	backend     kernel.Backend
	idleTimeout time.Duration
	tsihs       tsihPool
	conns       port.ConnTable
}

func init() {
	port.RegisterTargetDriver(iSCSIDriverName, NewISCSITargetDriver)
}

func NewISCSITargetDriver(opts port.Options) (port.TargetDriver, error) {
	if opts.Snapshot == nil {
		return nil, errors.New("iscsi: no configuration snapshot")
	}
	if opts.Backend == nil {
		return nil, errors.New("iscsi: no kernel backend")
	}
	return &ISCSITargetDriver{
		snap:        port.NewSnapshotStore(opts.Snapshot),
		backend:     opts.Backend,
		idleTimeout: opts.IdleTimeout,
	}, nil
}

func (s *ISCSITargetDriver) Name() string {
	return iSCSIDriverName
}

func (s *ISCSITargetDriver) UpdateSnapshot(snap *api.Snapshot) {
	s.snap.Store(snap)
}

func (s *ISCSITargetDriver) Connections() []api.ConnectionInfo {
	return s.conns.List()
}

func (s *ISCSITargetDriver) Run(ctx context.Context) error {
	portals := s.snap.Load().Portals(api.ProtocolISCSI)
	return port.ListenAndServe(ctx, api.ProtocolISCSI, portals, s.handle)
}

// serve runs on listeners opened by the caller.
func (s *ISCSITargetDriver) serve(ctx context.Context, listeners []net.Listener) error {
	return port.Serve(ctx, api.ProtocolISCSI, listeners, s.handle)
}

func (s *ISCSITargetDriver) handle(ctx context.Context, nc net.Conn) {
	snap := s.snap.Load()
	portal := port.LocalPortal(snap, api.ProtocolISCSI, nc.LocalAddr())
	if portal == nil {
		log.Warnf("connection from %s to %s: portal is no longer configured", nc.RemoteAddr(), nc.LocalAddr())
		nc.Close()
		return
	}

	c := NewConn(nc, ConnOptions{
		Snapshot:    snap,
		Portal:      portal,
		Backend:     s.backend,
		IdleTimeout: s.idleTimeout,
		tsihs:       &s.tsihs,
	})
	s.conns.Add(c.ID(), c)
	defer s.conns.Remove(c.ID())

	group := portal.Group.Name
	active := metrics.Metrics.ActiveConnections.WithLabelValues(string(api.ProtocolISCSI), group)
	active.Inc()
	defer active.Dec()

	start := time.Now()
	err := c.Serve(ctx)
	result := c.result(err)

	metrics.Metrics.ConnectionsTotal.WithLabelValues(string(api.ProtocolISCSI), group, result).Inc()
	metrics.Metrics.LoginDurationSeconds.WithLabelValues(string(api.ProtocolISCSI), result).Observe(time.Since(start).Seconds())

	info := c.Info()
	fields := log.Fields{
		"conn":      info.ID,
		"initiator": info.Initiator,
		"addr":      info.Address,
		"result":    result,
		"status":    port.ExitStatus(err),
	}
	if err != nil {
		var le *LoginError
		if errors.As(err, &le) {
			metrics.Metrics.LoginFailuresTotal.WithLabelValues(group,
				strconv.Itoa(int(le.Class)), strconv.Itoa(int(le.Detail))).Inc()
		}
		log.WithFields(fields).WithError(err).Warn("connection terminated")
		return
	}
	if result == metrics.ResultHandoff {
		metrics.Metrics.HandoffsTotal.WithLabelValues(string(api.ProtocolISCSI), info.Target).Inc()
	}
	log.WithFields(fields).Info("connection done")
}

func (c *Conn) result(err error) string {
	if err != nil {
		return metrics.ResultFailed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateRedirected:
		return metrics.ResultRedirect
	case c.sessionType == SessionTypeDiscovery:
		return metrics.ResultDiscovery
	}
	return metrics.ResultHandoff
}
