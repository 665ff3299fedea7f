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
	"context"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/metrics"
	"github.com/gostor/ctld/pkg/port"
)

const nvmeDriverName = "nvme-tcp"

// Dynamic controller ids range from 1 to 0xffef.
const maxCntlID = uint16(0xffef)

// cntlidPool hands out discovery controller ids, wrapping around.
type cntlidPool struct {
	mu   sync.Mutex
	last uint16
}

func (p *cntlidPool) next() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last++
	if p.last > maxCntlID {
		p.last = 1
	}
	return p.last
}

type NVMeTargetDriver struct {
	snap        *port.SnapshotStore
	backend     kernel.Backend
	idleTimeout time.Duration
	cntlids     cntlidPool
	conns       port.ConnTable
}

func init() {
	port.RegisterTargetDriver(nvmeDriverName, NewNVMeTargetDriver)
}

func NewNVMeTargetDriver(opts port.Options) (port.TargetDriver, error) {
	if opts.Snapshot == nil {
		return nil, errors.New("nvme-tcp: no configuration snapshot")
	}
	if opts.Backend == nil {
		return nil, errors.New("nvme-tcp: no kernel backend")
	}
	return &NVMeTargetDriver{
		snap:        port.NewSnapshotStore(opts.Snapshot),
		backend:     opts.Backend,
		idleTimeout: opts.IdleTimeout,
	}, nil
}

func (s *NVMeTargetDriver) Name() string {
	return nvmeDriverName
}

func (s *NVMeTargetDriver) UpdateSnapshot(snap *api.Snapshot) {
	s.snap.Store(snap)
}

func (s *NVMeTargetDriver) Connections() []api.ConnectionInfo {
	return s.conns.List()
}

func (s *NVMeTargetDriver) Run(ctx context.Context) error {
	portals := s.snap.Load().Portals(api.ProtocolNVMeTCP)
	return port.ListenAndServe(ctx, api.ProtocolNVMeTCP, portals, s.handle)
}

func (s *NVMeTargetDriver) serve(ctx context.Context, listeners []net.Listener) error {
	return port.Serve(ctx, api.ProtocolNVMeTCP, listeners, s.handle)
}

func (s *NVMeTargetDriver) handle(ctx context.Context, nc net.Conn) {
	snap := s.snap.Load()
	portal := port.LocalPortal(snap, api.ProtocolNVMeTCP, nc.LocalAddr())
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
		cntlids:     &s.cntlids,
	})
	s.conns.Add(c.ID(), c)
	defer s.conns.Remove(c.ID())

	group := portal.Group.Name
	active := metrics.Metrics.ActiveConnections.WithLabelValues(string(api.ProtocolNVMeTCP), group)
	active.Inc()
	defer active.Dec()

	start := time.Now()
	err := c.Serve(ctx)
	result := c.result(err)

	metrics.Metrics.ConnectionsTotal.WithLabelValues(string(api.ProtocolNVMeTCP), group, result).Inc()
	metrics.Metrics.LoginDurationSeconds.WithLabelValues(string(api.ProtocolNVMeTCP), result).Observe(time.Since(start).Seconds())

	info := c.Info()
	fields := log.Fields{
		"conn":      info.ID,
		"initiator": info.Initiator,
		"addr":      info.Address,
		"result":    result,
		"status":    port.ExitStatus(err),
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("connection terminated")
		return
	}
	if result == metrics.ResultHandoff {
		metrics.Metrics.HandoffsTotal.WithLabelValues(string(api.ProtocolNVMeTCP), info.Target).Inc()
	}
	log.WithFields(fields).Info("connection done")
}

func (c *Conn) result(err error) string {
	if err != nil {
		return metrics.ResultFailed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovery {
		return metrics.ResultDiscovery
	}
	return metrics.ResultHandoff
}
