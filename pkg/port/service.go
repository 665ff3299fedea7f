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

// Package port hosts the protocol drivers that accept initiator
// connections, and the pieces they share.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/metrics"
)

type Options struct {
	Snapshot    *api.Snapshot
	Backend     kernel.Backend
	IdleTimeout time.Duration
}

// TargetDriver serves one transport protocol on every portal of that
// protocol in the configuration.
type TargetDriver interface {
	Name() string
	// Run listens on the portals and serves connections until ctx is
	// done or a listener fails.
	Run(ctx context.Context) error
	// UpdateSnapshot makes snap the configuration of new connections.
	UpdateSnapshot(snap *api.Snapshot)
	Connections() []api.ConnectionInfo
}

type TargetDriverFunc func(Options) (TargetDriver, error)

var registeredDrivers = map[string]TargetDriverFunc{}

func RegisterTargetDriver(name string, f TargetDriverFunc) {
	registeredDrivers[name] = f
}

func NewTargetDriver(name string, opts Options) (TargetDriver, error) {
	f, ok := registeredDrivers[name]
	if !ok {
		return nil, fmt.Errorf("target driver %s is not found", name)
	}
	return f(opts)
}

// RegisteredDrivers returns the names of all registered drivers.
func RegisteredDrivers() []string {
	var names []string
	for name := range registeredDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SnapshotStore holds the configuration snapshot used for new connections.
type SnapshotStore struct {
	v atomic.Value
}

func NewSnapshotStore(snap *api.Snapshot) *SnapshotStore {
	s := &SnapshotStore{}
	s.Store(snap)
	return s
}

func (s *SnapshotStore) Load() *api.Snapshot {
	return s.v.Load().(*api.Snapshot)
}

func (s *SnapshotStore) Store(snap *api.Snapshot) {
	s.v.Store(snap)
}

// ConnInfoer is a live connection listed by the management API.
type ConnInfoer interface {
	Info() api.ConnectionInfo
}

// ConnTable tracks the connections a driver is serving.
type ConnTable struct {
	mu    sync.Mutex
	conns map[string]ConnInfoer
}

func (t *ConnTable) Add(id string, c ConnInfoer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[string]ConnInfoer)
	}
	t.conns[id] = c
}

func (t *ConnTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// List returns the tracked connections, oldest first.
func (t *ConnTable) List() []api.ConnectionInfo {
	t.mu.Lock()
	conns := make([]ConnInfoer, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	res := make([]api.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		res = append(res, c.Info())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Started.Equal(res[j].Started) {
			return res[i].ID < res[j].ID
		}
		return res[i].Started.Before(res[j].Started)
	})
	return res
}

// Handler serves one accepted connection.
type Handler func(ctx context.Context, nc net.Conn)

// ListenAndServe listens on every portal and runs handle for each accepted
// connection in its own goroutine. It returns when ctx is done, after the
// listeners are closed and every handler has returned.
func ListenAndServe(ctx context.Context, proto api.Protocol, portals []*api.Portal, handle Handler) error {
	if len(portals) == 0 {
		log.Infof("no %s portals configured", proto)
		<-ctx.Done()
		return nil
	}
	var listeners []net.Listener
	for _, p := range portals {
		l, err := net.Listen("tcp", p.Address())
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", p.Address(), err)
		}
		listeners = append(listeners, l)
	}
	return Serve(ctx, proto, listeners, handle)
}

// Serve accepts on already open listeners, see ListenAndServe.
func Serve(ctx context.Context, proto api.Protocol, listeners []net.Listener, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, len(listeners))
	for _, l := range listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			errc <- accept(ctx, proto, l, handle, &wg)
		}(l)
	}
	go func() {
		<-ctx.Done()
		for _, l := range listeners {
			l.Close()
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		cancel()
	}
	wg.Wait()
	return err
}

func accept(ctx context.Context, proto api.Protocol, l net.Listener, handle Handler, wg *sync.WaitGroup) error {
	addr := l.Addr().String()
	status := metrics.Metrics.ListenerStatus.WithLabelValues(string(proto), addr)
	status.Set(1)
	defer status.Set(0)
	log.Infof("listening for %s connections on %s", proto, addr)

	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				log.WithError(err).Warnf("accept on %s failed", addr)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept on %s: %w", addr, err)
		}
		log.Debugf("accepted connection from %s on %s", nc.RemoteAddr(), addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, nc)
		}()
	}
}

// ExitStatus maps the outcome of a connection handler to the status the
// daemon reports: 0 for success, 1 for any failure.
func ExitStatus(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

// LocalPortal returns the configured portal a connection accepted on local
// belongs to. Connections on wildcard listeners are matched by port.
func LocalPortal(snap *api.Snapshot, proto api.Protocol, local net.Addr) *api.Portal {
	if p := snap.FindPortal(proto, local.String()); p != nil {
		return p
	}
	_, lport, err := net.SplitHostPort(local.String())
	if err != nil {
		return nil
	}
	for _, p := range snap.Portals(proto) {
		if p.Wildcard() && p.Port == lport {
			return p
		}
	}
	return nil
}
