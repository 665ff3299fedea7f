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

package kernel

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ParkedConnection is a handed off connection held by the proxy backend.
type ParkedConnection struct {
	ID      string
	Request HandoffRequest
	Since   time.Time
	conn    net.Conn
}

// ProxyBackend keeps handed off connections in process instead of passing
// them to a kernel engine.
type ProxyBackend struct {
	limits Limits

	mu     sync.Mutex
	parked map[string]*ParkedConnection
	closed bool
}

func NewProxyBackend(limits Limits) *ProxyBackend {
	return &ProxyBackend{
		limits: limits,
		parked: make(map[string]*ParkedConnection),
	}
}

func (b *ProxyBackend) Limits(ctx context.Context, offload string, sock *Socket) (Limits, error) {
	return b.limits, nil
}

func (b *ProxyBackend) Handoff(ctx context.Context, req *HandoffRequest, sock *Socket) error {
	conn, err := sock.Release()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		conn.Close()
		return &StatusError{Op: "handoff", Status: 1, Msg: "backend closed"}
	}
	id := req.ConnectionID
	if id == "" {
		id = conn.RemoteAddr().String()
	}
	b.parked[id] = &ParkedConnection{ID: id, Request: *req, Since: time.Now(), conn: conn}
	log.Infof("parked connection %s: %s", id, req)
	return nil
}

// Parked returns the connections currently held, oldest first.
func (b *ProxyBackend) Parked() []ParkedConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ParkedConnection, 0, len(b.parked))
	for _, p := range b.parked {
		out = append(out, ParkedConnection{ID: p.ID, Request: p.Request, Since: p.Since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Drop closes and forgets one parked connection.
func (b *ProxyBackend) Drop(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parked[id]
	if !ok {
		return false
	}
	p.conn.Close()
	delete(b.parked, id)
	return true
}

func (b *ProxyBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.parked {
		p.conn.Close()
		delete(b.parked, id)
	}
	b.closed = true
	return nil
}
