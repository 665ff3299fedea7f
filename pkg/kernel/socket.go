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
	"errors"
	"net"
	"sync"
	"time"
)

// ErrSocketReleased is returned by every Socket operation after the socket
// has been handed to the kernel.
var ErrSocketReleased = errors.New("socket already handed off")

// Socket owns the live connection of one initiator until it is released to
// the kernel. Release succeeds exactly once; afterwards reads, writes and
// deadlines fail with ErrSocketReleased and Close is a no-op.
type Socket struct {
	mu       sync.Mutex
	conn     net.Conn
	released bool
}

func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

func (s *Socket) get() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrSocketReleased
	}
	return s.conn, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	c, err := s.get()
	if err != nil {
		return 0, err
	}
	return c.Read(p)
}

func (s *Socket) Write(p []byte) (int, error) {
	c, err := s.get()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	c, err := s.get()
	if err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Released reports whether ownership has moved to the kernel.
func (s *Socket) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release transfers ownership of the connection to the caller.
func (s *Socket) Release() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrSocketReleased
	}
	s.released = true
	c := s.conn
	return c, nil
}

// Close closes the connection unless it has been released.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	return s.conn.Close()
}
