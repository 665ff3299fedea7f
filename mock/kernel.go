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

// Package mock provides in-memory stand-ins used by the protocol tests.
package mock

import (
	"context"
	"sync"

	"github.com/gostor/ctld/pkg/kernel"
)

// Backend is a kernel.Backend that records every handoff.
type Backend struct {
	LimitsValue kernel.Limits
	LimitsErr   error
	HandoffErr  error

	mu         sync.Mutex
	limitCalls int
	handoffs   []kernel.HandoffRequest
}

var _ kernel.Backend = (*Backend)(nil)

func NewBackend() *Backend {
	return &Backend{LimitsValue: kernel.DefaultLimits()}
}

func (b *Backend) Limits(ctx context.Context, offload string, sock *kernel.Socket) (kernel.Limits, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limitCalls++
	if b.LimitsErr != nil {
		return kernel.Limits{}, b.LimitsErr
	}
	return b.LimitsValue, nil
}

func (b *Backend) Handoff(ctx context.Context, req *kernel.HandoffRequest, sock *kernel.Socket) error {
	conn, err := sock.Release()
	if err != nil {
		return err
	}
	conn.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.HandoffErr != nil {
		return b.HandoffErr
	}
	b.handoffs = append(b.handoffs, *req)
	return nil
}

func (b *Backend) Close() error {
	return nil
}

// Handoffs returns the recorded handoff requests.
func (b *Backend) Handoffs() []kernel.HandoffRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kernel.HandoffRequest(nil), b.handoffs...)
}

// LimitCalls returns how many times Limits was queried.
func (b *Backend) LimitCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limitCalls
}
