//go:build !linux

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
	"errors"
)

const DefaultDevice = ""

var errCTLUnsupported = errors.New("ctl kernel backend is only supported on linux")

type CTLBackend struct{}

func NewCTLBackend(device string) (*CTLBackend, error) {
	return nil, errCTLUnsupported
}

func (b *CTLBackend) Limits(ctx context.Context, offload string, sock *Socket) (Limits, error) {
	return Limits{}, errCTLUnsupported
}

func (b *CTLBackend) Handoff(ctx context.Context, req *HandoffRequest, sock *Socket) error {
	sock.Close()
	return errCTLUnsupported
}

func (b *CTLBackend) Close() error {
	return nil
}
