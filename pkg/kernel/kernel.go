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

// Package kernel talks to the in-kernel target engine: it queries the
// negotiation limits of a connection and hands fully negotiated connections
// over to it.
package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/gostor/ctld/pkg/api"
)

// Default limits used for discovery sessions and when the backend leaves a
// value unset.
const (
	DefaultMaxDataSegmentLength = 128 * 1024
	DefaultMaxBurstLength       = 16776192
	DefaultFirstBurstLength     = 128 * 1024
)

// Limits is the per-connection snapshot of what the kernel can handle.
type Limits struct {
	MaxRecvDataSegmentLength int `json:"maxRecvDataSegmentLength" mapstructure:"max-recv-data-segment-length"`
	MaxSendDataSegmentLength int `json:"maxSendDataSegmentLength" mapstructure:"max-send-data-segment-length"`
	MaxBurstLength           int `json:"maxBurstLength" mapstructure:"max-burst-length"`
	FirstBurstLength         int `json:"firstBurstLength" mapstructure:"first-burst-length"`
}

// DefaultLimits returns the limits used for discovery sessions.
func DefaultLimits() Limits {
	return Limits{
		MaxRecvDataSegmentLength: DefaultMaxDataSegmentLength,
		MaxSendDataSegmentLength: DefaultMaxDataSegmentLength,
		MaxBurstLength:           DefaultMaxBurstLength,
		FirstBurstLength:         DefaultFirstBurstLength,
	}
}

// Merge overlays the non-zero values reported by a backend on the defaults
// and keeps FirstBurstLength within MaxBurstLength.
func (l Limits) Merge(reported Limits) Limits {
	if reported.MaxRecvDataSegmentLength != 0 {
		l.MaxRecvDataSegmentLength = reported.MaxRecvDataSegmentLength
		l.MaxSendDataSegmentLength = reported.MaxSendDataSegmentLength
		if l.MaxSendDataSegmentLength == 0 {
			l.MaxSendDataSegmentLength = reported.MaxRecvDataSegmentLength
		}
	}
	if reported.MaxBurstLength != 0 {
		l.MaxBurstLength = reported.MaxBurstLength
	}
	if reported.FirstBurstLength != 0 {
		l.FirstBurstLength = reported.FirstBurstLength
	}
	if l.FirstBurstLength > l.MaxBurstLength {
		l.FirstBurstLength = l.MaxBurstLength
	}
	return l
}

// NVMeHandoff carries the state of an NVMe/TCP queue pair whose Fabrics
// Connect still has to be answered by the kernel.
type NVMeHandoff struct {
	HostNQN      string
	HostID       string
	SubNQN       string
	ControllerID uint16
	QueueID      uint16
	SQSize       uint16
	KATO         uint32
	HeaderDigest bool
	DataDigest   bool
	MaxH2CData   uint32
	// ConnectCommand and ConnectData are the raw Connect capsule.
	ConnectCommand []byte
	ConnectData    []byte
}

// HandoffRequest is the payload transferred to the kernel together with
// the socket.
type HandoffRequest struct {
	Protocol       api.Protocol
	ConnectionID   string
	InitiatorName  string
	InitiatorAddr  string
	InitiatorAlias string
	ISID           uint64
	TargetName     string
	Offload        string
	PortalGroupTag uint16
	TSIH           uint16
	HeaderDigest   api.Digest
	DataDigest     api.Digest
	CmdSN          uint32
	StatSN         uint32

	MaxRecvDataSegmentLength int
	MaxSendDataSegmentLength int
	MaxBurstLength           int
	FirstBurstLength         int
	ImmediateData            bool

	NVMe *NVMeHandoff
}

func (r *HandoffRequest) String() string {
	var s []string
	s = append(s, fmt.Sprintf("protocol=%s", r.Protocol))
	s = append(s, fmt.Sprintf("initiator=%s", r.InitiatorName))
	s = append(s, fmt.Sprintf("address=%s", r.InitiatorAddr))
	s = append(s, fmt.Sprintf("target=%s", r.TargetName))
	s = append(s, fmt.Sprintf("tag=%d", r.PortalGroupTag))
	if r.Protocol == api.ProtocolISCSI {
		s = append(s, fmt.Sprintf("isid=%012x", r.ISID))
		s = append(s, fmt.Sprintf("cmdsn=%d", r.CmdSN))
		s = append(s, fmt.Sprintf("statsn=%d", r.StatSN))
		s = append(s, fmt.Sprintf("header-digest=%s", r.HeaderDigest))
		s = append(s, fmt.Sprintf("data-digest=%s", r.DataDigest))
	}
	return strings.Join(s, " ")
}

// Backend is the in-kernel target engine.
type Backend interface {
	// Limits queries the negotiation limits for the connection behind sock.
	Limits(ctx context.Context, offload string, sock *Socket) (Limits, error)
	// Handoff consumes sock and passes it to the kernel with req. The
	// caller must not use sock afterwards, whatever the outcome.
	Handoff(ctx context.Context, req *HandoffRequest, sock *Socket) error
	Close() error
}

// StatusError is a non-OK status returned in-band by the backend.
type StatusError struct {
	Op     string
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("error returned from kernel %s request (status %d): %s", e.Op, e.Status, e.Msg)
}

// New creates the backend named by cfg.
func New(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", BackendProxy:
		return NewProxyBackend(DefaultLimits().Merge(cfg.Limits)), nil
	case BackendCTL:
		return NewCTLBackend(cfg.Device)
	}
	return nil, fmt.Errorf("bad parameter: unknown kernel backend %q", cfg.Backend)
}

const (
	BackendCTL   = "ctl"
	BackendProxy = "proxy"
)

// Config selects and configures the kernel backend.
type Config struct {
	Backend string `mapstructure:"backend"`
	Device  string `mapstructure:"device"`
	Limits  Limits `mapstructure:"limits"`
}
