//go:build linux

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
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/lunixbochs/struc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gostor/ctld/pkg/api"
)

const DefaultDevice = "/dev/cam/ctl"

// ioctl number layout of asm-generic/ioctl.h.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func iowr(t, nr, size uintptr) uintptr {
	return ((iocRead | iocWrite) << iocDirShift) | (t << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

const (
	ctlRequestLimits  = 1
	ctlRequestHandoff = 2

	ctlStatusOK = 0

	ctlErrorLen   = 160
	ctlNameLen    = 224
	ctlAddrLen    = 64
	ctlOffloadLen = 32
	ctlPayloadLen = 1024
)

var ctlRequestSize = uintptr(4 + 4 + ctlErrorLen + ctlPayloadLen)

var ctlISCSI = iowr('c', 0x19, ctlRequestSize)

type ctlRequest struct {
	Type    uint32               `struc:"uint32,little"`
	Status  uint32               `struc:"uint32,little"`
	Error   [ctlErrorLen]uint8   `struc:"[160]uint8"`
	Payload [ctlPayloadLen]uint8 `struc:"[1024]uint8"`
}

type ctlLimitsParams struct {
	Offload    [ctlOffloadLen]uint8 `struc:"[32]uint8"`
	Socket     int32                `struc:"int32,little"`
	MaxRecvDS  uint32               `struc:"uint32,little"`
	MaxSendDS  uint32               `struc:"uint32,little"`
	MaxBurst   uint32               `struc:"uint32,little"`
	FirstBurst uint32               `struc:"uint32,little"`
}

type ctlHandoffParams struct {
	Protocol       uint8                `struc:"uint8"`
	HeaderDigest   uint8                `struc:"uint8"`
	DataDigest     uint8                `struc:"uint8"`
	ImmediateData  uint8                `struc:"uint8"`
	InitiatorName  [ctlNameLen]uint8    `struc:"[224]uint8"`
	InitiatorAddr  [ctlAddrLen]uint8    `struc:"[64]uint8"`
	InitiatorAlias [ctlNameLen]uint8    `struc:"[224]uint8"`
	ISID           [6]uint8             `struc:"[6]uint8"`
	PortalGroupTag uint16               `struc:"uint16,little"`
	TargetName     [ctlNameLen]uint8    `struc:"[224]uint8"`
	Offload        [ctlOffloadLen]uint8 `struc:"[32]uint8"`
	Socket         int32                `struc:"int32,little"`
	TSIH           uint16               `struc:"uint16,little"`
	CntlID         uint16               `struc:"uint16,little"`
	CmdSN          uint32               `struc:"uint32,little"`
	StatSN         uint32               `struc:"uint32,little"`
	MaxRecvDS      uint32               `struc:"uint32,little"`
	MaxSendDS      uint32               `struc:"uint32,little"`
	MaxBurst       uint32               `struc:"uint32,little"`
	FirstBurst     uint32               `struc:"uint32,little"`
	QID            uint16               `struc:"uint16,little"`
	SQSize         uint16               `struc:"uint16,little"`
	KATO           uint32               `struc:"uint32,little"`
	MaxH2CData     uint32               `struc:"uint32,little"`
}

// CTLBackend drives the kernel target engine through its control device.
type CTLBackend struct {
	dev *os.File
}

func NewCTLBackend(device string) (*CTLBackend, error) {
	if device == "" {
		device = DefaultDevice
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}
	return &CTLBackend{dev: f}, nil
}

func cstring(dst []uint8, s string) {
	n := copy(dst, s)
	if n == len(dst) {
		dst[n-1] = 0
	}
}

func socketFile(sock *Socket) (*os.File, error) {
	c, err := sock.get()
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("connection %s is not a TCP socket", c.RemoteAddr())
	}
	return tc.File()
}

func (b *CTLBackend) do(op string, typ uint32, params interface{}) (*ctlRequest, error) {
	var payload bytes.Buffer
	if err := struc.Pack(&payload, params); err != nil {
		return nil, fmt.Errorf("failed to pack %s request: %w", op, err)
	}
	if payload.Len() > ctlPayloadLen {
		return nil, fmt.Errorf("%s request too large: %d bytes", op, payload.Len())
	}
	req := &ctlRequest{Type: typ}
	copy(req.Payload[:], payload.Bytes())

	var buf bytes.Buffer
	if err := struc.Pack(&buf, req); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.dev.Fd(), ctlISCSI, uintptr(unsafe.Pointer(&raw[0])))
	if errno != 0 {
		return nil, fmt.Errorf("error issuing %s ioctl: %w", op, errno)
	}
	resp := &ctlRequest{}
	if err := struc.Unpack(bytes.NewReader(raw), resp); err != nil {
		return nil, err
	}
	if resp.Status != ctlStatusOK {
		msg := string(bytes.TrimRight(resp.Error[:], "\x00"))
		return nil, &StatusError{Op: op, Status: int(resp.Status), Msg: msg}
	}
	return resp, nil
}

func (b *CTLBackend) Limits(ctx context.Context, offload string, sock *Socket) (Limits, error) {
	f, err := socketFile(sock)
	if err != nil {
		return Limits{}, err
	}
	defer f.Close()

	params := &ctlLimitsParams{Socket: int32(f.Fd())}
	cstring(params.Offload[:], offload)
	resp, err := b.do("limits", ctlRequestLimits, params)
	if err != nil {
		return Limits{}, err
	}
	out := &ctlLimitsParams{}
	if err := struc.Unpack(bytes.NewReader(resp.Payload[:]), out); err != nil {
		return Limits{}, err
	}
	reported := Limits{
		MaxRecvDataSegmentLength: int(out.MaxRecvDS),
		MaxSendDataSegmentLength: int(out.MaxSendDS),
		MaxBurstLength:           int(out.MaxBurst),
		FirstBurstLength:         int(out.FirstBurst),
	}
	log.Debugf("kernel limits for offload %q: %+v", offload, reported)
	return DefaultLimits().Merge(reported), nil
}

func (b *CTLBackend) Handoff(ctx context.Context, req *HandoffRequest, sock *Socket) error {
	conn, err := sock.Release()
	if err != nil {
		return err
	}
	// The kernel takes its own reference on the socket; ours is dropped
	// whatever the outcome.
	defer conn.Close()

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("connection %s is not a TCP socket", conn.RemoteAddr())
	}
	f, err := tc.File()
	if err != nil {
		return err
	}
	defer f.Close()

	params := &ctlHandoffParams{
		Socket:         int32(f.Fd()),
		PortalGroupTag: req.PortalGroupTag,
		TSIH:           req.TSIH,
		CmdSN:          req.CmdSN,
		StatSN:         req.StatSN,
		MaxRecvDS:      uint32(req.MaxRecvDataSegmentLength),
		MaxSendDS:      uint32(req.MaxSendDataSegmentLength),
		MaxBurst:       uint32(req.MaxBurstLength),
		FirstBurst:     uint32(req.FirstBurstLength),
	}
	if req.HeaderDigest == api.DigestCRC32C {
		params.HeaderDigest = 1
	}
	if req.DataDigest == api.DigestCRC32C {
		params.DataDigest = 1
	}
	if req.ImmediateData {
		params.ImmediateData = 1
	}
	for i := 0; i < 6; i++ {
		params.ISID[i] = uint8(req.ISID >> uint(40-8*i))
	}
	cstring(params.InitiatorName[:], req.InitiatorName)
	cstring(params.InitiatorAddr[:], req.InitiatorAddr)
	cstring(params.InitiatorAlias[:], req.InitiatorAlias)
	cstring(params.TargetName[:], req.TargetName)
	cstring(params.Offload[:], req.Offload)
	if req.NVMe != nil {
		params.Protocol = 1
		params.CntlID = req.NVMe.ControllerID
		params.QID = req.NVMe.QueueID
		params.SQSize = req.NVMe.SQSize
		params.KATO = req.NVMe.KATO
		params.MaxH2CData = req.NVMe.MaxH2CData
		if req.NVMe.HeaderDigest {
			params.HeaderDigest = 1
		}
		if req.NVMe.DataDigest {
			params.DataDigest = 1
		}
	}
	if _, err := b.do("handoff", ctlRequestHandoff, params); err != nil {
		return err
	}
	log.Debugf("handed off %s", req)
	return nil
}

func (b *CTLBackend) Close() error {
	return b.dev.Close()
}
