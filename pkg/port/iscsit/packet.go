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

// Package iscsit implements the iSCSI side of the daemon: login, the
// SendTargets discovery session and the handoff of normal sessions to the
// kernel. Only the PDUs exchanged before Full Feature Phase are handled
// here; see rfc7143 section 11.
package iscsit

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/gostor/ctld/pkg/util"
)

type OpCode int

const (
	// Defined on the initiator.
	OpNoopOut   OpCode = 0x00
	OpSCSICmd   OpCode = 0x01
	OpLoginReq  OpCode = 0x03
	OpTextReq   OpCode = 0x04
	OpLogoutReq OpCode = 0x06
	// Defined on the target.
	OpLoginResp  OpCode = 0x23
	OpTextResp   OpCode = 0x24
	OpLogoutResp OpCode = 0x26
	OpReject     OpCode = 0x3f
)

var opCodeMap = map[OpCode]string{
	OpNoopOut:    "NOP-Out",
	OpSCSICmd:    "SCSI Command",
	OpLoginReq:   "Login Request",
	OpTextReq:    "Text Request",
	OpLogoutReq:  "Logout Request",
	OpLoginResp:  "Login Response",
	OpTextResp:   "Text Response",
	OpLogoutResp: "Logout Response",
	OpReject:     "Reject",
}

func (c OpCode) String() string {
	s := opCodeMap[c]
	if s == "" {
		s = fmt.Sprintf("Unknown Code: %x", int(c))
	}
	return s
}

const (
	BHSSize = 48
	// MaxLoginDataSegmentLength bounds data segments until operational
	// parameters are negotiated.
	MaxLoginDataSegmentLength = 8192
)

type Stage int

const (
	SecurityNegotiation         Stage = 0
	LoginOperationalNegotiation Stage = 1
	FullFeaturePhase            Stage = 3
)

func (s Stage) String() string {
	switch s {
	case SecurityNegotiation:
		return "Security Negotiation"
	case LoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case FullFeaturePhase:
		return "Full Feature Phase"
	}
	return "Unknown Stage"
}

type Message struct {
	OpCode    OpCode
	RawHeader []byte
	DataLen   int
	RawData   []byte
	Final     bool
	Immediate bool
	TaskTag   uint32
	AHSLen    int

	ConnID    uint16 // Connection ID.
	CmdSN     uint32 // Command serial number.
	ExpStatSN uint32 // Expected status serial.
	StatSN    uint32 // Status serial number.
	ExpCmdSN  uint32
	MaxCmdSN  uint32

	// Login.
	Transit    bool  // Transit bit.
	Cont       bool  // Continue bit.
	CSG, NSG   Stage // Current Stage, Next Stage.
	VersionMax uint8
	VersionMin uint8
	ISID       uint64 // Initiator part of the SSID.
	TSIH       uint16 // Target-assigned Session Identifying Handle.

	StatusClass  uint8
	StatusDetail uint8

	// Text.
	LUN               uint64
	TargetTransferTag uint32

	// Logout.
	LogoutReason   uint8
	LogoutResponse uint8
	Time2Wait      uint16
	Time2Retain    uint16
}

func (m *Message) String() string {
	var s []string
	s = append(s, fmt.Sprintf("Op: %v", m.OpCode))
	s = append(s, fmt.Sprintf("Final = %v", m.Final))
	s = append(s, fmt.Sprintf("Immediate = %v", m.Immediate))
	s = append(s, fmt.Sprintf("Data Segment Length = %d", m.DataLen))
	s = append(s, fmt.Sprintf("Task Tag = %x", m.TaskTag))
	switch m.OpCode {
	case OpLoginReq, OpLoginResp:
		s = append(s, fmt.Sprintf("ISID = %x", m.ISID))
		s = append(s, fmt.Sprintf("TSIH = %d", m.TSIH))
		s = append(s, fmt.Sprintf("Transit = %v", m.Transit))
		s = append(s, fmt.Sprintf("Continue = %v", m.Cont))
		s = append(s, fmt.Sprintf("Current Stage = %v", m.CSG))
		s = append(s, fmt.Sprintf("Next Stage = %v", m.NSG))
		if m.OpCode == OpLoginResp {
			s = append(s, fmt.Sprintf("Status Class = %d", m.StatusClass))
			s = append(s, fmt.Sprintf("Status Detail = %d", m.StatusDetail))
		}
	case OpLogoutReq:
		s = append(s, fmt.Sprintf("Reason = %d", m.LogoutReason))
	case OpLogoutResp:
		s = append(s, fmt.Sprintf("Response = %d", m.LogoutResponse))
	}
	switch m.OpCode {
	case OpLoginReq, OpTextReq, OpLogoutReq:
		s = append(s, fmt.Sprintf("CmdSN = %d", m.CmdSN))
		s = append(s, fmt.Sprintf("ExpStatSN = %d", m.ExpStatSN))
	default:
		s = append(s, fmt.Sprintf("StatSN = %d", m.StatSN))
		s = append(s, fmt.Sprintf("ExpCmdSN = %d", m.ExpCmdSN))
		s = append(s, fmt.Sprintf("MaxCmdSN = %d", m.MaxCmdSN))
	}
	return strings.Join(s, "\n")
}

// ReadMessage reads one PDU. Data segments longer than maxData and
// additional header segments are rejected.
func ReadMessage(r io.Reader, maxData int) (*Message, error) {
	buf := make([]byte, BHSSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	m, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	if m.AHSLen > 0 {
		return nil, fmt.Errorf("received PDU with unsupported AHS")
	}
	if m.DataLen > maxData {
		return nil, fmt.Errorf("received PDU with data segment length %d, maximum is %d", m.DataLen, maxData)
	}
	if m.DataLen > 0 {
		data := make([]byte, util.PadLen(m.DataLen))
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		m.RawData = data[:m.DataLen]
	}
	return m, nil
}

func parseHeader(data []byte) (*Message, error) {
	if len(data) != BHSSize {
		return nil, fmt.Errorf("garbled header")
	}
	m := &Message{RawHeader: data}
	m.Immediate = 0x40&data[0] == 0x40
	m.OpCode = OpCode(data[0] & 0x3f)
	m.Final = 0x80&data[1] == 0x80
	m.AHSLen = int(data[4]) * 4
	m.DataLen = int(data[5])<<16 | int(data[6])<<8 | int(data[7])
	m.TaskTag = binary.BigEndian.Uint32(data[16:20])
	switch m.OpCode {
	case OpLoginReq, OpLoginResp:
		m.Transit = m.Final
		m.Cont = data[1]&0x40 == 0x40
		m.CSG = Stage(data[1]&0xc) >> 2
		m.NSG = Stage(data[1] & 0x3)
		m.VersionMax = data[2]
		m.VersionMin = data[3]
		m.ISID = binary.BigEndian.Uint64(data[6:14]) & 0xffffffffffff
		m.TSIH = binary.BigEndian.Uint16(data[14:16])
	case OpTextReq, OpTextResp:
		m.Cont = data[1]&0x40 == 0x40
		m.LUN = binary.BigEndian.Uint64(data[8:16])
		m.TargetTransferTag = binary.BigEndian.Uint32(data[20:24])
	case OpLogoutReq:
		m.LogoutReason = data[1] & 0x7f
	case OpLogoutResp:
		m.LogoutResponse = data[2]
		m.Time2Wait = binary.BigEndian.Uint16(data[40:42])
		m.Time2Retain = binary.BigEndian.Uint16(data[42:44])
	}
	switch m.OpCode {
	case OpLoginReq, OpTextReq, OpLogoutReq:
		if m.OpCode == OpLoginReq || m.OpCode == OpLogoutReq {
			m.ConnID = binary.BigEndian.Uint16(data[20:22])
		}
		m.CmdSN = binary.BigEndian.Uint32(data[24:28])
		m.ExpStatSN = binary.BigEndian.Uint32(data[28:32])
	case OpLoginResp, OpTextResp, OpLogoutResp:
		m.StatSN = binary.BigEndian.Uint32(data[24:28])
		m.ExpCmdSN = binary.BigEndian.Uint32(data[28:32])
		m.MaxCmdSN = binary.BigEndian.Uint32(data[32:36])
		if m.OpCode == OpLoginResp {
			m.StatusClass = data[36]
			m.StatusDetail = data[37]
		}
	}
	return m, nil
}

// Bytes encodes the PDU with its data segment padded to four bytes.
func (m *Message) Bytes() []byte {
	h := make([]byte, BHSSize)
	h[0] = byte(m.OpCode)
	if m.Immediate {
		h[0] |= 0x40
	}
	if m.Final {
		h[1] |= 0x80
	}
	dl := len(m.RawData)
	h[5], h[6], h[7] = byte(dl>>16), byte(dl>>8), byte(dl)
	binary.BigEndian.PutUint32(h[16:20], m.TaskTag)

	switch m.OpCode {
	case OpLoginReq, OpLoginResp:
		if m.Transit {
			h[1] |= 0x80
		}
		if m.Cont {
			h[1] |= 0x40
		}
		h[1] |= byte(m.CSG&0x3)<<2 | byte(m.NSG&0x3)
		h[2] = m.VersionMax
		h[3] = m.VersionMin
		copy(h[8:14], util.MarshalUint48(m.ISID))
		binary.BigEndian.PutUint16(h[14:16], m.TSIH)
		if m.OpCode == OpLoginResp {
			h[36] = m.StatusClass
			h[37] = m.StatusDetail
		}
	case OpTextReq, OpTextResp:
		if m.Cont {
			h[1] |= 0x40
		}
		binary.BigEndian.PutUint64(h[8:16], m.LUN)
		binary.BigEndian.PutUint32(h[20:24], m.TargetTransferTag)
	case OpLogoutReq:
		h[1] = 0x80 | m.LogoutReason&0x7f
	case OpLogoutResp:
		h[1] = 0x80
		h[2] = m.LogoutResponse
		binary.BigEndian.PutUint16(h[40:42], m.Time2Wait)
		binary.BigEndian.PutUint16(h[42:44], m.Time2Retain)
	}

	switch m.OpCode {
	case OpLoginReq, OpTextReq, OpLogoutReq:
		if m.OpCode != OpTextReq {
			binary.BigEndian.PutUint16(h[20:22], m.ConnID)
		}
		binary.BigEndian.PutUint32(h[24:28], m.CmdSN)
		binary.BigEndian.PutUint32(h[28:32], m.ExpStatSN)
	default:
		binary.BigEndian.PutUint32(h[24:28], m.StatSN)
		binary.BigEndian.PutUint32(h[28:32], m.ExpCmdSN)
		binary.BigEndian.PutUint32(h[32:36], m.MaxCmdSN)
	}

	buf := make([]byte, BHSSize+util.PadLen(dl))
	copy(buf, h)
	copy(buf[BHSSize:], m.RawData)
	return buf
}
