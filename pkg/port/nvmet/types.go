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

// Package nvmet implements the NVMe/TCP side of the daemon: the
// ICReq/ICResp handshake, Fabrics Connect, an emulated discovery
// controller and the handoff of I/O queue pairs to the kernel.
package nvmet

// NVMe/TCP PDU types, NVMe/TCP transport specification 3.6.
const (
	pduICReq       uint8 = 0x00
	pduICResp      uint8 = 0x01
	pduH2CTermReq  uint8 = 0x02
	pduC2HTermReq  uint8 = 0x03
	pduCapsuleCmd  uint8 = 0x04
	pduCapsuleResp uint8 = 0x05
	pduH2CData     uint8 = 0x06
	pduC2HData     uint8 = 0x07
	pduR2T         uint8 = 0x09
)

const (
	flagHDGST       uint8 = 0x01
	flagDDGST       uint8 = 0x02
	flagDataLast    uint8 = 0x04
	flagDataSuccess uint8 = 0x08
)

const (
	chSize          = 8
	icReqSize       = 128
	icRespSize      = 128
	capsuleCmdSize  = 72
	capsuleRespSize = 24
	c2hDataSize     = 24
	sqeSize         = 64
	cqeSize         = 16
	digestSize      = 4
	connectDataSize = 1024

	pfv10 = 0
	// maxH2CData is the largest H2CData PDU we let hosts send.
	maxH2CData = 0x10000
	// maxPDUSize bounds what we read from a host before Connect.
	maxPDUSize = capsuleCmdSize + 2*digestSize + 8192
)

// Admin and Fabrics opcodes.
const (
	opGetLogPage uint8 = 0x02
	opIdentify   uint8 = 0x06
	opKeepAlive  uint8 = 0x18
	opFabrics    uint8 = 0x7f

	fctypePropertySet uint8 = 0x00
	fctypeConnect     uint8 = 0x01
	fctypePropertyGet uint8 = 0x04

	cnsController uint8 = 0x01
	lidDiscovery  uint8 = 0x70
)

// Status codes as SCT<<8 | SC, without the DNR bit.
const (
	StatusSuccess                   uint16 = 0x000
	StatusInvalidOpcode             uint16 = 0x001
	StatusInvalidField              uint16 = 0x002
	StatusCommandSequenceError      uint16 = 0x00c
	StatusConnectIncompatibleFormat uint16 = 0x180
	StatusConnectInvalidParameters  uint16 = 0x182
	StatusConnectInvalidHost        uint16 = 0x184

	statusDNR uint16 = 0x4000
)

// Controller registers.
const (
	regCAP  uint32 = 0x00
	regVS   uint32 = 0x08
	regCC   uint32 = 0x14
	regCSTS uint32 = 0x1c
)

// DataPtr is the SGL descriptor of a command.
type DataPtr struct {
	Addr   uint64   `struc:"uint64,little"`
	Length uint32   `struc:"uint32,little"`
	Rsvd   [3]uint8 `struc:"[3]uint8"`
	Type   uint8    `struc:"uint8"`
}

type CommonHeader struct {
	Type  uint8  `struc:"uint8"`
	Flags uint8  `struc:"uint8"`
	Hlen  uint8  `struc:"uint8"`
	Pdo   uint8  `struc:"uint8"`
	Plen  uint32 `struc:"uint32,little"`
}

type ICReq struct {
	Pfv    uint16     `struc:"uint16,little"`
	Hpda   uint8      `struc:"uint8"`
	Digest uint8      `struc:"uint8"`
	Maxr2t uint32     `struc:"uint32,little"`
	Rsvd   [112]uint8 `struc:"[112]uint8"`
}

type ICResp struct {
	Pfv     uint16     `struc:"uint16,little"`
	Cpda    uint8      `struc:"uint8"`
	Digest  uint8      `struc:"uint8"`
	Maxdata uint32     `struc:"uint32,little"`
	Rsvd    [112]uint8 `struc:"[112]uint8"`
}

type C2HDataHeader struct {
	CommandID  uint16   `struc:"uint16,little"`
	TTag       uint16   `struc:"uint16,little"`
	DataOffset uint32   `struc:"uint32,little"`
	DataLength uint32   `struc:"uint32,little"`
	Rsvd       [4]uint8 `struc:"[4]uint8"`
}

// Command is the common layout of a submission queue entry.
type Command struct {
	Opcode    uint8     `struc:"uint8"`
	Flags     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	NSID      uint32    `struc:"uint32,little"`
	Cdw2      [2]uint32 `struc:"[2]uint32,little"`
	Metadata  uint64    `struc:"uint64,little"`
	Dptr      DataPtr
	Cdw10     uint32 `struc:"uint32,little"`
	Cdw11     uint32 `struc:"uint32,little"`
	Cdw12     uint32 `struc:"uint32,little"`
	Cdw13     uint32 `struc:"uint32,little"`
	Cdw14     uint32 `struc:"uint32,little"`
	Cdw15     uint32 `struc:"uint32,little"`
}

type IdentifyCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Flags     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	NSID      uint32    `struc:"uint32,little"`
	Rsvd2     [2]uint64 `struc:"[2]uint64,little"`
	Dptr      DataPtr
	Cns       uint8     `struc:"uint8"`
	Rsvd3     uint8     `struc:"uint8"`
	CtrlID    uint16    `struc:"uint16,little"`
	Rsvd11    [5]uint32 `struc:"[5]uint32,little"`
}

type GetLogPageCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Flags     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	NSID      uint32    `struc:"uint32,little"`
	Rsvd2     [2]uint64 `struc:"[2]uint64,little"`
	Dptr      DataPtr
	Lid       uint8     `struc:"uint8"`
	Lsp       uint8     `struc:"uint8"`
	NumDl     uint16    `struc:"uint16,little"`
	NumDu     uint16    `struc:"uint16,little"`
	Rsvd11    uint16    `struc:"uint16,little"`
	Lpol      uint32    `struc:"uint32,little"`
	Lpou      uint32    `struc:"uint32,little"`
	Rsvd14    [2]uint32 `struc:"[2]uint32,little"`
}

// Length returns the requested transfer size in bytes. NUMD is 0's based.
func (cmd *GetLogPageCommand) Length() uint64 {
	return ((uint64(cmd.NumDu)<<16 | uint64(cmd.NumDl)) + 1) * 4
}

func (cmd *GetLogPageCommand) Offset() uint64 {
	return uint64(cmd.Lpou)<<32 | uint64(cmd.Lpol)
}

// PropertyCommand is a Fabrics Property Get or Property Set.
type PropertyCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Resv1     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	FcType    uint8     `struc:"uint8"`
	Rsvd2     [35]uint8 `struc:"[35]uint8"`
	Attrib    uint8     `struc:"uint8"`
	Rsvd3     [3]uint8  `struc:"[3]uint8"`
	Offset    uint32    `struc:"uint32,little"`
	Value     uint64    `struc:"uint64,little"`
	Rsvd4     [8]uint8  `struc:"[8]uint8"`
}

type ConnectCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Resv1     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	FcType    uint8     `struc:"uint8"`
	Rsvd2     [19]uint8 `struc:"[19]uint8"`
	Dptr      DataPtr
	RecFmt    uint16    `struc:"uint16,little"`
	QID       uint16    `struc:"uint16,little"`
	SqSize    uint16    `struc:"uint16,little"`
	CatTr     uint8     `struc:"uint8"`
	Resv3     uint8     `struc:"uint8"`
	Kato      uint32    `struc:"uint32,little"`
	Resv4     [12]uint8 `struc:"[12]uint8"`
}

type ConnectData struct {
	HostID  [16]uint8  `struc:"[16]uint8"`
	CntlID  uint16     `struc:"uint16,little"`
	Rsvd4   [238]uint8 `struc:"[238]uint8"`
	SubNQN  [256]uint8 `struc:"[256]uint8"`
	HostNQN [256]uint8 `struc:"[256]uint8"`
	Rsvd5   [256]uint8 `struc:"[256]uint8"`
}

type Completion struct {
	Result    uint64 `struc:"uint64,little"`
	SqHead    uint16 `struc:"uint16,little"`
	SqID      uint16 `struc:"uint16,little"`
	CommandID uint16 `struc:"uint16,little"`
	Status    uint16 `struc:"uint16,little"`
}

// NewCompletion encodes status in the completion status field, setting
// DNR on every failure.
func NewCompletion(commandID uint16, status uint16, result uint64) *Completion {
	if status != StatusSuccess {
		status |= statusDNR
	}
	return &Completion{
		Result:    result,
		CommandID: commandID,
		Status:    status << 1,
	}
}

// IDCtrl is the Identify Controller data structure.
type IDCtrl struct {
	VID       uint16     `struc:"uint16,little"`
	SSVID     uint16     `struc:"uint16,little"`
	Sn        [20]uint8  `struc:"[20]uint8"`
	Mn        [40]uint8  `struc:"[40]uint8"`
	Fr        [8]uint8   `struc:"[8]uint8"`
	Rab       uint8      `struc:"uint8"`
	Ieee      [3]uint8   `struc:"[3]uint8"`
	Cmic      uint8      `struc:"uint8"`
	Mdts      uint8      `struc:"uint8"`
	CntlID    uint16     `struc:"uint16,little"`
	Ver       uint32     `struc:"uint32,little"`
	Rtd3r     uint32     `struc:"uint32,little"`
	Rtd3e     uint32     `struc:"uint32,little"`
	Oaes      uint32     `struc:"uint32,little"`
	CtrAtt    uint32     `struc:"uint32,little"`
	Rrls      uint16     `struc:"uint16,little"`
	Rsvd102   [9]uint8   `struc:"[9]uint8"`
	CntrlType uint8      `struc:"uint8"`
	Fguid     [16]uint8  `struc:"[16]uint8"`
	Rsvd128   [128]uint8 `struc:"[128]uint8"`
	Oacs      uint16     `struc:"uint16,little"`
	ACL       uint8      `struc:"uint8"`
	Aerl      uint8      `struc:"uint8"`
	Frmw      uint8      `struc:"uint8"`
	Lpa       uint8      `struc:"uint8"`
	Elpe      uint8      `struc:"uint8"`
	Npss      uint8      `struc:"uint8"`
	Avscc     uint8      `struc:"uint8"`
	Apsta     uint8      `struc:"uint8"`
	Wctemp    uint16     `struc:"uint16,little"`
	Cctemp    uint16     `struc:"uint16,little"`
	Mtfa      uint16     `struc:"uint16,little"`
	Hmpre     uint32     `struc:"uint32,little"`
	Hmmin     uint32     `struc:"uint32,little"`
	Tnvmcap   [16]uint8  `struc:"[16]uint8"`
	Unvmcap   [16]uint8  `struc:"[16]uint8"`
	Rpmbs     uint32     `struc:"uint32,little"`
	Edstt     uint16     `struc:"uint16,little"`
	Dsto      uint8      `struc:"uint8"`
	Fwug      uint8      `struc:"uint8"`
	Kas       uint16     `struc:"uint16,little"`
	Hctma     uint16     `struc:"uint16,little"`
	Mntmt     uint16     `struc:"uint16,little"`
	Mxtmt     uint16     `struc:"uint16,little"`
	Sanicap   uint32     `struc:"uint32,little"`
	Hmminds   uint32     `struc:"uint32,little"`
	Hmmaxd    uint16     `struc:"uint16,little"`
	Rsvd338   [4]uint8   `struc:"[4]uint8"`
	Anatt     uint8      `struc:"uint8"`
	Anacap    uint8      `struc:"uint8"`
	Anagrpmax uint32     `struc:"uint32,little"`
	Nanagrpid uint32     `struc:"uint32,little"`
	Rsvd352   [160]uint8 `struc:"[160]uint8"`
	Sqes      uint8      `struc:"uint8"`
	Cqes      uint8      `struc:"uint8"`
	Maxcmd    uint16     `struc:"uint16,little"`
	Nn        uint32     `struc:"uint32,little"`
	Oncs      uint16     `struc:"uint16,little"`
	Fuses     uint16     `struc:"uint16,little"`
	Fna       uint8      `struc:"uint8"`
	Vwc       uint8      `struc:"uint8"`
	Awun      uint16     `struc:"uint16,little"`
	Awupf     uint16     `struc:"uint16,little"`
	Nvscc     uint8      `struc:"uint8"`
	Nwpc      uint8      `struc:"uint8"`
	Acwu      uint16     `struc:"uint16,little"`
	Rsvd534   [2]uint8   `struc:"[2]uint8"`
	Sgls      uint32     `struc:"uint32,little"`
	Mnan      uint32     `struc:"uint32,little"`
	Rsvd544   [224]uint8 `struc:"[224]uint8"`
	SubNQN    [256]uint8 `struc:"[256]uint8"`
	Rsvd1024  [768]uint8 `struc:"[768]uint8"`
	Ioccsz    uint32     `struc:"uint32,little"`
	Iorcsz    uint32     `struc:"uint32,little"`
	Icdoff    uint16     `struc:"uint16,little"`
	Fcatt     uint8      `struc:"uint8"`
	Msdbd     uint8      `struc:"uint8"`
	Rsvd1804  [244]uint8 `struc:"[244]uint8"`
	Psd       [1024]uint8 `struc:"[1024]uint8"`
	VS        [1024]uint8 `struc:"[1024]uint8"`
}

// DiscoveryLogHeader starts the discovery log page.
type DiscoveryLogHeader struct {
	GenCtr uint64      `struc:"uint64,little"`
	NumRec uint64      `struc:"uint64,little"`
	RecFmt uint16      `struc:"uint16,little"`
	Rsvd14 [1006]uint8 `struc:"[1006]uint8"`
}

// DiscoveryLogEntry describes one subsystem port.
type DiscoveryLogEntry struct {
	TrType  uint8      `struc:"uint8"`
	AdrFam  uint8      `struc:"uint8"`
	SubType uint8      `struc:"uint8"`
	Treq    uint8      `struc:"uint8"`
	PortID  uint16     `struc:"uint16,little"`
	CntlID  uint16     `struc:"uint16,little"`
	Asqsz   uint16     `struc:"uint16,little"`
	Resv10  [22]uint8  `struc:"[22]uint8"`
	TrsvcID [32]uint8  `struc:"[32]uint8"`
	Resv64  [192]uint8 `struc:"[192]uint8"`
	Subnqn  [256]uint8 `struc:"[256]uint8"`
	Traddr  [256]uint8 `struc:"[256]uint8"`
	Tsas    [256]uint8 `struc:"[256]uint8"`
}
