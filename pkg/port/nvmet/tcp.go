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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/lunixbochs/struc"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Digest enable bits of ICReq/ICResp.
const (
	digestHeader uint8 = 0x01
	digestData   uint8 = 0x02
)

var errHostTerminated = errors.New("host terminated the connection")

// pdu is a received NVMe/TCP PDU. hdr holds the whole PDU header, common
// header included.
type pdu struct {
	ch   CommonHeader
	hdr  []byte
	data []byte
}

// capsule is a received command capsule.
type capsule struct {
	sqe  []byte
	data []byte
}

// qpair frames PDUs on one NVMe/TCP connection.
type qpair struct {
	rw    io.ReadWriter
	hdgst bool
	ddgst bool
}

func pack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpack(b []byte, v interface{}) error {
	return struc.Unpack(bytes.NewReader(b), v)
}

func crc(b []byte) []byte {
	d := make([]byte, digestSize)
	binary.LittleEndian.PutUint32(d, crc32.Checksum(b, castagnoli))
	return d
}

func (q *qpair) readFull(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(q.rw, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (q *qpair) verify(what string, b []byte) error {
	d, err := q.readFull(digestSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(d, crc(b)) {
		return fmt.Errorf("%s digest mismatch", what)
	}
	return nil
}

func (q *qpair) readPDU() (*pdu, error) {
	b, err := q.readFull(chSize)
	if err != nil {
		return nil, err
	}
	p := &pdu{}
	if err := unpack(b, &p.ch); err != nil {
		return nil, err
	}
	if p.ch.Hlen < chSize || p.ch.Plen < uint32(p.ch.Hlen) {
		return nil, fmt.Errorf("malformed PDU header: hlen %d plen %d", p.ch.Hlen, p.ch.Plen)
	}
	if p.ch.Plen > maxPDUSize {
		return nil, fmt.Errorf("PDU too large: %d bytes", p.ch.Plen)
	}
	rest, err := q.readFull(int(p.ch.Hlen) - chSize)
	if err != nil {
		return nil, err
	}
	p.hdr = append(b, rest...)

	off := uint32(p.ch.Hlen)
	if q.hdgst && p.ch.Flags&flagHDGST != 0 {
		if err := q.verify("header", p.hdr); err != nil {
			return nil, err
		}
		off += digestSize
	}
	if p.ch.Plen == off {
		return p, nil
	}
	pdo := uint32(p.ch.Pdo)
	if pdo < off || pdo > p.ch.Plen {
		return nil, fmt.Errorf("bad PDU data offset %d", pdo)
	}
	if _, err := q.readFull(int(pdo - off)); err != nil {
		return nil, err
	}
	end := p.ch.Plen
	ddgst := q.ddgst && p.ch.Flags&flagDDGST != 0
	if ddgst {
		if end < pdo+digestSize {
			return nil, fmt.Errorf("PDU too short for data digest: plen %d", p.ch.Plen)
		}
		end -= digestSize
	}
	if p.data, err = q.readFull(int(end - pdo)); err != nil {
		return nil, err
	}
	if ddgst {
		if err := q.verify("data", p.data); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// writePDU writes a PDU with the given type-specific header and data,
// adding digests as negotiated.
func (q *qpair) writePDU(typ uint8, flags uint8, specific []byte, data []byte) error {
	ch := CommonHeader{
		Type:  typ,
		Flags: flags,
		Hlen:  uint8(chSize + len(specific)),
	}
	plen := uint32(ch.Hlen)
	if q.hdgst && typ != pduICResp {
		ch.Flags |= flagHDGST
		plen += digestSize
	}
	if len(data) > 0 {
		ch.Pdo = uint8(plen)
		plen += uint32(len(data))
		if q.ddgst {
			ch.Flags |= flagDDGST
			plen += digestSize
		}
	}
	ch.Plen = plen

	hdr, err := pack(&ch)
	if err != nil {
		return err
	}
	hdr = append(hdr, specific...)
	buf := make([]byte, 0, plen)
	buf = append(buf, hdr...)
	if ch.Flags&flagHDGST != 0 {
		buf = append(buf, crc(hdr)...)
	}
	buf = append(buf, data...)
	if ch.Flags&flagDDGST != 0 {
		buf = append(buf, crc(data)...)
	}
	_, err = q.rw.Write(buf)
	return err
}

// accept runs the controller side of the ICReq/ICResp exchange. Requested
// digests are granted.
func (q *qpair) accept() (*ICReq, error) {
	p, err := q.readPDU()
	if err != nil {
		return nil, err
	}
	if p.ch.Type != pduICReq || p.ch.Hlen != icReqSize || p.ch.Plen != icReqSize {
		return nil, fmt.Errorf("expected ICReq, got PDU type %#x hlen %d plen %d", p.ch.Type, p.ch.Hlen, p.ch.Plen)
	}
	req := &ICReq{}
	if err := unpack(p.hdr[chSize:], req); err != nil {
		return nil, err
	}
	if req.Pfv != pfv10 {
		return nil, fmt.Errorf("unsupported PDU format version %d", req.Pfv)
	}
	if req.Hpda != 0 {
		return nil, fmt.Errorf("unsupported host PDU data alignment %d", req.Hpda)
	}

	resp := &ICResp{
		Pfv:     pfv10,
		Digest:  req.Digest & (digestHeader | digestData),
		Maxdata: maxH2CData,
	}
	b, err := pack(resp)
	if err != nil {
		return nil, err
	}
	if err := q.writePDU(pduICResp, 0, b, nil); err != nil {
		return nil, err
	}
	q.hdgst = resp.Digest&digestHeader != 0
	q.ddgst = resp.Digest&digestData != 0
	return req, nil
}

// readCapsule reads the next command capsule.
func (q *qpair) readCapsule() (*capsule, error) {
	p, err := q.readPDU()
	if err != nil {
		return nil, err
	}
	switch p.ch.Type {
	case pduCapsuleCmd:
	case pduH2CTermReq:
		return nil, errHostTerminated
	default:
		return nil, fmt.Errorf("unexpected PDU type %#x", p.ch.Type)
	}
	if p.ch.Hlen != capsuleCmdSize {
		return nil, fmt.Errorf("bad command capsule header length %d", p.ch.Hlen)
	}
	return &capsule{sqe: p.hdr[chSize:], data: p.data}, nil
}

func (q *qpair) sendCompletion(cqe *Completion) error {
	b, err := pack(cqe)
	if err != nil {
		return err
	}
	return q.writePDU(pduCapsuleResp, 0, b, nil)
}

// sendData transfers controller to host data for command cid in one PDU.
func (q *qpair) sendData(cid uint16, data []byte) error {
	b, err := pack(&C2HDataHeader{
		CommandID:  cid,
		DataLength: uint32(len(data)),
	})
	if err != nil {
		return err
	}
	return q.writePDU(pduC2HData, flagDataLast, b, data)
}
