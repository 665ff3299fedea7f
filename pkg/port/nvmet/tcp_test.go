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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPDURoundTrip(t *testing.T) {
	cases := map[string]struct {
		hdgst bool
		ddgst bool
		data  []byte
	}{
		"plain":                {},
		"plain with data":      {data: []byte("inline data")},
		"header digest":        {hdgst: true, data: []byte("inline data")},
		"data digest":          {ddgst: true, data: []byte("inline data")},
		"both digests":         {hdgst: true, ddgst: true, data: []byte("inline data")},
		"both digests no data": {hdgst: true, ddgst: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			q := &qpair{rw: &buf, hdgst: tc.hdgst, ddgst: tc.ddgst}
			specific := bytes.Repeat([]byte{0xa5}, sqeSize)
			require.NoError(t, q.writePDU(pduCapsuleCmd, 0, specific, tc.data))

			want := capsuleCmdSize + len(tc.data)
			if tc.hdgst {
				want += digestSize
			}
			if tc.ddgst && len(tc.data) > 0 {
				want += digestSize
			}
			require.Equal(t, want, buf.Len())

			cp, err := q.readCapsule()
			require.NoError(t, err)
			require.Equal(t, specific, cp.sqe)
			require.Equal(t, string(tc.data), string(cp.data))
			require.Zero(t, buf.Len())
		})
	}
}

func TestReadPDUErrors(t *testing.T) {
	cases := map[string]struct {
		ch  CommonHeader
		err string
	}{
		"short hlen": {
			ch:  CommonHeader{Type: pduCapsuleCmd, Hlen: 4, Plen: 72},
			err: "malformed PDU header",
		},
		"plen below hlen": {
			ch:  CommonHeader{Type: pduCapsuleCmd, Hlen: 72, Plen: 16},
			err: "malformed PDU header",
		},
		"oversized": {
			ch:  CommonHeader{Type: pduCapsuleCmd, Hlen: 72, Plen: 1 << 20},
			err: "PDU too large",
		},
		"bad data offset": {
			ch:  CommonHeader{Type: pduCapsuleCmd, Hlen: 72, Pdo: 8, Plen: 100},
			err: "bad PDU data offset",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := pack(&tc.ch)
			require.NoError(t, err)
			b = append(b, make([]byte, 128)...)
			q := &qpair{rw: bytes.NewBuffer(b)}
			_, err = q.readPDU()
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestReadCapsuleUnexpected(t *testing.T) {
	var buf bytes.Buffer
	q := &qpair{rw: &buf}
	require.NoError(t, q.writePDU(pduR2T, 0, make([]byte, 16), nil))
	_, err := q.readCapsule()
	require.ErrorContains(t, err, "unexpected PDU type")

	require.NoError(t, q.writePDU(pduH2CTermReq, 0, make([]byte, 16), nil))
	_, err = q.readCapsule()
	require.ErrorIs(t, err, errHostTerminated)
}

func TestDataDigestMismatch(t *testing.T) {
	var buf bytes.Buffer
	q := &qpair{rw: &buf, ddgst: true}
	require.NoError(t, q.writePDU(pduCapsuleCmd, 0, make([]byte, sqeSize), []byte("payload")))
	b := buf.Bytes()
	b[len(b)-1] ^= 0xff
	_, err := q.readCapsule()
	require.ErrorContains(t, err, "data digest mismatch")
}

func TestSendData(t *testing.T) {
	var buf bytes.Buffer
	q := &qpair{rw: &buf}
	require.NoError(t, q.sendData(9, []byte("12345678")))

	p, err := q.readPDU()
	require.NoError(t, err)
	require.Equal(t, pduC2HData, p.ch.Type)
	require.Equal(t, flagDataLast, p.ch.Flags)
	require.Equal(t, uint8(c2hDataSize), p.ch.Hlen)
	require.Equal(t, uint8(c2hDataSize), p.ch.Pdo)
	require.Equal(t, uint32(c2hDataSize+8), p.ch.Plen)
	hdr := &C2HDataHeader{}
	require.NoError(t, unpack(p.hdr[chSize:], hdr))
	require.Equal(t, uint16(9), hdr.CommandID)
	require.Equal(t, uint32(8), hdr.DataLength)
	require.Equal(t, []byte("12345678"), p.data)
}

func TestCompletionStatus(t *testing.T) {
	cqe := NewCompletion(3, StatusSuccess, 42)
	require.Zero(t, cqe.Status)
	require.Equal(t, uint64(42), cqe.Result)

	cqe = NewCompletion(3, StatusConnectInvalidHost, 0)
	require.Equal(t, uint16(0x4184<<1), cqe.Status)
	require.Equal(t, StatusConnectInvalidHost, status(cqe))
}
