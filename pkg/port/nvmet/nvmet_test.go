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
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gostor/ctld/mock"
	"github.com/gostor/ctld/pkg/api"
)

const (
	testHost  = "nqn.2014-08.org.nvmexpress:uuid:host1"
	otherHost = "nqn.2014-08.org.nvmexpress:uuid:host2"
	subOpen   = "nqn.2023-01.org.example:open"
	subNamed  = "nqn.2023-01.org.example:named"
	subNet    = "nqn.2023-01.org.example:net"
	subDeny   = "nqn.2023-01.org.example:deny"
)

var testHostID = uuid.MustParse("6f4a1e3c-3b0d-4a36-9d2e-0d54a7b1c001")

// newTestSnapshot builds two NVMe transport groups and one iSCSI portal
// group. tg0 (tag 1) exports every subsystem and admits anybody to
// discovery; tg1 (tag 2) only exports the open subsystem and denies
// discovery.
func newTestSnapshot(filter api.DiscoveryFilter) *api.Snapshot {
	noauth := &api.AuthGroup{Name: "no-authentication", Type: api.AuthTypeNoAuthentication}
	deny := &api.AuthGroup{Name: "no-access", Type: api.AuthTypeDeny}
	named := &api.AuthGroup{Name: "ag-named", Type: api.AuthTypeNoAuthentication, InitiatorNames: []string{testHost}}
	_, tenNet, _ := net.ParseCIDR("10.0.0.0/8")
	network := &api.AuthGroup{Name: "ag-net", Type: api.AuthTypeNoAuthentication, InitiatorPortals: []*net.IPNet{tenNet}}

	tg0 := &api.PortalGroup{Name: "tg0", Tag: 1, Protocol: api.ProtocolNVMeTCP, DiscoveryAuthGroup: noauth, DiscoveryFilter: filter}
	tg0.Portals = []*api.Portal{
		{Host: "127.0.0.1", Port: "4420", Group: tg0},
		{Host: "0.0.0.0", Port: "4421", Group: tg0},
	}
	tg1 := &api.PortalGroup{Name: "tg1", Tag: 2, Protocol: api.ProtocolNVMeTCP, DiscoveryAuthGroup: deny, SQFlowControlOptional: true}
	tg1.Portals = []*api.Portal{{Host: "::1", Port: "4420", Group: tg1}}
	pg := &api.PortalGroup{Name: "pg0", Tag: 3, Protocol: api.ProtocolISCSI, DiscoveryAuthGroup: noauth}
	pg.Portals = []*api.Portal{{Host: "127.0.0.1", Port: "3260", Group: pg}}

	snap := &api.Snapshot{
		Generation: 7,
		AuthGroups: map[string]*api.AuthGroup{
			noauth.Name: noauth, deny.Name: deny, named.Name: named, network.Name: network,
		},
		PortalGroups: []*api.PortalGroup{tg0, tg1, pg},
	}
	addTarget(snap, &api.Target{Name: subOpen, AuthGroup: noauth}, tg0, tg1, pg)
	addTarget(snap, &api.Target{Name: subNamed, AuthGroup: named}, tg0)
	addTarget(snap, &api.Target{Name: subNet, AuthGroup: network}, tg0)
	addTarget(snap, &api.Target{Name: subDeny, AuthGroup: deny}, tg0)
	return snap
}

func addTarget(snap *api.Snapshot, t *api.Target, pgs ...*api.PortalGroup) {
	snap.Targets = append(snap.Targets, t)
	for _, pg := range pgs {
		p := &api.Port{Target: t, PortalGroup: pg}
		t.Ports = append(t.Ports, p)
		pg.Ports = append(pg.Ports, p)
	}
}

// host scripts the host side of a queue pair.
type host struct {
	t    *testing.T
	conn net.Conn
	q    *qpair
	cid  uint16
}

type queue struct {
	*host
	c       *Conn
	backend *mock.Backend
	errc    chan error
}

func startQueue(t *testing.T, snap *api.Snapshot, tg string) *queue {
	return startQueueWith(t, snap, tg, mock.NewBackend())
}

func startQueueWith(t *testing.T, snap *api.Snapshot, tg string, backend *mock.Backend) *queue {
	return startQueueTimeout(t, snap, tg, backend, 5*time.Second)
}

func startQueueTimeout(t *testing.T, snap *api.Snapshot, tg string, backend *mock.Backend, idle time.Duration) *queue {
	server, client := net.Pipe()
	c := NewConn(server, ConnOptions{
		Snapshot:    snap,
		Portal:      snap.PortalGroup(tg).Portals[0],
		Backend:     backend,
		IdleTimeout: idle,
	})
	q := &queue{
		host:    &host{t: t, conn: client, q: &qpair{rw: client}},
		c:       c,
		backend: backend,
		errc:    make(chan error, 1),
	}
	go func() {
		q.errc <- c.Serve(context.Background())
	}()
	t.Cleanup(func() {
		client.Close()
	})
	return q
}

func (q *queue) wait() error {
	q.t.Helper()
	select {
	case err := <-q.errc:
		return err
	case <-time.After(5 * time.Second):
		q.t.Fatal("queue did not finish")
	}
	return nil
}

func (q *queue) requireConnectError(status uint16) {
	q.t.Helper()
	err := q.wait()
	var ce *ConnectError
	require.ErrorAs(q.t, err, &ce)
	require.Equal(q.t, status, ce.Status)
}

// icreq runs the host side of the handshake and enables the granted
// digests.
func (h *host) icreq(digest uint8) *ICResp {
	h.t.Helper()
	b, err := pack(&ICReq{Pfv: pfv10, Digest: digest, Maxr2t: 0})
	require.NoError(h.t, err)
	require.NoError(h.t, h.q.writePDU(pduICReq, 0, b, nil))

	p, err := h.q.readPDU()
	require.NoError(h.t, err)
	require.Equal(h.t, pduICResp, p.ch.Type)
	require.Equal(h.t, uint8(icRespSize), p.ch.Hlen)
	require.Equal(h.t, uint32(icRespSize), p.ch.Plen)
	resp := &ICResp{}
	require.NoError(h.t, unpack(p.hdr[chSize:], resp))
	h.q.hdgst = resp.Digest&digestHeader != 0
	h.q.ddgst = resp.Digest&digestData != 0
	return resp
}

// submit sends a command capsule. cmd must start with the opcode, flags
// and command id, which submit fills in.
func (h *host) submit(cmd interface{}, data []byte) uint16 {
	h.t.Helper()
	h.cid++
	b, err := pack(cmd)
	require.NoError(h.t, err)
	require.Len(h.t, b, sqeSize)
	b[2] = uint8(h.cid)
	b[3] = uint8(h.cid >> 8)
	require.NoError(h.t, h.q.writePDU(pduCapsuleCmd, 0, b, data))
	return h.cid
}

func (h *host) completion() *Completion {
	h.t.Helper()
	p, err := h.q.readPDU()
	require.NoError(h.t, err)
	require.Equal(h.t, pduCapsuleResp, p.ch.Type)
	require.Equal(h.t, uint8(capsuleRespSize), p.ch.Hlen)
	cqe := &Completion{}
	require.NoError(h.t, unpack(p.hdr[chSize:], cqe))
	require.Equal(h.t, h.cid, cqe.CommandID)
	return cqe
}

func (h *host) data() []byte {
	h.t.Helper()
	p, err := h.q.readPDU()
	require.NoError(h.t, err)
	require.Equal(h.t, pduC2HData, p.ch.Type)
	require.NotZero(h.t, p.ch.Flags&flagDataLast)
	hdr := &C2HDataHeader{}
	require.NoError(h.t, unpack(p.hdr[chSize:], hdr))
	require.Equal(h.t, h.cid, hdr.CommandID)
	require.Equal(h.t, uint32(len(p.data)), hdr.DataLength)
	return p.data
}

// exec submits cmd and returns the status of its completion.
func (h *host) exec(cmd interface{}) (uint16, *Completion) {
	h.t.Helper()
	h.submit(cmd, nil)
	cqe := h.completion()
	return status(cqe), cqe
}

func (h *host) requireClosed() {
	h.t.Helper()
	_, err := h.q.readPDU()
	require.Error(h.t, err)
}

// status strips the phase tag and DNR from a completion status.
func status(cqe *Completion) uint16 {
	return cqe.Status >> 1 &^ statusDNR
}

func connectCommand(qid uint16) *ConnectCommand {
	return &ConnectCommand{
		Opcode: opFabrics,
		FcType: fctypeConnect,
		QID:    qid,
		SqSize: 31,
		Kato:   120000,
		Dptr:   DataPtr{Length: connectDataSize, Type: 0x01},
	}
}

func connectData(subNQN, hostNQN string, hostID uuid.UUID, cntlid uint16) []byte {
	d := &ConnectData{CntlID: cntlid}
	copy(d.HostID[:], hostID[:])
	copy(d.SubNQN[:], subNQN)
	copy(d.HostNQN[:], hostNQN)
	b, err := pack(d)
	if err != nil {
		panic(err)
	}
	return b
}

func (h *host) connect(subNQN string, qid uint16) *Completion {
	h.t.Helper()
	h.submit(connectCommand(qid), connectData(subNQN, testHost, testHostID, dynamicCntl))
	return h.completion()
}

func propertyGet(offset uint32, wide bool) *PropertyCommand {
	cmd := &PropertyCommand{Opcode: opFabrics, FcType: fctypePropertyGet, Offset: offset}
	if wide {
		cmd.Attrib = 1
	}
	return cmd
}

func propertySet(offset uint32, value uint64) *PropertyCommand {
	return &PropertyCommand{Opcode: opFabrics, FcType: fctypePropertySet, Offset: offset, Value: value}
}

func identify(cns uint8) *IdentifyCommand {
	return &IdentifyCommand{Opcode: opIdentify, Cns: cns, Dptr: DataPtr{Length: 4096}}
}

func getLogPage(lid uint8, offset uint64, length uint32) *GetLogPageCommand {
	numd := length/4 - 1
	return &GetLogPageCommand{
		Opcode: opGetLogPage,
		Lid:    lid,
		NumDl:  uint16(numd),
		NumDu:  uint16(numd >> 16),
		Lpol:   uint32(offset),
		Lpou:   uint32(offset >> 32),
		Dptr:   DataPtr{Length: length},
	}
}

// enabledCC is what a Linux host writes to enable an admin controller.
const enabledCC = uint64(ccEN | sqEntryShift<<ccIOSQESShift | cqEntryShift<<ccIOCQESShift)

const shutdownCC = enabledCC | 1<<ccSHNShift
