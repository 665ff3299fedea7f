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

package iscsit

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gostor/ctld/mock"
	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/util"
)

const (
	testInitiator  = "iqn.2023-01.org.example:host1"
	targetNoAuth   = "iqn.2023-01.org.example:noauth"
	targetCHAP     = "iqn.2023-01.org.example:chap"
	targetMutual   = "iqn.2023-01.org.example:mutual"
	targetDeny     = "iqn.2023-01.org.example:deny"
	targetMoved    = "iqn.2023-01.org.example:moved"
	testISID       = uint64(0x23d000000001)
	chapUser       = "user1"
	chapSecret     = "secret1secret1"
	mutualUser     = "target1"
	mutualSecret   = "mutual1mutual1"
	pgRedirect     = "10.0.0.1:3260"
	targetRedirect = "10.0.0.2:3260"
)

// newTestSnapshot builds two portal groups. pg0 (tag 1) exports every
// target; pg1 (tag 2) redirects and only exports the moved target.
func newTestSnapshot() *api.Snapshot {
	noauth := &api.AuthGroup{Name: "no-authentication", Type: api.AuthTypeNoAuthentication}
	deny := &api.AuthGroup{Name: "no-access", Type: api.AuthTypeDeny}
	chap := &api.AuthGroup{
		Name:  "ag-chap",
		Users: []api.CHAPUser{{User: chapUser, Secret: chapSecret}},
	}
	mutual := &api.AuthGroup{
		Name: "ag-mutual",
		Type: api.AuthTypeCHAPMutual,
		Users: []api.CHAPUser{{
			User: chapUser, Secret: chapSecret,
			MutualUser: mutualUser, MutualSecret: mutualSecret,
		}},
	}

	pg0 := &api.PortalGroup{Name: "pg0", Tag: 1, Protocol: api.ProtocolISCSI, DiscoveryAuthGroup: noauth}
	pg0.Portals = []*api.Portal{{Host: "127.0.0.1", Port: "3260", Group: pg0}}
	pg1 := &api.PortalGroup{Name: "pg1", Tag: 2, Protocol: api.ProtocolISCSI, DiscoveryAuthGroup: deny, Redirect: pgRedirect}
	pg1.Portals = []*api.Portal{{Host: "127.0.0.2", Port: "3260", Group: pg1}}

	snap := &api.Snapshot{
		Generation: 1,
		AuthGroups: map[string]*api.AuthGroup{
			noauth.Name: noauth, deny.Name: deny, chap.Name: chap, mutual.Name: mutual,
		},
		PortalGroups: []*api.PortalGroup{pg0, pg1},
	}
	addTarget(snap, &api.Target{Name: targetNoAuth, Alias: "disk0", AuthGroup: noauth}, pg0)
	addTarget(snap, &api.Target{Name: targetCHAP, AuthGroup: chap}, pg0)
	addTarget(snap, &api.Target{Name: targetMutual, AuthGroup: mutual}, pg0)
	addTarget(snap, &api.Target{Name: targetDeny, AuthGroup: deny}, pg0)
	addTarget(snap, &api.Target{Name: targetMoved, AuthGroup: noauth, Redirect: targetRedirect}, pg0, pg1)
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

// initiator scripts the initiator side of a connection.
type initiator struct {
	t         *testing.T
	conn      net.Conn
	cmdSN     uint32
	expStatSN uint32
}

type session struct {
	*initiator
	c       *Conn
	backend *mock.Backend
	errc    chan error
}

func startSession(t *testing.T, snap *api.Snapshot, pg string) *session {
	return startSessionWith(t, snap, pg, mock.NewBackend())
}

func startSessionWith(t *testing.T, snap *api.Snapshot, pg string, backend *mock.Backend) *session {
	server, client := net.Pipe()
	c := NewConn(server, ConnOptions{
		Snapshot:    snap,
		Portal:      snap.PortalGroup(pg).Portals[0],
		Backend:     backend,
		IdleTimeout: 5 * time.Second,
	})
	s := &session{
		initiator: &initiator{t: t, conn: client, cmdSN: 10, expStatSN: 100},
		c:         c,
		backend:   backend,
		errc:      make(chan error, 1),
	}
	go func() {
		s.errc <- c.Serve(context.Background())
	}()
	t.Cleanup(func() {
		client.Close()
	})
	return s
}

// wait returns the result of Serve.
func (s *session) wait() error {
	s.t.Helper()
	select {
	case err := <-s.errc:
		return err
	case <-time.After(5 * time.Second):
		s.t.Fatal("connection did not finish")
	}
	return nil
}

func (s *session) requireLoginError(class, detail uint8) {
	s.t.Helper()
	err := s.wait()
	var le *LoginError
	require.ErrorAs(s.t, err, &le)
	require.Equal(s.t, class, le.Class)
	require.Equal(s.t, detail, le.Detail)
}

func pairs(kv ...string) util.KeyValueList {
	var l util.KeyValueList
	for i := 0; i+1 < len(kv); i += 2 {
		l.Add(kv[i], kv[i+1])
	}
	return l
}

func (i *initiator) loginMsg(csg, nsg Stage, transit bool, kv util.KeyValueList) *Message {
	return &Message{
		OpCode:    OpLoginReq,
		Immediate: true,
		Transit:   transit,
		CSG:       csg,
		NSG:       nsg,
		ISID:      testISID,
		TaskTag:   1,
		CmdSN:     i.cmdSN,
		ExpStatSN: i.expStatSN,
		RawData:   util.MarshalKVText(kv),
	}
}

func (i *initiator) send(m *Message) {
	i.t.Helper()
	_, err := i.conn.Write(m.Bytes())
	require.NoError(i.t, err)
}

func (i *initiator) recv() *Message {
	i.t.Helper()
	m, err := ReadMessage(i.conn, 1<<20)
	require.NoError(i.t, err)
	i.expStatSN = m.StatSN + 1
	return m
}

// exchange sends m and returns the response with its keys.
func (i *initiator) exchange(m *Message) (*Message, util.KeyValueList) {
	i.t.Helper()
	i.send(m)
	resp := i.recv()
	kv, err := util.ParseKVText(resp.RawData)
	require.NoError(i.t, err)
	return resp, kv
}

func (i *initiator) login(csg, nsg Stage, transit bool, kv util.KeyValueList) (*Message, util.KeyValueList) {
	i.t.Helper()
	return i.exchange(i.loginMsg(csg, nsg, transit, kv))
}

// requireClosed checks that the target closed the connection without
// sending anything more.
func (i *initiator) requireClosed() {
	i.t.Helper()
	_, err := ReadMessage(i.conn, 1<<20)
	require.Error(i.t, err)
}

func requireKey(t *testing.T, kv util.KeyValueList, key, value string) {
	t.Helper()
	v, ok := kv.Get(key)
	require.True(t, ok, "missing key %s in %v", key, kv)
	require.Equal(t, value, v, key)
}

// textPairs splits a text data segment that may repeat keys.
func textPairs(data []byte) []string {
	var res []string
	for _, p := range bytes.Split(data, []byte{0}) {
		if len(p) > 0 {
			res = append(res, string(p))
		}
	}
	return res
}

// chapAnswer computes CHAP_R for the challenge in kv.
func chapAnswer(t *testing.T, kv util.KeyValueList, secret string) string {
	t.Helper()
	idStr, ok := kv.Get("CHAP_I")
	require.True(t, ok)
	id, err := strconv.Atoi(idStr)
	require.NoError(t, err)
	c, ok := kv.Get("CHAP_C")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(c, "0x"))
	challenge, err := auth.DecodeBinary(c)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(auth.Response(uint8(id), secret, challenge))
}

// normalOperational is a typical operational request of a Linux
// initiator.
func normalOperational() util.KeyValueList {
	return pairs(
		"HeaderDigest", "None",
		"DataDigest", "None",
		"MaxRecvDataSegmentLength", "65536",
		"MaxBurstLength", "262144",
		"FirstBurstLength", "65536",
		"ImmediateData", "Yes",
		"InitialR2T", "Yes",
		"ErrorRecoveryLevel", "0",
	)
}
