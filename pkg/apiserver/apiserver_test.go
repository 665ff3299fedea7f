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
package apiserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/version"
)

const (
	disk1   = "iqn.2023-01.org.example:disk1"
	disk2   = "iqn.2023-01.org.example:disk2"
	sub1    = "nqn.2023-01.org.example:sub1"
	allowed = "iqn.1994-05.com.example:allowed"
	other   = "iqn.1994-05.com.example:other"
)

type fakeBackend struct {
	snap    *api.Snapshot
	conns   []api.ConnectionInfo
	parked  []kernel.ParkedConnection
	dropped []string
}

func (b *fakeBackend) Snapshot() *api.Snapshot { return b.snap }
func (b *fakeBackend) Connections() []api.ConnectionInfo { return b.conns }
func (b *fakeBackend) Parked() []kernel.ParkedConnection { return b.parked }

func (b *fakeBackend) DropParked(id string) bool {
	for i, p := range b.parked {
		if p.ID == id {
			b.parked = append(b.parked[:i], b.parked[i+1:]...)
			b.dropped = append(b.dropped, id)
			return true
		}
	}
	return false
}

func link(t *api.Target, pg *api.PortalGroup) {
	port := &api.Port{Target: t, PortalGroup: pg}
	t.Ports = append(t.Ports, port)
	pg.Ports = append(pg.Ports, port)
}

func newTestSnapshot() *api.Snapshot {
	open := &api.AuthGroup{Name: "open", Type: api.AuthTypeNoAuthentication}
	restricted := &api.AuthGroup{Name: "restricted", Type: api.AuthTypeNoAuthentication, InitiatorNames: []string{allowed}}

	pg := &api.PortalGroup{Name: "pg0", Tag: 1, Protocol: api.ProtocolISCSI, DiscoveryAuthGroup: open, DiscoveryFilter: api.FilterPortalName}
	pg.Portals = []*api.Portal{{Host: "127.0.0.1", Port: "3260", Group: pg}}
	tg := &api.PortalGroup{Name: "tg0", Tag: 1, Protocol: api.ProtocolNVMeTCP, DiscoveryAuthGroup: open}
	tg.Portals = []*api.Portal{{Host: "127.0.0.1", Port: "4420", Group: tg}}

	t1 := &api.Target{Name: disk1, Alias: "one", AuthGroup: open}
	t2 := &api.Target{Name: disk2, AuthGroup: restricted, Redirect: "192.0.2.1:3260"}
	s1 := &api.Target{Name: sub1, AuthGroup: open}
	link(t1, pg)
	link(t2, pg)
	link(s1, tg)

	return &api.Snapshot{
		Generation:   3,
		AuthGroups:   map[string]*api.AuthGroup{"open": open, "restricted": restricted},
		PortalGroups: []*api.PortalGroup{pg, tg},
		Targets:      []*api.Target{t1, t2, s1},
	}
}

func newTestServer(t *testing.T, cfg *Config) (*httptest.Server, *fakeBackend) {
	b := &fakeBackend{
		snap: newTestSnapshot(),
		conns: []api.ConnectionInfo{
			{ID: "c1", Protocol: api.ProtocolISCSI, Target: disk1, State: "operational"},
			{ID: "c2", Protocol: api.ProtocolISCSI, SessionType: "Discovery", State: "discovery"},
		},
		parked: []kernel.ParkedConnection{{
			ID:    "p1",
			Since: time.Unix(1700000000, 0).UTC(),
			Request: kernel.HandoffRequest{
				Protocol:       api.ProtocolISCSI,
				InitiatorName:  allowed,
				InitiatorAddr:  "192.0.2.10",
				TargetName:     disk1,
				PortalGroupTag: 1,
			},
		}},
	}
	s, err := New(cfg, b)
	require.NoError(t, err)
	s.InitRouters()
	ts := httptest.NewServer(s.createMux())
	t.Cleanup(ts.Close)
	return ts, b
}

func get(t *testing.T, url string, v interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestTargetRoutes(t *testing.T) {
	ts, _ := newTestServer(t, &Config{})

	var list []api.TargetInfo
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/target/list", &list))
	require.Len(t, list, 3)
	require.Equal(t, disk1, list[0].Name)
	require.Equal(t, "open", list[0].AuthGroup)
	require.Equal(t, "none", list[0].AuthType)
	require.Equal(t, 1, list[0].Connections)
	require.Nil(t, list[0].PortalGroups)

	list = nil
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/v1.0/target/list?name=IQN.2023-01.org.example:DISK2&verbose=1", &list))
	require.Len(t, list, 1)
	require.Equal(t, disk2, list[0].Name)
	require.Equal(t, "192.0.2.1:3260", list[0].Redirect)
	require.Equal(t, []string{"pg0"}, list[0].PortalGroups)

	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/target/list?name=iqn.2023-01.org.example:missing", nil))

	var info api.TargetInfo
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/target/"+sub1, &info))
	require.Equal(t, sub1, info.Name)
	require.Equal(t, []string{"tg0"}, info.PortalGroups)
	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/target/nqn.2023-01.org.example:missing", nil))
}

func TestPortalGroupRoutes(t *testing.T) {
	ts, _ := newTestServer(t, &Config{})

	var list []api.PortalGroupInfo
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/portal-group/list", &list))
	require.Equal(t, []api.PortalGroupInfo{
		{
			Name:               "pg0",
			Tag:                1,
			Protocol:           api.ProtocolISCSI,
			Portals:            []string{"127.0.0.1:3260"},
			DiscoveryAuthGroup: "open",
			DiscoveryFilter:    "portal-name",
			Targets:            []string{disk1, disk2},
		},
		{
			Name:               "tg0",
			Tag:                1,
			Protocol:           api.ProtocolNVMeTCP,
			Portals:            []string{"127.0.0.1:4420"},
			DiscoveryAuthGroup: "open",
			DiscoveryFilter:    "none",
			Targets:            []string{sub1},
		},
	}, list)
}

func TestSessionRoutes(t *testing.T) {
	ts, b := newTestServer(t, &Config{})

	var conns []api.ConnectionInfo
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/session/list", &conns))
	require.Len(t, conns, 2)

	conns = nil
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/session/list?target="+disk1, &conns))
	require.Len(t, conns, 1)
	require.Equal(t, "c1", conns[0].ID)

	var parked []api.ParkedConnectionInfo
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/session/parked", &parked))
	require.Equal(t, []api.ParkedConnectionInfo{{
		ID:             "p1",
		Protocol:       api.ProtocolISCSI,
		Initiator:      allowed,
		Address:        "192.0.2.10",
		Target:         disk1,
		PortalGroupTag: 1,
		Since:          time.Unix(1700000000, 0).UTC(),
	}}, parked)

	del := func(id string) int {
		req, err := http.NewRequest("DELETE", ts.URL+"/session/parked/"+id, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusNoContent, del("p1"))
	require.Equal(t, http.StatusNotFound, del("p1"))
	require.Equal(t, []string{"p1"}, b.dropped)
}

func TestDiscoveryRoute(t *testing.T) {
	ts, _ := newTestServer(t, &Config{})

	tests := []struct {
		name   string
		query  string
		status int
		want   []string
	}{
		{"allowed initiator", "/discovery/1?initiator=" + allowed, http.StatusOK, []string{disk1, disk2}},
		{"filtered initiator", "/discovery/1?initiator=" + other, http.StatusOK, []string{disk1}},
		{"single target", "/discovery/1?initiator=" + allowed + "&target=" + disk2, http.StatusOK, []string{disk2}},
		{"nvme", "/discovery/1?protocol=nvme-tcp&initiator=nqn.2014-08.org.example:host", http.StatusOK, []string{sub1}},
		{"unknown tag", "/discovery/9", http.StatusNotFound, nil},
		{"bad tag", "/discovery/70000", http.StatusBadRequest, nil},
		{"bad protocol", "/discovery/1?protocol=fc", http.StatusBadRequest, nil},
		{"bad address", "/discovery/1?address=nowhere", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var records []api.DiscoveryRecord
			require.Equal(t, tt.status, get(t, ts.URL+tt.query, &records))
			if tt.status != http.StatusOK {
				return
			}
			var names []string
			for _, r := range records {
				names = append(names, r.Name)
			}
			require.Equal(t, tt.want, names)
		})
	}

	var records []api.DiscoveryRecord
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/discovery/1?initiator="+allowed, &records))
	require.Equal(t, []string{"127.0.0.1:3260,1"}, records[0].Addresses)
}

func TestVersionRoute(t *testing.T) {
	ts, _ := newTestServer(t, &Config{Version: version.Version})

	var v api.VersionInfo
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/version", &v))
	require.Equal(t, version.VERSION, v.Version)
	require.Equal(t, version.Version, v.APIVersion)

	require.Equal(t, http.StatusOK, get(t, ts.URL+"/v0.9/version", &v))
	require.Equal(t, "0.9", v.APIVersion)

	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/v99.0/version", nil))
}

func TestMetricsRoute(t *testing.T) {
	ts, _ := newTestServer(t, &Config{})
	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/metrics", nil))

	ts, _ = newTestServer(t, &Config{Metrics: true})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "ctld_config_reloads_total") || strings.Contains(string(body), "go_goroutines"))
}

func TestVersionNewer(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.0", "1.0", false},
		{"1.1", "1.0", true},
		{"0.9", "1.0", false},
		{"1.0.1", "1.0", true},
		{"1", "1.0", false},
		{"2", "1.10", true},
	}
	for _, tt := range tests {
		t.Run(tt.a+"-"+tt.b, func(t *testing.T) {
			require.Equal(t, tt.want, versionNewer(tt.a, tt.b))
		})
	}
}

func TestParseAddr(t *testing.T) {
	a, err := ParseAddr("unix:///var/run/ctld.sock")
	require.NoError(t, err)
	require.Equal(t, Addr{Proto: "unix", Addr: "/var/run/ctld.sock"}, a)

	a, err = ParseAddr("tcp://127.0.0.1:23457")
	require.NoError(t, err)
	require.Equal(t, Addr{Proto: "tcp", Addr: "127.0.0.1:23457"}, a)

	_, err = ParseAddr("127.0.0.1:23457")
	require.Error(t, err)
}

func TestServeTCP(t *testing.T) {
	b := &fakeBackend{snap: newTestSnapshot()}
	s, err := New(&Config{Addrs: []Addr{{Proto: "tcp", Addr: "127.0.0.1:0"}}}, b)
	require.NoError(t, err)
	s.InitRouters()
	require.Len(t, s.servers, 1)
	addr := s.servers[0].l.Addr().String()

	wait := make(chan error, 1)
	go s.Wait(wait)

	var v api.VersionInfo
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/version")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&v) == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, version.VERSION, v.Version)

	s.Close()
	require.NoError(t, <-wait)
}

func TestNewServerErrors(t *testing.T) {
	_, err := New(&Config{Addrs: []Addr{{Proto: "udp", Addr: "127.0.0.1:0"}}}, &fakeBackend{})
	require.Error(t, err)

	_, err = New(&Config{Addrs: []Addr{{Proto: "fd", Addr: "3"}}}, &fakeBackend{})
	require.Error(t, err)
}

func TestServeUnix(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("unix API sockets are chowned to root")
	}
	path := filepath.Join(t.TempDir(), "ctld.sock")
	s, err := New(&Config{Addrs: []Addr{{Proto: "unix", Addr: path}}}, &fakeBackend{snap: newTestSnapshot()})
	require.NoError(t, err)
	defer s.Close()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.ModeSocket, fi.Mode()&os.ModeSocket)
}
