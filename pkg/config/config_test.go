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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gostor/ctld/pkg/api"
)

const sampleConfig = `
idle-timeout: 30s
logging:
  level: debug
kernel:
  backend: proxy
auth-groups:
  - name: ag0
    chap:
      - user: user1
        secret: secret1secret1
  - name: ag1
    auth-type: none
    initiator-name:
      - iqn.1994-05.com.example:host1
    initiator-portal:
      - 192.168.1.0/24
portal-groups:
  - name: pg0
    listen:
      - 127.0.0.1
      - "[::1]:3261"
    discovery-auth-group: no-authentication
    discovery-filter: portal-name
  - name: pg1
    tag: 1
    listen:
      - 0.0.0.0:3262
transport-groups:
  - name: tg0
    listen:
      - 127.0.0.1
targets:
  - name: iqn.2012-06.com.example:target0
    alias: disk0
    auth-group: ag0
    ports:
      - portal-group: pg0
      - portal-group: pg1
        auth-group: ag1
controllers:
  - name: nqn.2012-06.com.example:nvme0
    auth-group: no-authentication
    ports:
      - portal-group: tg0
`

func writeConfig(t *testing.T, dir, content string) string {
	file := filepath.Join(dir, "ctld.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoad(t *testing.T) {
	file := writeConfig(t, t.TempDir(), sampleConfig)
	cfg, err := Load(NewViper(file))
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.IdleTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, []string{DefaultAPIHost}, cfg.API.Hosts)
	// pg1 claims tag 1, so pg0 gets the next free one.
	require.Equal(t, 2, cfg.PortalGroups[0].Tag)
	require.Equal(t, 1, cfg.PortalGroups[1].Tag)
	require.Equal(t, DefaultAuthGroup, cfg.PortalGroups[1].DiscoveryAuthGroup)

	snap := cfg.Snapshot()
	require.Len(t, snap.PortalGroups, 3)

	pg0 := snap.PortalGroupByTag(api.ProtocolISCSI, 2)
	require.NotNil(t, pg0)
	require.Equal(t, "127.0.0.1:3260", pg0.Portals[0].Address())
	require.Equal(t, "[::1]:3261", pg0.Portals[1].Address())
	require.Equal(t, api.FilterPortalName, pg0.DiscoveryFilter)
	require.Equal(t, api.AuthTypeNoAuthentication, pg0.DiscoveryAuthGroup.Type)

	port := pg0.FindPort("IQN.2012-06.com.example:target0")
	require.NotNil(t, port)
	require.Equal(t, "ag0", port.EffectiveAuthGroup().Name)
	require.Equal(t, "disk0", port.Target.Alias)

	pg1 := snap.PortalGroupByTag(api.ProtocolISCSI, 1)
	require.Equal(t, "ag1", pg1.FindPort("iqn.2012-06.com.example:target0").EffectiveAuthGroup().Name)
	require.Equal(t, api.AuthTypeDeny, pg1.DiscoveryAuthGroup.Type)

	tg0 := snap.PortalGroupByTag(api.ProtocolNVMeTCP, 1)
	require.NotNil(t, tg0)
	require.Equal(t, "127.0.0.1:4420", tg0.Portals[0].Address())
	require.NotNil(t, tg0.FindPort("nqn.2012-06.com.example:nvme0"))

	ag1 := snap.AuthGroups["ag1"]
	require.Len(t, ag1.InitiatorPortals, 1)
	require.Equal(t, "192.168.1.0/24", ag1.InitiatorPortals[0].String())

	_, err = LookupTarget(snap, "iqn.2012-06.com.example:missing")
	require.True(t, errors.Is(err, ErrNoSuchTarget))
}

func TestSnapshotGeneration(t *testing.T) {
	file := writeConfig(t, t.TempDir(), sampleConfig)
	cfg, err := Load(NewViper(file))
	require.NoError(t, err)
	first := cfg.Snapshot()
	second := cfg.Snapshot()
	require.Greater(t, second.Generation, first.Generation)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown auth type": `
auth-groups:
  - name: ag0
    auth-type: kerberos
`,
		"half mutual user": `
auth-groups:
  - name: ag0
    chap:
      - user: u
        secret: s
        mutual-user: m
`,
		"bad target name": `
portal-groups:
  - name: pg0
targets:
  - name: target0
    ports:
      - portal-group: pg0
`,
		"unknown portal group": `
targets:
  - name: iqn.2012-06.com.example:target0
    ports:
      - portal-group: pg9
`,
		"duplicate tag": `
portal-groups:
  - name: pg0
    tag: 5
  - name: pg1
    tag: 5
`,
		"bad listen": `
portal-groups:
  - name: pg0
    listen:
      - localhost:3260
`,
		"controller on iscsi group": `
portal-groups:
  - name: pg0
controllers:
  - name: nqn.2012-06.com.example:nvme0
    ports:
      - portal-group: pg0
`,
		"bad discovery filter": `
portal-groups:
  - name: pg0
    discovery-filter: everything
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			file := writeConfig(t, t.TempDir(), content)
			_, err := Load(NewViper(file))
			require.Error(t, err)
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	file := writeConfig(t, dir, sampleConfig)
	v := NewViper(file)
	_, err := Load(v)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var timeout int64
	require.NoError(t, Watch(ctx, v, func(cfg *Config, snap *api.Snapshot) {
		atomic.StoreInt64(&timeout, int64(cfg.IdleTimeout))
	}))

	writeConfig(t, dir, "idle-timeout: 5s\n")
	require.Eventually(t, func() bool {
		return time.Duration(atomic.LoadInt64(&timeout)) == 5*time.Second
	}, 5*time.Second, 10*time.Millisecond)
}
