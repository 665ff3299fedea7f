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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, logLen int) *Controller {
	t.Helper()
	logPage := make([]byte, logLen)
	for i := range logPage {
		logPage[i] = byte(i / 4)
	}
	c, err := NewController(5, logPage)
	require.NoError(t, err)
	return c
}

func execute(t *testing.T, c *Controller, cmd interface{}) Result {
	t.Helper()
	b, err := pack(cmd)
	require.NoError(t, err)
	return c.Execute(b)
}

func enable(t *testing.T, c *Controller) {
	t.Helper()
	res := execute(t, c, propertySet(regCC, enabledCC))
	require.Equal(t, StatusSuccess, res.Status)
}

func TestControllerEnableShutdown(t *testing.T) {
	c := newTestController(t, 2048)

	res := execute(t, c, propertyGet(regCAP, true))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, uint64(discoveryQueueSize-1), res.Value&0xffff, "MQES")
	require.NotZero(t, res.Value&capCQR)
	require.Equal(t, uint64(15), res.Value>>24&0xff, "TO")
	require.NotZero(t, res.Value&capCSNVM)

	res = execute(t, c, propertyGet(regVS, false))
	require.Equal(t, uint64(0x10400), res.Value)

	res = execute(t, c, identify(cnsController))
	require.Equal(t, StatusCommandSequenceError, res.Status)

	enable(t, c)
	require.Equal(t, cstsRDY, c.CSTS())
	require.False(t, c.Done())

	res = execute(t, c, propertyGet(regCSTS, false))
	require.Equal(t, uint64(cstsRDY), res.Value)

	res = execute(t, c, propertySet(regCC, shutdownCC))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, shstComplete, c.CSTS())
	require.Zero(t, c.CC()&ccEN)
	require.True(t, c.Done())
}

func TestControllerDisable(t *testing.T) {
	c := newTestController(t, 1024)
	res := execute(t, c, propertySet(regCC, 0))
	require.Equal(t, StatusSuccess, res.Status)
	require.False(t, c.Done(), "disabling a disabled controller")

	enable(t, c)
	res = execute(t, c, propertySet(regCC, 0))
	require.Equal(t, StatusSuccess, res.Status)
	require.Zero(t, c.CC())
	require.Zero(t, c.CSTS())
	require.True(t, c.Done())
}

func TestControllerSetProperty(t *testing.T) {
	cases := map[string]struct {
		attrib uint8
		offset uint32
		value  uint64
		status uint16
	}{
		"enable":          {offset: regCC, value: enabledCC, status: StatusSuccess},
		"admin only":      {offset: regCC, value: enabledCC | cssAdminOnly<<ccCSSShift, status: StatusSuccess},
		"bare enable":     {offset: regCC, value: uint64(ccEN), status: StatusSuccess},
		"ams":             {offset: regCC, value: enabledCC | 1<<ccAMSShift, status: StatusInvalidField},
		"mps":             {offset: regCC, value: enabledCC | 1<<ccMPSShift, status: StatusInvalidField},
		"css":             {offset: regCC, value: enabledCC | 1<<ccCSSShift, status: StatusInvalidField},
		"iosqes":          {offset: regCC, value: uint64(ccEN | 5<<ccIOSQESShift), status: StatusInvalidField},
		"iocqes":          {offset: regCC, value: uint64(ccEN | 6<<ccIOCQESShift), status: StatusInvalidField},
		"wide":            {attrib: 1, offset: regCC, value: enabledCC, status: StatusInvalidField},
		"read only":       {offset: regCSTS, value: 1, status: StatusInvalidField},
		"unknown offset":  {offset: 0x20, value: 1, status: StatusInvalidField},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestController(t, 1024)
			cmd := propertySet(tc.offset, tc.value)
			cmd.Attrib = tc.attrib
			res := execute(t, c, cmd)
			require.Equal(t, tc.status, res.Status)
			if tc.status != StatusSuccess {
				require.Zero(t, c.CC())
				require.Zero(t, c.CSTS())
			}
		})
	}
}

func TestControllerFrozenWhileEnabled(t *testing.T) {
	c := newTestController(t, 1024)
	enable(t, c)
	res := execute(t, c, propertySet(regCC, enabledCC|cssAdminOnly<<ccCSSShift))
	require.Equal(t, StatusInvalidField, res.Status)
	require.Equal(t, uint32(enabledCC), c.CC())
	require.Equal(t, cstsRDY, c.CSTS())
}

func TestControllerShutdownWhileDisabled(t *testing.T) {
	c := newTestController(t, 1024)
	res := execute(t, c, propertySet(regCC, 1<<ccSHNShift))
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, shstComplete, c.CSTS())
	require.True(t, c.Done())
}

func TestControllerGetProperty(t *testing.T) {
	cases := map[string]struct {
		offset uint32
		wide   bool
		status uint16
	}{
		"cap":         {offset: regCAP, wide: true, status: StatusSuccess},
		"narrow cap":  {offset: regCAP, status: StatusInvalidField},
		"vs":          {offset: regVS, status: StatusSuccess},
		"wide vs":     {offset: regVS, wide: true, status: StatusInvalidField},
		"cc":          {offset: regCC, status: StatusSuccess},
		"csts":        {offset: regCSTS, status: StatusSuccess},
		"wide csts":   {offset: regCSTS, wide: true, status: StatusInvalidField},
		"nssr":        {offset: 0x20, status: StatusInvalidField},
		"unaligned":   {offset: 0x15, status: StatusInvalidField},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestController(t, 1024)
			res := execute(t, c, propertyGet(tc.offset, tc.wide))
			require.Equal(t, tc.status, res.Status)
		})
	}
}

func TestControllerCommands(t *testing.T) {
	cases := map[string]struct {
		cmd    interface{}
		status uint16
	}{
		"identify controller": {cmd: identify(cnsController), status: StatusSuccess},
		"identify namespace":  {cmd: identify(0), status: StatusInvalidField},
		"identify ns list":    {cmd: identify(2), status: StatusInvalidField},
		"keep alive":          {cmd: &Command{Opcode: opKeepAlive}, status: StatusSuccess},
		"set features":        {cmd: &Command{Opcode: 0x09}, status: StatusInvalidOpcode},
		"async event":         {cmd: &Command{Opcode: 0x0c}, status: StatusInvalidOpcode},
		"second connect":      {cmd: connectCommand(0), status: StatusCommandSequenceError},
		"unknown fabrics":     {cmd: &PropertyCommand{Opcode: opFabrics, FcType: 0x05}, status: StatusInvalidOpcode},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestController(t, 1024)
			enable(t, c)
			res := execute(t, c, tc.cmd)
			require.Equal(t, tc.status, res.Status)
			if tc.status != StatusSuccess {
				require.Nil(t, res.Data)
			}
		})
	}
}

func TestControllerIdentify(t *testing.T) {
	c := newTestController(t, 1024)
	enable(t, c)

	res := execute(t, c, identify(cnsController))
	require.Equal(t, StatusSuccess, res.Status)
	data := res.Data
	require.Len(t, data, 4096)
	require.Equal(t, "ctld", string(data[4:8]))
	require.Equal(t, byte(' '), data[8])
	require.Equal(t, uint16(5), binary.LittleEndian.Uint16(data[78:80]), "CNTLID")
	require.Equal(t, uint32(nvmeVersion), binary.LittleEndian.Uint32(data[80:84]), "VER")
	require.Equal(t, byte(ctrlDiscovery), data[111], "CNTRLTYPE")
	require.Equal(t, byte(lpaExtData), data[261], "LPA")
	require.Equal(t, uint16(discoveryQueueSize), binary.LittleEndian.Uint16(data[514:516]), "MAXCMD")
	require.NotZero(t, binary.LittleEndian.Uint32(data[536:540]), "SGLS")
	require.Equal(t, DiscoveryNQN, string(data[768:768+len(DiscoveryNQN)]))
	require.Zero(t, data[768+len(DiscoveryNQN)])

	cmd := identify(cnsController)
	cmd.Dptr.Length = 512
	res = execute(t, c, cmd)
	require.Len(t, res.Data, 512)
}

func TestControllerGetLogPage(t *testing.T) {
	const logLen = 3 * 1024
	cases := map[string]struct {
		lid    uint8
		offset uint64
		length uint32
		sgl    uint32
		status uint16
		from   int
		to     int
	}{
		"header":          {lid: lidDiscovery, length: 1024, status: StatusSuccess, to: 1024},
		"whole log":       {lid: lidDiscovery, length: 4096, status: StatusSuccess, to: logLen},
		"tail":            {lid: lidDiscovery, offset: 1024, length: 4096, status: StatusSuccess, from: 1024, to: logLen},
		"middle":          {lid: lidDiscovery, offset: 1028, length: 8, status: StatusSuccess, from: 1028, to: 1036},
		"at the end":      {lid: lidDiscovery, offset: logLen, length: 4, status: StatusSuccess, from: logLen, to: logLen},
		"short buffer":    {lid: lidDiscovery, length: 2048, sgl: 100, status: StatusSuccess, to: 100},
		"past the end":    {lid: lidDiscovery, offset: logLen + 4, length: 4, status: StatusInvalidField},
		"unaligned":       {lid: lidDiscovery, offset: 2, length: 4, status: StatusInvalidField},
		"upper offset":    {lid: lidDiscovery, offset: 1 << 32, length: 4, status: StatusInvalidField},
		"error log":       {lid: 0x01, length: 64, status: StatusInvalidField},
		"smart log":       {lid: 0x02, length: 512, status: StatusInvalidField},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestController(t, logLen)
			enable(t, c)
			cmd := getLogPage(tc.lid, tc.offset, tc.length)
			if tc.sgl != 0 {
				cmd.Dptr.Length = tc.sgl
			}
			res := execute(t, c, cmd)
			require.Equal(t, tc.status, res.Status)
			if tc.status == StatusSuccess {
				require.Equal(t, c.logPage[tc.from:tc.to], res.Data)
			}
		})
	}
}

func TestGetLogPageLength(t *testing.T) {
	cmd := &GetLogPageCommand{NumDl: 0xffff, NumDu: 0x1}
	require.Equal(t, uint64(0x20000*4), cmd.Length())
	cmd = &GetLogPageCommand{}
	require.Equal(t, uint64(4), cmd.Length())
	cmd = &GetLogPageCommand{Lpol: 8, Lpou: 1}
	require.Equal(t, uint64(1<<32|8), cmd.Offset())
}
