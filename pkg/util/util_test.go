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

package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKVText(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    KeyValueList
		wantErr bool
	}{
		{
			name: "ordered pairs",
			data: "InitiatorName=iqn.x\x00SessionType=Discovery\x00",
			want: KeyValueList{{"InitiatorName", "iqn.x"}, {"SessionType", "Discovery"}},
		},
		{
			name: "padding and missing terminator",
			data: "A=1\x00\x00\x00B=2",
			want: KeyValueList{{"A", "1"}, {"B", "2"}},
		},
		{
			name: "empty value",
			data: "A=\x00",
			want: KeyValueList{{"A", ""}},
		},
		{name: "duplicate key", data: "A=1\x00A=2\x00", wantErr: true},
		{name: "missing separator", data: "garbage\x00", wantErr: true},
		{name: "empty key", data: "=1\x00", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKVText([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMarshalKVText(t *testing.T) {
	var kv KeyValueList
	kv.Add("TargetName", "iqn.x")
	kv.AddInt("TargetPortalGroupTag", 1)
	require.Equal(t, "TargetName=iqn.x\x00TargetPortalGroupTag=1\x00", string(MarshalKVText(kv)))
	require.Equal(t, []string{"TargetName", "TargetPortalGroupTag"}, kv.Keys())
	v, ok := kv.Get("TargetPortalGroupTag")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestLists(t *testing.T) {
	require.True(t, ListContains("CHAP,None", "None"))
	require.False(t, ListContains("CHAP,None", "KRB5"))

	require.Equal(t, 1, ListPrefers("CRC32C,None", "CRC32C", "None"))
	require.Equal(t, 2, ListPrefers("None,CRC32C", "CRC32C", "None"))
	require.Equal(t, 0, ListPrefers("MD5", "CRC32C", "None"))
}

func TestSerialLess(t *testing.T) {
	require.True(t, SerialLess(1, 2))
	require.False(t, SerialLess(2, 2))
	require.False(t, SerialLess(3, 2))
	require.True(t, SerialLess(0xffffffff, 0))
}

func TestPadLen(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 4, 4: 4, 5: 8, 8191: 8192} {
		require.Equal(t, want, PadLen(n))
	}
}

func TestValidISCSIName(t *testing.T) {
	valid := []string{
		"iqn.2023-01.org.example:host1",
		"IQN.2023-01.org.example:Host1",
		"eui.0123456789ABCDEF",
		"naa.0123456789abcdef",
		"naa.0123456789abcdef0123456789abcdef",
	}
	for _, name := range valid {
		require.NoError(t, ValidISCSIName(name), name)
	}
	invalid := []string{
		"",
		"iqn.",
		"iqn.2023-01.org.example:host_1",
		"eui.0123",
		"eui.0123456789abcdeg",
		"naa.0123456789abcdef01",
		"host1",
		"iqn." + strings.Repeat("a", 220),
	}
	for _, name := range invalid {
		require.Error(t, ValidISCSIName(name), name)
	}
}

func TestValidNQN(t *testing.T) {
	require.NoError(t, ValidNQN("nqn.2014-08.org.nvmexpress.discovery"))
	require.Error(t, ValidNQN("iqn.2023-01.org.example:host1"))
	require.Error(t, ValidNQN("nqn."+strings.Repeat("a", 220)))
}
