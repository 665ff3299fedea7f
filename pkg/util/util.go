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

// Package util provides the text key=value codec shared by the iSCSI login
// and discovery code, plus a few helpers on names and serial numbers.
package util

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

type KeyValue struct {
	Key   string
	Value string
}

// KeyValueList keeps text keys in the order they appeared on the wire.
type KeyValueList []KeyValue

// Get returns the value of the first occurrence of key.
func (l KeyValueList) Get(key string) (string, bool) {
	for _, kv := range l {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (l *KeyValueList) Add(key, value string) {
	*l = append(*l, KeyValue{Key: key, Value: value})
}

func (l *KeyValueList) AddInt(key string, value int) {
	l.Add(key, strconv.Itoa(value))
}

// Keys returns the key names in order.
func (l KeyValueList) Keys() []string {
	res := make([]string, 0, len(l))
	for _, kv := range l {
		res = append(res, kv.Key)
	}
	return res
}

// ParseKVText parses iSCSI key value data: NUL terminated key=value pairs.
// A trailing pair without a NUL is accepted. Keys may appear only once.
func ParseKVText(txt []byte) (KeyValueList, error) {
	var l KeyValueList
	seen := make(map[string]bool)
	for len(txt) > 0 {
		var pair []byte
		if i := bytes.IndexByte(txt, 0); i >= 0 {
			pair, txt = txt[:i], txt[i+1:]
		} else {
			pair, txt = txt, nil
		}
		if len(pair) == 0 {
			// padding
			continue
		}
		sep := bytes.IndexByte(pair, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("malformed key-value pair %q", string(pair))
		}
		key := string(pair[:sep])
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true
		l.Add(key, string(pair[sep+1:]))
	}
	return l, nil
}

func MarshalKVText(kv KeyValueList) []byte {
	var data []byte
	for _, v := range kv {
		data = append(data, v.Key...)
		data = append(data, '=')
		data = append(data, v.Value...)
		data = append(data, 0)
	}
	return data
}

// ListContains reports whether the comma separated list holds item.
func ListContains(list, item string) bool {
	for _, v := range strings.Split(list, ",") {
		if v == item {
			return true
		}
	}
	return false
}

// ListPrefers walks the comma separated list in order and returns 1 if
// first is met before second, 2 if second is met before first, and 0 if
// neither is present.
func ListPrefers(list, first, second string) int {
	for _, v := range strings.Split(list, ",") {
		switch v {
		case first:
			return 1
		case second:
			return 2
		}
	}
	return 0
}

// SerialLess compares serial numbers as described in RFC 1982.
func SerialLess(a, b uint32) bool {
	return a != b && int32(a-b) < 0
}

func MarshalUint16(i uint16) []byte {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, i)
	return data
}

func MarshalUint32(i uint32) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, i)
	return data
}

// MarshalUint48 encodes the low 48 bits of v, the layout of an ISID.
func MarshalUint48(v uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, v)
	return data[2:]
}

// PadLen rounds n up to a multiple of four.
func PadLen(n int) int {
	return (n + 3) &^ 3
}

const maxNameLen = 223

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// ValidISCSIName checks name against the iqn., eui. and naa. formats.
func ValidISCSIName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("empty iSCSI name")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("overlong iSCSI name %q", name)
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "iqn."):
		rest := name[4:]
		if rest == "" {
			return fmt.Errorf("invalid iSCSI name %q", name)
		}
		for i := 0; i < len(rest); i++ {
			c := rest[i]
			if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
				c == '-' || c == '.' || c == ':' {
				continue
			}
			return fmt.Errorf("invalid character %q in iSCSI name %q", c, name)
		}
	case strings.HasPrefix(lower, "eui."):
		rest := name[4:]
		if len(rest) != 16 {
			return fmt.Errorf("invalid iSCSI name %q; \"eui.\" must be followed by exactly 16 hexadecimal digits", name)
		}
		for i := 0; i < len(rest); i++ {
			if !isHex(rest[i]) {
				return fmt.Errorf("invalid character %q in iSCSI name %q", rest[i], name)
			}
		}
	case strings.HasPrefix(lower, "naa."):
		rest := name[4:]
		if len(rest) != 16 && len(rest) != 32 {
			return fmt.Errorf("invalid iSCSI name %q; \"naa.\" must be followed by 16 or 32 hexadecimal digits", name)
		}
		for i := 0; i < len(rest); i++ {
			if !isHex(rest[i]) {
				return fmt.Errorf("invalid character %q in iSCSI name %q", rest[i], name)
			}
		}
	default:
		return fmt.Errorf("invalid iSCSI name %q; should start with \"iqn.\", \"eui.\" or \"naa.\"", name)
	}
	return nil
}

// ValidNQN checks the basic shape of an NVMe Qualified Name.
func ValidNQN(nqn string) error {
	if !strings.HasPrefix(nqn, "nqn.") {
		return fmt.Errorf("invalid NQN %q; should start with \"nqn.\"", nqn)
	}
	if len(nqn) > maxNameLen {
		return fmt.Errorf("overlong NQN %q", nqn)
	}
	return nil
}
