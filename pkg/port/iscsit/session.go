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
	"fmt"
	"strconv"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/util"
)

// maxProtocolLevel is the highest iSCSIProtocolLevel we implement, rfc7144.
const maxProtocolLevel = 2

// keyHandler negotiates one operational text key and appends exactly one
// response pair, unless the key only declares something already known.
type keyHandler interface {
	negotiate(c *Conn, key, value string, resp *util.KeyValueList) error
}

// fixedKey answers with the same value whatever the initiator offers.
type fixedKey string

func (v fixedKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	resp.Add(key, string(v))
	return nil
}

// echoKey accepts the initiator's value.
type echoKey struct{}

func (echoKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	resp.Add(key, value)
	return nil
}

// declarativeKey may only come with the first Login request.
type declarativeKey struct{}

func (declarativeKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	if c.skippedSecurity {
		return nil
	}
	return fmt.Errorf("initiator resent %s", key)
}

// forbiddenKey is only ever sent by targets.
type forbiddenKey struct{}

func (forbiddenKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	return fmt.Errorf("received %s from initiator", key)
}

func parsePositive(c *Conn, key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received invalid %s %q", key, value)
	}
	return n, nil
}

// numericKey clamps the offered value to a limit, stores and echoes it.
type numericKey struct {
	limit func(c *Conn) int
	store func(c *Conn, n int)
}

func (k numericKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	n, err := parsePositive(c, key, value)
	if err != nil {
		return err
	}
	if limit := k.limit(c); n > limit {
		c.log.Debugf("capping %s from %d to %d", key, n, limit)
		n = limit
	}
	k.store(c, n)
	resp.AddInt(key, n)
	return nil
}

// maxRecvKey handles MaxRecvDataSegmentLength, which is declarative and
// direction specific: the initiator's value bounds what we send, and we
// always answer with what we can receive.
type maxRecvKey struct{}

func (maxRecvKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	n, err := parsePositive(c, key, value)
	if err != nil {
		return err
	}
	if n > c.limits.MaxSendDataSegmentLength {
		c.log.Debugf("capping send segment length from %d to %d", n, c.limits.MaxSendDataSegmentLength)
		n = c.limits.MaxSendDataSegmentLength
	}
	c.maxSendDataSegmentLength = n
	c.sentMaxRecv = true
	resp.AddInt(key, c.maxRecvDataSegmentLength)
	return nil
}

// digestKey picks the first of CRC32C and None in the initiator's list.
type digestKey struct {
	header bool
}

func (d digestKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	if c.sessionType != SessionTypeNormal {
		resp.Add(key, "None")
		return nil
	}
	var digest api.Digest
	switch util.ListPrefers(value, "CRC32C", "None") {
	case 1:
		digest = api.DigestCRC32C
	case 2:
		digest = api.DigestNone
	default:
		c.log.Warnf("initiator offers unsupported %s %q", key, value)
		resp.Add(key, "Reject")
		return nil
	}
	if d.header {
		c.headerDigest = digest
	} else {
		c.dataDigest = digest
	}
	resp.Add(key, digest.String())
	return nil
}

type immediateDataKey struct{}

func (immediateDataKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	if c.sessionType != SessionTypeNormal {
		resp.Add(key, "Irrelevant")
		return nil
	}
	c.immediateData = value == "Yes"
	if c.immediateData {
		resp.Add(key, "Yes")
	} else {
		resp.Add(key, "No")
	}
	return nil
}

type protocolLevelKey struct{}

func (protocolLevelKey) negotiate(c *Conn, key, value string, resp *util.KeyValueList) error {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received invalid %s %q", key, value)
	}
	if n > maxProtocolLevel {
		n = maxProtocolLevel
	}
	resp.AddInt(key, int(n))
	return nil
}

var negotiationKeys = map[string]keyHandler{
	"InitiatorName":        declarativeKey{},
	"InitiatorAlias":       declarativeKey{},
	"TargetName":           declarativeKey{},
	"SessionType":          declarativeKey{},
	"TargetAlias":          forbiddenKey{},
	"TargetPortalGroupTag": forbiddenKey{},

	"HeaderDigest":             digestKey{header: true},
	"DataDigest":               digestKey{},
	"ImmediateData":            immediateDataKey{},
	"iSCSIProtocolLevel":       protocolLevelKey{},
	"MaxRecvDataSegmentLength": maxRecvKey{},
	"MaxBurstLength": numericKey{
		limit: func(c *Conn) int { return c.limits.MaxBurstLength },
		store: func(c *Conn, n int) { c.maxBurstLength = n },
	},
	"FirstBurstLength": numericKey{
		limit: func(c *Conn) int { return c.limits.FirstBurstLength },
		store: func(c *Conn, n int) { c.firstBurstLength = n },
	},
	"DefaultTime2Wait": echoKey{},

	"MaxConnections":      fixedKey("1"),
	"InitialR2T":          fixedKey("Yes"),
	"DefaultTime2Retain":  fixedKey("0"),
	"MaxOutstandingR2T":   fixedKey("1"),
	"DataPDUInOrder":      fixedKey("Yes"),
	"DataSequenceInOrder": fixedKey("Yes"),
	"ErrorRecoveryLevel":  fixedKey("0"),
	"OFMarker":            fixedKey("No"),
	"IFMarker":            fixedKey("No"),
}
