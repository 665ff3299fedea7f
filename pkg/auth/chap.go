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

package auth

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// CHAPAlgorithmMD5 is the only CHAP_A value we speak.
	CHAPAlgorithmMD5 = "5"
	challengeLen     = 1024
)

var (
	ErrCHAPMismatch       = errors.New("CHAP response mismatch")
	ErrCHAPNoResponse     = errors.New("CHAP response not received")
	ErrCHAPEmptyBinary    = errors.New("empty binary value")
	ErrCHAPBadEncoding    = errors.New("binary value must start with 0x or 0b")
	ErrCHAPBadID          = errors.New("CHAP_I out of range")
	ErrCHAPShortChallenge = errors.New("CHAP_C too short")
)

// CHAP is the target side of one CHAP exchange: it issues a challenge and
// verifies the initiator's response against a secret. The context is kept
// after login so discovery can re-verify the same response against other
// auth-groups.
type CHAP struct {
	id        uint8
	challenge []byte
	response  []byte
}

func NewCHAP() (*CHAP, error) {
	c := &CHAP{challenge: make([]byte, challengeLen)}
	if _, err := rand.Read(c.challenge); err != nil {
		return nil, err
	}
	var id [1]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, err
	}
	c.id = id[0]
	return c, nil
}

// ID returns CHAP_I in decimal.
func (c *CHAP) ID() string {
	return strconv.Itoa(int(c.id))
}

// Challenge returns CHAP_C hex encoded.
func (c *CHAP) Challenge() string {
	return encodeBinary(c.challenge)
}

// SameChallenge reports whether an initiator challenge reflects ours.
func (c *CHAP) SameChallenge(challenge []byte) bool {
	return bytes.Equal(c.challenge, challenge)
}

// Receive stores the initiator's CHAP_R.
func (c *CHAP) Receive(response string) error {
	b, err := DecodeBinary(response)
	if err != nil {
		return err
	}
	if len(b) != md5.Size {
		return fmt.Errorf("CHAP_R has length %d, expected %d", len(b), md5.Size)
	}
	c.response = b
	return nil
}

// Authenticate checks the received response against secret.
func (c *CHAP) Authenticate(secret string) error {
	if c.response == nil {
		return ErrCHAPNoResponse
	}
	expected := Response(c.id, secret, c.challenge)
	if subtle.ConstantTimeCompare(expected, c.response) != 1 {
		return ErrCHAPMismatch
	}
	return nil
}

// Response computes MD5(id || secret || challenge).
func Response(id uint8, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}

// MutualCHAP answers a challenge issued by the initiator.
type MutualCHAP struct {
	id        uint8
	challenge []byte
}

// ParseMutual decodes the initiator's CHAP_I and CHAP_C.
func ParseMutual(chapI, chapC string) (*MutualCHAP, error) {
	id, err := strconv.ParseUint(chapI, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed CHAP_I %q: %w", chapI, err)
	}
	if id > 255 {
		return nil, ErrCHAPBadID
	}
	challenge, err := DecodeBinary(chapC)
	if err != nil {
		return nil, fmt.Errorf("malformed CHAP_C: %w", err)
	}
	if len(challenge) < md5.Size {
		return nil, ErrCHAPShortChallenge
	}
	return &MutualCHAP{id: uint8(id), challenge: challenge}, nil
}

func (m *MutualCHAP) Challenge() []byte {
	return m.challenge
}

// Response returns the hex encoded CHAP_R for the mutual secret.
func (m *MutualCHAP) Response(secret string) string {
	return encodeBinary(Response(m.id, secret, m.challenge))
}

func encodeBinary(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeBinary decodes an iSCSI binary value in hex (0x) or base64 (0b).
func DecodeBinary(s string) ([]byte, error) {
	if len(s) < 3 {
		if len(s) == 2 {
			return nil, ErrCHAPEmptyBinary
		}
		return nil, ErrCHAPBadEncoding
	}
	prefix, body := strings.ToLower(s[:2]), s[2:]
	switch prefix {
	case "0x":
		if len(body)%2 == 1 {
			body = "0" + body
		}
		return hex.DecodeString(body)
	case "0b":
		return base64.StdEncoding.DecodeString(body)
	}
	return nil, ErrCHAPBadEncoding
}
