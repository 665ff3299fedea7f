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

// Package auth implements the auth-group policy: CHAP user lookup and the
// initiator name and address checks.
package auth

import (
	"net"
	"strings"

	"github.com/gostor/ctld/pkg/api"
)

// Decide classifies what the auth-group requires. A nil group or a group
// without an explicit type and without users is UNKNOWN, which callers must
// treat as deny.
func Decide(ag *api.AuthGroup) api.AuthType {
	if ag == nil {
		return api.AuthTypeUnknown
	}
	if ag.Type != api.AuthTypeUnknown {
		return ag.Type
	}
	if len(ag.Users) == 0 {
		return api.AuthTypeUnknown
	}
	for i := range ag.Users {
		if ag.Users[i].Mutual() {
			return api.AuthTypeCHAPMutual
		}
	}
	return api.AuthTypeCHAP
}

// RequiresCHAP reports whether the decision demands a CHAP exchange.
func RequiresCHAP(t api.AuthType) bool {
	return t == api.AuthTypeCHAP || t == api.AuthTypeCHAPMutual
}

// FindUser returns the CHAP entry for user, or nil.
func FindUser(ag *api.AuthGroup, user string) *api.CHAPUser {
	if ag == nil {
		return nil
	}
	for i := range ag.Users {
		if ag.Users[i].User == user {
			return &ag.Users[i]
		}
	}
	return nil
}

// CheckInitiatorName reports whether name is allowed by the group. An empty
// allow-list admits everybody.
func CheckInitiatorName(ag *api.AuthGroup, name string) bool {
	if ag == nil || len(ag.InitiatorNames) == 0 {
		return true
	}
	for _, n := range ag.InitiatorNames {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// CheckInitiatorPortal reports whether ip is inside one of the group's
// initiator-portal networks. An empty allow-list admits everybody.
func CheckInitiatorPortal(ag *api.AuthGroup, ip net.IP) bool {
	if ag == nil || len(ag.InitiatorPortals) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, n := range ag.InitiatorPortals {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParsePortal parses an initiator-portal entry: an address, optionally in
// brackets, with an optional /prefix.
func ParsePortal(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return nil, &net.ParseError{Type: "initiator-portal", Text: s}
		}
		s = s[1:end] + s[end+1:]
	}
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, &net.ParseError{Type: "initiator-portal", Text: s}
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return n, nil
}
