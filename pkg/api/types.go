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

// Package api holds the target model shared by the protocol drivers, the
// configuration loader and the management API.
package api

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// AuthType classifies what an auth-group demands from an initiator.
type AuthType int

const (
	AuthTypeUnknown AuthType = iota
	AuthTypeDeny
	AuthTypeNoAuthentication
	AuthTypeCHAP
	AuthTypeCHAPMutual
)

var authTypeNames = map[AuthType]string{
	AuthTypeUnknown:          "unknown",
	AuthTypeDeny:             "deny",
	AuthTypeNoAuthentication: "none",
	AuthTypeCHAP:             "chap",
	AuthTypeCHAPMutual:       "chap-mutual",
}

func (t AuthType) String() string {
	if s, ok := authTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("AuthType(%d)", int(t))
}

// ParseAuthType maps a configuration keyword to an AuthType. The empty
// string means the type is derived from the group's CHAP users.
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(s) {
	case "":
		return AuthTypeUnknown, nil
	case "deny":
		return AuthTypeDeny, nil
	case "none", "no-authentication":
		return AuthTypeNoAuthentication, nil
	case "chap":
		return AuthTypeCHAP, nil
	case "chap-mutual":
		return AuthTypeCHAPMutual, nil
	}
	return AuthTypeUnknown, fmt.Errorf("bad parameter: unknown auth-type %q", s)
}

// DiscoveryFilter selects how much of the auth policy of a target is applied
// when it is enumerated to a discovery session.
type DiscoveryFilter int

const (
	FilterNone DiscoveryFilter = iota
	FilterPortal
	FilterPortalName
	FilterPortalNameAuth
)

func (f DiscoveryFilter) String() string {
	switch f {
	case FilterNone:
		return "none"
	case FilterPortal:
		return "portal"
	case FilterPortalName:
		return "portal-name"
	case FilterPortalNameAuth:
		return "portal-name-auth"
	}
	return fmt.Sprintf("DiscoveryFilter(%d)", int(f))
}

func ParseDiscoveryFilter(s string) (DiscoveryFilter, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FilterNone, nil
	case "portal":
		return FilterPortal, nil
	case "portal-name":
		return FilterPortalName, nil
	case "portal-name-auth":
		return FilterPortalNameAuth, nil
	}
	return FilterNone, fmt.Errorf("bad parameter: unknown discovery-filter %q", s)
}

// Protocol is the transport a portal group listens for.
type Protocol string

const (
	ProtocolISCSI   Protocol = "iscsi"
	ProtocolNVMeTCP Protocol = "nvme-tcp"
)

// Digest is a negotiated iSCSI header or data digest.
type Digest int

const (
	DigestNone Digest = iota
	DigestCRC32C
)

func (d Digest) String() string {
	if d == DigestCRC32C {
		return "CRC32C"
	}
	return "None"
}

type CHAPUser struct {
	User         string
	Secret       string
	MutualUser   string
	MutualSecret string
}

// Mutual reports whether the target can authenticate itself to this user.
func (u *CHAPUser) Mutual() bool {
	return u.MutualUser != ""
}

type AuthGroup struct {
	Name             string
	Type             AuthType
	Users            []CHAPUser
	InitiatorNames   []string
	InitiatorPortals []*net.IPNet
}

type Portal struct {
	Host  string
	Port  string
	Group *PortalGroup
}

// Address returns the portal in host:port form.
func (p *Portal) Address() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// Wildcard reports whether the portal listens on every local address.
func (p *Portal) Wildcard() bool {
	ip := net.ParseIP(p.Host)
	return ip != nil && ip.IsUnspecified()
}

// IPv6 reports whether the portal host is an IPv6 literal.
func (p *Portal) IPv6() bool {
	ip := net.ParseIP(p.Host)
	return ip != nil && ip.To4() == nil
}

type PortalGroup struct {
	Name               string
	Tag                uint16
	Protocol           Protocol
	Portals            []*Portal
	DiscoveryAuthGroup *AuthGroup
	DiscoveryFilter    DiscoveryFilter
	Redirect           string
	Offload            string
	// SQFlowControlOptional is advertised in NVMe discovery log entries.
	SQFlowControlOptional bool
	Ports                 []*Port
}

// FindPort returns the port exporting the named target through this
// portal group. Target names are compared case-insensitively.
func (pg *PortalGroup) FindPort(targetName string) *Port {
	for _, port := range pg.Ports {
		if strings.EqualFold(port.Target.Name, targetName) {
			return port
		}
	}
	return nil
}

// Port binds a target to a portal group.
type Port struct {
	Target      *Target
	PortalGroup *PortalGroup
	AuthGroup   *AuthGroup
}

// EffectiveAuthGroup returns the port's auth-group, falling back to the
// target's.
func (p *Port) EffectiveAuthGroup() *AuthGroup {
	if p.AuthGroup != nil {
		return p.AuthGroup
	}
	return p.Target.AuthGroup
}

// Target is an iSCSI target or an NVMe subsystem, depending on the
// protocol of the portal groups it is exported on.
type Target struct {
	Name      string
	Alias     string
	AuthGroup *AuthGroup
	Redirect  string
	Ports     []*Port
}

// Snapshot is an immutable view of the configured targets. A configuration
// reload produces a new Snapshot; connections keep the one they started with.
type Snapshot struct {
	Generation   uint64
	AuthGroups   map[string]*AuthGroup
	PortalGroups []*PortalGroup
	Targets      []*Target
}

func (s *Snapshot) PortalGroup(name string) *PortalGroup {
	for _, pg := range s.PortalGroups {
		if pg.Name == name {
			return pg
		}
	}
	return nil
}

func (s *Snapshot) PortalGroupByTag(proto Protocol, tag uint16) *PortalGroup {
	for _, pg := range s.PortalGroups {
		if pg.Protocol == proto && pg.Tag == tag {
			return pg
		}
	}
	return nil
}

func (s *Snapshot) Target(name string) *Target {
	for _, t := range s.Targets {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return nil
}

// FindPortal returns the portal of the given protocol that listens on
// address, or nil.
func (s *Snapshot) FindPortal(proto Protocol, address string) *Portal {
	for _, pg := range s.PortalGroups {
		if pg.Protocol != proto {
			continue
		}
		for _, p := range pg.Portals {
			if p.Address() == address {
				return p
			}
		}
	}
	return nil
}

// Portals returns every portal of the given protocol in configuration order.
func (s *Snapshot) Portals(proto Protocol) []*Portal {
	var res []*Portal
	for _, pg := range s.PortalGroups {
		if pg.Protocol != proto {
			continue
		}
		res = append(res, pg.Portals...)
	}
	return res
}

// ConnectionInfo describes a live connection for the management API.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Protocol    Protocol  `json:"protocol"`
	PortalGroup string    `json:"portalGroup"`
	Portal      string    `json:"portal"`
	Initiator   string    `json:"initiator,omitempty"`
	Address     string    `json:"address"`
	Target      string    `json:"target,omitempty"`
	SessionType string    `json:"sessionType,omitempty"`
	State       string    `json:"state"`
	User        string    `json:"user,omitempty"`
	Started     time.Time `json:"started"`
}

type TargetInfo struct {
	Name         string   `json:"name"`
	Alias        string   `json:"alias,omitempty"`
	AuthGroup    string   `json:"authGroup"`
	AuthType     string   `json:"authType"`
	Redirect     string   `json:"redirect,omitempty"`
	PortalGroups []string `json:"portalGroups"`
	Connections  int      `json:"connections"`
}

type PortalGroupInfo struct {
	Name               string   `json:"name"`
	Tag                uint16   `json:"tag"`
	Protocol           Protocol `json:"protocol"`
	Portals            []string `json:"portals"`
	DiscoveryAuthGroup string   `json:"discoveryAuthGroup"`
	DiscoveryFilter    string   `json:"discoveryFilter"`
	Redirect           string   `json:"redirect,omitempty"`
	Targets            []string `json:"targets"`
}

// DiscoveryRecord is one target as an initiator would see it in a discovery
// response.
type DiscoveryRecord struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
}

type TargetListOptions struct {
	Name    string
	Verbose bool
}

type SessionListOptions struct {
	Target string
}

// ParkedConnectionInfo describes a connection held by the proxy kernel
// backend after its handoff.
type ParkedConnectionInfo struct {
	ID             string    `json:"id"`
	Protocol       Protocol  `json:"protocol"`
	Initiator      string    `json:"initiator"`
	Address        string    `json:"address"`
	Target         string    `json:"target"`
	PortalGroupTag uint16    `json:"portalGroupTag"`
	Since          time.Time `json:"since"`
}

// DiscoveryOptions describes the initiator a discovery preview is computed
// for.
type DiscoveryOptions struct {
	Tag       uint16
	Protocol  Protocol
	Initiator string
	Address   string
	// Target restricts an iSCSI preview to SendTargets=<Target>.
	Target string
}

type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion"`
	GoVersion  string `json:"goVersion"`
	Os         string `json:"os"`
	Arch       string `json:"arch"`
}
