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
	"net"
	"strconv"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/metrics"
	"github.com/gostor/ctld/pkg/util"
)

// Discoverer enumerates the targets a discovery session may see on one
// portal group.
type Discoverer struct {
	PortalGroup   *api.PortalGroup
	InitiatorName string
	InitiatorAddr net.IP
	// CHAP and User are the discovery session's authentication, nil and
	// empty when it did not authenticate.
	CHAP *auth.CHAP
	User string
}

// filteredOut applies the portal group's discovery filter to port.
func (d *Discoverer) filteredOut(port *api.Port) bool {
	ag := port.EffectiveAuthGroup()
	filter := d.PortalGroup.DiscoveryFilter
	if filter >= api.FilterPortal && !auth.CheckInitiatorPortal(ag, d.InitiatorAddr) {
		return true
	}
	if filter >= api.FilterPortalName && !auth.CheckInitiatorName(ag, d.InitiatorName) {
		return true
	}
	if filter >= api.FilterPortalNameAuth && auth.Decide(ag) != api.AuthTypeNoAuthentication {
		if d.CHAP == nil {
			return true
		}
		user := auth.FindUser(ag, d.User)
		if user == nil {
			return true
		}
		if err := d.CHAP.Authenticate(user.Secret); err != nil {
			return true
		}
	}
	return false
}

// TargetAddress formats a portal as a SendTargets TargetAddress value.
func TargetAddress(p *api.Portal) string {
	host := p.Host
	if p.IPv6() {
		host = "[" + host + "]"
	}
	return host + ":" + p.Port + "," + strconv.Itoa(int(p.Group.Tag))
}

func targetAddresses(target *api.Target) []string {
	var res []string
	for _, port := range target.Ports {
		pg := port.PortalGroup
		if pg == nil || pg.Protocol != api.ProtocolISCSI {
			continue
		}
		for _, p := range pg.Portals {
			if p.Wildcard() {
				continue
			}
			res = append(res, TargetAddress(p))
		}
	}
	return res
}

// Records answers SendTargets=value. "All" walks every port of the portal
// group; any other value names a single target.
func (d *Discoverer) Records(value string) []api.DiscoveryRecord {
	var ports []*api.Port
	if value == "All" {
		ports = d.PortalGroup.Ports
	} else if port := d.PortalGroup.FindPort(value); port != nil {
		ports = []*api.Port{port}
	}
	var res []api.DiscoveryRecord
	for _, port := range ports {
		if d.filteredOut(port) {
			continue
		}
		res = append(res, api.DiscoveryRecord{
			Name:      port.Target.Name,
			Addresses: targetAddresses(port.Target),
		})
	}
	return res
}

// SendTargets returns the text response to SendTargets=value.
func (d *Discoverer) SendTargets(value string) util.KeyValueList {
	var kv util.KeyValueList
	for _, r := range d.Records(value) {
		kv.Add("TargetName", r.Name)
		for _, a := range r.Addresses {
			kv.Add("TargetAddress", a)
		}
	}
	return kv
}

// receiveFFP reads a PDU in Full Feature Phase and applies the CmdSN and
// ExpStatSN checks.
func (c *Conn) receiveFFP(op OpCode) (*Message, error) {
	m, err := c.receive()
	if err != nil {
		return nil, err
	}
	if m.OpCode != op {
		return nil, fmt.Errorf("protocol error: received invalid opcode 0x%x, expected %s", int(m.OpCode), op)
	}
	if util.SerialLess(m.CmdSN, c.cmdSN) {
		return nil, fmt.Errorf("received %s with decreasing CmdSN: was %d, is %d", op, c.cmdSN, m.CmdSN)
	}
	if m.ExpStatSN != c.statSN {
		return nil, fmt.Errorf("received %s with wrong ExpStatSN: is %d, should be %d", op, m.ExpStatSN, c.statSN)
	}
	c.cmdSN = m.CmdSN
	if !m.Immediate {
		c.cmdSN++
	}
	return m, nil
}

// discovery serves the single SendTargets exchange of a discovery session
// and the Logout that ends it.
func (c *Conn) discovery() error {
	m, err := c.receiveFFP(OpTextReq)
	if err != nil {
		return err
	}
	if !m.Final {
		return fmt.Errorf("received Text PDU without the \"F\" flag")
	}
	if m.Cont {
		return fmt.Errorf("received Text PDU with unsupported \"C\" flag")
	}
	kv, err := util.ParseKVText(m.RawData)
	if err != nil {
		return fmt.Errorf("received Text PDU with malformed text: %w", err)
	}
	value, ok := kv.Get("SendTargets")
	if !ok {
		return fmt.Errorf("received Text PDU without SendTargets")
	}

	d := &Discoverer{
		PortalGroup:   c.portal.Group,
		InitiatorName: c.initiatorName,
		InitiatorAddr: c.initiatorIP,
		CHAP:          c.chap,
		User:          c.user,
	}
	resp := &Message{
		OpCode:            OpTextResp,
		Final:             true,
		LUN:               m.LUN,
		TaskTag:           m.TaskTag,
		TargetTransferTag: 0xffffffff,
	}
	rkv := d.SendTargets(value)
	if err := c.send(resp, rkv); err != nil {
		return err
	}
	metrics.Metrics.DiscoveryRequestsTotal.WithLabelValues(string(api.ProtocolISCSI), c.portal.Group.Name).Inc()
	c.log.Debugf("SendTargets=%s answered with %d keys", value, len(rkv))

	m, err = c.receiveFFP(OpLogoutReq)
	if err != nil {
		return err
	}
	logout := &Message{
		OpCode:  OpLogoutResp,
		Final:   true,
		TaskTag: m.TaskTag,
	}
	if err := c.send(logout, nil); err != nil {
		return err
	}
	c.log.Debugf("discovery session done")
	return nil
}
