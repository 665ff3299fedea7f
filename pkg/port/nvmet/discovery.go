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
	"bytes"
	"net"

	"github.com/lunixbochs/struc"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
)

// DiscoveryNQN is the well-known NQN of discovery subsystems.
const DiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

// Discovery log page entry fields.
const (
	trTypeTCP    = 3
	adrFamIPv4   = 1
	adrFamIPv6   = 2
	subTypeNVM   = 2
	treqNotReq   = 0x02
	treqDisSQFC  = 0x04
	dynamicCntl  = 0xffff
	tcpSecNone   = 0
	logEntrySize = 1024
)

// Discoverer enumerates the subsystems a host may see through one
// transport group.
type Discoverer struct {
	PortalGroup *api.PortalGroup
	HostNQN     string
	HostAddr    net.IP
}

// filteredOut applies the transport group's discovery filter, address
// first and host NQN second. There is no authentication tier for NVMe.
func (d *Discoverer) filteredOut(port *api.Port) bool {
	ag := port.EffectiveAuthGroup()
	filter := d.PortalGroup.DiscoveryFilter
	if filter >= api.FilterPortal && !auth.CheckInitiatorPortal(ag, d.HostAddr) {
		return true
	}
	if filter >= api.FilterPortalName && !auth.CheckInitiatorName(ag, d.HostNQN) {
		return true
	}
	return false
}

func (d *Discoverer) ports() []*api.Port {
	var res []*api.Port
	for _, port := range d.PortalGroup.Ports {
		if !d.filteredOut(port) {
			res = append(res, port)
		}
	}
	return res
}

func portals(target *api.Target) []*api.Portal {
	var res []*api.Portal
	for _, port := range target.Ports {
		pg := port.PortalGroup
		if pg == nil || pg.Protocol != api.ProtocolNVMeTCP {
			continue
		}
		for _, p := range pg.Portals {
			if p.Wildcard() {
				continue
			}
			res = append(res, p)
		}
	}
	return res
}

// Records lists what the discovery log would contain for this host.
func (d *Discoverer) Records() []api.DiscoveryRecord {
	var res []api.DiscoveryRecord
	for _, port := range d.ports() {
		r := api.DiscoveryRecord{Name: port.Target.Name}
		for _, p := range portals(port.Target) {
			r.Addresses = append(r.Addresses, p.Address())
		}
		res = append(res, r)
	}
	return res
}

func logEntry(target *api.Target, p *api.Portal) *DiscoveryLogEntry {
	e := &DiscoveryLogEntry{
		TrType:  trTypeTCP,
		AdrFam:  adrFamIPv4,
		SubType: subTypeNVM,
		Treq:    treqNotReq,
		PortID:  p.Group.Tag,
		CntlID:  dynamicCntl,
		Asqsz:   discoveryQueueSize,
	}
	if p.IPv6() {
		e.AdrFam = adrFamIPv6
	}
	if p.Group.SQFlowControlOptional {
		e.Treq |= treqDisSQFC
	}
	asciiField(e.TrsvcID[:], p.Port)
	asciiField(e.Traddr[:], p.Host)
	copy(e.Subnqn[:], target.Name)
	e.Tsas[0] = tcpSecNone
	return e
}

// Log builds the discovery log page. generation becomes GenCtr so hosts
// notice configuration reloads.
func (d *Discoverer) Log(generation uint64) ([]byte, error) {
	var entries []*DiscoveryLogEntry
	for _, port := range d.ports() {
		for _, p := range portals(port.Target) {
			entries = append(entries, logEntry(port.Target, p))
		}
	}

	var buf bytes.Buffer
	hdr := &DiscoveryLogHeader{
		GenCtr: generation,
		NumRec: uint64(len(entries)),
	}
	if err := struc.Pack(&buf, hdr); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := struc.Pack(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
