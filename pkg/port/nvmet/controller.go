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
	"github.com/gostor/ctld/pkg/version"
)

const (
	// discoveryQueueSize is the admin queue depth of the discovery controller.
	discoveryQueueSize = 32

	nvmeVersion = 1<<16 | 4<<8 // 1.4.0
)

// CAP fields.
const (
	capCQR   = uint64(1) << 16
	capTO    = uint64(15) << 24
	capCSNVM = uint64(1) << 37
)

// CC fields.
const (
	ccEN = uint32(1)

	ccCSSShift    = 4
	ccMPSShift    = 7
	ccAMSShift    = 11
	ccSHNShift    = 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20

	cssNVM        = 0
	cssAdminOnly  = 7
	sqEntryShift  = 6
	cqEntryShift  = 4
	shstComplete  = uint32(2) << 2
	cstsRDY       = uint32(1)
	lpaExtData    = 1 << 2
	ctrlDiscovery = 2
)

func ccCSS(cc uint32) uint32    { return cc >> ccCSSShift & 0x7 }
func ccMPS(cc uint32) uint32    { return cc >> ccMPSShift & 0xf }
func ccAMS(cc uint32) uint32    { return cc >> ccAMSShift & 0x7 }
func ccSHN(cc uint32) uint32    { return cc >> ccSHNShift & 0x3 }
func ccIOSQES(cc uint32) uint32 { return cc >> ccIOSQESShift & 0xf }
func ccIOCQES(cc uint32) uint32 { return cc >> ccIOCQESShift & 0xf }

// Result is the outcome of one admin command.
type Result struct {
	Status uint16
	Value  uint64
	Data   []byte
}

// Controller is the register and command state of a discovery controller.
// It lives for one admin queue.
type Controller struct {
	id       uint16
	cap      uint64
	cc       uint32
	csts     uint32
	identify []byte
	logPage  []byte
	done     bool
}

// NewController creates discovery controller id serving logPage.
func NewController(id uint16, logPage []byte) (*Controller, error) {
	c := &Controller{
		id:      id,
		cap:     capCSNVM | capTO | capCQR | uint64(discoveryQueueSize-1),
		logPage: logPage,
	}
	identify, err := c.identifyData()
	if err != nil {
		return nil, err
	}
	c.identify = identify
	return c, nil
}

func (c *Controller) ID() uint16 {
	return c.id
}

// Done reports whether a shutdown or disable ended the controller.
func (c *Controller) Done() bool {
	return c.done
}

func (c *Controller) CC() uint32 {
	return c.cc
}

func (c *Controller) CSTS() uint32 {
	return c.csts
}

func asciiField(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

func (c *Controller) identifyData() ([]byte, error) {
	id := &IDCtrl{
		CntlID:    c.id,
		Ver:       nvmeVersion,
		CntrlType: ctrlDiscovery,
		Lpa:       lpaExtData,
		Maxcmd:    discoveryQueueSize,
		Sgls:      1<<0 | 1<<20,
		Ioccsz:    sqeSize / 16,
		Iorcsz:    cqeSize / 16,
		Msdbd:     1,
	}
	asciiField(id.Sn[:], "ctld")
	asciiField(id.Mn[:], "ctld discovery controller")
	asciiField(id.Fr[:], version.VERSION)
	copy(id.SubNQN[:], DiscoveryNQN)
	return pack(id)
}

// Execute runs one command from the admin queue.
func (c *Controller) Execute(sqe []byte) Result {
	if len(sqe) != sqeSize {
		return Result{Status: StatusInvalidField}
	}
	if sqe[0] == opFabrics {
		return c.fabrics(sqe)
	}
	if c.cc&ccEN == 0 {
		return Result{Status: StatusCommandSequenceError}
	}
	switch sqe[0] {
	case opIdentify:
		return c.identifyCommand(sqe)
	case opGetLogPage:
		return c.getLogPage(sqe)
	case opKeepAlive:
		return Result{}
	}
	return Result{Status: StatusInvalidOpcode}
}

func (c *Controller) fabrics(sqe []byte) Result {
	cmd := &PropertyCommand{}
	if err := unpack(sqe, cmd); err != nil {
		return Result{Status: StatusInvalidField}
	}
	switch cmd.FcType {
	case fctypePropertyGet:
		v, status := c.getProperty(cmd.Attrib, cmd.Offset)
		return Result{Status: status, Value: v}
	case fctypePropertySet:
		return Result{Status: c.setProperty(cmd.Attrib, cmd.Offset, cmd.Value)}
	case fctypeConnect:
		return Result{Status: StatusCommandSequenceError}
	}
	return Result{Status: StatusInvalidOpcode}
}

// getProperty reads a register. Attrib bit 0 selects an 8 byte access,
// which only CAP supports.
func (c *Controller) getProperty(attrib uint8, offset uint32) (uint64, uint16) {
	wide := attrib&1 != 0
	switch offset {
	case regCAP:
		if wide {
			return c.cap, StatusSuccess
		}
	case regVS:
		if !wide {
			return nvmeVersion, StatusSuccess
		}
	case regCC:
		if !wide {
			return uint64(c.cc), StatusSuccess
		}
	case regCSTS:
		if !wide {
			return uint64(c.csts), StatusSuccess
		}
	}
	return 0, StatusInvalidField
}

func (c *Controller) setProperty(attrib uint8, offset uint32, value uint64) uint16 {
	if attrib&1 != 0 || offset != regCC {
		return StatusInvalidField
	}
	return c.setCC(uint32(value))
}

func validCC(cc uint32) bool {
	if ccAMS(cc) != 0 || ccMPS(cc) != 0 {
		return false
	}
	if css := ccCSS(cc); css != cssNVM && css != cssAdminOnly {
		return false
	}
	if v := ccIOSQES(cc); v != 0 && v != sqEntryShift {
		return false
	}
	if v := ccIOCQES(cc); v != 0 && v != cqEntryShift {
		return false
	}
	return true
}

func (c *Controller) setCC(cc uint32) uint16 {
	old := c.cc
	if !validCC(cc) {
		return StatusInvalidField
	}
	if old&ccEN != 0 && cc&ccEN != 0 &&
		(ccAMS(old) != ccAMS(cc) || ccMPS(old) != ccMPS(cc) || ccCSS(old) != ccCSS(cc)) {
		return StatusInvalidField
	}
	c.cc = cc

	if ccSHN(cc) != 0 && ccSHN(old) == 0 {
		c.cc &^= ccEN
		c.csts = shstComplete
		c.done = true
		return StatusSuccess
	}
	switch {
	case cc&ccEN != 0 && old&ccEN == 0:
		c.csts |= cstsRDY
	case cc&ccEN == 0 && old&ccEN != 0:
		c.cc = 0
		c.csts = 0
		c.done = true
	}
	return StatusSuccess
}

func (c *Controller) identifyCommand(sqe []byte) Result {
	cmd := &IdentifyCommand{}
	if err := unpack(sqe, cmd); err != nil {
		return Result{Status: StatusInvalidField}
	}
	if cmd.Cns != cnsController {
		return Result{Status: StatusInvalidField}
	}
	return Result{Data: clamp(c.identify, cmd.Dptr.Length)}
}

func (c *Controller) getLogPage(sqe []byte) Result {
	cmd := &GetLogPageCommand{}
	if err := unpack(sqe, cmd); err != nil {
		return Result{Status: StatusInvalidField}
	}
	if cmd.Lid != lidDiscovery {
		return Result{Status: StatusInvalidField}
	}
	offset := cmd.Offset()
	if offset%4 != 0 || offset > uint64(len(c.logPage)) {
		return Result{Status: StatusInvalidField}
	}
	length := cmd.Length()
	if rem := uint64(len(c.logPage)) - offset; length > rem {
		length = rem
	}
	return Result{Data: clamp(c.logPage[offset:offset+length], cmd.Dptr.Length)}
}

// clamp limits data to the host buffer described by the SGL.
func clamp(data []byte, sglLen uint32) []byte {
	if uint64(sglLen) < uint64(len(data)) {
		return data[:sglLen]
	}
	return data
}
