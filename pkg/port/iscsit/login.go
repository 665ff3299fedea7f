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
	"context"
	"fmt"

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/kernel"
	"github.com/gostor/ctld/pkg/util"
)

type LoginState int

const (
	StateInitialLogin LoginState = iota
	StateAuthMethodOffer
	StateCHAPAWait
	StateCHAPChallengeSent
	StateCHAPResponseVerified
	StateMutualResponseSent
	StateTransitionWait
	StateOperationalNegotiation
	StateFullFeaturePhase
	StateRedirected
)

var loginStateNames = map[LoginState]string{
	StateInitialLogin:           "initial-login",
	StateAuthMethodOffer:        "auth-method-offer",
	StateCHAPAWait:              "chap-a-wait",
	StateCHAPChallengeSent:      "chap-challenge-sent",
	StateCHAPResponseVerified:   "chap-response-verified",
	StateMutualResponseSent:     "mutual-response-sent",
	StateTransitionWait:         "transition-wait",
	StateOperationalNegotiation: "operational-negotiation",
	StateFullFeaturePhase:       "full-feature-phase",
	StateRedirected:             "redirected",
}

func (s LoginState) String() string {
	if n, ok := loginStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("LoginState(%d)", int(s))
}

// Terminal reports whether the login engine is done with the connection.
func (s LoginState) Terminal() bool {
	return s == StateFullFeaturePhase || s == StateRedirected
}

type loginTransition func(c *Conn, ctx context.Context) (LoginState, error)

var loginTransitions = map[LoginState]loginTransition{
	StateInitialLogin:           (*Conn).initialLogin,
	StateAuthMethodOffer:        (*Conn).authMethodOffer,
	StateCHAPAWait:              (*Conn).chapAWait,
	StateCHAPChallengeSent:      (*Conn).chapChallengeSent,
	StateCHAPResponseVerified:   (*Conn).chapResponseVerified,
	StateMutualResponseSent:     (*Conn).mutualResponseSent,
	StateTransitionWait:         (*Conn).transitionWait,
	StateOperationalNegotiation: (*Conn).operationalNegotiation,
}

func (c *Conn) login(ctx context.Context) error {
	for {
		state := c.State()
		if state.Terminal() {
			return nil
		}
		fn, ok := loginTransitions[state]
		if !ok {
			return fmt.Errorf("no transition out of login state %v", state)
		}
		next, err := fn(c, ctx)
		if err != nil {
			return err
		}
		c.setState(next)
	}
}

// receiveLogin reads the next Login PDU and runs the checks common to every
// Login request.
func (c *Conn) receiveLogin(initial bool) (*Message, util.KeyValueList, error) {
	m, err := c.receive()
	if err != nil {
		return nil, nil, err
	}
	// Anything but a Login request is dropped without a response,
	// rfc7143 section 6.3.
	if m.OpCode != OpLoginReq {
		return nil, nil, fmt.Errorf("protocol error: received invalid opcode 0x%x", int(m.OpCode))
	}
	c.request, c.requestKeys, c.pending = m, nil, true

	if m.Cont {
		return nil, nil, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received Login PDU with unsupported \"C\" flag")
	}
	if m.VersionMin != 0 {
		return nil, nil, c.fail(StatusClassInitiatorError, StatusDetailUnsupportedVersion,
			"received Login PDU with unsupported Version-min %d", m.VersionMin)
	}
	if initial {
		if m.TSIH != 0 {
			return nil, nil, c.fail(StatusClassInitiatorError, StatusDetailSessionDoesNotExist,
				"attempted to join session %d", m.TSIH)
		}
		c.statSN = m.ExpStatSN
	} else {
		if util.SerialLess(m.CmdSN, c.cmdSN) {
			return nil, nil, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
				"received Login PDU with decreasing CmdSN: was %d, is %d", c.cmdSN, m.CmdSN)
		}
		if m.ExpStatSN != c.statSN {
			return nil, nil, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
				"received Login PDU with wrong ExpStatSN: is %d, should be %d", m.ExpStatSN, c.statSN)
		}
	}
	c.cmdSN = m.CmdSN

	kv, err := util.ParseKVText(m.RawData)
	if err != nil {
		return nil, nil, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received Login PDU with malformed text: %v", err)
	}
	c.requestKeys = kv
	return m, kv, nil
}

func (c *Conn) newResponse(req *Message) *Message {
	return &Message{
		OpCode:  OpLoginResp,
		TaskTag: req.TaskTag,
		ISID:    req.ISID,
		CSG:     req.CSG,
	}
}

// respond answers the pending request.
func (c *Conn) respond(resp *Message, kv util.KeyValueList) error {
	c.pending = false
	return c.send(resp, kv)
}

// fail answers the last received request with an error status and
// returns the matching LoginError.
func (c *Conn) fail(class, detail uint8, format string, args ...interface{}) error {
	lerr := &LoginError{Class: class, Detail: detail, Msg: fmt.Sprintf(format, args...)}
	if c.request != nil {
		resp := c.newResponse(c.request)
		resp.StatusClass = class
		resp.StatusDetail = detail
		if err := c.respond(resp, nil); err != nil {
			c.log.WithError(err).Warnf("failed to send login error response")
		}
	}
	return lerr
}

func (c *Conn) redirect(address string) (LoginState, error) {
	resp := c.newResponse(c.request)
	resp.StatusClass = StatusClassRedirection
	resp.StatusDetail = StatusDetailTargetMovedTemporarily
	var kv util.KeyValueList
	kv.Add("TargetAddress", address)
	if err := c.respond(resp, kv); err != nil {
		return 0, err
	}
	c.log.Infof("redirected to %s", address)
	return StateRedirected, nil
}

// addTargetKeys adds the keys a target reports on the first response of a
// normal session.
func (c *Conn) addTargetKeys(kv *util.KeyValueList) {
	if c.sessionType != SessionTypeNormal {
		return
	}
	if c.target.Alias != "" {
		kv.Add("TargetAlias", c.target.Alias)
	}
	kv.AddInt("TargetPortalGroupTag", int(c.portal.Group.Tag))
}

func (c *Conn) initialLogin(ctx context.Context) (LoginState, error) {
	m, kv, err := c.receiveLogin(true)
	if err != nil {
		return 0, err
	}
	name, ok := kv.Get("InitiatorName")
	if !ok {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
			"received Login PDU without InitiatorName")
	}
	if err := util.ValidISCSIName(name); err != nil {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received Login PDU with invalid InitiatorName: %v", err)
	}
	alias, _ := kv.Get("InitiatorAlias")
	c.update(func() {
		c.initiatorName = name
		c.initiatorAlias = alias
		c.isid = m.ISID
	})
	c.log = c.log.WithField("initiator", name)

	pg := c.portal.Group
	if pg.Redirect != "" {
		c.log.Debugf("portal-group %q redirects to %s", pg.Name, pg.Redirect)
		return c.redirect(pg.Redirect)
	}

	sessionType := SessionTypeNormal
	if st, ok := kv.Get("SessionType"); ok {
		switch st {
		case "Normal":
		case "Discovery":
			sessionType = SessionTypeDiscovery
		default:
			return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
				"received Login PDU with invalid SessionType %q", st)
		}
	}

	var (
		target *api.Target
		port   *api.Port
		ag     *api.AuthGroup
	)
	if sessionType == SessionTypeNormal {
		targetName, ok := kv.Get("TargetName")
		if !ok {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
				"received Login PDU without TargetName")
		}
		port = pg.FindPort(targetName)
		if port == nil {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailNotFound,
				"requested target %q not found in portal-group %q", targetName, pg.Name)
		}
		target = port.Target
		ag = port.EffectiveAuthGroup()
	} else {
		ag = pg.DiscoveryAuthGroup
	}

	authType := auth.Decide(ag)
	c.update(func() {
		c.sessionType = sessionType
		c.target = target
		c.port = port
		c.authGroup = ag
		c.authType = authType
	})
	if authType == api.AuthTypeDeny || authType == api.AuthTypeUnknown {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
			"auth-group type is %q, access denied", authType)
	}
	if !auth.CheckInitiatorName(ag, name) {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthorizationFailure,
			"initiator %q does not match allowed initiator names", name)
	}
	if !auth.CheckInitiatorPortal(ag, c.initiatorIP) {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthorizationFailure,
			"initiator address %s does not match allowed initiator portals", c.initiatorAddr)
	}

	switch m.CSG {
	case LoginOperationalNegotiation:
		if authType != api.AuthTypeNoAuthentication {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
				"initiator skipped the authentication, but authentication is required")
		}
		c.log.Debugf("initiator skipped the authentication, and we don't need it; proceeding with negotiation")
		c.skippedSecurity = true
		return StateOperationalNegotiation, nil
	case SecurityNegotiation:
		return StateAuthMethodOffer, nil
	}
	return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
		"received Login PDU with invalid CSG %d", m.CSG)
}

func (c *Conn) authMethodOffer(ctx context.Context) (LoginState, error) {
	m, kv := c.request, c.requestKeys
	resp := c.newResponse(m)
	var rkv util.KeyValueList
	method, offered := kv.Get("AuthMethod")

	if c.authType == api.AuthTypeNoAuthentication {
		if offered && !util.ListContains(method, "None") {
			rkv.Add("AuthMethod", "Reject")
			if err := c.respond(resp, rkv); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("initiator requests AuthMethod %q instead of \"None\"", method)
		}
		rkv.Add("AuthMethod", "None")
		c.addTargetKeys(&rkv)
		if m.Transit {
			resp.Transit = true
			resp.NSG = LoginOperationalNegotiation
		}
		if err := c.respond(resp, rkv); err != nil {
			return 0, err
		}
		if m.Transit {
			return StateOperationalNegotiation, nil
		}
		return StateTransitionWait, nil
	}

	if !offered || !util.ListContains(method, "CHAP") {
		rkv.Add("AuthMethod", "Reject")
		if err := c.respond(resp, rkv); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("initiator requests unsupported AuthMethod %q instead of \"CHAP\"", method)
	}
	rkv.Add("AuthMethod", "CHAP")
	c.addTargetKeys(&rkv)
	if err := c.respond(resp, rkv); err != nil {
		return 0, err
	}
	return StateCHAPAWait, nil
}

func (c *Conn) transitionWait(ctx context.Context) (LoginState, error) {
	m, _, err := c.receiveLogin(false)
	if err != nil {
		return 0, err
	}
	if !m.Transit {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"got no \"T\" flag after answering AuthMethod")
	}
	resp := c.newResponse(m)
	resp.Transit = true
	resp.NSG = LoginOperationalNegotiation
	if err := c.respond(resp, nil); err != nil {
		return 0, err
	}
	return StateOperationalNegotiation, nil
}

// setupLimits queries the kernel limits for normal sessions and applies
// them to the connection defaults.
func (c *Conn) setupLimits(ctx context.Context) error {
	limits := kernel.DefaultLimits()
	if c.sessionType == SessionTypeNormal {
		reported, err := c.backend.Limits(ctx, c.portal.Group.Offload, c.sock)
		if err != nil {
			return fmt.Errorf("failed to get kernel limits: %w", err)
		}
		limits = limits.Merge(reported)
	}
	c.limits = limits
	c.maxRecvDataSegmentLength = limits.MaxRecvDataSegmentLength
	if c.maxSendDataSegmentLength > limits.MaxSendDataSegmentLength {
		c.maxSendDataSegmentLength = limits.MaxSendDataSegmentLength
	}
	if c.maxBurstLength > limits.MaxBurstLength {
		c.maxBurstLength = limits.MaxBurstLength
	}
	if c.firstBurstLength > limits.FirstBurstLength {
		c.firstBurstLength = limits.FirstBurstLength
	}
	c.log.Debugf("negotiation limits: %+v", limits)
	return nil
}

func (c *Conn) operationalNegotiation(ctx context.Context) (LoginState, error) {
	first := !c.negotiating
	if first {
		c.negotiating = true
		if err := c.setupLimits(ctx); err != nil {
			return 0, err
		}
	}

	m, kv := c.request, c.requestKeys
	if !c.pending {
		var err error
		if m, kv, err = c.receiveLogin(false); err != nil {
			return 0, err
		}
	}

	// Redirecting on the first operational request keeps target names
	// hidden from unauthenticated initiators.
	if first && c.target != nil && c.target.Redirect != "" {
		c.log.Debugf("target %q redirects to %s", c.target.Name, c.target.Redirect)
		return c.redirect(c.target.Redirect)
	}

	if m.CSG != LoginOperationalNegotiation {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received Login PDU with invalid CSG %d during operational negotiation", m.CSG)
	}

	resp := c.newResponse(m)
	var rkv util.KeyValueList
	if first && c.skippedSecurity {
		c.addTargetKeys(&rkv)
	}
	for _, p := range kv {
		h, ok := negotiationKeys[p.Key]
		if !ok {
			c.log.Debugf("unknown key %q; responding with NotUnderstood", p.Key)
			rkv.Add(p.Key, "NotUnderstood")
			continue
		}
		if err := h.negotiate(c, p.Key, p.Value, &rkv); err != nil {
			return 0, err
		}
	}
	if c.firstBurstLength > c.maxBurstLength {
		return 0, fmt.Errorf("initiator sent FirstBurstLength > MaxBurstLength")
	}

	if !m.Transit {
		if err := c.respond(resp, rkv); err != nil {
			return 0, err
		}
		return StateOperationalNegotiation, nil
	}
	if m.NSG != FullFeaturePhase {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailInitiatorError,
			"received Login PDU with invalid NSG %d", m.NSG)
	}
	if !c.sentMaxRecv {
		rkv.AddInt("MaxRecvDataSegmentLength", c.maxRecvDataSegmentLength)
	}
	c.tsih = c.tsihs.next()
	resp.Transit = true
	resp.NSG = FullFeaturePhase
	resp.TSIH = c.tsih
	if err := c.respond(resp, rkv); err != nil {
		return 0, err
	}
	c.log.Infof("%s session established, TSIH %d", c.sessionType, c.tsih)
	return StateFullFeaturePhase, nil
}
