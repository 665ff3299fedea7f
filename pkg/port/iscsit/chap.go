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

	"github.com/gostor/ctld/pkg/api"
	"github.com/gostor/ctld/pkg/auth"
	"github.com/gostor/ctld/pkg/util"
)

func (c *Conn) chapAWait(ctx context.Context) (LoginState, error) {
	m, kv, err := c.receiveLogin(false)
	if err != nil {
		return 0, err
	}
	algorithms, ok := kv.Get("CHAP_A")
	if !ok {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
			"received CHAP Login PDU without CHAP_A")
	}
	if !util.ListContains(algorithms, auth.CHAPAlgorithmMD5) {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
			"received CHAP Login PDU with unsupported CHAP_A %q", algorithms)
	}
	chap, err := auth.NewCHAP()
	if err != nil {
		return 0, err
	}
	c.chap = chap

	var rkv util.KeyValueList
	rkv.Add("CHAP_A", auth.CHAPAlgorithmMD5)
	rkv.Add("CHAP_I", chap.ID())
	rkv.Add("CHAP_C", chap.Challenge())
	if err := c.respond(c.newResponse(m), rkv); err != nil {
		return 0, err
	}
	return StateCHAPChallengeSent, nil
}

func (c *Conn) chapChallengeSent(ctx context.Context) (LoginState, error) {
	_, kv, err := c.receiveLogin(false)
	if err != nil {
		return 0, err
	}
	name, ok := kv.Get("CHAP_N")
	if !ok {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
			"received CHAP Login PDU without CHAP_N")
	}
	response, ok := kv.Get("CHAP_R")
	if !ok {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
			"received CHAP Login PDU without CHAP_R")
	}
	if err := c.chap.Receive(response); err != nil {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
			"received CHAP Login PDU with malformed CHAP_R: %v", err)
	}
	user := auth.FindUser(c.authGroup, name)
	if user == nil {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
			"received CHAP Login PDU with unknown CHAP_N %q", name)
	}
	if err := c.chap.Authenticate(user.Secret); err != nil {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
			"CHAP authentication failed for user %q", name)
	}
	c.update(func() {
		c.user = name
		c.chapUser = user
	})
	c.log.Debugf("initiator authenticated as %q", name)
	return StateCHAPResponseVerified, nil
}

// chapResponseVerified answers the verified CHAP_R, authenticating the
// target to the initiator when it asked for it.
func (c *Conn) chapResponseVerified(ctx context.Context) (LoginState, error) {
	m, kv := c.request, c.requestKeys
	chapI, hasI := kv.Get("CHAP_I")
	chapC, hasC := kv.Get("CHAP_C")

	var rkv util.KeyValueList
	mutual := hasI || hasC
	if mutual {
		if !hasI || !hasC {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
				"initiator sent only one of CHAP_I and CHAP_C")
		}
		if !c.chapUser.Mutual() {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
				"initiator requests target authentication, but no mutual user is configured for %q", c.user)
		}
		challenge, err := auth.ParseMutual(chapI, chapC)
		if err != nil {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailMissingParameter,
				"received CHAP Login PDU with malformed CHAP_I or CHAP_C: %v", err)
		}
		if c.chap.SameChallenge(challenge.Challenge()) {
			return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
				"initiator reflected our challenge")
		}
		rkv.Add("CHAP_N", c.chapUser.MutualUser)
		rkv.Add("CHAP_R", challenge.Response(c.chapUser.MutualSecret))
	} else if c.authType == api.AuthTypeCHAPMutual {
		return 0, c.fail(StatusClassInitiatorError, StatusDetailAuthenticationFailure,
			"mutual CHAP required, but initiator did not request target authentication")
	}

	resp := c.newResponse(m)
	c.transitAfterAuth = m.Transit
	if m.Transit {
		resp.Transit = true
		resp.NSG = LoginOperationalNegotiation
	}
	if err := c.respond(resp, rkv); err != nil {
		return 0, err
	}
	if mutual {
		return StateMutualResponseSent, nil
	}
	return c.afterAuthentication(), nil
}

func (c *Conn) mutualResponseSent(ctx context.Context) (LoginState, error) {
	c.log.Debugf("target authenticated to the initiator")
	return c.afterAuthentication(), nil
}

func (c *Conn) afterAuthentication() LoginState {
	if c.transitAfterAuth {
		return StateOperationalNegotiation
	}
	return StateTransitionWait
}
