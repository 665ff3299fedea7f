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

import "fmt"

// Login status classes and details, rfc7143 section 11.13.5.
const (
	StatusClassSuccess        uint8 = 0x00
	StatusClassRedirection    uint8 = 0x01
	StatusClassInitiatorError uint8 = 0x02
	StatusClassTargetError    uint8 = 0x03

	StatusDetailTargetMovedTemporarily uint8 = 0x01

	StatusDetailInitiatorError        uint8 = 0x00
	StatusDetailAuthenticationFailure uint8 = 0x01
	StatusDetailAuthorizationFailure  uint8 = 0x02
	StatusDetailNotFound              uint8 = 0x03
	StatusDetailUnsupportedVersion    uint8 = 0x05
	StatusDetailMissingParameter      uint8 = 0x07
	StatusDetailSessionDoesNotExist   uint8 = 0x0a
)

// LoginError is a login failure that was reported to the initiator with
// a status class and detail.
type LoginError struct {
	Class  uint8
	Detail uint8
	Msg    string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed with status 0x%02x%02x: %s", e.Class, e.Detail, e.Msg)
}
