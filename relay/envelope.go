// Copyright 2022 The wsrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ActionSendMessage action name of a client message envelope
const ActionSendMessage = "sendmessage"

// ErrMalformedEnvelope the inbound frame is not a valid message envelope
var ErrMalformedEnvelope = errors.New("malformed message envelope")

// Envelope inbound client message
type Envelope struct {
	// Action is the requested action
	Action string `json:"action,omitempty"`
	// Message is the text to broadcast
	Message string `json:"message"`
}

// ParseEnvelope parse an inbound frame.
//
// A frame which is not a JSON object, or whose message is not a string, is malformed.
// A missing or null message parses as an empty message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err)
	}
	return envelope, nil
}
