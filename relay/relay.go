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
	"context"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
)

// Relay receives the connection events of the edge
type Relay interface {
	LifecycleManager
	// OnMessage parse an inbound frame from a sender and broadcast its message to everyone
	// else.
	//
	// A sender ID of "" excludes no one.
	OnMessage(ctxt context.Context, senderID string, raw []byte) (BroadcastReport, error)
}

// relayImpl implements Relay
type relayImpl struct {
	common.Component
	LifecycleManager
	broadcaster Broadcaster
}

// GetRelay define a new relay from its lifecycle manager and broadcaster
func GetRelay(
	lifecycle LifecycleManager, broadcaster Broadcaster, instance string,
) (Relay, error) {
	logTags := log.Fields{
		"module": "relay", "component": "relay", "instance": instance,
	}
	return &relayImpl{
		Component:        common.Component{LogTags: logTags},
		LifecycleManager: lifecycle,
		broadcaster:      broadcaster,
	}, nil
}

// OnMessage parse an inbound frame and broadcast its message
func (r *relayImpl) OnMessage(
	ctxt context.Context, senderID string, raw []byte,
) (BroadcastReport, error) {
	logTags := common.UpdateLogTags(ctxt, r.LogTags)
	envelope, err := ParseEnvelope(raw)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Rejected frame from CONN[%s]", senderID)
		return BroadcastReport{SenderID: senderID}, err
	}
	if envelope.Message == "" {
		log.WithFields(logTags).Debugf("Ignoring empty message from CONN[%s]", senderID)
		return BroadcastReport{SenderID: senderID}, nil
	}
	return r.broadcaster.Broadcast(ctxt, senderID, []byte(envelope.Message))
}
