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

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Reply status values of the NATS delivery bridge
const (
	bridgeStatusDelivered = "delivered"
	bridgeStatusGone      = "gone"
	bridgeStatusTransient = "transient"
)

// bridgeReply reply to a bridged delivery request
type bridgeReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// natsBridge implements Router across relay instances with NATS request / reply.
//
// Each instance answers requests on "<prefix>.<connection ID>" for the sessions it holds,
// and forwards them to its local hub. A request nobody answers means no instance holds
// the connection.
type natsBridge struct {
	common.Component
	client        *core.NatsClient
	local         Router
	subjectPrefix string
	timeout       time.Duration
	lock          sync.Mutex
	subscriptions map[string]*nats.Subscription
}

// GetNatsBridge define a new Router which reaches sessions held by any relay instance
// connected to the same NATS cluster.
func GetNatsBridge(
	client *core.NatsClient,
	local Router,
	subjectPrefix string,
	timeout time.Duration,
	instance string,
) (Router, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("delivery timeout must be positive, got %s", timeout)
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("delivery subject prefix is required")
	}
	logTags := log.Fields{
		"module":         "delivery",
		"component":      "nats-bridge",
		"instance":       instance,
		"subject_prefix": subjectPrefix,
	}
	return &natsBridge{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		local:         local,
		subjectPrefix: subjectPrefix,
		timeout:       timeout,
		subscriptions: make(map[string]*nats.Subscription),
	}, nil
}

func (b *natsBridge) subjectFor(connectionID string) string {
	return fmt.Sprintf("%s.%s", b.subjectPrefix, connectionID)
}

// Attach attach the session locally, and answer bridged deliveries for it
func (b *natsBridge) Attach(session Session) error {
	if err := b.local.Attach(session); err != nil {
		return err
	}
	connectionID := session.ID()
	subject := b.subjectFor(connectionID)
	sub, err := b.client.NATs().Subscribe(subject, func(msg *nats.Msg) {
		ctxt, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		reply := bridgeReply{Status: bridgeStatusDelivered}
		if err := b.local.DeliverTo(ctxt, connectionID, msg.Data); err != nil {
			reply.Error = err.Error()
			if IsGone(err) {
				reply.Status = bridgeStatusGone
			} else {
				reply.Status = bridgeStatusTransient
			}
		}
		replyMsg, err := json.Marshal(&reply)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unable to serialize bridge reply")
			return
		}
		if err := msg.Respond(replyMsg); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to reply on bridged delivery to CONN[%s]", connectionID,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to %s", subject)
		b.local.Detach(connectionID)
		return err
	}
	b.lock.Lock()
	b.subscriptions[connectionID] = sub
	b.lock.Unlock()
	log.WithFields(b.LogTags).Debugf("Serving CONN[%s] on %s", connectionID, subject)
	return nil
}

// Detach stop answering bridged deliveries for the session, and detach it locally
func (b *natsBridge) Detach(connectionID string) {
	b.lock.Lock()
	sub, ok := b.subscriptions[connectionID]
	delete(b.subscriptions, connectionID)
	b.lock.Unlock()
	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to unsubscribe CONN[%s]", connectionID,
			)
		}
	}
	b.local.Detach(connectionID)
}

// Disconnect close the session if it is held by this instance
func (b *natsBridge) Disconnect(connectionID string, reason string) bool {
	return b.local.Disconnect(connectionID, reason)
}

// LocalSessions number of sessions held by this instance
func (b *natsBridge) LocalSessions() int {
	return b.local.LocalSessions()
}

// DeliverTo push the payload to the connection, wherever it is held
func (b *natsBridge) DeliverTo(ctxt context.Context, connectionID string, payload []byte) error {
	reqCtxt, cancel := context.WithTimeout(ctxt, b.timeout)
	defer cancel()
	resp, err := b.client.NATs().RequestWithContext(reqCtxt, b.subjectFor(connectionID), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return NewGoneError(connectionID, err)
		}
		return NewTransientError(connectionID, err)
	}
	var reply bridgeReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return NewTransientError(connectionID, fmt.Errorf("unparsable bridge reply: %w", err))
	}
	switch reply.Status {
	case bridgeStatusDelivered:
		return nil
	case bridgeStatusGone:
		return NewGoneError(connectionID, errors.New(reply.Error))
	default:
		return NewTransientError(connectionID, errors.New(reply.Error))
	}
}
