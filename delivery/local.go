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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/metrics"
	"github.com/apex/log"
)

// localHub implements Router over the sessions held by this instance
type localHub struct {
	common.Component
	lock     sync.RWMutex
	sessions map[string]Session
	timeout  time.Duration
}

// GetLocalHub define a new Router which only reaches sessions attached to this instance.
//
// Every delivery is bounded by the timeout.
func GetLocalHub(instance string, timeout time.Duration) (Router, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("delivery timeout must be positive, got %s", timeout)
	}
	logTags := log.Fields{
		"module": "delivery", "component": "local-hub", "instance": instance,
	}
	return &localHub{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[string]Session),
		timeout:   timeout,
	}, nil
}

// Attach make a session reachable through the hub
func (h *localHub) Attach(session Session) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.sessions[session.ID()]; ok {
		return fmt.Errorf("session CONN[%s] already attached", session.ID())
	}
	h.sessions[session.ID()] = session
	metrics.LocalSessions.Inc()
	log.WithFields(h.LogTags).Debugf("Attached CONN[%s]", session.ID())
	return nil
}

// Detach stop routing to a session
func (h *localHub) Detach(connectionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.sessions[connectionID]; ok {
		delete(h.sessions, connectionID)
		metrics.LocalSessions.Dec()
		log.WithFields(h.LogTags).Debugf("Detached CONN[%s]", connectionID)
	}
}

// Disconnect close the session if it is held by this instance
func (h *localHub) Disconnect(connectionID string, reason string) bool {
	h.lock.RLock()
	session, ok := h.sessions[connectionID]
	h.lock.RUnlock()
	if !ok {
		return false
	}
	log.WithFields(h.LogTags).Infof("Closing CONN[%s]: %s", connectionID, reason)
	session.Close(reason)
	return true
}

// LocalSessions number of sessions held by this instance
func (h *localHub) LocalSessions() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.sessions)
}

// DeliverTo push the payload to a session held by this instance
func (h *localHub) DeliverTo(ctxt context.Context, connectionID string, payload []byte) error {
	h.lock.RLock()
	session, ok := h.sessions[connectionID]
	h.lock.RUnlock()
	if !ok {
		return NewGoneError(connectionID, fmt.Errorf("no local session"))
	}

	sendCtxt, cancel := context.WithTimeout(ctxt, h.timeout)
	defer cancel()
	if err := session.Send(sendCtxt, payload); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return NewGoneError(connectionID, err)
		}
		return NewTransientError(connectionID, err)
	}
	return nil
}
