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

// Package relay holds the connection lifecycle manager and the fan-out broadcaster
package relay

import (
	"context"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/metrics"
	"github.com/alwitt/wsrelay/registry"
	"github.com/apex/log"
)

// Connection lifecycle event names
const (
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
)

// LifecycleManager keeps the connection record store in step with connect / disconnect
// events from the edge
type LifecycleManager interface {
	// OnConnect register a new connection
	OnConnect(ctxt context.Context, connectionID string, metadata map[string]string) error
	// OnDisconnect remove a connection. Removing an unknown connection is not an error.
	OnDisconnect(ctxt context.Context, connectionID string) error
}

// lifecycleManagerImpl implements LifecycleManager
type lifecycleManagerImpl struct {
	common.Component
	store registry.Store
	now   func() time.Time
}

// GetLifecycleManager define a new connection lifecycle manager
func GetLifecycleManager(store registry.Store, instance string) (LifecycleManager, error) {
	logTags := log.Fields{
		"module": "relay", "component": "lifecycle-manager", "instance": instance,
	}
	return &lifecycleManagerImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		now:       time.Now,
	}, nil
}

// OnConnect register a new connection.
//
// Registering the same connection again overwrites its record.
func (m *lifecycleManagerImpl) OnConnect(
	ctxt context.Context, connectionID string, metadata map[string]string,
) error {
	logTags := common.UpdateLogTags(ctxt, m.LogTags)
	record := registry.ConnectionRecord{
		ID: connectionID, ConnectedAt: m.now().UTC(), Metadata: metadata,
	}
	err := m.store.Put(ctxt, record)
	metrics.ConnectionEvents.WithLabelValues(eventConnect, metrics.StatusOf(err)).Inc()
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to register %s", record)
		return err
	}
	log.WithFields(logTags).Debugf("Registered %s", record)
	return nil
}

// OnDisconnect remove a connection
func (m *lifecycleManagerImpl) OnDisconnect(ctxt context.Context, connectionID string) error {
	logTags := common.UpdateLogTags(ctxt, m.LogTags)
	err := m.store.Delete(ctxt, connectionID)
	metrics.ConnectionEvents.WithLabelValues(eventDisconnect, metrics.StatusOf(err)).Inc()
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to remove CONN[%s]", connectionID)
		return err
	}
	log.WithFields(logTags).Debugf("Removed CONN[%s]", connectionID)
	return nil
}
