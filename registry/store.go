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

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
)

// DefineStore define the connection record store selected by the registry config.
//
// The NATS client is required for the "nats" backend, and the Redis client for the
// "redis" backend. The returned store is instrumented and bounds every operation with
// the configured operation timeout.
func DefineStore(
	config common.RegistryConfig,
	natsClient *core.NatsClient,
	redisClient *core.RedisClient,
	instance string,
) (Store, error) {
	var store Store
	var err error
	switch config.Backend {
	case "memory":
		store, err = GetMemoryStore(instance)
	case "nats":
		if natsClient == nil {
			return nil, fmt.Errorf("registry backend 'nats' requires a NATS client")
		}
		store, err = GetNATSKeyValueStore(natsClient, NATSStoreParam{
			Bucket: config.NATS.Bucket, Replicas: config.NATS.Replicas,
		}, instance)
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("registry backend 'redis' requires a Redis client")
		}
		store, err = GetRedisHashStore(redisClient, config.Redis.HashKey, instance)
	default:
		return nil, fmt.Errorf("unknown registry backend '%s'", config.Backend)
	}
	if err != nil {
		return nil, err
	}
	return withTimeout(
		Instrument(config.Backend, store), time.Second*time.Duration(config.OperationTimeout),
	), nil
}

// timeoutStore bounds each operation of the wrapped store
type timeoutStore struct {
	store   Store
	timeout time.Duration
}

func withTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{store: store, timeout: timeout}
}

// Put insert or overwrite the record of a connection
func (s *timeoutStore) Put(ctxt context.Context, record ConnectionRecord) error {
	opCtxt, cancel := context.WithTimeout(ctxt, s.timeout)
	defer cancel()
	return s.store.Put(opCtxt, record)
}

// Delete remove the record of a connection
func (s *timeoutStore) Delete(ctxt context.Context, id string) error {
	opCtxt, cancel := context.WithTimeout(ctxt, s.timeout)
	defer cancel()
	return s.store.Delete(opCtxt, id)
}

// ScanAll snapshot all current records
func (s *timeoutStore) ScanAll(ctxt context.Context) ([]ConnectionRecord, error) {
	opCtxt, cancel := context.WithTimeout(ctxt, s.timeout)
	defer cancel()
	return s.store.ScanAll(opCtxt)
}

// Ready check whether the backend is reachable
func (s *timeoutStore) Ready(ctxt context.Context) error {
	opCtxt, cancel := context.WithTimeout(ctxt, s.timeout)
	defer cancel()
	return s.store.Ready(opCtxt)
}
