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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

const natsBackend = "nats-kv"

// NATSStoreParam JetStream KV backed store parameters
type NATSStoreParam struct {
	// Bucket is the KV bucket name
	Bucket string `validate:"required"`
	// Replicas is the number of bucket replicas
	Replicas int `validate:"gte=1"`
}

// natsKVStore implements Store on a JetStream KV bucket
type natsKVStore struct {
	common.Component
	client *core.NatsClient
	kv     nats.KeyValue
}

// GetNATSKeyValueStore define a new JetStream KV backed store. The bucket is created
// if it does not exist yet.
func GetNATSKeyValueStore(
	client *core.NatsClient, param NATSStoreParam, instance string,
) (Store, error) {
	logTags := log.Fields{
		"module":    "registry",
		"component": "nats-kv-store",
		"instance":  instance,
		"bucket":    param.Bucket,
	}
	kv, err := client.JetStream().KeyValue(param.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		log.WithFields(logTags).Infof("Creating KV bucket %s", param.Bucket)
		kv, err = client.JetStream().CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      param.Bucket,
			Description: "wsrelay connection registry",
			History:     1,
			Storage:     nats.FileStorage,
			Replicas:    param.Replicas,
		})
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind KV bucket")
		return nil, newInfraError(natsBackend, "bind", err)
	}
	return &natsKVStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		kv:        kv,
	}, nil
}

// Put insert or overwrite the record of a connection
func (s *natsKVStore) Put(ctxt context.Context, record ConnectionRecord) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := ValidateRecord(record); err != nil {
		return err
	}
	if err := ctxt.Err(); err != nil {
		return newInfraError(natsBackend, "put", err)
	}
	value, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", record)
		return err
	}
	rev, err := s.kv.Put(record.ID, value)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to PUT %s", record)
		return newInfraError(natsBackend, "put", err)
	}
	log.WithFields(localLogTags).Debugf("PUT %s@%d", record, rev)
	return nil
}

// Delete remove the record of a connection
func (s *natsKVStore) Delete(ctxt context.Context, id string) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := ValidateConnectionID(id); err != nil {
		// Such a key could never have been stored
		return nil
	}
	if err := ctxt.Err(); err != nil {
		return newInfraError(natsBackend, "delete", err)
	}
	if err := s.kv.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to DELETE CONN[%s]", id)
		return newInfraError(natsBackend, "delete", err)
	}
	log.WithFields(localLogTags).Debugf("DELETE CONN[%s]", id)
	return nil
}

// ScanAll snapshot all current records
func (s *natsKVStore) ScanAll(ctxt context.Context) ([]ConnectionRecord, error) {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := ctxt.Err(); err != nil {
		return nil, newInfraError(natsBackend, "scan", err)
	}
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return []ConnectionRecord{}, nil
	} else if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to list keys")
		return nil, newInfraError(natsBackend, "scan", err)
	}
	result := make([]ConnectionRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			// Deleted since the key listing
			continue
		} else if err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("Failed to GET CONN[%s]", key)
			return nil, newInfraError(natsBackend, "scan", err)
		}
		var record ConnectionRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Skipping unparsable record under CONN[%s]", key,
			)
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Ready check the NATS connection is up
func (s *natsKVStore) Ready(_ context.Context) error {
	if !s.client.Connected() {
		return newInfraError(natsBackend, "ready", fmt.Errorf("NATS connection not established"))
	}
	return nil
}
