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

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/apex/log"
)

const redisBackend = "redis"

// redisHashStore implements Store on one Redis hash: field is the connection ID, value is
// the JSON encoded record
type redisHashStore struct {
	common.Component
	client  *core.RedisClient
	hashKey string
}

// GetRedisHashStore define a new Redis backed store
func GetRedisHashStore(client *core.RedisClient, hashKey string, instance string) (Store, error) {
	logTags := log.Fields{
		"module":    "registry",
		"component": "redis-store",
		"instance":  instance,
		"hash_key":  hashKey,
	}
	return &redisHashStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		hashKey:   hashKey,
	}, nil
}

// Put insert or overwrite the record of a connection
func (s *redisHashStore) Put(ctxt context.Context, record ConnectionRecord) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := ValidateRecord(record); err != nil {
		return err
	}
	value, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", record)
		return err
	}
	if err := s.client.Redis().HSet(ctxt, s.hashKey, record.ID, value).Err(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to PUT %s", record)
		return newInfraError(redisBackend, "put", err)
	}
	log.WithFields(localLogTags).Debugf("PUT %s", record)
	return nil
}

// Delete remove the record of a connection
func (s *redisHashStore) Delete(ctxt context.Context, id string) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := s.client.Redis().HDel(ctxt, s.hashKey, id).Err(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to DELETE CONN[%s]", id)
		return newInfraError(redisBackend, "delete", err)
	}
	log.WithFields(localLogTags).Debugf("DELETE CONN[%s]", id)
	return nil
}

// ScanAll snapshot all current records
func (s *redisHashStore) ScanAll(ctxt context.Context) ([]ConnectionRecord, error) {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	entries, err := s.client.Redis().HGetAll(ctxt, s.hashKey).Result()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to read connection hash")
		return nil, newInfraError(redisBackend, "scan", err)
	}
	result := make([]ConnectionRecord, 0, len(entries))
	for id, value := range entries {
		var record ConnectionRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Skipping unparsable record under CONN[%s]", id,
			)
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Ready ping the Redis server
func (s *redisHashStore) Ready(ctxt context.Context) error {
	if err := s.client.Ping(ctxt); err != nil {
		return newInfraError(redisBackend, "ready", err)
	}
	return nil
}
