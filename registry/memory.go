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
	"sync"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
)

// memoryStore implements Store with an in-process map
type memoryStore struct {
	common.Component
	lock    sync.RWMutex
	records map[string]ConnectionRecord
}

// GetMemoryStore define a new in-process connection record store
//
// Only suitable when a single relay instance serves all connections.
func GetMemoryStore(instance string) (Store, error) {
	logTags := log.Fields{
		"module": "registry", "component": "memory-store", "instance": instance,
	}
	return &memoryStore{
		Component: common.Component{LogTags: logTags},
		records:   make(map[string]ConnectionRecord),
	}, nil
}

// Put insert or overwrite the record of a connection
func (s *memoryStore) Put(ctxt context.Context, record ConnectionRecord) error {
	if err := ValidateRecord(record); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records[record.ID] = copyRecord(record)
	log.WithFields(common.UpdateLogTags(ctxt, s.LogTags)).Debugf("PUT %s", record)
	return nil
}

// Delete remove the record of a connection
func (s *memoryStore) Delete(ctxt context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.records, id)
	log.WithFields(common.UpdateLogTags(ctxt, s.LogTags)).Debugf("DELETE CONN[%s]", id)
	return nil
}

// ScanAll snapshot all current records
func (s *memoryStore) ScanAll(ctxt context.Context) ([]ConnectionRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]ConnectionRecord, 0, len(s.records))
	for _, record := range s.records {
		result = append(result, copyRecord(record))
	}
	return result, nil
}

// Ready the in-process store is always ready
func (s *memoryStore) Ready(_ context.Context) error {
	return nil
}
