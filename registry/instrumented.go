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
	"time"

	"github.com/alwitt/wsrelay/metrics"
)

// instrumentedStore wraps a Store to record operation metrics
type instrumentedStore struct {
	backend string
	store   Store
}

// Instrument wrap a Store so that every operation is recorded in the registry metrics
func Instrument(backend string, store Store) Store {
	return &instrumentedStore{backend: backend, store: store}
}

// Put insert or overwrite the record of a connection
func (s *instrumentedStore) Put(ctxt context.Context, record ConnectionRecord) error {
	started := time.Now()
	err := s.store.Put(ctxt, record)
	metrics.ObserveRegistryOp(s.backend, "put", started, err)
	return err
}

// Delete remove the record of a connection
func (s *instrumentedStore) Delete(ctxt context.Context, id string) error {
	started := time.Now()
	err := s.store.Delete(ctxt, id)
	metrics.ObserveRegistryOp(s.backend, "delete", started, err)
	return err
}

// ScanAll snapshot all current records
func (s *instrumentedStore) ScanAll(ctxt context.Context) ([]ConnectionRecord, error) {
	started := time.Now()
	records, err := s.store.ScanAll(ctxt)
	metrics.ObserveRegistryOp(s.backend, "scan", started, err)
	return records, err
}

// Ready check whether the backend is reachable
func (s *instrumentedStore) Ready(ctxt context.Context) error {
	return s.store.Ready(ctxt)
}
