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
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// scanIDs helper function to fetch the sorted IDs of all records
func scanIDs(assert *assert.Assertions, uut Store, ctxt context.Context) []string {
	records, err := uut.ScanAll(ctxt)
	assert.Nil(err)
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	sort.Strings(ids)
	return ids
}

// verifyStoreContract exercise the Store contract shared by all backends
func verifyStoreContract(t *testing.T, uut Store) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)

	// Case 0: empty store
	assert.Empty(scanIDs(assert, uut, utCtxt))

	// Case 1: register
	for _, id := range ids {
		assert.Nil(uut.Put(utCtxt, ConnectionRecord{
			ID: id, ConnectedAt: time.Now().UTC(), Metadata: map[string]string{"instance": "ut"},
		}))
	}
	assert.Equal(sorted, scanIDs(assert, uut, utCtxt))

	// Case 2: repeated registration leaves exactly one record
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{ID: ids[0], ConnectedAt: time.Now().UTC()}))
	assert.Equal(sorted, scanIDs(assert, uut, utCtxt))

	// Case 3: delete unknown ID
	assert.Nil(uut.Delete(utCtxt, uuid.NewString()))
	assert.Equal(sorted, scanIDs(assert, uut, utCtxt))

	// Case 4: delete known ID, twice
	assert.Nil(uut.Delete(utCtxt, ids[1]))
	assert.Nil(uut.Delete(utCtxt, ids[1]))
	{
		remaining := []string{ids[0], ids[2]}
		sort.Strings(remaining)
		assert.Equal(remaining, scanIDs(assert, uut, utCtxt))
	}

	// Case 5: invalid IDs
	{
		err := uut.Put(utCtxt, ConnectionRecord{ID: ""})
		assert.True(errors.Is(err, ErrInvalidConnectionID))
		err = uut.Put(utCtxt, ConnectionRecord{ID: "has space"})
		assert.True(errors.Is(err, ErrInvalidConnectionID))
		assert.False(IsInfraError(err))
	}

	// Case 6: metadata survives the round trip
	{
		records, err := uut.ScanAll(utCtxt)
		assert.Nil(err)
		for _, record := range records {
			if record.ID == ids[2] {
				assert.Equal("ut", record.Metadata["instance"])
			}
		}
	}

	// Clean up
	for _, id := range ids {
		assert.Nil(uut.Delete(utCtxt, id))
	}
	assert.Empty(scanIDs(assert, uut, utCtxt))
}

func TestMemoryStore(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	uut, err := GetMemoryStore("ut-memory-store")
	assert.Nil(t, err)
	verifyStoreContract(t, uut)
}

func TestMemoryStoreRecordIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	uut, err := GetMemoryStore("ut-memory-store-isolation")
	assert.Nil(err)

	id := uuid.NewString()
	meta := map[string]string{"instance": "a"}
	assert.Nil(uut.Put(utCtxt, ConnectionRecord{ID: id, Metadata: meta}))

	// Case 0: caller changing its map does not change the stored record
	meta["instance"] = "b"
	records, err := uut.ScanAll(utCtxt)
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal("a", records[0].Metadata["instance"])

	// Case 1: changing a scanned record does not change the stored record
	records[0].Metadata["instance"] = "c"
	records, err = uut.ScanAll(utCtxt)
	assert.Nil(err)
	assert.Equal("a", records[0].Metadata["instance"])
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	utCtxt := context.Background()

	uut, err := GetMemoryStore("ut-memory-store-concurrent")
	assert.Nil(err)

	// Each worker registers, scans, and removes its own set of connections
	workers := 8
	perWorker := 50
	wg := sync.WaitGroup{}
	errs := make(chan error, workers*perWorker*3)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for itr := 0; itr < perWorker; itr++ {
				id := fmt.Sprintf("w%d-c%d", worker, itr)
				if err := uut.Put(utCtxt, ConnectionRecord{ID: id}); err != nil {
					errs <- err
				}
				if _, err := uut.ScanAll(utCtxt); err != nil {
					errs <- err
				}
				if itr%2 == 0 {
					if err := uut.Delete(utCtxt, id); err != nil {
						errs <- err
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Nil(err)
	}

	records, err := uut.ScanAll(utCtxt)
	assert.Nil(err)
	assert.Len(records, workers*perWorker/2)
}

func TestDefineStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	base := common.RegistryConfig{
		Backend:          "memory",
		OperationTimeout: 1,
		NATS:             common.NATSRegistryConfig{Bucket: "ut", Replicas: 1},
		Redis:            common.RedisRegistryConfig{HashKey: "ut"},
	}

	// Case 0: memory backend
	{
		uut, err := DefineStore(base, nil, nil, "ut-define-store")
		assert.Nil(err)
		assert.Nil(uut.Ready(context.Background()))
		verifyStoreContract(t, uut)
	}

	// Case 1: backends missing their client
	{
		cfg := base
		cfg.Backend = "nats"
		_, err := DefineStore(cfg, nil, nil, "ut-define-store")
		assert.NotNil(err)
		cfg.Backend = "redis"
		_, err = DefineStore(cfg, nil, nil, "ut-define-store")
		assert.NotNil(err)
	}

	// Case 2: unknown backend
	{
		cfg := base
		cfg.Backend = "etcd"
		_, err := DefineStore(cfg, nil, nil, "ut-define-store")
		assert.NotNil(err)
	}
}

func TestInfraError(t *testing.T) {
	assert := assert.New(t)

	cause := fmt.Errorf("connection refused")
	err := fmt.Errorf("wrapped: %w", newInfraError("redis", "scan", cause))
	assert.True(IsInfraError(err))
	assert.True(errors.Is(err, cause))
	assert.False(IsInfraError(cause))
	assert.Contains(err.Error(), "redis scan failed")
}

func TestValidateConnectionID(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateConnectionID(uuid.NewString()))
	assert.Nil(ValidateConnectionID("Zk3_a=b.c/d-e"))
	assert.NotNil(ValidateConnectionID(""))
	assert.NotNil(ValidateConnectionID("a b"))
	assert.NotNil(ValidateConnectionID("a*b"))
	{
		long := make([]byte, 129)
		for i := range long {
			long[i] = 'a'
		}
		assert.NotNil(ValidateConnectionID(string(long)))
	}
}
