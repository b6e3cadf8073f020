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
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsrelay/delivery"
	"github.com/alwitt/wsrelay/mocks"
	"github.com/alwitt/wsrelay/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// recordingTransport records deliveries, and fails for configured connections
type recordingTransport struct {
	lock      sync.Mutex
	received  map[string][]string
	failures  map[string]error
	delay     time.Duration
	inflight  int
	maxFlight int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		received: make(map[string][]string), failures: make(map[string]error),
	}
}

func (r *recordingTransport) failWith(connectionID string, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failures[connectionID] = err
}

func (r *recordingTransport) DeliverTo(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	r.lock.Lock()
	r.inflight++
	if r.inflight > r.maxFlight {
		r.maxFlight = r.inflight
	}
	failure := r.failures[connectionID]
	r.lock.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.inflight--
	if failure != nil {
		return failure
	}
	r.received[connectionID] = append(r.received[connectionID], string(payload))
	return nil
}

func (r *recordingTransport) receivedBy(connectionID string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.received[connectionID]...)
}

func (r *recordingTransport) peakConcurrency() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.maxFlight
}

func outcomesByID(report BroadcastReport) map[string]Outcome {
	result := map[string]Outcome{}
	for _, entry := range report.Outcomes {
		result[entry.ConnectionID] = entry.Outcome
	}
	return result
}

func registerAll(t *testing.T, store registry.Store, ids ...string) {
	for _, id := range ids {
		assert.Nil(t, store.Put(context.Background(), registry.ConnectionRecord{
			ID: id, ConnectedAt: time.Now(),
		}))
	}
}

func TestBroadcastSelfExclusion(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	store, err := registry.GetMemoryStore("ut-broadcast")
	assert.Nil(err)
	transport := newRecordingTransport()
	uut, err := GetBroadcaster(store, transport, BroadcasterParam{}, "ut-broadcast")
	assert.Nil(err)

	connA := uuid.NewString()
	connB := uuid.NewString()
	connC := uuid.NewString()

	// Case 0: nobody registered
	{
		report, err := uut.Broadcast(utCtxt, connA, []byte("hello"))
		assert.Nil(err)
		assert.Equal(connA, report.SenderID)
		assert.Empty(report.Outcomes)
	}

	registerAll(t, store, connA, connB, connC)

	// Case 1: sender does not receive its own message
	{
		report, err := uut.Broadcast(utCtxt, connA, []byte("hello"))
		assert.Nil(err)
		assert.Equal(2, report.Delivered())
		assert.Equal(
			map[string]Outcome{connB: OutcomeDelivered, connC: OutcomeDelivered},
			outcomesByID(report),
		)
		assert.Empty(transport.receivedBy(connA))
		assert.Equal([]string{"hello"}, transport.receivedBy(connB))
		assert.Equal([]string{"hello"}, transport.receivedBy(connC))
	}

	// Case 2: sender not registered
	{
		report, err := uut.Broadcast(utCtxt, uuid.NewString(), []byte("anyone"))
		assert.Nil(err)
		assert.Equal(3, report.Delivered())
	}

	// Case 3: server originated broadcast reaches everyone
	{
		report, err := uut.Broadcast(utCtxt, "", []byte("all"))
		assert.Nil(err)
		assert.Equal(3, report.Delivered())
		assert.Equal([]string{"anyone", "all"}, transport.receivedBy(connA))
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	store, err := registry.GetMemoryStore("ut-broadcast")
	assert.Nil(err)
	transport := newRecordingTransport()

	sender := uuid.NewString()
	slow := uuid.NewString()
	gone := uuid.NewString()
	broken := uuid.NewString()
	healthy := uuid.NewString()
	registerAll(t, store, sender, slow, gone, broken, healthy)

	transport.failWith(slow, delivery.NewTransientError(slow, context.DeadlineExceeded))
	transport.failWith(gone, delivery.NewGoneError(gone, delivery.ErrSessionClosed))
	transport.failWith(broken, errors.New("unclassified"))

	// Case 0: stale record cleanup disabled
	{
		uut, err := GetBroadcaster(store, transport, BroadcasterParam{}, "ut-broadcast")
		assert.Nil(err)
		report, err := uut.Broadcast(utCtxt, sender, []byte("msg-0"))
		assert.Nil(err)
		assert.Len(report.Outcomes, 4)
		assert.Equal(1, report.Delivered())
		assert.Equal(1, report.Gone())
		assert.Equal(2, report.Failed())
		assert.Equal(
			map[string]Outcome{
				slow:    OutcomeTransient,
				gone:    OutcomeGone,
				broken:  OutcomeTransient,
				healthy: OutcomeDelivered,
			},
			outcomesByID(report),
		)
		for _, entry := range report.Outcomes {
			if entry.Outcome == OutcomeDelivered {
				assert.Nil(entry.Err)
			} else {
				assert.NotNil(entry.Err)
			}
		}
		assert.Equal([]string{"msg-0"}, transport.receivedBy(healthy))
		assert.Equal(sortedIDs(sender, slow, gone, broken, healthy), registeredIDs(t, store))
	}

	// Case 1: gone connections are removed
	{
		uut, err := GetBroadcaster(
			store,
			transport,
			BroadcasterParam{OnGone: GetStaleRecordCleaner(store, "ut-broadcast")},
			"ut-broadcast",
		)
		assert.Nil(err)
		report, err := uut.Broadcast(utCtxt, sender, []byte("msg-1"))
		assert.Nil(err)
		assert.Equal(1, report.Gone())
		assert.Equal(sortedIDs(sender, slow, broken, healthy), registeredIDs(t, store))

		// Transient failures are not removed
		report, err = uut.Broadcast(utCtxt, sender, []byte("msg-2"))
		assert.Nil(err)
		assert.Len(report.Outcomes, 3)
		assert.Equal(0, report.Gone())
		assert.Equal([]string{"msg-0", "msg-1", "msg-2"}, transport.receivedBy(healthy))
	}
}

func TestBroadcastStaleHandlerInvocation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	store, err := registry.GetMemoryStore("ut-broadcast")
	assert.Nil(err)
	transport := newRecordingTransport()

	goneA := uuid.NewString()
	goneB := uuid.NewString()
	registerAll(t, store, goneA, goneB)
	transport.failWith(goneA, delivery.NewGoneError(goneA, fmt.Errorf("no local session")))
	transport.failWith(goneB, delivery.NewGoneError(goneB, fmt.Errorf("no local session")))

	lock := sync.Mutex{}
	reported := []string{}
	uut, err := GetBroadcaster(store, transport, BroadcasterParam{
		OnGone: func(_ context.Context, connectionID string) {
			lock.Lock()
			defer lock.Unlock()
			reported = append(reported, connectionID)
		},
	}, "ut-broadcast")
	assert.Nil(err)

	report, err := uut.Broadcast(utCtxt, "", []byte("ping"))
	assert.Nil(err)
	assert.Equal(2, report.Gone())
	sort.Strings(reported)
	assert.Equal(sortedIDs(goneA, goneB), reported)
	// The custom handler did not touch the store
	assert.Equal(sortedIDs(goneA, goneB), registeredIDs(t, store))
}

func TestBroadcastStaleCleanupFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	mockStore := mocks.NewStore(t)
	mockTransport := mocks.NewTransport(t)
	uut, err := GetBroadcaster(
		mockStore,
		mockTransport,
		BroadcasterParam{OnGone: GetStaleRecordCleaner(mockStore, "ut-broadcast")},
		"ut-broadcast",
	)
	assert.Nil(err)

	gone := uuid.NewString()
	healthy := uuid.NewString()
	mockStore.On("ScanAll", mock.Anything).Return([]registry.ConnectionRecord{
		{ID: gone}, {ID: healthy},
	}, nil).Once()
	mockTransport.On("DeliverTo", mock.Anything, gone, []byte("x")).Return(
		delivery.NewGoneError(gone, delivery.ErrSessionClosed),
	).Once()
	mockTransport.On("DeliverTo", mock.Anything, healthy, []byte("x")).Return(nil).Once()
	mockStore.On("Delete", mock.Anything, gone).Return(
		&registry.InfraError{Backend: "ut", Op: "delete", Cause: errors.New("offline")},
	).Once()

	report, err := uut.Broadcast(utCtxt, "", []byte("x"))
	assert.Nil(err)
	assert.Equal(1, report.Delivered())
	assert.Equal(1, report.Gone())
}

func TestBroadcastScanFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	mockStore := mocks.NewStore(t)
	mockTransport := mocks.NewTransport(t)
	uut, err := GetBroadcaster(mockStore, mockTransport, BroadcasterParam{}, "ut-broadcast")
	assert.Nil(err)

	mockStore.On("ScanAll", mock.Anything).Return(
		nil, &registry.InfraError{Backend: "ut", Op: "scan", Cause: errors.New("offline")},
	).Once()

	report, err := uut.Broadcast(utCtxt, uuid.NewString(), []byte("lost"))
	assert.NotNil(err)
	assert.True(registry.IsInfraError(err))
	assert.Empty(report.Outcomes)
	mockTransport.AssertNotCalled(t, "DeliverTo", mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcastParallelism(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	store, err := registry.GetMemoryStore("ut-broadcast")
	assert.Nil(err)
	for itr := 0; itr < 8; itr++ {
		registerAll(t, store, uuid.NewString())
	}

	// Case 0: invalid limit
	{
		_, err := GetBroadcaster(
			store, newRecordingTransport(), BroadcasterParam{MaxParallelDelivery: -1}, "ut",
		)
		assert.NotNil(err)
	}

	// Case 1: bounded
	{
		transport := newRecordingTransport()
		transport.delay = time.Millisecond * 20
		uut, err := GetBroadcaster(
			store, transport, BroadcasterParam{MaxParallelDelivery: 2}, "ut-broadcast",
		)
		assert.Nil(err)
		report, err := uut.Broadcast(utCtxt, "", []byte("bounded"))
		assert.Nil(err)
		assert.Equal(8, report.Delivered())
		assert.LessOrEqual(transport.peakConcurrency(), 2)
	}

	// Case 2: unbounded deliveries run together
	{
		transport := newRecordingTransport()
		transport.delay = time.Millisecond * 100
		uut, err := GetBroadcaster(store, transport, BroadcasterParam{}, "ut-broadcast")
		assert.Nil(err)
		start := time.Now()
		report, err := uut.Broadcast(utCtxt, "", []byte("unbounded"))
		assert.Nil(err)
		assert.Equal(8, report.Delivered())
		assert.Greater(transport.peakConcurrency(), 2)
		assert.Less(time.Since(start), time.Millisecond*700)
	}
}

func TestConcurrentBroadcasts(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	store, err := registry.GetMemoryStore("ut-broadcast")
	assert.Nil(err)
	transport := newRecordingTransport()
	uut, err := GetBroadcaster(store, transport, BroadcasterParam{}, "ut-broadcast")
	assert.Nil(err)

	senders := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	listener := uuid.NewString()
	registerAll(t, store, senders...)
	registerAll(t, store, listener)

	rounds := 10
	wg := sync.WaitGroup{}
	for _, sender := range senders {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for itr := 0; itr < rounds; itr++ {
				report, err := uut.Broadcast(utCtxt, sender, []byte(fmt.Sprintf("%s-%d", sender, itr)))
				assert.Nil(err)
				assert.Equal(len(senders), report.Delivered())
				assert.Equal(sender, report.SenderID)
			}
		}(sender)
	}
	wg.Wait()

	assert.Len(transport.receivedBy(listener), rounds*len(senders))
	for _, sender := range senders {
		received := transport.receivedBy(sender)
		assert.Len(received, rounds*(len(senders)-1))
		// Messages from one sender arrive in the order sent
		for _, other := range senders {
			if other == sender {
				continue
			}
			expected := []string{}
			for itr := 0; itr < rounds; itr++ {
				expected = append(expected, fmt.Sprintf("%s-%d", other, itr))
			}
			fromOther := []string{}
			for _, msg := range received {
				if len(msg) > len(other) && msg[:len(other)] == other {
					fromOther = append(fromOther, msg)
				}
			}
			assert.Equal(expected, fromOther)
		}
	}
}
