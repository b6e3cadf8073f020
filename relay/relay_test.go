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
	"testing"

	"github.com/alwitt/wsrelay/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestParseEnvelope(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		raw       string
		malformed bool
		message   string
	}
	cases := []testCase{
		{raw: `{"action": "sendmessage", "message": "hello"}`, message: "hello"},
		{raw: `{"message": "no action"}`, message: "no action"},
		{raw: `{"action": "sendmessage"}`},
		{raw: `{"action": "sendmessage", "message": ""}`},
		{raw: `{"action": "sendmessage", "message": null}`},
		{raw: `{"message": "ünïcode ✓"}`, message: "ünïcode ✓"},
		{raw: `{"message": 12}`, malformed: true},
		{raw: `{"message": {"nested": true}}`, malformed: true},
		{raw: `["message"]`, malformed: true},
		{raw: `"message"`, malformed: true},
		{raw: `{"message": "unterminated`, malformed: true},
		{raw: `hello`, malformed: true},
		{raw: ``, malformed: true},
		{raw: `null`, malformed: true},
		{raw: ` null `, malformed: true},
		{raw: "\n{\"message\": \"padded\"}\n", message: "padded"},
	}

	for idx, oneCase := range cases {
		envelope, err := ParseEnvelope([]byte(oneCase.raw))
		if oneCase.malformed {
			assert.Truef(errors.Is(err, ErrMalformedEnvelope), "case %d", idx)
			continue
		}
		assert.Nilf(err, "case %d", idx)
		assert.Equalf(oneCase.message, envelope.Message, "case %d", idx)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	store, err := registry.GetMemoryStore("ut-relay")
	assert.Nil(err)
	transport := newRecordingTransport()
	lifecycle, err := GetLifecycleManager(store, "ut-relay")
	assert.Nil(err)
	broadcaster, err := GetBroadcaster(
		store,
		transport,
		BroadcasterParam{OnGone: GetStaleRecordCleaner(store, "ut-relay")},
		"ut-relay",
	)
	assert.Nil(err)
	uut, err := GetRelay(lifecycle, broadcaster, "ut-relay")
	assert.Nil(err)

	connA := uuid.NewString()
	connB := uuid.NewString()
	connC := uuid.NewString()

	// Case 0: connect A, B, C
	{
		for _, id := range []string{connA, connB, connC} {
			assert.Nil(uut.OnConnect(utCtxt, id, map[string]string{"instance": "ut"}))
		}
		assert.Equal(sortedIDs(connA, connB, connC), registeredIDs(t, store))
	}

	// Case 1: B says hi
	{
		report, err := uut.OnMessage(
			utCtxt, connB, []byte(`{"action": "sendmessage", "message": "hi"}`),
		)
		assert.Nil(err)
		assert.Equal(2, report.Delivered())
		assert.Equal([]string{"hi"}, transport.receivedBy(connA))
		assert.Equal([]string{"hi"}, transport.receivedBy(connC))
		assert.Empty(transport.receivedBy(connB))
	}

	// Case 2: C leaves
	{
		assert.Nil(uut.OnDisconnect(utCtxt, connC))
		assert.Equal(sortedIDs(connA, connB), registeredIDs(t, store))
	}

	// Case 3: A broadcasts
	{
		report, err := uut.OnMessage(utCtxt, connA, []byte(`{"message": "bye"}`))
		assert.Nil(err)
		assert.Equal(1, report.Delivered())
		assert.Equal([]string{"bye"}, transport.receivedBy(connB))
		assert.Equal([]string{"hi"}, transport.receivedBy(connA))
		assert.Equal([]string{"hi"}, transport.receivedBy(connC))
	}

	// Case 4: malformed frame
	{
		report, err := uut.OnMessage(utCtxt, connA, []byte(`{"message": 1}`))
		assert.True(errors.Is(err, ErrMalformedEnvelope))
		assert.Equal(connA, report.SenderID)
		assert.Empty(report.Outcomes)
		assert.Equal([]string{"bye"}, transport.receivedBy(connB))
	}

	// Case 5: empty message
	{
		report, err := uut.OnMessage(utCtxt, connA, []byte(`{"action": "sendmessage"}`))
		assert.Nil(err)
		assert.Empty(report.Outcomes)
		assert.Equal([]string{"bye"}, transport.receivedBy(connB))
	}
}
