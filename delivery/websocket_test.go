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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestWebSocketSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	param := WebSocketSessionParam{
		SendQueueLength: 4,
		WriteTimeout:    time.Second,
		PingInterval:    time.Millisecond * 100,
		PongTimeout:     time.Second,
		MaxMessageSize:  1024,
	}

	hub, err := GetLocalHub("ut-websocket-session", time.Millisecond*200)
	assert.Nil(err)

	sessions := make(chan *WebSocketSession, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.Nil(err) {
			return
		}
		session, err := NewWebSocketSession(utCtxt, uuid.NewString(), conn, param, &wg)
		if !assert.Nil(err) {
			return
		}
		assert.Nil(hub.Attach(session))
		sessions <- session
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer client.Close()

	var session *WebSocketSession
	select {
	case session = <-sessions:
	case <-time.After(time.Second):
		assert.FailNow("session not created")
	}

	// Pings are answered by the client only while it reads
	pings := make(chan struct{}, 16)
	client.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return client.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Case 0: payloads reach the client in order
	{
		assert.Nil(hub.DeliverTo(utCtxt, session.ID(), []byte("hello")))
		assert.Nil(hub.DeliverTo(utCtxt, session.ID(), []byte("world")))
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		msgType, msg, err := client.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, msgType)
		assert.Equal("hello", string(msg))
		_, msg, err = client.ReadMessage()
		assert.Nil(err)
		assert.Equal("world", string(msg))
	}

	// Case 1: keep-alive pings arrive
	{
		go func() {
			_ = client.SetReadDeadline(time.Now().Add(time.Millisecond * 350))
			_, _, _ = client.ReadMessage()
		}()
		select {
		case <-pings:
		case <-time.After(time.Second):
			assert.Fail("no keep-alive ping")
		}
	}

	// Case 2: closing the session rejects further sends and is reported as gone
	{
		session.Close("ut done")
		session.Close("ut done again")
		<-session.Done()
		err := session.Send(utCtxt, []byte("late"))
		assert.True(errors.Is(err, ErrSessionClosed))
		assert.True(IsGone(hub.DeliverTo(utCtxt, session.ID(), []byte("late"))))
	}
}
