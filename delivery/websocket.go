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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// WebSocketSessionParam websocket session parameters
type WebSocketSessionParam struct {
	// SendQueueLength is the number of outbound messages buffered
	SendQueueLength int `validate:"gte=1"`
	// WriteTimeout is the max duration of one frame write
	WriteTimeout time.Duration `validate:"gt=0"`
	// PingInterval is the keep-alive ping interval
	PingInterval time.Duration `validate:"gt=0"`
	// PongTimeout is how long to wait for the next pong before the read side fails
	PongTimeout time.Duration `validate:"gtfield=PingInterval"`
	// MaxMessageSize is the largest inbound frame accepted
	MaxMessageSize int64 `validate:"gte=1"`
}

// WebSocketSession a Session on a gorilla websocket connection.
//
// All data frames are written by one writer goroutine. Ping and close frames are sent
// with WriteControl, which gorilla allows concurrently with the writer.
type WebSocketSession struct {
	common.Component
	id        string
	conn      *websocket.Conn
	param     WebSocketSessionParam
	sendQueue chan []byte
	done      chan struct{}
	closeOnce sync.Once
	keepAlive common.IntervalTimer
}

// NewWebSocketSession define a new websocket session and start its writer and
// keep-alive loops. The session closes when the parent context is cancelled.
func NewWebSocketSession(
	parentCtxt context.Context,
	id string,
	conn *websocket.Conn,
	param WebSocketSessionParam,
	wg *sync.WaitGroup,
) (*WebSocketSession, error) {
	logTags := log.Fields{
		"module":        "delivery",
		"component":     "websocket-session",
		"connection_id": id,
		"remote_addr":   conn.RemoteAddr().String(),
	}
	keepAlive, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("keep-alive/%s", id), parentCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define keep-alive timer")
		return nil, err
	}
	session := &WebSocketSession{
		Component: common.Component{LogTags: logTags},
		id:        id,
		conn:      conn,
		param:     param,
		sendQueue: make(chan []byte, param.SendQueueLength),
		done:      make(chan struct{}),
		keepAlive: keepAlive,
	}

	// Read side: frame size limit and pong driven deadline
	conn.SetReadLimit(param.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(param.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(param.PongTimeout))
	})

	if err := keepAlive.Start(param.PingInterval, session.ping, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start keep-alive timer")
		return nil, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		session.writeLoop(parentCtxt)
	}()
	return session, nil
}

// ID the connection ID
func (s *WebSocketSession) ID() string {
	return s.id
}

// Done is closed once the session is closed
func (s *WebSocketSession) Done() <-chan struct{} {
	return s.done
}

// Conn the underlying websocket connection. Only the reader side may be used directly.
func (s *WebSocketSession) Conn() *websocket.Conn {
	return s.conn
}

// Send queue a payload for transmission to the client
func (s *WebSocketSession) Send(ctxt context.Context, payload []byte) error {
	// A closed session must never accept more data
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.sendQueue <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Close the session with a reason. Safe to call repeatedly.
func (s *WebSocketSession) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.keepAlive.Stop()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		if err := s.conn.WriteControl(
			websocket.CloseMessage, closeMsg, time.Now().Add(s.param.WriteTimeout),
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Close frame not sent")
		}
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
		}
		log.WithFields(s.LogTags).Debugf("Session closed: %s", reason)
	})
}

// ping send a keep-alive ping
func (s *WebSocketSession) ping() error {
	return s.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(s.param.WriteTimeout),
	)
}

// writeLoop drain the send queue onto the socket until the session closes
func (s *WebSocketSession) writeLoop(ctxt context.Context) {
	defer log.WithFields(s.LogTags).Debug("Writer loop exiting")
	for {
		select {
		case <-s.done:
			return
		case <-ctxt.Done():
			s.Close("server stopping")
			return
		case payload := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.param.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Write failed, closing session")
				s.Close("write failure")
				return
			}
		}
	}
}
