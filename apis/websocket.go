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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/delivery"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrorNotice frame sent to a client when the relay could not process its request
type ErrorNotice struct {
	// Error short description of the failure
	Error string `json:"error"`
	// Detail the failure detail
	Detail string `json:"detail,omitempty"`
}

// WebSocketEdgeHandler accepts client websocket connections and feeds their events to
// the relay
type WebSocketEdgeHandler struct {
	common.Component
	core           relay.Relay
	router         delivery.Router
	sessionParam   delivery.WebSocketSessionParam
	upgrader       websocket.Upgrader
	runtimeContext context.Context
	wg             *sync.WaitGroup
	instance       string
}

// GetWebSocketEdgeHandler define WebSocketEdgeHandler
//
// Sessions are closed once the runtime context is cancelled.
func GetWebSocketEdgeHandler(
	core relay.Relay,
	router delivery.Router,
	sessionParam delivery.WebSocketSessionParam,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
	instance string,
) (WebSocketEdgeHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket-edge",
		"instance":  instance,
	}
	return WebSocketEdgeHandler{
		Component:    common.Component{LogTags: logTags},
		core:         core,
		router:       router,
		sessionParam: sessionParam,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: sessionParam.WriteTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		runtimeContext: runtimeContext,
		wg:             wg,
		instance:       instance,
	}, nil
}

// notify send an error notice to the client
func (h WebSocketEdgeHandler) notify(
	ctxt context.Context, session delivery.Session, logTags log.Fields, notice ErrorNotice,
) {
	frame, err := json.Marshal(&notice)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize error notice")
		return
	}
	sendCtxt, cancel := context.WithTimeout(ctxt, h.sessionParam.WriteTimeout)
	defer cancel()
	if err := session.Send(sendCtxt, frame); err != nil {
		log.WithError(err).WithFields(logTags).Debug("Error notice not sent")
	}
}

// Connect godoc
// @Summary Open a relay connection
// @Description Upgrade to a websocket connection. Text frames carrying a message envelope
// @Description are broadcast to every other connection.
// @tags Relay
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/ws [get]
func (h WebSocketEdgeHandler) Connect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader already replied to the client
		log.WithError(err).WithFields(h.LogTags).Error("Websocket upgrade failed")
		return
	}
	// The hijacked connection is no longer tracked by the HTTP server
	h.wg.Add(1)
	defer h.wg.Done()

	connectionID := uuid.NewString()
	logTags := h.WithTags(log.Fields{"connection_id": connectionID})
	ctxt := context.WithValue(
		context.Background(), common.RequestParam{}, common.RequestParam{
			ID: connectionID, Method: r.Method, URI: r.URL.String(),
		},
	)

	session, err := delivery.NewWebSocketSession(
		h.runtimeContext, connectionID, conn, h.sessionParam, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start websocket session")
		_ = conn.Close()
		return
	}
	if err := h.router.Attach(session); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach websocket session")
		session.Close("internal error")
		return
	}

	metadata := map[string]string{"instance": h.instance, "remote_addr": r.RemoteAddr}
	if err := h.core.OnConnect(ctxt, connectionID, metadata); err != nil {
		h.notify(ctxt, session, logTags, ErrorNotice{
			Error:  "registration failed, broadcasts will not reach this connection",
			Detail: err.Error(),
		})
	}
	log.WithFields(logTags).Infof("Connected from %s", r.RemoteAddr)

	h.readLoop(ctxt, session, logTags)

	session.Close("connection ended")
	h.router.Detach(connectionID)
	// Removal failures are healed by later broadcasts
	disconnectCtxt, cancel := context.WithTimeout(ctxt, time.Second*10)
	defer cancel()
	_ = h.core.OnDisconnect(disconnectCtxt, connectionID)
	log.WithFields(logTags).Info("Disconnected")
}

// readLoop process inbound frames until the connection fails or closes
func (h WebSocketEdgeHandler) readLoop(
	ctxt context.Context, session *delivery.WebSocketSession, logTags log.Fields,
) {
	conn := session.Conn()
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Info("Read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			h.notify(ctxt, session, logTags, ErrorNotice{Error: "only text frames are accepted"})
			continue
		}
		if _, err := h.core.OnMessage(ctxt, session.ID(), frame); err != nil {
			notice := ErrorNotice{Error: "broadcast failed", Detail: err.Error()}
			if errors.Is(err, relay.ErrMalformedEnvelope) {
				notice.Error = "malformed message envelope"
			}
			h.notify(ctxt, session, logTags, notice)
		}
	}
}

// ConnectHandler Wrapper around Connect
func (h WebSocketEdgeHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
