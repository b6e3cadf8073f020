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
	"errors"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/delivery"
	"github.com/alwitt/wsrelay/registry"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestRelayHandler REST handler for connection management
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	core           relay.Relay
	store          registry.Store
	router         delivery.Router
	onGone         relay.StaleRecordHandler
	maxPayloadSize int64
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	core relay.Relay,
	store registry.Store,
	router delivery.Router,
	onGone relay.StaleRecordHandler,
	maxPayloadSize int64,
	httpConfig *common.HTTPConfig,
	instance string,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "connection-management",
		"instance":  instance,
	}
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		core:           core,
		store:          store,
		router:         router,
		onGone:         onGone,
		maxPayloadSize: maxPayloadSize,
	}, nil
}

// APIRestRespAllConnections response for listing all connections
type APIRestRespAllConnections struct {
	goutils.RestAPIBaseResponse
	// Connections the currently registered connections
	Connections []registry.ConnectionRecord `json:"connections"`
}

// APIRestRespDeliveryOutcome result of delivering to one recipient
type APIRestRespDeliveryOutcome struct {
	// ConnectionID is the recipient
	ConnectionID string `json:"connection_id"`
	// Outcome is one of "delivered", "gone", "transient"
	Outcome string `json:"outcome"`
	// Error describes the delivery failure
	Error string `json:"error,omitempty"`
}

// APIRestRespBroadcast response for a broadcast
type APIRestRespBroadcast struct {
	goutils.RestAPIBaseResponse
	// Delivered is the number of recipients which accepted the message
	Delivered int `json:"delivered"`
	// Gone is the number of recipients which no longer exist
	Gone int `json:"gone"`
	// Failed is the number of recipients which could not be reached
	Failed int `json:"failed"`
	// Outcomes the per-recipient results
	Outcomes []APIRestRespDeliveryOutcome `json:"outcomes"`
}

// convertReport convert relay.BroadcastReport into APIRestRespBroadcast
func convertReport(report relay.BroadcastReport) APIRestRespBroadcast {
	result := APIRestRespBroadcast{
		Delivered: report.Delivered(),
		Gone:      report.Gone(),
		Failed:    report.Failed(),
		Outcomes:  make([]APIRestRespDeliveryOutcome, 0, len(report.Outcomes)),
	}
	for _, entry := range report.Outcomes {
		converted := APIRestRespDeliveryOutcome{
			ConnectionID: entry.ConnectionID, Outcome: string(entry.Outcome),
		}
		if entry.Err != nil {
			converted.Error = entry.Err.Error()
		}
		result.Outcomes = append(result.Outcomes, converted)
	}
	return result
}

// readPayload read the request body, up to the max payload size
func (h APIRestRelayHandler) readPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayloadSize))
}

// =======================================================================
// Connection management

// ListConnections godoc
// @Summary List connections
// @Description List all registered client connections
// @tags Connections
// @Produce json
// @Param Wsrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllConnections "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Wsrelay-Request-ID "Request ID to match against logs"
// @Router /v1/connections [get]
func (h APIRestRelayHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	records, err := h.store.ScanAll(r.Context())
	if err != nil {
		msg := "Unable to list connections"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespAllConnections{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connections: records,
	}
}

// ListConnectionsHandler Wrapper around ListConnections
func (h APIRestRelayHandler) ListConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListConnections(w, r)
	}
}

// -----------------------------------------------------------------------

// SendToConnection godoc
// @Summary Send to one connection
// @Description Push the request body, as is, to one client connection
// @tags Connections
// @Accept plain
// @Produce json
// @Param Wsrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Param message body string true "Message to send"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 410 {object} goutils.RestAPIBaseResponse "connection no longer exists"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,410,502 {string} Wsrelay-Request-ID "Request ID to match against logs"
// @Router /v1/connections/{connectionID} [post]
func (h APIRestRelayHandler) SendToConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connectionID := mux.Vars(r)["connectionID"]
	if err := registry.ValidateConnectionID(connectionID); err != nil {
		msg := "Invalid connection ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := h.readPayload(w, r)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.router.DeliverTo(r.Context(), connectionID, payload); err != nil {
		if delivery.IsGone(err) {
			msg := "Connection no longer exists"
			log.WithError(err).WithFields(localLogTags).Info(msg)
			if h.onGone != nil {
				h.onGone(r.Context(), connectionID)
			}
			respCode = http.StatusGone
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusGone, msg, err.Error())
			return
		}
		msg := "Delivery failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadGateway
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadGateway, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SendToConnectionHandler Wrapper around SendToConnection
func (h APIRestRelayHandler) SendToConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendToConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// CloseConnection godoc
// @Summary Close one connection
// @Description Close a client connection, and remove its registration
// @tags Connections
// @Produce json
// @Param Wsrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wsrelay-Request-ID "Request ID to match against logs"
// @Router /v1/connections/{connectionID} [delete]
func (h APIRestRelayHandler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	connectionID := mux.Vars(r)["connectionID"]
	if err := registry.ValidateConnectionID(connectionID); err != nil {
		msg := "Invalid connection ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if !h.router.Disconnect(connectionID, "closed by operator") {
		log.WithFields(localLogTags).Debugf("CONN[%s] not held by this instance", connectionID)
	}

	if err := h.core.OnDisconnect(r.Context(), connectionID); err != nil {
		msg := "Unable to remove connection"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// CloseConnectionHandler Wrapper around CloseConnection
func (h APIRestRelayHandler) CloseConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CloseConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// Broadcast godoc
// @Summary Broadcast a message
// @Description Broadcast a message envelope to every registered connection
// @tags Connections
// @Accept json
// @Produce json
// @Param Wsrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param envelope body relay.Envelope true "Message envelope"
// @Success 200 {object} APIRestRespBroadcast "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Wsrelay-Request-ID "Request ID to match against logs"
// @Router /v1/broadcast [post]
func (h APIRestRelayHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	payload, err := h.readPayload(w, r)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	report, err := h.core.OnMessage(r.Context(), "", payload)
	if err != nil {
		if errors.Is(err, relay.ErrMalformedEnvelope) {
			msg := "Malformed message envelope"
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := "Broadcast failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	resp := convertReport(report)
	resp.RestAPIBaseResponse = goutils.RestAPIBaseResponse{
		Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
	}
	respCode = http.StatusOK
	respBody = resp
}

// BroadcastHandler Wrapper around Broadcast
func (h APIRestRelayHandler) BroadcastHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Broadcast(w, r)
	}
}

// =======================================================================
// Health check

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if the connection record store is reachable
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.store.Ready(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
