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
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefineRelayRouter define the relay server routes
//
//	<prefix>/v1/ws                          GET     websocket edge
//	<prefix>/v1/connections                 GET     list connections
//	<prefix>/v1/connections/{connectionID}  POST    send to one connection
//	<prefix>/v1/connections/{connectionID}  DELETE  close one connection
//	<prefix>/v1/broadcast                   POST    broadcast a message envelope
//	<prefix>/alive                          GET     liveness
//	<prefix>/ready                          GET     readiness
//	<metrics path>                          GET     Prometheus scrape
func DefineRelayRouter(
	restHandler APIRestRelayHandler,
	edgeHandler WebSocketEdgeHandler,
	tracker RequestTracker,
	pathPrefix string,
	metricsPath string,
) *mux.Router {
	router := mux.NewRouter()

	// Metrics
	router.Path(metricsPath).Methods("get").Handler(promhttp.Handler())

	// The websocket route must hand an unwrapped writer to the upgrader
	edgeRouter := RegisterPathPrefix(router, pathPrefix, nil)
	_ = RegisterPathPrefix(edgeRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": edgeHandler.ConnectHandler(),
	})

	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Connection routes
	connectionRouter := RegisterPathPrefix(
		mainRouter, "/v1/connections", map[string]http.HandlerFunc{
			"get": restHandler.ListConnectionsHandler(),
		},
	)
	_ = RegisterPathPrefix(connectionRouter, "/{connectionID}", map[string]http.HandlerFunc{
		"post":   restHandler.SendToConnectionHandler(),
		"delete": restHandler.CloseConnectionHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/broadcast", map[string]http.HandlerFunc{
		"post": restHandler.BroadcastHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": restHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": restHandler.ReadyHandler(),
	})

	mainRouter.Use(func(next http.Handler) http.Handler {
		return restHandler.LoggingMiddleware(next.ServeHTTP)
	})

	// Add logging
	router.Use(tracker.AttachRequestID)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(tracker, next)
	})

	return router
}
