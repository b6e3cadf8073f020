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
	"net/http"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// RequestTracker attaches a request ID to every request, and writes access logs
type RequestTracker struct {
	common.Component
	requestIDHeader string
}

// GetRequestTracker define a new RequestTracker
func GetRequestTracker(httpConfig *common.HTTPConfig, instance string) RequestTracker {
	return RequestTracker{
		Component: common.Component{
			LogTags: log.Fields{"module": "apis", "component": "access-log", "instance": instance},
		},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
	}
}

// Write logging support
func (t RequestTracker) Write(p []byte) (n int, err error) {
	log.WithFields(t.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request.
//
// The ID is also written back into the request header, so handlers further down the
// chain see the same ID.
func (t RequestTracker) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(t.requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(t.requestIDHeader, reqID)
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}
