// Copyright 2022 The devicemq Authors
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

// Package apis serves the broker's REST surface
package apis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/metrics"
	"github.com/alwitt/goutils"
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

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineAPIRestHandler define the base REST handler
func defineAPIRestHandler(logTags log.Fields, httpConfig common.HTTPConfig) APIRestHandler {
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: requestIDHeader,
	}
}

// logTagsFor the handler log tags plus the request parameters of the request
func (h APIRestHandler) logTagsFor(r *http.Request) log.Fields {
	result := log.Fields{}
	for k, v := range h.LogTags {
		result[k] = v
	}
	if param, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam); ok {
		param.UpdateLogTags(result)
	}
	return result
}

// requestID the ID attached to the request
func (h APIRestHandler) requestID(r *http.Request) string {
	if param, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// reply write a response
func (h APIRestHandler) reply(w http.ResponseWriter, r *http.Request, code int, body interface{}) {
	headers := map[string]string{}
	if reqID := h.requestID(r); reqID != "" && h.requestIDHeader != "" {
		headers[h.requestIDHeader] = reqID
	}
	if err := h.WriteRESTResponse(w, code, body, headers); err != nil {
		log.WithError(err).WithFields(h.logTagsFor(r)).Error("Failed to form response")
	}
}

// replyError write an error response, picking the status code from the error
func (h APIRestHandler) replyError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code := common.HTTPStatusFor(err)
	if code >= http.StatusInternalServerError {
		log.WithError(err).WithFields(h.logTagsFor(r)).Error(msg)
	} else {
		log.WithError(err).WithFields(h.logTagsFor(r)).Debug(msg)
	}
	h.reply(w, r, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, err.Error()))
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctxt := common.WithRequestParam(r.Context(), common.RequestParam{
			ID: reqID, Action: fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		})
		ctxt = context.WithValue(ctxt, goutils.RestRequestParam{}, goutils.RestRequestParam{
			ID: reqID, Host: r.Host, URI: r.URL.String(), Method: r.Method,
		})
		next.ServeHTTP(rw, r.WithContext(ctxt))
	})
}

// ========================================================================================

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// Flush keep streaming responses working through the recorder
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack pass through connection hijacking
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// countRequests middleware recording API request metrics
func (h APIRestHandler) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: rw}
		next.ServeHTTP(recorder, r)
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(
			r.Method, route, strconv.Itoa(recorder.status),
		).Inc()
	})
}
