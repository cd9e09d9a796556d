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

package apis

import (
	"net/http"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/metrics"
	"github.com/gorilla/mux"
)

// DefineBrokerRouter build the broker REST routes
func DefineBrokerRouter(
	httpHandler APIRestBrokerHandler, endpoints common.DataplaneEndpointConfig,
) *mux.Router {
	router := mux.NewRouter()

	// Metrics are matched ahead of the catch-all prefix
	if endpoints.MetricsPath != "" {
		router.Handle(endpoints.MetricsPath, metrics.Handler()).Methods("GET")
	}

	mainRouter := RegisterPathPrefix(router, endpoints.PathPrefix, nil)

	// Device events
	deviceRouter := RegisterPathPrefix(mainRouter, "/v1/device/{deviceID}", nil)
	notificationRouter := RegisterPathPrefix(
		deviceRouter, "/notification", map[string]http.HandlerFunc{
			"post": httpHandler.InsertNotificationHandler(),
			"get":  httpHandler.SearchNotificationsHandler(),
		},
	)
	_ = RegisterPathPrefix(notificationRouter, "/poll", map[string]http.HandlerFunc{
		"get": httpHandler.PollNotificationsHandler(),
	})
	_ = RegisterPathPrefix(notificationRouter, "/{id:[0-9]+}", map[string]http.HandlerFunc{
		"get": httpHandler.GetNotificationHandler(),
	})

	commandRouter := RegisterPathPrefix(
		deviceRouter, "/command", map[string]http.HandlerFunc{
			"post": httpHandler.InsertCommandHandler(),
			"get":  httpHandler.SearchCommandsHandler(),
		},
	)
	_ = RegisterPathPrefix(commandRouter, "/poll", map[string]http.HandlerFunc{
		"get": httpHandler.PollCommandsHandler(),
	})
	singleCommandRouter := RegisterPathPrefix(
		commandRouter, "/{id:[0-9]+}", map[string]http.HandlerFunc{
			"get": httpHandler.GetCommandHandler(),
			"put": httpHandler.UpdateCommandHandler(),
		},
	)
	_ = RegisterPathPrefix(singleCommandRouter, "/poll", map[string]http.HandlerFunc{
		"get": httpHandler.WaitCommandUpdateHandler(),
	})

	// Subscription stream
	_ = RegisterPathPrefix(mainRouter, "/v1/subscribe/{kind}", map[string]http.HandlerFunc{
		"get": httpHandler.SubscribeHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	router.Use(httpHandler.attachRequestID)
	router.Use(httpHandler.countRequests)
	return router
}
