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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/coordinator"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the broker can serve requests
type ReadinessCheck func() error

// APIRestBrokerHandler REST handler for the broker
type APIRestBrokerHandler struct {
	APIRestHandler
	coordinator coordinator.Coordinator
	ready       ReadinessCheck
	baseContext context.Context
}

// GetAPIRestBrokerHandler define APIRestBrokerHandler
func GetAPIRestBrokerHandler(
	baseContext context.Context,
	coord coordinator.Coordinator,
	httpConfig common.HTTPConfig,
	ready ReadinessCheck,
) (APIRestBrokerHandler, error) {
	if coord == nil {
		return APIRestBrokerHandler{}, fmt.Errorf("%w: coordinator is required", common.ErrInvalidRequest)
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "broker",
	}
	if ready == nil {
		ready = func() error { return nil }
	}
	return APIRestBrokerHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		coordinator:    coord,
		ready:          ready,
		baseContext:    baseContext,
	}, nil
}

// ========================================================================================
// Request parameter helpers

// pathDeviceID read and validate the device ID path variable
func pathDeviceID(r *http.Request) (string, error) {
	deviceID, ok := mux.Vars(r)["deviceID"]
	if !ok {
		return "", fmt.Errorf("%w: no device ID provided", common.ErrInvalidRequest)
	}
	return deviceID, common.ValidateDeviceID(deviceID)
}

// pathEntityID read the event ID path variable
func pathEntityID(r *http.Request) (int64, error) {
	raw, ok := mux.Vars(r)["id"]
	if !ok {
		return 0, fmt.Errorf("%w: no ID provided", common.ErrInvalidRequest)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: malformed ID '%s'", common.ErrInvalidRequest, raw)
	}
	return id, nil
}

// queryTime read an optional RFC3339 time query parameter
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s '%s'", common.ErrInvalidRequest, name, raw)
	}
	return &parsed, nil
}

// queryInt read an optional non negative integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("%w: malformed %s '%s'", common.ErrInvalidRequest, name, raw)
	}
	return parsed, nil
}

// queryIDs read a repeated integer query parameter
func queryIDs(r *http.Request, name string) ([]int64, error) {
	result := []int64{}
	for _, raw := range r.URL.Query()[name] {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed %s '%s'", common.ErrInvalidRequest, name, raw)
		}
		result = append(result, parsed)
	}
	return result, nil
}

// queryView devices ask for the device view with "view=device"
func queryView(r *http.Request) events.View {
	if r.URL.Query().Get("view") == "device" {
		return events.DeviceView
	}
	return events.ClientView
}

// project render events for the caller
func project(found []events.Event, view events.View) ([]interface{}, error) {
	result := make([]interface{}, 0, len(found))
	for _, ev := range found {
		projected, err := events.Project(ev, view)
		if err != nil {
			return nil, err
		}
		result = append(result, projected)
	}
	return result, nil
}

// ========================================================================================
// Responses

// APIRestRespEvent response carrying one event
type APIRestRespEvent struct {
	goutils.RestAPIBaseResponse
	// Event the notification or command
	Event interface{} `json:"event"`
}

// APIRestRespEvents response carrying a list of events
type APIRestRespEvents struct {
	goutils.RestAPIBaseResponse
	// Events the notifications or commands
	Events []interface{} `json:"events"`
}

func (h APIRestBrokerHandler) replyEvent(
	w http.ResponseWriter, r *http.Request, code int, ev events.Event,
) {
	projected, err := events.Project(ev, queryView(r))
	if err != nil {
		h.replyError(w, r, "Unable to render event", err)
		return
	}
	h.reply(w, r, code, APIRestRespEvent{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Event: projected,
	})
}

func (h APIRestBrokerHandler) replyEvents(
	w http.ResponseWriter, r *http.Request, found []events.Event,
) {
	projected, err := project(found, queryView(r))
	if err != nil {
		h.replyError(w, r, "Unable to render events", err)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespEvents{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Events: projected,
	})
}

// ========================================================================================
// Insert and update

// InsertNotification create a notification for a device
func (h APIRestBrokerHandler) InsertNotification(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	var entry events.Notification
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		h.replyError(
			w, r, "Unable to parse request body", fmt.Errorf("%w: %s", common.ErrInvalidRequest, err),
		)
		return
	}
	entry.DeviceID = deviceID
	inserted, err := h.coordinator.Insert(r.Context(), events.NotificationEvent{Notification: entry})
	if err != nil {
		h.replyError(w, r, "Unable to insert notification", err)
		return
	}
	h.replyEvent(w, r, http.StatusCreated, inserted)
}

// InsertNotificationHandler Wrapper around InsertNotification
func (h APIRestBrokerHandler) InsertNotificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.InsertNotification(w, r)
	}
}

// InsertCommand create a command for a device
func (h APIRestBrokerHandler) InsertCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	var entry events.Command
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		h.replyError(
			w, r, "Unable to parse request body", fmt.Errorf("%w: %s", common.ErrInvalidRequest, err),
		)
		return
	}
	entry.DeviceID = deviceID
	inserted, err := h.coordinator.Insert(r.Context(), events.CommandEvent{Command: entry})
	if err != nil {
		h.replyError(w, r, "Unable to insert command", err)
		return
	}
	h.replyEvent(w, r, http.StatusCreated, inserted)
}

// InsertCommandHandler Wrapper around InsertCommand
func (h APIRestBrokerHandler) InsertCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.InsertCommand(w, r)
	}
}

// APIRestReqCommandUpdate the body of a command update
type APIRestReqCommandUpdate struct {
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// UpdateCommand record a command's outcome
func (h APIRestBrokerHandler) UpdateCommand(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	commandID, err := pathEntityID(r)
	if err != nil {
		h.replyError(w, r, "Invalid command ID", err)
		return
	}
	var update APIRestReqCommandUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.replyError(
			w, r, "Unable to parse request body", fmt.Errorf("%w: %s", common.ErrInvalidRequest, err),
		)
		return
	}
	updated, err := h.coordinator.UpdateCommand(r.Context(), coordinator.CommandUpdate{
		DeviceID: deviceID, CommandID: commandID, Status: update.Status, Result: update.Result,
	})
	if err != nil {
		h.replyError(w, r, "Unable to update command", err)
		return
	}
	h.replyEvent(w, r, http.StatusOK, updated)
}

// UpdateCommandHandler Wrapper around UpdateCommand
func (h APIRestBrokerHandler) UpdateCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpdateCommand(w, r)
	}
}

// ========================================================================================
// Queries

// get point lookup of an event
func (h APIRestBrokerHandler) get(w http.ResponseWriter, r *http.Request, kind events.Kind) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	id, err := pathEntityID(r)
	if err != nil {
		h.replyError(w, r, "Invalid ID", err)
		return
	}
	found, err := h.coordinator.Get(r.Context(), kind, deviceID, id)
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to read %s", kind), err)
		return
	}
	h.replyEvent(w, r, http.StatusOK, found)
}

// GetNotificationHandler fetch one notification
func (h APIRestBrokerHandler) GetNotificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.get(w, r, events.KindNotification)
	}
}

// GetCommandHandler fetch one command
func (h APIRestBrokerHandler) GetCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.get(w, r, events.KindCommand)
	}
}

// search historical query of a device's events
func (h APIRestBrokerHandler) search(w http.ResponseWriter, r *http.Request, kind events.Kind) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	req := coordinator.QueryRequest{
		Kind:        kind,
		DeviceIDs:   []string{deviceID},
		Names:       r.URL.Query()["name"],
		Status:      r.URL.Query().Get("status"),
		UpdatedOnly: r.URL.Query().Get("returnUpdatedCommands") == "true",
	}
	if req.From, err = queryTime(r, "start"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.To, err = queryTime(r, "end"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.SortField, err = coordinator.ParseSortField(r.URL.Query().Get("sortField")); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.SortOrder, err = coordinator.ParseSortOrder(r.URL.Query().Get("sortOrder")); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.Skip, err = queryInt(r, "skip"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.Take, err = queryInt(r, "take"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	found, err := h.coordinator.Query(r.Context(), req)
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to query %s", kind), err)
		return
	}
	h.replyEvents(w, r, found)
}

// SearchNotificationsHandler query a device's notifications
func (h APIRestBrokerHandler) SearchNotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.search(w, r, events.KindNotification)
	}
}

// SearchCommandsHandler query a device's commands
func (h APIRestBrokerHandler) SearchCommandsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.search(w, r, events.KindCommand)
	}
}

// poll long poll a device's events
func (h APIRestBrokerHandler) poll(w http.ResponseWriter, r *http.Request, kind events.Kind) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	req := coordinator.PollRequest{
		Kind: kind, DeviceIDs: []string{deviceID}, Names: r.URL.Query()["name"],
	}
	if req.Since, err = queryTime(r, "timestamp"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	waitSec, err := queryInt(r, "waitTimeout")
	if err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	req.Wait = time.Second * time.Duration(waitSec)
	found, err := h.coordinator.Poll(r.Context(), req)
	if err != nil {
		h.replyError(w, r, fmt.Sprintf("Unable to poll %s", kind), err)
		return
	}
	h.replyEvents(w, r, found)
}

// PollNotificationsHandler long poll a device's notifications
func (h APIRestBrokerHandler) PollNotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.poll(w, r, events.KindNotification)
	}
}

// PollCommandsHandler long poll a device's commands
func (h APIRestBrokerHandler) PollCommandsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.poll(w, r, events.KindCommand)
	}
}

// WaitCommandUpdate wait for a command to be updated. Replies 204 when the wait expires.
func (h APIRestBrokerHandler) WaitCommandUpdate(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathDeviceID(r)
	if err != nil {
		h.replyError(w, r, "Invalid device ID", err)
		return
	}
	commandID, err := pathEntityID(r)
	if err != nil {
		h.replyError(w, r, "Invalid command ID", err)
		return
	}
	waitSec, err := queryInt(r, "waitTimeout")
	if err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	found, updated, err := h.coordinator.WaitCommandUpdate(
		r.Context(), deviceID, commandID, time.Second*time.Duration(waitSec),
	)
	if err != nil {
		h.replyError(w, r, "Unable to wait for command update", err)
		return
	}
	if !updated {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.replyEvent(w, r, http.StatusOK, found)
}

// WaitCommandUpdateHandler Wrapper around WaitCommandUpdate
func (h APIRestBrokerHandler) WaitCommandUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WaitCommandUpdate(w, r)
	}
}

// ========================================================================================
// Health

// Alive liveness check
func (h APIRestBrokerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestBrokerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready readiness check
func (h APIRestBrokerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(); err != nil {
		msg := "Broker not ready"
		log.WithError(err).WithFields(h.logTagsFor(r)).Error(msg)
		h.reply(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestBrokerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
