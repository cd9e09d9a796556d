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

package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/coordinator"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Request actions
const (
	ActionNotificationInsert      = "notification/insert"
	ActionNotificationSubscribe   = "notification/subscribe"
	ActionNotificationUnsubscribe = "notification/unsubscribe"
	ActionNotificationSearch      = "notification/search"
	ActionNotificationGet         = "notification/get"
	ActionNotificationPoll        = "notification/poll"
	ActionCommandInsert           = "command/insert"
	ActionCommandUpdate           = "command/update"
	ActionCommandSubscribe        = "command/subscribe"
	ActionCommandUnsubscribe      = "command/unsubscribe"
	ActionCommandSearch           = "command/search"
	ActionCommandGet              = "command/get"
	ActionCommandPoll             = "command/poll"
	ActionCommandWait             = "command/wait"
	ActionSessionClose            = "session/close"
)

// actionFunc executes one request, returning the response body
type actionFunc func(ctxt context.Context, req RequestEnvelope) (interface{}, error)

// alreadyReplied returned by actions which published their own response
type alreadyReplied struct{}

// RequestHandlers executes broker requests against the coordinator
type RequestHandlers struct {
	common.Component
	coordinator coordinator.Coordinator
	sessions    coordinator.SessionTracker
	publisher   Publisher
	validate    *validator.Validate
}

// DefineRequestHandlers define the request handlers. The session tracker must run on a
// different task processor than the one executing the requests.
func DefineRequestHandlers(
	instance string,
	coord coordinator.Coordinator,
	sessions coordinator.SessionTracker,
	publisher Publisher,
) (*RequestHandlers, error) {
	if coord == nil || sessions == nil || publisher == nil {
		return nil, fmt.Errorf(
			"%w: coordinator, session tracker and publisher are required", common.ErrInvalidRequest,
		)
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "request-handlers", "instance": instance,
	}
	return &RequestHandlers{
		Component:   common.Component{LogTags: logTags},
		coordinator: coord,
		sessions:    sessions,
		publisher:   publisher,
		validate:    validator.New(),
	}, nil
}

// ActionTable the action to handler mapping installed on the request task processor
func (h *RequestHandlers) ActionTable() map[string]common.TaskHandler {
	return map[string]common.TaskHandler{
		ActionNotificationInsert:      h.wrap(h.insertNotification, false),
		ActionNotificationSubscribe:   h.wrap(h.subscribe(events.KindNotification), false),
		ActionNotificationUnsubscribe: h.wrap(h.unsubscribe(events.KindNotification), false),
		ActionNotificationSearch:      h.wrap(h.search(events.KindNotification), false),
		ActionNotificationGet:         h.wrap(h.get(events.KindNotification), false),
		ActionNotificationPoll:        h.wrap(h.poll(events.KindNotification), true),
		ActionCommandInsert:           h.wrap(h.insertCommand, false),
		ActionCommandUpdate:           h.wrap(h.updateCommand, false),
		ActionCommandSubscribe:        h.wrap(h.subscribe(events.KindCommand), false),
		ActionCommandUnsubscribe:      h.wrap(h.unsubscribe(events.KindCommand), false),
		ActionCommandSearch:           h.wrap(h.search(events.KindCommand), false),
		ActionCommandGet:              h.wrap(h.get(events.KindCommand), false),
		ActionCommandPoll:             h.wrap(h.poll(events.KindCommand), true),
		ActionCommandWait:             h.wrap(h.waitCommand, true),
		ActionSessionClose:            h.wrap(h.closeSession, false),
	}
}

// wrap turn an action into a task handler. Blocking actions run in their own goroutine
// so a long poll does not hold up the partition.
func (h *RequestHandlers) wrap(fn actionFunc, blocking bool) common.TaskHandler {
	return func(ctxt context.Context, task common.Task) error {
		req, ok := task.Param.(RequestEnvelope)
		if !ok {
			return fmt.Errorf("can not process unknown type %T for %s", task.Param, task.Action)
		}
		run := func() error {
			h.touchSession(ctxt, req)
			body, err := fn(ctxt, req)
			return h.reply(ctxt, req, body, err)
		}
		if blocking {
			go func() {
				_ = run()
			}()
			return nil
		}
		return run()
	}
}

// reply publish the response of a request
func (h *RequestHandlers) reply(
	ctxt context.Context, req RequestEnvelope, body interface{}, processErr error,
) error {
	logTags := h.LogTagsFor(ctxt)
	if _, ok := body.(alreadyReplied); ok && processErr == nil {
		return nil
	}
	response := ResponseEnvelope{
		Action: req.Action, CorrelationID: req.CorrelationID, Status: StatusSuccess,
	}
	if processErr != nil {
		response.Status = StatusError
		response.Code = common.HTTPStatusFor(processErr)
		response.Error = processErr.Error()
		log.WithError(processErr).WithFields(logTags).Debug("Request failed")
	} else if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to serialize response")
			response.Status = StatusError
			response.Code = common.HTTPStatusFor(err)
			response.Error = err.Error()
		} else {
			response.Body = raw
		}
	}
	metrics.IngestRequests.WithLabelValues(req.Action, response.Status).Inc()
	if err := respond(h.publisher, req.ReplyTo, response); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to reply on %s", req.ReplyTo)
		return err
	}
	return processErr
}

// decode parse and validate a request body
func (h *RequestHandlers) decode(req RequestEnvelope, target interface{}) error {
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, target); err != nil {
			return fmt.Errorf("%w: malformed %s body: %s", common.ErrInvalidRequest, req.Action, err)
		}
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s", common.ErrInvalidRequest, err.Error())
	}
	return nil
}

// project render events for the requester
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

// ----------------------------------------------------------------------------------------
// Sessions

// sessionID the session a request belongs to. Requests without a session ID use their
// reply subject.
func sessionID(req RequestEnvelope) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return req.ReplyTo
}

// touchSession mark the request's session as active
func (h *RequestHandlers) touchSession(ctxt context.Context, req RequestEnvelope) {
	if req.SessionID == "" || req.Action == ActionSessionClose {
		return
	}
	if err := h.sessions.RefreshSession(ctxt, req.SessionID, time.Now().UTC()); err != nil &&
		!errors.Is(err, common.ErrNotFound) {
		log.WithError(err).WithFields(h.LogTagsFor(ctxt)).Warnf(
			"Unable to refresh session %s", req.SessionID,
		)
	}
}

// sessionFor fetch the request's session, starting one if needed
func (h *RequestHandlers) sessionFor(
	ctxt context.Context, req RequestEnvelope,
) (*coordinator.Session, error) {
	if req.ReplyTo == "" {
		return nil, fmt.Errorf("%w: %s requires a reply subject", common.ErrInvalidRequest, req.Action)
	}
	id := sessionID(req)
	existing, err := h.sessions.GetSession(ctxt, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	dest := NewReplyDestination(id, req.ReplyTo, req.view(), h.publisher)
	session := coordinator.NewSession(h.coordinator, id, req.Principal, dest)
	if _, err := h.sessions.LogSession(ctxt, session, time.Now().UTC()); err != nil {
		// Another request started the session first
		if existing, getErr := h.sessions.GetSession(ctxt, id); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

func (h *RequestHandlers) closeSession(ctxt context.Context, req RequestEnvelope) (interface{}, error) {
	id := sessionID(req)
	if id == "" {
		return nil, fmt.Errorf("%w: session ID is required", common.ErrInvalidRequest)
	}
	return nil, h.sessions.ClearSession(ctxt, id)
}

// ----------------------------------------------------------------------------------------
// Inserts and updates

func (h *RequestHandlers) insertNotification(
	ctxt context.Context, req RequestEnvelope,
) (interface{}, error) {
	var entry events.Notification
	if err := h.decode(req, &entry); err != nil {
		return nil, err
	}
	inserted, err := h.coordinator.Insert(ctxt, events.NotificationEvent{Notification: entry})
	if err != nil {
		return nil, err
	}
	return events.Project(inserted, req.view())
}

func (h *RequestHandlers) insertCommand(
	ctxt context.Context, req RequestEnvelope,
) (interface{}, error) {
	var entry events.Command
	if err := h.decode(req, &entry); err != nil {
		return nil, err
	}
	inserted, err := h.coordinator.Insert(ctxt, events.CommandEvent{Command: entry})
	if err != nil {
		return nil, err
	}
	return events.Project(inserted, req.view())
}

func (h *RequestHandlers) updateCommand(
	ctxt context.Context, req RequestEnvelope,
) (interface{}, error) {
	var update coordinator.CommandUpdate
	if err := h.decode(req, &update); err != nil {
		return nil, err
	}
	updated, err := h.coordinator.UpdateCommand(ctxt, update)
	if err != nil {
		return nil, err
	}
	return events.Project(updated, req.view())
}

// ----------------------------------------------------------------------------------------
// Subscriptions

// subscribeResponse the response to a subscribe
type subscribeResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

// subscribe the response is published before the backlog, and the backlog before any live
// event
func (h *RequestHandlers) subscribe(kind events.Kind) actionFunc {
	return func(ctxt context.Context, req RequestEnvelope) (interface{}, error) {
		var params SubscribeBody
		if err := h.decode(req, &params); err != nil {
			return nil, err
		}
		session, err := h.sessionFor(ctxt, req)
		if err != nil {
			return nil, err
		}
		since := time.Now().UTC()
		if params.Timestamp != nil {
			since = *params.Timestamp
		}
		_, err = session.Subscribe(ctxt, coordinator.SubscribeSinceRequest{
			SubscribeRequest: bus.SubscribeRequest{
				Kind:          kind,
				DeviceIDs:     params.DeviceIDs,
				Names:         params.Names,
				NetworkIDs:    params.NetworkIDs,
				DeviceTypeIDs: params.DeviceTypeIDs,
				CorrelationID: req.CorrelationID,
			},
			Since: &since,
		}, func(subscriptionID string, backlog []events.Event) error {
			if err := h.reply(
				ctxt, req, subscribeResponse{SubscriptionID: subscriptionID}, nil,
			); err != nil {
				return err
			}
			for _, ev := range backlog {
				if err := session.Destination.Send(ctxt, dispatch.Delivery{
					SubscriptionID: subscriptionID,
					SubscriberID:   subscriptionID,
					CorrelationID:  req.CorrelationID,
					Event:          ev,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return alreadyReplied{}, nil
	}
}

// unsubscribeResponse the response to an unsubscribe
type unsubscribeResponse struct {
	Removed int `json:"removed"`
}

func (h *RequestHandlers) unsubscribe(kind events.Kind) actionFunc {
	return func(ctxt context.Context, req RequestEnvelope) (interface{}, error) {
		var params UnsubscribeBody
		if err := h.decode(req, &params); err != nil {
			return nil, err
		}
		var removed int
		var err error
		if session, getErr := h.sessions.GetSession(ctxt, sessionID(req)); getErr == nil {
			removed, err = session.Unsubscribe(ctxt, kind, params.SubscriptionID, params.DeviceIDs)
		} else {
			removed, err = h.coordinator.Unsubscribe(ctxt, bus.UnsubscribeRequest{
				SubscriptionID: params.SubscriptionID, DeviceIDs: params.DeviceIDs, Kind: kind,
			})
		}
		if err != nil {
			return nil, err
		}
		return unsubscribeResponse{Removed: removed}, nil
	}
}

// ----------------------------------------------------------------------------------------
// Queries

func (h *RequestHandlers) search(kind events.Kind) actionFunc {
	return func(ctxt context.Context, req RequestEnvelope) (interface{}, error) {
		var params SearchBody
		if err := h.decode(req, &params); err != nil {
			return nil, err
		}
		field, err := coordinator.ParseSortField(params.SortField)
		if err != nil {
			return nil, err
		}
		order, err := coordinator.ParseSortOrder(params.SortOrder)
		if err != nil {
			return nil, err
		}
		found, err := h.coordinator.Query(ctxt, coordinator.QueryRequest{
			Kind:        kind,
			DeviceIDs:   params.DeviceIDs,
			Names:       params.Names,
			From:        params.Start,
			To:          params.End,
			SortField:   field,
			SortOrder:   order,
			Skip:        params.Skip,
			Take:        params.Take,
			Status:      params.Status,
			UpdatedOnly: params.UpdatedOnly,
		})
		if err != nil {
			return nil, err
		}
		return project(found, req.view())
	}
}

func (h *RequestHandlers) get(kind events.Kind) actionFunc {
	return func(ctxt context.Context, req RequestEnvelope) (interface{}, error) {
		var params GetBody
		if err := h.decode(req, &params); err != nil {
			return nil, err
		}
		found, err := h.coordinator.Get(ctxt, kind, params.DeviceID, params.ID)
		if err != nil {
			return nil, err
		}
		return events.Project(found, req.view())
	}
}

func (h *RequestHandlers) poll(kind events.Kind) actionFunc {
	return func(ctxt context.Context, req RequestEnvelope) (interface{}, error) {
		var params PollBody
		if err := h.decode(req, &params); err != nil {
			return nil, err
		}
		found, err := h.coordinator.Poll(ctxt, coordinator.PollRequest{
			Kind:          kind,
			DeviceIDs:     params.DeviceIDs,
			Names:         params.Names,
			NetworkIDs:    params.NetworkIDs,
			DeviceTypeIDs: params.DeviceTypeIDs,
			Since:         params.Timestamp,
			Wait:          time.Second * time.Duration(params.WaitTimeout),
			Principal:     req.Principal,
		})
		if err != nil {
			return nil, err
		}
		return project(found, req.view())
	}
}

// waitResponse the response to a command wait
type waitResponse struct {
	Updated bool        `json:"updated"`
	Command interface{} `json:"command,omitempty"`
}

func (h *RequestHandlers) waitCommand(
	ctxt context.Context, req RequestEnvelope,
) (interface{}, error) {
	var params WaitBody
	if err := h.decode(req, &params); err != nil {
		return nil, err
	}
	found, updated, err := h.coordinator.WaitCommandUpdate(
		ctxt, params.DeviceID, params.ID, time.Second*time.Duration(params.WaitTimeout),
	)
	if err != nil {
		return nil, err
	}
	if !updated {
		return waitResponse{}, nil
	}
	projected, err := events.Project(found, req.view())
	if err != nil {
		return nil, err
	}
	return waitResponse{Updated: true, Command: projected}, nil
}
