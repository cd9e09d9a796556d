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

// Package dataplane carries broker requests and subscription deliveries over NATS
package dataplane

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/devicemq/events"
)

// RequestEnvelope a request received on "<prefix>.request.<action>"
type RequestEnvelope struct {
	// Action the requested action, "notification/insert", "command/subscribe", etc.
	Action string `json:"action" validate:"required"`
	// CorrelationID echoed in the response and in subscription deliveries
	CorrelationID string `json:"requestId"`
	// ReplyTo the subject responses and deliveries are published to
	ReplyTo string `json:"replyTo" validate:"omitempty,excludesall=*>"`
	// PartitionKey requests sharing a key are processed in order. Defaults to the
	// session ID.
	PartitionKey string `json:"partitionKey,omitempty"`
	// SessionID the subscriber connection the request belongs to
	SessionID string `json:"sessionId,omitempty"`
	// Principal the identity the request acts as
	Principal string `json:"principal,omitempty"`
	// DeviceView present events the way devices see them
	DeviceView bool `json:"deviceView,omitempty"`
	// Body the action parameters
	Body json.RawMessage `json:"body,omitempty"`
}

// view the event projection the requester receives
func (r RequestEnvelope) view() events.View {
	if r.DeviceView {
		return events.DeviceView
	}
	return events.ClientView
}

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ResponseEnvelope the response to a request
type ResponseEnvelope struct {
	Action        string          `json:"action"`
	CorrelationID string          `json:"requestId,omitempty"`
	Status        string          `json:"status"`
	Code          int             `json:"code,omitempty"`
	Error         string          `json:"error,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
}

// DeliveryEnvelope an event pushed to a subscriber
type DeliveryEnvelope struct {
	// Action "notification/insert", "command/insert" or "command/update"
	Action         string          `json:"action"`
	CorrelationID  string          `json:"requestId,omitempty"`
	SubscriptionID string          `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

// deliveryAction the action name of a pushed event
func deliveryAction(kind events.Kind) string {
	switch kind {
	case events.KindCommand:
		return "command/insert"
	case events.KindCommandUpdate:
		return "command/update"
	}
	return "notification/insert"
}

// requestSubject the subject requests of an action arrive on
func requestSubject(prefix, action string) string {
	return fmt.Sprintf("%s.request.%s", prefix, subjectToken(action))
}

// requestWildcard the subject matching every request
func requestWildcard(prefix string) string {
	return fmt.Sprintf("%s.request.>", prefix)
}

// subjectToken an action name as subject tokens
func subjectToken(action string) string {
	result := []byte(action)
	for i, c := range result {
		if c == '/' {
			result[i] = '.'
		}
	}
	return string(result)
}

// ==============================================================================

// SubscribeBody parameters of "<kind>/subscribe"
type SubscribeBody struct {
	DeviceIDs     []string   `json:"deviceIds,omitempty"`
	Names         []string   `json:"names,omitempty"`
	NetworkIDs    []int64    `json:"networkIds,omitempty"`
	DeviceTypeIDs []int64    `json:"deviceTypeIds,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// UnsubscribeBody parameters of "<kind>/unsubscribe"
type UnsubscribeBody struct {
	SubscriptionID string   `json:"subscriptionId,omitempty" validate:"required_without=DeviceIDs"`
	DeviceIDs      []string `json:"deviceIds,omitempty" validate:"required_without=SubscriptionID"`
}

// SearchBody parameters of "<kind>/search"
type SearchBody struct {
	DeviceIDs   []string   `json:"deviceIds" validate:"required,min=1"`
	Names       []string   `json:"names,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	SortField   string     `json:"sortField,omitempty"`
	SortOrder   string     `json:"sortOrder,omitempty"`
	Skip        int        `json:"skip,omitempty" validate:"gte=0"`
	Take        int        `json:"take,omitempty" validate:"gte=0"`
	Status      string     `json:"status,omitempty"`
	UpdatedOnly bool       `json:"returnUpdatedCommands,omitempty"`
}

// GetBody parameters of "<kind>/get"
type GetBody struct {
	DeviceID string `json:"deviceId" validate:"required"`
	ID       int64  `json:"id" validate:"required,gt=0"`
}

// PollBody parameters of "<kind>/poll"
type PollBody struct {
	DeviceIDs     []string   `json:"deviceIds,omitempty"`
	Names         []string   `json:"names,omitempty"`
	NetworkIDs    []int64    `json:"networkIds,omitempty"`
	DeviceTypeIDs []int64    `json:"deviceTypeIds,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	WaitTimeout   int        `json:"waitTimeout,omitempty" validate:"gte=0"`
}

// WaitBody parameters of "command/wait"
type WaitBody struct {
	DeviceID    string `json:"deviceId" validate:"required"`
	ID          int64  `json:"id" validate:"required,gt=0"`
	WaitTimeout int    `json:"waitTimeout,omitempty" validate:"gte=0"`
}
