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
	"fmt"
	"sync"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/apex/log"
)

// Publisher sends a message on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ReplyDestination a delivery destination publishing to a subscriber's reply subject
type ReplyDestination struct {
	common.Component
	id        string
	subject   string
	view      events.View
	publisher Publisher
	lock      sync.RWMutex
	closed    bool
}

// NewReplyDestination define a destination publishing to subject
func NewReplyDestination(
	id string, subject string, view events.View, publisher Publisher,
) *ReplyDestination {
	logTags := log.Fields{
		"module": "dataplane", "component": "reply-destination", "instance": id, "subject": subject,
	}
	return &ReplyDestination{
		Component: common.Component{LogTags: logTags},
		id:        id,
		subject:   subject,
		view:      view,
		publisher: publisher,
	}
}

// ID the destination ID
func (d *ReplyDestination) ID() string {
	return d.id
}

// Subject the reply subject
func (d *ReplyDestination) Subject() string {
	return d.subject
}

// Send publish a delivery
func (d *ReplyDestination) Send(ctxt context.Context, delivery dispatch.Delivery) error {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.closed {
		return common.ErrDestinationClosed
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	rendered, err := events.Render(delivery.Event, d.view)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&DeliveryEnvelope{
		Action:         deliveryAction(delivery.Event.Kind()),
		CorrelationID:  delivery.CorrelationID,
		SubscriptionID: delivery.SubscriptionID,
		Event:          rendered,
	})
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(d.subject, payload); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to publish %s", delivery.Event.DedupKey(),
		)
		return fmt.Errorf("publish to %s: %w", d.subject, err)
	}
	return nil
}

// Closed whether the destination is closed
func (d *ReplyDestination) Closed() bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.closed
}

// Close stop publishing. Safe to call more than once.
func (d *ReplyDestination) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed = true
}

// respond publish a response envelope to a reply subject
func respond(publisher Publisher, subject string, response ResponseEnvelope) error {
	if subject == "" {
		return nil
	}
	payload, err := json.Marshal(&response)
	if err != nil {
		return err
	}
	return publisher.Publish(subject, payload)
}
