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

// Package dispatch delivers matched events to their subscribers' destinations
package dispatch

import (
	"context"
	"sync"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
)

// Delivery one event bound for one subscriber
type Delivery struct {
	// SubscriptionID the subscription the event matched
	SubscriptionID string `json:"subscriptionId"`
	// SubscriberID the subscriber owning the subscription
	SubscriberID string `json:"-"`
	// CorrelationID echoed back to the subscriber with every delivery
	CorrelationID string `json:"correlationId,omitempty"`
	// Event the event
	Event events.Event `json:"-"`
}

// Destination the external sink of a subscriber. Implementations must be safe for
// concurrent use.
type Destination interface {
	// ID uniquely identify the destination. Deliveries to the same ID are sent in order.
	ID() string
	// Send hand a delivery to the sink
	Send(ctxt context.Context, delivery Delivery) error
	// Closed whether the destination stopped accepting deliveries
	Closed() bool
}

// Gate guards the delivery of a subscription. Guard runs fn unless the subscription was
// cancelled, and reports whether fn ran.
type Gate interface {
	Guard(fn func()) bool
}

// ========================================================================================

// ChannelDestination a destination backed by a channel, read by a session loop
type ChannelDestination struct {
	id        string
	queue     chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelDestination define a channel destination with a buffer of bufferLen
func NewChannelDestination(id string, bufferLen int) *ChannelDestination {
	return &ChannelDestination{
		id:    id,
		queue: make(chan Delivery, bufferLen),
		done:  make(chan struct{}),
	}
}

// ID the destination ID
func (d *ChannelDestination) ID() string {
	return d.id
}

// Send queue the delivery. Blocks while the buffer is full.
func (d *ChannelDestination) Send(ctxt context.Context, delivery Delivery) error {
	select {
	case <-d.done:
		return common.ErrDestinationClosed
	default:
	}
	select {
	case d.queue <- delivery:
		return nil
	case <-d.done:
		return common.ErrDestinationClosed
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// Closed whether the destination is closed
func (d *ChannelDestination) Closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Deliveries the channel to read deliveries from
func (d *ChannelDestination) Deliveries() <-chan Delivery {
	return d.queue
}

// Done closed once the destination is closed
func (d *ChannelDestination) Done() <-chan struct{} {
	return d.done
}

// Close stop accepting deliveries. Safe to call more than once.
func (d *ChannelDestination) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// ----------------------------------------------------------------------------------------

// SendFunc the send callback of a FuncDestination
type SendFunc func(ctxt context.Context, delivery Delivery) error

// FuncDestination a destination forwarding every delivery to a callback
type FuncDestination struct {
	id     string
	send   SendFunc
	lock   sync.RWMutex
	closed bool
}

// NewFuncDestination define a callback destination
func NewFuncDestination(id string, send SendFunc) *FuncDestination {
	return &FuncDestination{id: id, send: send}
}

// ID the destination ID
func (d *FuncDestination) ID() string {
	return d.id
}

// Send call the callback
func (d *FuncDestination) Send(ctxt context.Context, delivery Delivery) error {
	if d.Closed() {
		return common.ErrDestinationClosed
	}
	return d.send(ctxt, delivery)
}

// Closed whether the destination is closed
func (d *FuncDestination) Closed() bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.closed
}

// Close stop accepting deliveries
func (d *FuncDestination) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed = true
}
