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

package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/storage"
	"github.com/apex/log"
)

// maxHeldDeliveries the most live deliveries held back while the backlog is read
const maxHeldDeliveries = 4096

// releaseTimeout how long forwarding one held delivery may take
const releaseTimeout = time.Second * 5

// SubscribeSinceRequest a subscription with an optional catch-up starting point
type SubscribeSinceRequest struct {
	bus.SubscribeRequest
	// Since deliver the cached backlog from this time first. Nil starts with live events.
	Since *time.Time
}

// BacklogHandler receives the new subscription's ID and its catch-up backlog, sorted by
// timestamp. Returning an error aborts the subscription.
type BacklogHandler func(subscriptionID string, backlog []events.Event) error

// backlog read the cached events a subscribe or poll request selects
func (c *coordinatorImpl) backlog(
	ctxt context.Context, req bus.SubscribeRequest, since time.Time,
) []events.Event {
	var found []events.Event
	if len(req.DeviceIDs) > 0 {
		found = c.cache.FindByDevices(ctxt, storage.DeviceQuery{
			Kind: req.Kind, DeviceIDs: req.DeviceIDs, Names: req.Names, From: &since,
		})
		if len(req.NetworkIDs) > 0 || len(req.DeviceTypeIDs) > 0 {
			scoped := []events.Event{}
			for _, ev := range found {
				if containsID(req.NetworkIDs, ev.Network()) &&
					containsID(req.DeviceTypeIDs, ev.DeviceType()) {
					scoped = append(scoped, ev)
				}
			}
			found = scoped
		}
	} else {
		found = c.cache.FindByScope(ctxt, storage.ScopeQuery{
			Kind:          req.Kind,
			NetworkIDs:    req.NetworkIDs,
			DeviceTypeIDs: req.DeviceTypeIDs,
			Names:         req.Names,
			From:          &since,
		})
	}
	return FilterAndSort(found, SortByTimestamp, Ascending, 0, 0)
}

func containsID(ids []int64, id int64) bool {
	if len(ids) == 0 {
		return true
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// ========================================================================================

// catchupDestination holds live deliveries back until the backlog has been handed over
type catchupDestination struct {
	dispatch.Destination
	logTags log.Fields
	lock    sync.Mutex
	open    bool
	held    []dispatch.Delivery
}

func (d *catchupDestination) Send(ctxt context.Context, delivery dispatch.Delivery) error {
	d.lock.Lock()
	if !d.open {
		defer d.lock.Unlock()
		if len(d.held) >= maxHeldDeliveries {
			log.WithFields(d.logTags).Warnf(
				"Catch-up buffer full. Dropping %s", delivery.Event.DedupKey(),
			)
			return nil
		}
		d.held = append(d.held, delivery)
		return nil
	}
	d.lock.Unlock()
	return d.Destination.Send(ctxt, delivery)
}

// release forward the held deliveries which the backlog did not already contain in the
// background, then pass later deliveries straight through. Deliveries arriving before the
// held ones are forwarded queue up behind them.
func (d *catchupDestination) release(
	seen map[string]bool, active func() bool, timeout time.Duration,
) {
	go d.forward(seen, active, timeout)
}

// forward send the held deliveries until none remain. After a send times out, or once the
// subscription is gone, the remaining held deliveries are dropped.
func (d *catchupDestination) forward(
	seen map[string]bool, active func() bool, timeout time.Duration,
) {
	dropping := false
	for {
		d.lock.Lock()
		batch := d.held
		d.held = nil
		if len(batch) == 0 {
			d.open = true
			d.lock.Unlock()
			return
		}
		d.lock.Unlock()

		for _, delivery := range batch {
			key := delivery.Event.DedupKey()
			if seen[key] {
				continue
			}
			if !dropping && (d.Closed() || !active()) {
				dropping = true
			}
			if dropping {
				log.WithFields(d.logTags).Debugf("Dropping held %s", key)
				continue
			}
			sendCtxt, cancel := context.WithTimeout(context.Background(), timeout)
			err := d.Destination.Send(sendCtxt, delivery)
			cancel()
			if err != nil {
				log.WithError(err).WithFields(d.logTags).Debugf("Unable to forward held %s", key)
				if errors.Is(err, context.DeadlineExceeded) ||
					errors.Is(err, common.ErrDestinationClosed) {
					dropping = true
				}
			}
		}
	}
}

// SubscribeSince subscribe with catch-up. The live subscription is registered before the
// backlog is read, and live events arriving meanwhile are held until the backlog has been
// handed to onBacklog. Held events already in the backlog are dropped, and the rest are
// forwarded in the background ahead of later live events.
func (c *coordinatorImpl) SubscribeSince(
	ctxt context.Context, req SubscribeSinceRequest, onBacklog BacklogHandler,
) (bus.SubscribeResult, error) {
	logTags := c.LogTagsFor(ctxt)
	if req.Since == nil {
		return c.bus.Subscribe(ctxt, req.SubscribeRequest)
	}

	live := req.SubscribeRequest
	if live.Destination == nil {
		return c.bus.Subscribe(ctxt, live)
	}
	gate := &catchupDestination{Destination: live.Destination, logTags: logTags}
	live.Destination = gate

	result, err := c.bus.Subscribe(ctxt, live)
	if err != nil {
		return result, err
	}

	backlog := c.backlog(ctxt, req.SubscribeRequest, *req.Since)
	if onBacklog != nil {
		if err := onBacklog(result.SubscriptionID, backlog); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Backlog handover failed. Removing subscription %s", result.SubscriptionID,
			)
			if _, unsubErr := c.bus.Unsubscribe(
				ctxt, bus.UnsubscribeRequest{SubscriptionID: result.SubscriptionID},
			); unsubErr != nil {
				log.WithError(unsubErr).WithFields(logTags).Error("Unable to remove subscription")
			}
			return bus.SubscribeResult{}, err
		}
	}

	seen := make(map[string]bool, len(backlog))
	for _, ev := range backlog {
		seen[ev.DedupKey()] = true
	}
	gate.release(seen, func() bool {
		return len(c.bus.Subscriptions(result.SubscriptionID)) > 0
	}, releaseTimeout)
	log.WithFields(logTags).Debugf(
		"Subscription %s caught up with %d cached events", result.SubscriptionID, len(backlog),
	)
	return result, nil
}
