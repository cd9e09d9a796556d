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

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/metrics"
	"github.com/alwitt/devicemq/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// SubscribeRequest parameters of a new subscription
type SubscribeRequest struct {
	// SubscriberID the subscriber. Defaults to the new subscription ID.
	SubscriberID string
	// Kind the kind of events to receive
	Kind events.Kind
	// DeviceIDs the devices to follow. Empty follows all devices.
	DeviceIDs []string
	// CommandID the command whose updates to receive, for KindCommandUpdate
	CommandID int64
	// Names only receive events with these names. Empty receives all.
	Names []string
	// NetworkIDs only receive events from these networks. Empty receives all.
	NetworkIDs []int64
	// DeviceTypeIDs only receive events from these device types. Empty receives all.
	DeviceTypeIDs []int64
	// Destination where deliveries are sent
	Destination dispatch.Destination
	// CorrelationID echoed with every delivery
	CorrelationID string
	// Principal the identity of the subscriber, for access checks
	Principal string
	// SingleShot end the subscription after the first delivery
	SingleShot bool
}

// SubscribeResult outcome of a subscribe
type SubscribeResult struct {
	SubscriptionID string             `json:"subscriptionId"`
	SubscriberID   string             `json:"-"`
	Keys           []events.SourceKey `json:"-"`
}

// UnsubscribeRequest parameters of an unsubscribe. At least one of SubscriptionID,
// SubscriberID or DeviceIDs is required.
type UnsubscribeRequest struct {
	// SubscriptionID remove this subscription
	SubscriptionID string
	// SubscriberID remove the subscriptions of this subscriber
	SubscriberID string
	// DeviceIDs only remove subscriptions of these devices
	DeviceIDs []string
	// Kind limits DeviceIDs to one event kind. Empty covers notifications and commands.
	Kind events.Kind
}

// PublishResult outcome of a publish
type PublishResult struct {
	// Candidates the subscriptions found under the event's keys
	Candidates int
	// Dispatched the subscribers the event was handed to
	Dispatched int
}

// EventBus routes published events to subscribers
type EventBus interface {
	// Publish hand the event to every matching subscriber, once per subscriber. Never
	// fails; delivery problems are logged.
	Publish(ctxt context.Context, ev events.Event) PublishResult
	// Subscribe register a subscription
	Subscribe(ctxt context.Context, req SubscribeRequest) (SubscribeResult, error)
	// Unsubscribe remove subscriptions. Returns the number of rows removed.
	Unsubscribe(ctxt context.Context, req UnsubscribeRequest) (int, error)
	// Subscriptions the subscription rows of a subscription ID
	Subscriptions(subscriptionID string) []*subscription.Subscription
}

// eventBusImpl implements EventBus
type eventBusImpl struct {
	common.Component
	registry   subscription.Registry
	dispatcher dispatch.Dispatcher
	resolver   DeviceResolver
	access     AccessChecker
	ownerLock  sync.Mutex
	owners     map[string]string
}

// DefineEventBus define a new event bus
func DefineEventBus(
	instance string,
	registry subscription.Registry,
	dispatcher dispatch.Dispatcher,
	resolver DeviceResolver,
	access AccessChecker,
) (EventBus, error) {
	if registry == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: registry and dispatcher are required", common.ErrInvalidRequest)
	}
	if resolver == nil {
		resolver = OpenDirectory{}
	}
	if access == nil {
		access = AllowAll{}
	}
	logTags := log.Fields{
		"module": "bus", "component": "event-bus", "instance": instance,
	}
	return &eventBusImpl{
		Component:  common.Component{LogTags: logTags},
		registry:   registry,
		dispatcher: dispatcher,
		resolver:   resolver,
		access:     access,
		owners:     make(map[string]string),
	}, nil
}

// ----------------------------------------------------------------------------------------

// Publish route an event to its subscribers
func (b *eventBusImpl) Publish(ctxt context.Context, ev events.Event) PublishResult {
	logTags := b.LogTagsFor(ctxt)
	result := PublishResult{}
	delivered := map[string]struct{}{}

	for _, key := range ev.SubscriptionKeys() {
		candidates := b.registry.GetByEventSource(key)
		result.Candidates += len(candidates)
		for _, sub := range candidates {
			if !subscription.Matches(ev, sub) {
				continue
			}
			if _, ok := delivered[sub.Subscriber.ID]; ok {
				continue
			}
			if !b.access.HasAccessTo(sub.Subscriber.Principal, ev.Device()) {
				continue
			}
			if sub.SingleShot {
				if !b.registry.Claim(sub) {
					// Another publish already took it
					continue
				}
				b.forget(sub.ID)
			}
			delivered[sub.Subscriber.ID] = struct{}{}
			delivery := dispatch.Delivery{
				SubscriptionID: sub.ID,
				SubscriberID:   sub.Subscriber.ID,
				CorrelationID:  sub.Subscriber.CorrelationID,
				Event:          ev,
			}
			if err := b.dispatcher.Deliver(sub.Subscriber.Destination, delivery, sub); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Unable to dispatch %s to %s", ev.DedupKey(), sub,
				)
				continue
			}
			result.Dispatched++
		}
	}

	metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	metrics.MatchedSubscribers.Observe(float64(result.Dispatched))
	log.WithFields(logTags).Debugf(
		"Published %s to %d of %d candidates", ev.DedupKey(), result.Dispatched, result.Candidates,
	)
	return result
}

// ----------------------------------------------------------------------------------------

// keysFor validate the request's event sources and compute the keys to subscribe under
func (b *eventBusImpl) keysFor(
	ctxt context.Context, req SubscribeRequest,
) ([]events.SourceKey, error) {
	switch req.Kind {
	case events.KindCommandUpdate:
		if req.CommandID <= 0 {
			return nil, fmt.Errorf("%w: command ID is required", common.ErrInvalidRequest)
		}
		return []events.SourceKey{events.CommandUpdateKey(req.CommandID)}, nil
	case events.KindNotification, events.KindCommand:
	default:
		return nil, fmt.Errorf("%w: unknown event kind '%s'", common.ErrInvalidRequest, req.Kind)
	}

	if len(req.DeviceIDs) == 0 {
		return []events.SourceKey{events.WildcardKey(req.Kind)}, nil
	}

	var result *multierror.Error
	keys := []events.SourceKey{}
	seen := map[string]bool{}
	for _, deviceID := range req.DeviceIDs {
		if seen[deviceID] {
			continue
		}
		seen[deviceID] = true
		if err := common.ValidateDeviceID(deviceID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		_, found, err := b.resolver.ResolveDevice(ctxt, deviceID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !found || !b.access.HasAccessTo(req.Principal, deviceID) {
			result = multierror.Append(
				result, fmt.Errorf("%w: device '%s' not found", common.ErrInvalidRequest, deviceID),
			)
			continue
		}
		keys = append(keys, events.DeviceKey(req.Kind, deviceID))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Subscribe register a subscription
func (b *eventBusImpl) Subscribe(
	ctxt context.Context, req SubscribeRequest,
) (SubscribeResult, error) {
	logTags := b.LogTagsFor(ctxt)
	if req.Destination == nil {
		return SubscribeResult{}, fmt.Errorf("%w: destination is required", common.ErrInvalidRequest)
	}
	keys, err := b.keysFor(ctxt, req)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected subscribe request")
		return SubscribeResult{}, err
	}
	if req.SingleShot && len(keys) != 1 {
		return SubscribeResult{}, fmt.Errorf(
			"%w: single shot subscription must have exactly one event source",
			common.ErrInvalidRequest,
		)
	}
	filter, err := subscription.NewFilter(req.Names, req.NetworkIDs, req.DeviceTypeIDs)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejected subscribe filter")
		return SubscribeResult{}, err
	}

	subscriptionID := uuid.New().String()
	subscriber := subscription.Subscriber{
		ID:            req.SubscriberID,
		Destination:   req.Destination,
		CorrelationID: req.CorrelationID,
		Principal:     req.Principal,
	}
	if subscriber.ID == "" {
		subscriber.ID = subscriptionID
	}

	rows := make([]*subscription.Subscription, len(keys))
	for idx, key := range keys {
		rows[idx] = subscription.NewSubscription(subscriptionID, key, subscriber, filter, req.SingleShot)
	}

	// Record the owner first, so a delivery racing the insert can already be claimed
	b.ownerLock.Lock()
	b.owners[subscriptionID] = subscriber.ID
	b.ownerLock.Unlock()

	inserted := []events.SourceKey{}
	for idx, ok := range b.registry.InsertAll(rows) {
		if ok {
			inserted = append(inserted, keys[idx])
		}
	}
	metrics.ActiveSubscriptions.Set(float64(b.registry.Count()))
	if len(inserted) == 0 {
		b.forget(subscriptionID)
		return SubscribeResult{}, fmt.Errorf(
			"subscriber %s: %w", subscriber.ID, common.ErrAlreadySubscribed,
		)
	}

	log.WithFields(logTags).Debugf(
		"Subscriber %s registered subscription %s on %v", subscriber.ID, subscriptionID, inserted,
	)
	return SubscribeResult{
		SubscriptionID: subscriptionID, SubscriberID: subscriber.ID, Keys: inserted,
	}, nil
}

// ----------------------------------------------------------------------------------------

func (b *eventBusImpl) forget(subscriptionID string) {
	b.ownerLock.Lock()
	defer b.ownerLock.Unlock()
	delete(b.owners, subscriptionID)
}

func (b *eventBusImpl) ownerOf(subscriptionID string) (string, bool) {
	b.ownerLock.Lock()
	defer b.ownerLock.Unlock()
	owner, ok := b.owners[subscriptionID]
	return owner, ok
}

// Subscriptions the subscription rows of a subscription ID
func (b *eventBusImpl) Subscriptions(subscriptionID string) []*subscription.Subscription {
	result := []*subscription.Subscription{}
	owner, ok := b.ownerOf(subscriptionID)
	if !ok {
		return result
	}
	for _, row := range b.registry.GetBySubscriber(owner) {
		if row.ID == subscriptionID {
			result = append(result, row)
		}
	}
	return result
}

// drop remove rows from the registry, only if they are still the registered instance
func (b *eventBusImpl) drop(rows []*subscription.Subscription) int {
	removed := 0
	for _, row := range rows {
		if b.registry.Claim(row) {
			row.Cancel()
			removed++
		}
	}
	return removed
}

// Unsubscribe remove subscriptions
func (b *eventBusImpl) Unsubscribe(ctxt context.Context, req UnsubscribeRequest) (int, error) {
	logTags := b.LogTagsFor(ctxt)
	if req.SubscriptionID == "" && req.SubscriberID == "" && len(req.DeviceIDs) == 0 {
		return 0, fmt.Errorf(
			"%w: one of subscription ID, subscriber ID or device IDs is required",
			common.ErrInvalidRequest,
		)
	}
	defer func() {
		metrics.ActiveSubscriptions.Set(float64(b.registry.Count()))
	}()

	// Subscriber scope
	subscriberID := req.SubscriberID
	if req.SubscriptionID != "" {
		owner, ok := b.ownerOf(req.SubscriptionID)
		if !ok {
			log.WithFields(logTags).Debugf("Subscription %s not known", req.SubscriptionID)
			return 0, nil
		}
		if subscriberID != "" && subscriberID != owner {
			return 0, fmt.Errorf(
				"%w: subscription %s is not owned by %s",
				common.ErrInvalidRequest,
				req.SubscriptionID,
				subscriberID,
			)
		}
		subscriberID = owner
	}

	belongs := func(row *subscription.Subscription) bool {
		if req.SubscriptionID != "" && row.ID != req.SubscriptionID {
			return false
		}
		return subscriberID == "" || row.Subscriber.ID == subscriberID
	}

	removed := 0
	if len(req.DeviceIDs) == 0 {
		// Whole subscription, or whole subscriber
		if req.SubscriptionID == "" {
			for _, row := range b.registry.GetBySubscriber(subscriberID) {
				b.forget(row.ID)
			}
			removed = b.registry.RemoveBySubscriber(subscriberID)
		} else {
			removed = b.drop(b.Subscriptions(req.SubscriptionID))
			b.forget(req.SubscriptionID)
		}
	} else {
		kinds := []events.Kind{events.KindNotification, events.KindCommand}
		if req.Kind != "" {
			kinds = []events.Kind{req.Kind}
		}
		var result *multierror.Error
		touched := map[string]bool{}
		for _, deviceID := range req.DeviceIDs {
			if err := common.ValidateDeviceID(deviceID); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			for _, kind := range kinds {
				key := events.DeviceKey(kind, deviceID)
				selected := []*subscription.Subscription{}
				for _, row := range b.registry.GetByEventSource(key) {
					if belongs(row) {
						selected = append(selected, row)
						touched[row.ID] = true
					}
				}
				if req.SubscriptionID == "" && subscriberID == "" {
					removed += b.registry.RemoveByEventSource(key)
				} else {
					removed += b.drop(selected)
				}
			}
		}
		for subscriptionID := range touched {
			if len(b.Subscriptions(subscriptionID)) == 0 {
				b.forget(subscriptionID)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unsubscribe had invalid device IDs")
			return removed, err
		}
	}

	log.WithFields(logTags).Debugf("Removed %d subscription rows", removed)
	return removed, nil
}
