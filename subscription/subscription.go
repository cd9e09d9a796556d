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

// Package subscription holds the subscriptions of the broker's subscribers, indexed by
// event source and by subscriber.
package subscription

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
)

// Subscriber a consumer of events
type Subscriber struct {
	// ID the subscriber ID
	ID string
	// Destination where the subscriber's deliveries are sent
	Destination dispatch.Destination
	// CorrelationID echoed back with every delivery
	CorrelationID string
	// Principal the identity the subscriber acts as. Used for access checks.
	Principal string
}

// Filter narrows the events a subscription accepts. Empty sets accept everything.
type Filter struct {
	names       map[string]struct{}
	networks    map[int64]struct{}
	deviceTypes map[int64]struct{}
}

// NewFilter define a filter
func NewFilter(names []string, networkIDs []int64, deviceTypeIDs []int64) (Filter, error) {
	result := Filter{
		names:       make(map[string]struct{}, len(names)),
		networks:    make(map[int64]struct{}, len(networkIDs)),
		deviceTypes: make(map[int64]struct{}, len(deviceTypeIDs)),
	}
	for _, name := range names {
		if name == "" || len(name) > 128 {
			return Filter{}, fmt.Errorf("%w: invalid event name '%s'", common.ErrInvalidRequest, name)
		}
		result.names[name] = struct{}{}
	}
	for _, id := range networkIDs {
		if id <= 0 {
			return Filter{}, fmt.Errorf("%w: invalid network ID %d", common.ErrInvalidRequest, id)
		}
		result.networks[id] = struct{}{}
	}
	for _, id := range deviceTypeIDs {
		if id <= 0 {
			return Filter{}, fmt.Errorf("%w: invalid device type ID %d", common.ErrInvalidRequest, id)
		}
		result.deviceTypes[id] = struct{}{}
	}
	return result, nil
}

// AcceptsName whether the filter accepts an event name
func (f Filter) AcceptsName(name string) bool {
	if len(f.names) == 0 {
		return true
	}
	_, ok := f.names[name]
	return ok
}

// AcceptsNetwork whether the filter accepts a network
func (f Filter) AcceptsNetwork(networkID int64) bool {
	if len(f.networks) == 0 {
		return true
	}
	_, ok := f.networks[networkID]
	return ok
}

// AcceptsDeviceType whether the filter accepts a device type
func (f Filter) AcceptsDeviceType(deviceTypeID int64) bool {
	if len(f.deviceTypes) == 0 {
		return true
	}
	_, ok := f.deviceTypes[deviceTypeID]
	return ok
}

// Names the accepted names, sorted
func (f Filter) Names() []string {
	result := make([]string, 0, len(f.names))
	for name := range f.names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// NetworkIDs the accepted networks, sorted
func (f Filter) NetworkIDs() []int64 {
	return sortedIDs(f.networks)
}

// DeviceTypeIDs the accepted device types, sorted
func (f Filter) DeviceTypeIDs() []int64 {
	return sortedIDs(f.deviceTypes)
}

func sortedIDs(set map[int64]struct{}) []int64 {
	result := make([]int64, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// ========================================================================================

// Subscription one subscriber's interest in the events of one event source
type Subscription struct {
	// ID the subscription ID returned to the subscriber
	ID string
	// Key the event source the subscription is indexed under
	Key events.SourceKey
	// Subscriber the owner
	Subscriber Subscriber
	// Filter the event filter
	Filter Filter
	// SingleShot whether the subscription ends after its first delivery
	SingleShot bool

	gate      sync.RWMutex
	cancelled bool
}

// NewSubscription define a subscription
func NewSubscription(
	id string, key events.SourceKey, subscriber Subscriber, filter Filter, singleShot bool,
) *Subscription {
	return &Subscription{
		ID:         id,
		Key:        key,
		Subscriber: subscriber,
		Filter:     filter,
		SingleShot: singleShot,
	}
}

// Guard run fn unless the subscription is cancelled. Returns whether fn ran.
func (s *Subscription) Guard(fn func()) bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.cancelled {
		return false
	}
	fn()
	return true
}

// Cancel mark the subscription as cancelled. Waits for a delivery in progress to finish.
func (s *Subscription) Cancel() {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.cancelled = true
}

// Cancelled whether the subscription is cancelled
func (s *Subscription) Cancelled() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.cancelled
}

// String human readable form of the subscription
func (s *Subscription) String() string {
	return fmt.Sprintf("%s(%s@%s)", s.ID, s.Subscriber.ID, s.Key)
}
