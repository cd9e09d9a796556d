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

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/metrics"
	"github.com/apex/log"
	"github.com/sony/gobreaker"
)

// EventCache read-through cache of recent events. Reads never fail: a miss, an expired
// entry, or an unavailable store all read as no data.
type EventCache interface {
	// Store cache an event. A command update replaces the cached command.
	Store(ctxt context.Context, ev events.Event) error
	// FindNotification point lookup of a notification
	FindNotification(ctxt context.Context, id int64, deviceID string) (events.Event, bool)
	// FindCommand point lookup of a command. With updatedOnly, a command which had not
	// been updated reads as a miss.
	FindCommand(
		ctxt context.Context, id int64, deviceID string, updatedOnly bool,
	) (events.Event, bool)
	// FindByDevices events of a set of devices. Results are not ordered.
	FindByDevices(ctxt context.Context, query DeviceQuery) []events.Event
	// FindByScope events selected by network and device type. Results are not ordered.
	FindByScope(ctxt context.Context, query ScopeQuery) []events.Event
}

// eventCacheImpl implements EventCache
type eventCacheImpl struct {
	common.Component
	store   EventStore
	breaker *gobreaker.CircuitBreaker
}

// DefineEventCache define an event cache in front of a store. Store failures trip a
// circuit breaker; while open, reads return nothing and writes are dropped.
func DefineEventCache(
	instance string, store EventStore, config common.CacheBreakerConfig,
) (EventCache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: event store is required", common.ErrInvalidRequest)
	}
	logTags := log.Fields{
		"module": "storage", "component": "event-cache", "instance": instance,
	}
	maxFailures := config.MaxConsecutiveFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        instance,
		MaxRequests: 1,
		Timeout:     time.Second * time.Duration(config.OpenPeriod),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, common.ErrNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logTags).Warnf("Event cache breaker %s: %s -> %s", name, from, to)
			if to == gobreaker.StateOpen {
				metrics.CacheBreakerOpen.Set(1)
			} else {
				metrics.CacheBreakerOpen.Set(0)
			}
		},
	})
	return &eventCacheImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		breaker:   breaker,
	}, nil
}

// Store cache an event
func (c *eventCacheImpl) Store(ctxt context.Context, ev events.Event) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.store.Put(ctxt, ev)
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues("store", "error").Inc()
		log.WithError(err).WithFields(c.LogTagsFor(ctxt)).Warnf(
			"Unable to cache %s", ev.DedupKey(),
		)
		return err
	}
	metrics.CacheOperations.WithLabelValues("store", "ok").Inc()
	return nil
}

// get point lookup through the breaker
func (c *eventCacheImpl) get(
	ctxt context.Context, kind events.Kind, deviceID string, id int64,
) (events.Event, bool) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.Get(ctxt, kind, deviceID, id)
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperations.WithLabelValues("get", "error").Inc()
			log.WithError(err).WithFields(c.LogTagsFor(ctxt)).Warnf(
				"Unable to read %s %d of %s", kind, id, deviceID,
			)
		}
		return nil, false
	}
	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return result.(events.Event), true
}

// scan prefix read through the breaker
func (c *eventCacheImpl) scan(
	ctxt context.Context, kind events.Kind, deviceID string,
) []events.Event {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.Scan(ctxt, kind, deviceID)
	})
	if err != nil {
		metrics.CacheOperations.WithLabelValues("scan", "error").Inc()
		log.WithError(err).WithFields(c.LogTagsFor(ctxt)).Warnf(
			"Unable to scan %s of '%s'", kind, deviceID,
		)
		return nil
	}
	metrics.CacheOperations.WithLabelValues("scan", "ok").Inc()
	return result.([]events.Event)
}

// FindNotification point lookup of a notification
func (c *eventCacheImpl) FindNotification(
	ctxt context.Context, id int64, deviceID string,
) (events.Event, bool) {
	return c.get(ctxt, events.KindNotification, deviceID, id)
}

// FindCommand point lookup of a command
func (c *eventCacheImpl) FindCommand(
	ctxt context.Context, id int64, deviceID string, updatedOnly bool,
) (events.Event, bool) {
	ev, ok := c.get(ctxt, events.KindCommand, deviceID, id)
	if !ok {
		return nil, false
	}
	if updatedOnly && !events.IsUpdated(ev) {
		return nil, false
	}
	return ev, true
}

// FindByDevices read each device's events, then filter by name, from, to, updated
// only and status, then cap the count
func (c *eventCacheImpl) FindByDevices(ctxt context.Context, query DeviceQuery) []events.Event {
	names := stringSet(query.Names)
	result := []events.Event{}
	for _, deviceID := range query.DeviceIDs {
		for _, ev := range c.scan(ctxt, query.Kind, deviceID) {
			if !acceptName(names, ev) {
				continue
			}
			if query.From != nil && ev.Time().Before(*query.From) {
				continue
			}
			if query.To != nil && ev.Time().After(*query.To) {
				continue
			}
			if query.UpdatedOnly && !events.IsUpdated(ev) {
				continue
			}
			if query.Status != "" && !strings.EqualFold(query.Status, events.StatusOf(ev)) {
				continue
			}
			result = append(result, ev)
		}
	}
	return capCount(result, query.Take)
}

// FindByScope read the events of one or all devices, then filter by name, network,
// device type, from and updated only, then cap the count
func (c *eventCacheImpl) FindByScope(ctxt context.Context, query ScopeQuery) []events.Event {
	names := stringSet(query.Names)
	networks := idSet(query.NetworkIDs)
	deviceTypes := idSet(query.DeviceTypeIDs)
	result := []events.Event{}
	for _, ev := range c.scan(ctxt, query.Kind, query.DeviceID) {
		if !acceptName(names, ev) {
			continue
		}
		if len(networks) > 0 && !networks[ev.Network()] {
			continue
		}
		if len(deviceTypes) > 0 && !deviceTypes[ev.DeviceType()] {
			continue
		}
		if query.From != nil && ev.Time().Before(*query.From) {
			continue
		}
		if query.UpdatedOnly && !events.IsUpdated(ev) {
			continue
		}
		result = append(result, ev)
	}
	return capCount(result, query.Take)
}

func stringSet(values []string) map[string]bool {
	result := make(map[string]bool, len(values))
	for _, value := range values {
		result[value] = true
	}
	return result
}

func idSet(values []int64) map[int64]bool {
	result := make(map[int64]bool, len(values))
	for _, value := range values {
		result[value] = true
	}
	return result
}

func acceptName(names map[string]bool, ev events.Event) bool {
	return len(names) == 0 || names[ev.Name()]
}

func capCount(result []events.Event, take int) []events.Event {
	if take > 0 && len(result) > take {
		return result[:take]
	}
	return result
}
