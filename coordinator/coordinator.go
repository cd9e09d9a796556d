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

// Package coordinator serves point queries, historical queries, catch-up subscriptions
// and long polls by combining the event cache with the event bus.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// CommandUpdate the outcome of a command reported by its device
type CommandUpdate struct {
	// DeviceID the device the command was sent to
	DeviceID string `json:"deviceId" validate:"required"`
	// CommandID the command
	CommandID int64 `json:"id" validate:"required,gt=0"`
	// Status the new command status
	Status string `json:"status,omitempty"`
	// Result the command result
	Result json.RawMessage `json:"result,omitempty"`
}

// Coordinator the query surface of the broker
type Coordinator interface {
	// Insert assign an ID and timestamp to a new notification or command, cache it, and
	// publish it
	Insert(ctxt context.Context, ev events.Event) (events.Event, error)
	// UpdateCommand record the outcome of a command, and publish the update
	UpdateCommand(ctxt context.Context, update CommandUpdate) (events.Event, error)
	// Get point lookup of a cached notification or command
	Get(ctxt context.Context, kind events.Kind, deviceID string, id int64) (events.Event, error)
	// Query historical query against the cache
	Query(ctxt context.Context, req QueryRequest) ([]events.Event, error)
	// SubscribeSince subscribe to live events, handing the cached backlog since a time
	// to onBacklog before any live event is delivered
	SubscribeSince(
		ctxt context.Context, req SubscribeSinceRequest, onBacklog BacklogHandler,
	) (bus.SubscribeResult, error)
	// Unsubscribe remove subscriptions
	Unsubscribe(ctxt context.Context, req bus.UnsubscribeRequest) (int, error)
	// Poll wait for events matching a filter
	Poll(ctxt context.Context, req PollRequest) ([]events.Event, error)
	// WaitCommandUpdate wait for a command to be updated. Returns false on timeout.
	WaitCommandUpdate(
		ctxt context.Context, deviceID string, commandID int64, wait time.Duration,
	) (events.Event, bool, error)
}

// Config coordinator parameters
type Config struct {
	// DefaultPollWait the poll wait used when the caller gives none
	DefaultPollWait time.Duration
	// MaxPollWait the longest a poll may wait
	MaxPollWait time.Duration
}

// coordinatorImpl implements Coordinator
type coordinatorImpl struct {
	common.Component
	cache         storage.EventCache
	bus           bus.EventBus
	resolver      bus.DeviceResolver
	notifications *events.Sequence
	commands      *events.Sequence
	config        Config
	validate      *validator.Validate
}

// DefineCoordinator define a new coordinator
func DefineCoordinator(
	instance string,
	cache storage.EventCache,
	eventBus bus.EventBus,
	resolver bus.DeviceResolver,
	config Config,
) (Coordinator, error) {
	if cache == nil || eventBus == nil {
		return nil, fmt.Errorf("%w: cache and event bus are required", common.ErrInvalidRequest)
	}
	if resolver == nil {
		resolver = bus.OpenDirectory{}
	}
	if config.MaxPollWait < config.DefaultPollWait {
		config.MaxPollWait = config.DefaultPollWait
	}
	logTags := log.Fields{
		"module": "coordinator", "component": "coordinator", "instance": instance,
	}
	// IDs continue from the current time so a restarted broker does not reuse cached IDs
	start := time.Now().UnixNano() / int64(time.Microsecond)
	return &coordinatorImpl{
		Component:     common.Component{LogTags: logTags},
		cache:         cache,
		bus:           eventBus,
		resolver:      resolver,
		notifications: events.NewSequence(start),
		commands:      events.NewSequence(start),
		config:        config,
		validate:      validator.New(),
	}, nil
}

// resolve fill in the network and device type of a device
func (c *coordinatorImpl) resolve(ctxt context.Context, deviceID string) (bus.DeviceInfo, error) {
	if err := common.ValidateDeviceID(deviceID); err != nil {
		return bus.DeviceInfo{}, err
	}
	device, found, err := c.resolver.ResolveDevice(ctxt, deviceID)
	if err != nil {
		return bus.DeviceInfo{}, err
	}
	if !found {
		return bus.DeviceInfo{}, fmt.Errorf(
			"%w: device '%s' not found", common.ErrInvalidRequest, deviceID,
		)
	}
	return device, nil
}

// Insert prepare, cache and publish a new event
func (c *coordinatorImpl) Insert(ctxt context.Context, ev events.Event) (events.Event, error) {
	logTags := c.LogTagsFor(ctxt)
	now := time.Now().UTC()
	var prepared events.Event
	switch typed := ev.(type) {
	case events.NotificationEvent:
		entry := typed.Notification
		if err := c.validate.Struct(&entry); err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrInvalidRequest, err.Error())
		}
		device, err := c.resolve(ctxt, entry.DeviceID)
		if err != nil {
			return nil, err
		}
		if entry.ID == 0 {
			entry.ID = c.notifications.Next()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		if entry.NetworkID == 0 {
			entry.NetworkID = device.NetworkID
		}
		if entry.DeviceTypeID == 0 {
			entry.DeviceTypeID = device.DeviceTypeID
		}
		prepared = events.NotificationEvent{Notification: entry}

	case events.CommandEvent:
		entry := typed.Command
		if err := c.validate.Struct(&entry); err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrInvalidRequest, err.Error())
		}
		device, err := c.resolve(ctxt, entry.DeviceID)
		if err != nil {
			return nil, err
		}
		if entry.ID == 0 {
			entry.ID = c.commands.Next()
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		entry.LastUpdated = entry.Timestamp
		entry.IsUpdated = false
		if entry.NetworkID == 0 {
			entry.NetworkID = device.NetworkID
		}
		if entry.DeviceTypeID == 0 {
			entry.DeviceTypeID = device.DeviceTypeID
		}
		prepared = events.CommandEvent{Command: entry}

	default:
		return nil, fmt.Errorf("%w: can not insert %s events", common.ErrInvalidRequest, ev.Kind())
	}

	if err := c.cache.Store(ctxt, prepared); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Publishing %s without caching it", prepared.DedupKey(),
		)
	}
	c.bus.Publish(ctxt, prepared)
	return prepared, nil
}

// UpdateCommand record and publish a command update
func (c *coordinatorImpl) UpdateCommand(
	ctxt context.Context, update CommandUpdate,
) (events.Event, error) {
	logTags := c.LogTagsFor(ctxt)
	if err := c.validate.Struct(&update); err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidRequest, err.Error())
	}
	if err := common.ValidateDeviceID(update.DeviceID); err != nil {
		return nil, err
	}
	cached, ok := c.cache.FindCommand(ctxt, update.CommandID, update.DeviceID, false)
	if !ok {
		return nil, fmt.Errorf(
			"command %d of '%s': %w", update.CommandID, update.DeviceID, common.ErrNotFound,
		)
	}
	cmd, _ := events.CommandOf(cached)
	if update.Status != "" {
		cmd.Status = update.Status
	}
	if update.Result != nil {
		cmd.Result = update.Result
	}
	cmd.IsUpdated = true
	cmd.LastUpdated = time.Now().UTC()

	updateEvent := events.CommandUpdateEvent{Command: cmd}
	if err := c.cache.Store(ctxt, updateEvent); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Publishing %s without caching it", updateEvent.DedupKey(),
		)
	}
	c.bus.Publish(ctxt, updateEvent)
	c.bus.Publish(ctxt, events.CommandEvent{Command: cmd})
	return updateEvent, nil
}

// Get point lookup of a cached event
func (c *coordinatorImpl) Get(
	ctxt context.Context, kind events.Kind, deviceID string, id int64,
) (events.Event, error) {
	if err := common.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	var found events.Event
	var ok bool
	switch kind {
	case events.KindNotification:
		found, ok = c.cache.FindNotification(ctxt, id, deviceID)
	case events.KindCommand:
		found, ok = c.cache.FindCommand(ctxt, id, deviceID, false)
	default:
		return nil, fmt.Errorf("%w: unsupported kind '%s'", common.ErrInvalidRequest, kind)
	}
	if !ok {
		return nil, fmt.Errorf("%s %d of '%s': %w", kind, id, deviceID, common.ErrNotFound)
	}
	return found, nil
}

// Query read the cache, then sort, skip and take
func (c *coordinatorImpl) Query(ctxt context.Context, req QueryRequest) ([]events.Event, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	found := c.cache.FindByDevices(ctxt, storage.DeviceQuery{
		Kind:        req.Kind,
		DeviceIDs:   req.DeviceIDs,
		Names:       req.Names,
		From:        req.From,
		To:          req.To,
		UpdatedOnly: req.UpdatedOnly,
		Status:      req.Status,
	})
	return FilterAndSort(found, req.SortField, req.SortOrder, req.Skip, req.Take), nil
}

// Unsubscribe remove subscriptions
func (c *coordinatorImpl) Unsubscribe(
	ctxt context.Context, req bus.UnsubscribeRequest,
) (int, error) {
	return c.bus.Unsubscribe(ctxt, req)
}
