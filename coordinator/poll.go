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
	"fmt"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// pollBuffer the deliveries a poll collects before its destination pushes back
const pollBuffer = 64

// PollRequest a long poll for new events
type PollRequest struct {
	// Kind notifications or commands
	Kind events.Kind
	// DeviceIDs the devices to poll. Empty polls all devices.
	DeviceIDs []string
	// Names only return events with these names
	Names []string
	// NetworkIDs only return events of these networks
	NetworkIDs []int64
	// DeviceTypeIDs only return events of these device types
	DeviceTypeIDs []int64
	// Since return events from this time. Nil returns events published after the call.
	Since *time.Time
	// Wait how long to wait for an event. Zero uses the default wait.
	Wait time.Duration
	// Principal the caller's identity, for access checks
	Principal string
}

// waitFor bound a requested wait by the configured limits
func (c *coordinatorImpl) waitFor(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.config.DefaultPollWait
	}
	if requested > c.config.MaxPollWait {
		return c.config.MaxPollWait
	}
	return requested
}

// collect wait for the first delivery, then take whatever else is already queued.
// Returns nothing when the wait expires.
func collect(
	ctxt context.Context, dest *dispatch.ChannelDestination, wait time.Duration,
) ([]events.Event, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	result := []events.Event{}
	select {
	case <-ctxt.Done():
		return result, ctxt.Err()
	case <-timer.C:
		return result, nil
	case first := <-dest.Deliveries():
		result = append(result, first.Event)
	}
	for {
		select {
		case next := <-dest.Deliveries():
			result = append(result, next.Event)
		default:
			return result, nil
		}
	}
}

// Poll return cached events since the requested time, or wait for new ones
func (c *coordinatorImpl) Poll(ctxt context.Context, req PollRequest) ([]events.Event, error) {
	logTags := c.LogTagsFor(ctxt)
	if req.Kind != events.KindNotification && req.Kind != events.KindCommand {
		return nil, fmt.Errorf("%w: unsupported poll kind '%s'", common.ErrInvalidRequest, req.Kind)
	}
	since := time.Now().UTC()
	if req.Since != nil {
		since = *req.Since
	}
	filter := bus.SubscribeRequest{
		Kind:          req.Kind,
		DeviceIDs:     req.DeviceIDs,
		Names:         req.Names,
		NetworkIDs:    req.NetworkIDs,
		DeviceTypeIDs: req.DeviceTypeIDs,
		Principal:     req.Principal,
	}

	// Cached backlog first
	if found := c.backlog(ctxt, filter, since); len(found) > 0 {
		return found, nil
	}

	dest := dispatch.NewChannelDestination(fmt.Sprintf("poll.%s", uuid.New().String()), pollBuffer)
	defer dest.Close()
	filter.Destination = dest
	sub, err := c.bus.Subscribe(ctxt, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, err := c.bus.Unsubscribe(
			context.Background(), bus.UnsubscribeRequest{SubscriptionID: sub.SubscriptionID},
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to remove poll subscription %s", sub.SubscriptionID,
			)
		}
	}()

	// An event may have been cached between the first read and the subscribe
	if found := c.backlog(ctxt, filter, since); len(found) > 0 {
		return found, nil
	}

	found, err := collect(ctxt, dest, c.waitFor(req.Wait))
	if err != nil {
		return nil, err
	}
	return FilterAndSort(found, SortByTimestamp, Ascending, 0, 0), nil
}

// WaitCommandUpdate return the updated command, waiting for the update if needed
func (c *coordinatorImpl) WaitCommandUpdate(
	ctxt context.Context, deviceID string, commandID int64, wait time.Duration,
) (events.Event, bool, error) {
	logTags := c.LogTagsFor(ctxt)
	if err := common.ValidateDeviceID(deviceID); err != nil {
		return nil, false, err
	}
	cached, ok := c.cache.FindCommand(ctxt, commandID, deviceID, false)
	if !ok {
		return nil, false, fmt.Errorf(
			"command %d of '%s': %w", commandID, deviceID, common.ErrNotFound,
		)
	}
	if events.IsUpdated(cached) {
		return cached, true, nil
	}

	dest := dispatch.NewChannelDestination(fmt.Sprintf("wait.%s", uuid.New().String()), 1)
	defer dest.Close()
	sub, err := c.bus.Subscribe(ctxt, bus.SubscribeRequest{
		Kind:        events.KindCommandUpdate,
		CommandID:   commandID,
		Destination: dest,
		SingleShot:  true,
	})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		// No-op once the update was delivered
		if _, err := c.bus.Unsubscribe(
			context.Background(), bus.UnsubscribeRequest{SubscriptionID: sub.SubscriptionID},
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to remove wait subscription %s", sub.SubscriptionID,
			)
		}
	}()

	if updated, ok := c.cache.FindCommand(ctxt, commandID, deviceID, true); ok {
		return updated, true, nil
	}

	found, err := collect(ctxt, dest, c.waitFor(wait))
	if err != nil {
		return nil, false, err
	}
	if len(found) == 0 {
		return nil, false, nil
	}
	return found[0], true, nil
}
