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
	"testing"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/storage"
	"github.com/alwitt/devicemq/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type testEnv struct {
	coordinator Coordinator
	bus         bus.EventBus
	directory   *bus.StaticDeviceDirectory
	store       storage.EventStore
}

func defineTestEnv(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) testEnv {
	assert := assert.New(t)
	store, err := storage.DefineBadgerStore(ctxt, wg, "testing", common.CacheConfig{
		InMemory: true, NotificationTTL: 60, CommandTTL: 60,
	})
	assert.Nil(err)
	cache, err := storage.DefineEventCache(
		"testing", store, common.CacheBreakerConfig{MaxConsecutiveFailures: 3, OpenPeriod: 1},
	)
	assert.Nil(err)
	dispatcher, err := dispatch.DefineDispatcher(ctxt, "testing", 8, time.Second, time.Second)
	assert.Nil(err)
	directory := bus.NewStaticDeviceDirectory(
		bus.DeviceInfo{ID: "dev-1", NetworkID: 1, DeviceTypeID: 10},
		bus.DeviceInfo{ID: "dev-2", NetworkID: 2, DeviceTypeID: 20},
	)
	eventBus, err := bus.DefineEventBus(
		"testing", subscription.NewRegistry("testing"), dispatcher, directory, nil,
	)
	assert.Nil(err)
	uut, err := DefineCoordinator("testing", cache, eventBus, directory, Config{
		DefaultPollWait: time.Second, MaxPollWait: time.Second * 5,
	})
	assert.Nil(err)
	t.Cleanup(func() {
		_ = dispatcher.Stop()
		_ = store.Close()
	})
	return testEnv{coordinator: uut, bus: eventBus, directory: directory, store: store}
}

func notification(deviceID, name string) events.Event {
	return events.NotificationEvent{
		Notification: events.Notification{Notification: name, DeviceID: deviceID},
	}
}

func command(deviceID, name string) events.Event {
	return events.CommandEvent{Command: events.Command{Command: name, DeviceID: deviceID}}
}

func TestCoordinatorInsertGetQuery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)
	uut := env.coordinator

	// Case 0: unknown device
	{
		_, err := uut.Insert(utCtxt, notification("dev-9", "temperature"))
		assert.True(errors.Is(err, common.ErrInvalidRequest))
	}

	// Case 1: missing name
	{
		_, err := uut.Insert(utCtxt, notification("dev-1", ""))
		assert.True(errors.Is(err, common.ErrInvalidRequest))
	}

	// Case 2: insert fills in ID, timestamp, network and device type
	inserted := []events.Event{}
	for _, name := range []string{"b-humidity", "c-pressure", "a-temperature"} {
		ev, err := uut.Insert(utCtxt, notification("dev-1", name))
		assert.Nil(err)
		assert.NotZero(ev.EntityID())
		assert.False(ev.Time().IsZero())
		assert.Equal(int64(1), ev.Network())
		assert.Equal(int64(10), ev.DeviceType())
		inserted = append(inserted, ev)
		time.Sleep(time.Millisecond * 2)
	}
	assert.Less(inserted[0].EntityID(), inserted[1].EntityID())

	// Case 3: point lookup
	{
		found, err := uut.Get(utCtxt, events.KindNotification, "dev-1", inserted[1].EntityID())
		assert.Nil(err)
		assert.Equal("c-pressure", found.Name())
		_, err = uut.Get(utCtxt, events.KindNotification, "dev-2", inserted[1].EntityID())
		assert.True(errors.Is(err, common.ErrNotFound))
		_, err = uut.Get(utCtxt, events.KindCommand, "dev-1", inserted[1].EntityID())
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 4: query sorted by name, descending
	{
		found, err := uut.Query(utCtxt, QueryRequest{
			Kind:      events.KindNotification,
			DeviceIDs: []string{"dev-1"},
			SortField: SortByName,
			SortOrder: Descending,
		})
		assert.Nil(err)
		assert.Len(found, 3)
		assert.Equal("c-pressure", found[0].Name())
		assert.Equal("a-temperature", found[2].Name())
	}

	// Case 5: query by timestamp with skip and take
	{
		found, err := uut.Query(utCtxt, QueryRequest{
			Kind:      events.KindNotification,
			DeviceIDs: []string{"dev-1"},
			SortField: SortByTimestamp,
			SortOrder: Ascending,
			Skip:      1,
			Take:      1,
		})
		assert.Nil(err)
		assert.Len(found, 1)
		assert.Equal(inserted[1].EntityID(), found[0].EntityID())
	}

	// Case 6: invalid queries
	{
		_, err := uut.Query(utCtxt, QueryRequest{Kind: events.KindNotification})
		assert.True(errors.Is(err, common.ErrInvalidRequest))
		_, err = uut.Query(utCtxt, QueryRequest{
			Kind: events.KindCommandUpdate, DeviceIDs: []string{"dev-1"},
		})
		assert.True(errors.Is(err, common.ErrInvalidRequest))
		_, err = uut.Query(utCtxt, QueryRequest{
			Kind: events.KindNotification, DeviceIDs: []string{"dev-1"}, Skip: -1,
		})
		assert.True(errors.Is(err, common.ErrInvalidRequest))
	}
}

func TestCoordinatorCommandUpdate(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)
	uut := env.coordinator

	cmd, err := uut.Insert(utCtxt, command("dev-1", "reboot"))
	assert.Nil(err)
	assert.False(events.IsUpdated(cmd))

	// Case 0: update of an unknown command
	{
		_, err := uut.UpdateCommand(utCtxt, CommandUpdate{
			DeviceID: "dev-1", CommandID: cmd.EntityID() + 1000, Status: "done",
		})
		assert.True(errors.Is(err, common.ErrNotFound))
		_, _, err = uut.WaitCommandUpdate(utCtxt, "dev-1", cmd.EntityID()+1000, time.Second)
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 1: wait times out without an update
	{
		found, updated, err := uut.WaitCommandUpdate(
			utCtxt, "dev-1", cmd.EntityID(), time.Millisecond*100,
		)
		assert.Nil(err)
		assert.False(updated)
		assert.Nil(found)
	}

	// Case 2: waiter receives the update
	{
		type waitResult struct {
			ev      events.Event
			updated bool
			err     error
		}
		results := make(chan waitResult, 1)
		go func() {
			ev, updated, err := uut.WaitCommandUpdate(utCtxt, "dev-1", cmd.EntityID(), time.Second*4)
			results <- waitResult{ev: ev, updated: updated, err: err}
		}()
		time.Sleep(time.Millisecond * 100)

		update, err := uut.UpdateCommand(utCtxt, CommandUpdate{
			DeviceID: "dev-1", CommandID: cmd.EntityID(), Status: "Done",
		})
		assert.Nil(err)
		assert.Equal(events.KindCommandUpdate, update.Kind())

		select {
		case result := <-results:
			assert.Nil(result.err)
			assert.True(result.updated)
			assert.Equal(cmd.EntityID(), result.ev.EntityID())
			assert.Equal("Done", events.StatusOf(result.ev))
		case <-time.After(time.Second * 5):
			assert.Fail("waiter did not return")
		}
	}

	// Case 3: already updated commands return at once
	{
		found, updated, err := uut.WaitCommandUpdate(utCtxt, "dev-1", cmd.EntityID(), time.Second)
		assert.Nil(err)
		assert.True(updated)
		assert.True(events.IsUpdated(found))
	}

	// Case 4: the cached command carries the update
	{
		found, err := uut.Get(utCtxt, events.KindCommand, "dev-1", cmd.EntityID())
		assert.Nil(err)
		assert.True(events.IsUpdated(found))
		byStatus, err := uut.Query(utCtxt, QueryRequest{
			Kind: events.KindCommand, DeviceIDs: []string{"dev-1"}, Status: "done",
		})
		assert.Nil(err)
		assert.Len(byStatus, 1)
	}
}

func TestCoordinatorPoll(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)
	uut := env.coordinator

	start := time.Now().UTC().Add(-time.Second)

	// Case 0: unsupported kind
	{
		_, err := uut.Poll(utCtxt, PollRequest{Kind: events.KindCommandUpdate})
		assert.True(errors.Is(err, common.ErrInvalidRequest))
	}

	// Case 1: nothing arrives
	{
		found, err := uut.Poll(utCtxt, PollRequest{
			Kind: events.KindNotification, DeviceIDs: []string{"dev-1"}, Wait: time.Millisecond * 100,
		})
		assert.Nil(err)
		assert.Empty(found)
	}

	// Case 2: cached events since a time are returned at once
	{
		ev, err := uut.Insert(utCtxt, notification("dev-1", "temperature"))
		assert.Nil(err)
		found, err := uut.Poll(utCtxt, PollRequest{
			Kind: events.KindNotification, DeviceIDs: []string{"dev-1"}, Since: &start,
		})
		assert.Nil(err)
		assert.Len(found, 1)
		assert.Equal(ev.EntityID(), found[0].EntityID())
	}

	// Case 3: poll waits for a live event
	{
		results := make(chan []events.Event, 1)
		go func() {
			found, err := uut.Poll(utCtxt, PollRequest{
				Kind: events.KindNotification, NetworkIDs: []int64{2}, Wait: time.Second * 4,
			})
			assert.Nil(err)
			results <- found
		}()
		time.Sleep(time.Millisecond * 200)
		_, err := uut.Insert(utCtxt, notification("dev-1", "ignored"))
		assert.Nil(err)
		ev, err := uut.Insert(utCtxt, notification("dev-2", "humidity"))
		assert.Nil(err)

		select {
		case found := <-results:
			assert.Len(found, 1)
			assert.Equal(ev.EntityID(), found[0].EntityID())
		case <-time.After(time.Second * 5):
			assert.Fail("poll did not return")
		}
	}

	// Case 4: caller cancels
	{
		pollCtxt, pollCancel := context.WithTimeout(utCtxt, time.Millisecond*100)
		_, err := uut.Poll(pollCtxt, PollRequest{
			Kind: events.KindCommand, DeviceIDs: []string{"dev-2"}, Wait: time.Second * 4,
		})
		pollCancel()
		assert.True(errors.Is(err, context.DeadlineExceeded))
	}
}

func TestCoordinatorSubscribeSince(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)
	uut := env.coordinator

	start := time.Now().UTC().Add(-time.Second)
	cached := map[int64]bool{}
	for _, name := range []string{"a", "b", "c"} {
		ev, err := uut.Insert(utCtxt, notification("dev-1", name))
		assert.Nil(err)
		cached[ev.EntityID()] = true
	}

	// Case 0: backlog first, then events published during the catch-up, then live events
	{
		dest := dispatch.NewChannelDestination("client-0", 16)
		defer dest.Close()
		var duringCatchup events.Event
		backlogIDs := []int64{}
		result, err := uut.SubscribeSince(utCtxt, SubscribeSinceRequest{
			SubscribeRequest: bus.SubscribeRequest{
				Kind: events.KindNotification, DeviceIDs: []string{"dev-1"}, Destination: dest,
			},
			Since: &start,
		}, func(subscriptionID string, backlog []events.Event) error {
			assert.NotEmpty(subscriptionID)
			for _, ev := range backlog {
				backlogIDs = append(backlogIDs, ev.EntityID())
			}
			var err error
			duringCatchup, err = uut.Insert(utCtxt, notification("dev-1", "d"))
			// let the dispatcher hand it to the held destination
			time.Sleep(time.Millisecond * 100)
			return err
		})
		assert.Nil(err)
		assert.NotEmpty(result.SubscriptionID)
		assert.Len(backlogIDs, 3)
		for _, id := range backlogIDs {
			assert.True(cached[id])
		}

		live, err := uut.Insert(utCtxt, notification("dev-1", "e"))
		assert.Nil(err)

		received := []int64{}
		timeout := time.After(time.Second * 2)
	collecting:
		for {
			select {
			case delivery := <-dest.Deliveries():
				received = append(received, delivery.Event.EntityID())
			case <-timeout:
				break collecting
			}
		}
		assert.Equal([]int64{duringCatchup.EntityID(), live.EntityID()}, received)
	}

	// Case 1: a failing backlog handler removes the subscription
	{
		dest := dispatch.NewChannelDestination("client-1", 16)
		defer dest.Close()
		result, err := uut.SubscribeSince(utCtxt, SubscribeSinceRequest{
			SubscribeRequest: bus.SubscribeRequest{
				SubscriberID: "client-1",
				Kind:         events.KindNotification,
				DeviceIDs:    []string{"dev-1"},
				Destination:  dest,
			},
			Since: &start,
		}, func(string, []events.Event) error {
			return errors.New("client went away")
		})
		assert.NotNil(err)
		assert.Empty(result.SubscriptionID)
		removed, err := uut.Unsubscribe(utCtxt, bus.UnsubscribeRequest{SubscriberID: "client-1"})
		assert.Nil(err)
		assert.Equal(0, removed)
	}

	// Case 2: no catch-up point is a plain subscription
	{
		dest := dispatch.NewChannelDestination("client-2", 16)
		defer dest.Close()
		result, err := uut.SubscribeSince(utCtxt, SubscribeSinceRequest{
			SubscribeRequest: bus.SubscribeRequest{
				Kind: events.KindNotification, DeviceIDs: []string{"dev-2"}, Destination: dest,
			},
		}, func(string, []events.Event) error {
			assert.Fail("no backlog expected")
			return nil
		})
		assert.Nil(err)
		assert.Len(env.bus.Subscriptions(result.SubscriptionID), 1)
	}
}
