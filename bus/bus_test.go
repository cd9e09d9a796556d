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
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// mockDestination records every delivery
type mockDestination struct {
	mock.Mock
	id    string
	sends int32
}

func (m *mockDestination) ID() string {
	return m.id
}

func (m *mockDestination) Send(_ context.Context, delivery dispatch.Delivery) error {
	args := m.Called(delivery.CorrelationID, delivery.Event.EntityID())
	atomic.AddInt32(&m.sends, 1)
	return args.Error(0)
}

func (m *mockDestination) Closed() bool {
	return false
}

func newMockDestination(id string) *mockDestination {
	dest := &mockDestination{id: id}
	dest.On("Send", mock.Anything, mock.Anything).Return(nil)
	return dest
}

func (m *mockDestination) sendCount() int {
	return int(atomic.LoadInt32(&m.sends))
}

// denyDevice refuses access to one device
type denyDevice struct {
	deviceID string
}

func (d denyDevice) HasAccessTo(_ string, deviceID string) bool {
	return deviceID != d.deviceID
}

func defineTestBus(
	t *testing.T, ctxt context.Context, resolver DeviceResolver, access AccessChecker,
) (EventBus, dispatch.Dispatcher, subscription.Registry) {
	dispatcher, err := dispatch.DefineDispatcher(ctxt, "testing", 8, time.Second, time.Second)
	assert.Nil(t, err)
	registry := subscription.NewRegistry("testing")
	uut, err := DefineEventBus("testing", registry, dispatcher, resolver, access)
	assert.Nil(t, err)
	return uut, dispatcher, registry
}

func temperature(id int64, deviceID string) events.Event {
	return events.NotificationEvent{Notification: events.Notification{
		ID: id, Notification: "temperature", DeviceID: deviceID, Timestamp: time.Now().UTC(),
	}}
}

func TestEventBusFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, dispatcher, _ := defineTestBus(t, ctxt, NewStaticDeviceDirectory(DeviceInfo{ID: "dev1"}), nil)
	defer func() {
		assert.Nil(dispatcher.Stop())
	}()

	destAll := newMockDestination("all")
	destTemp := newMockDestination("temp")
	destVib := newMockDestination("vib")

	type setup struct {
		dest  *mockDestination
		names []string
	}
	for idx, entry := range []setup{
		{dest: destAll},
		{dest: destTemp, names: []string{"temperature"}},
		{dest: destVib, names: []string{"vibration"}},
	} {
		_, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind:          events.KindNotification,
			DeviceIDs:     []string{"dev1"},
			Names:         entry.names,
			Destination:   entry.dest,
			CorrelationID: fmt.Sprintf("corr-%d", idx),
		})
		assert.Nil(err)
	}

	// Case 0: only the applicable subscribers receive the event, once each
	result := uut.Publish(ctxt, temperature(0, "dev1"))
	assert.Equal(3, result.Candidates)
	assert.Equal(2, result.Dispatched)
	assert.Eventually(func() bool {
		return destAll.sendCount() == 1 && destTemp.sendCount() == 1
	}, time.Second, time.Millisecond*10)
	time.Sleep(time.Millisecond * 50)
	destAll.AssertNumberOfCalls(t, "Send", 1)
	destTemp.AssertNumberOfCalls(t, "Send", 1)
	destVib.AssertNumberOfCalls(t, "Send", 0)

	// Correlation IDs are echoed per subscriber
	destAll.AssertCalled(t, "Send", "corr-0", int64(0))
	destTemp.AssertCalled(t, "Send", "corr-1", int64(0))

	// Case 1: events of other devices are not delivered
	result = uut.Publish(ctxt, temperature(1, "dev2"))
	assert.Equal(0, result.Candidates)
	time.Sleep(time.Millisecond * 50)
	destAll.AssertNumberOfCalls(t, "Send", 1)
}

func TestEventBusWildcardDedup(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, dispatcher, _ := defineTestBus(t, ctxt, nil, nil)
	defer func() {
		assert.Nil(dispatcher.Stop())
	}()

	dest := newMockDestination("conn-1")

	// Case 0: one subscriber, device scoped and all devices
	_, err := uut.Subscribe(ctxt, SubscribeRequest{
		SubscriberID: "conn-1",
		Kind:         events.KindNotification,
		DeviceIDs:    []string{"dev1"},
		Destination:  dest,
	})
	assert.Nil(err)
	_, err = uut.Subscribe(ctxt, SubscribeRequest{
		SubscriberID: "conn-1",
		Kind:         events.KindNotification,
		Destination:  dest,
	})
	assert.Nil(err)

	// Case 1: the subscriber receives one delivery
	result := uut.Publish(ctxt, temperature(7, "dev1"))
	assert.Equal(2, result.Candidates)
	assert.Equal(1, result.Dispatched)
	assert.Eventually(func() bool { return dest.sendCount() == 1 }, time.Second, time.Millisecond*10)
	time.Sleep(time.Millisecond * 50)
	dest.AssertNumberOfCalls(t, "Send", 1)

	// Case 2: the same subscriber can not repeat a key
	_, err = uut.Subscribe(ctxt, SubscribeRequest{
		SubscriberID: "conn-1",
		Kind:         events.KindNotification,
		Destination:  dest,
	})
	assert.ErrorIs(err, common.ErrAlreadySubscribed)
}

func TestEventBusSubscribeUnsubscribeScenario(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, dispatcher, registry := defineTestBus(t, ctxt, nil, nil)
	defer func() {
		assert.Nil(dispatcher.Stop())
	}()

	dest := newMockDestination("subscriber-a")
	sub, err := uut.Subscribe(ctxt, SubscribeRequest{
		Kind:        events.KindNotification,
		DeviceIDs:   []string{"dev1"},
		Names:       []string{"temperature"},
		Destination: dest,
	})
	assert.Nil(err)
	assert.Len(uut.Subscriptions(sub.SubscriptionID), 1)

	// Case 0: first publish is delivered once
	uut.Publish(ctxt, temperature(0, "dev1"))
	assert.Eventually(func() bool { return dest.sendCount() == 1 }, time.Second, time.Millisecond*10)
	dest.AssertCalled(t, "Send", "", int64(0))

	// Case 1: after unsubscribe nothing more arrives
	removed, err := uut.Unsubscribe(ctxt, UnsubscribeRequest{SubscriptionID: sub.SubscriptionID})
	assert.Nil(err)
	assert.Equal(1, removed)
	assert.Equal(0, registry.Count())
	uut.Publish(ctxt, temperature(0, "dev1"))
	time.Sleep(time.Millisecond * 50)
	dest.AssertNumberOfCalls(t, "Send", 1)

	// Case 2: unsubscribing again is a no-op
	removed, err = uut.Unsubscribe(ctxt, UnsubscribeRequest{SubscriptionID: sub.SubscriptionID})
	assert.Nil(err)
	assert.Equal(0, removed)
}

func TestEventBusUnsubscribeRace(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, dispatcher, _ := defineTestBus(t, ctxt, nil, nil)
	defer func() {
		assert.Nil(dispatcher.Stop())
	}()

	for round := 0; round < 20; round++ {
		var unsubscribed int32
		var late int32
		lock := sync.Mutex{}
		seen := map[int64]int{}
		dest := dispatch.NewFuncDestination(
			fmt.Sprintf("racer-%d", round),
			func(_ context.Context, d dispatch.Delivery) error {
				if atomic.LoadInt32(&unsubscribed) == 1 {
					atomic.AddInt32(&late, 1)
				}
				lock.Lock()
				seen[d.Event.EntityID()]++
				lock.Unlock()
				return nil
			},
		)
		sub, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind: events.KindNotification, DeviceIDs: []string{"dev1"}, Destination: dest,
		})
		assert.Nil(err)

		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := int64(0); id < 50; id++ {
				uut.Publish(ctxt, temperature(id, "dev1"))
			}
		}()
		time.Sleep(time.Microsecond * 200)
		_, err = uut.Unsubscribe(ctxt, UnsubscribeRequest{SubscriptionID: sub.SubscriptionID})
		assert.Nil(err)
		atomic.StoreInt32(&unsubscribed, 1)
		wg.Wait()

		assert.Eventually(func() bool { return dispatcher.Pending() == 0 }, time.Second, time.Millisecond*5)
		assert.Equal(int32(0), atomic.LoadInt32(&late))
		lock.Lock()
		for id, count := range seen {
			assert.Equalf(1, count, "event %d delivered %d times", id, count)
		}
		lock.Unlock()
	}
}

func TestEventBusAccessAndSingleShot(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, dispatcher, registry := defineTestBus(t, ctxt, nil, denyDevice{deviceID: "secret"})
	defer func() {
		assert.Nil(dispatcher.Stop())
	}()

	// Case 0: denied events are silently skipped
	{
		dest := newMockDestination("watcher")
		_, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind: events.KindNotification, Destination: dest,
		})
		assert.Nil(err)
		result := uut.Publish(ctxt, temperature(1, "secret"))
		assert.Equal(0, result.Dispatched)
		uut.Publish(ctxt, temperature(2, "open"))
		assert.Eventually(func() bool { return dest.sendCount() == 1 }, time.Second, time.Millisecond*10)
		dest.AssertCalled(t, "Send", "", int64(2))
		dest.AssertNotCalled(t, "Send", "", int64(1))
	}

	// Case 1: subscribing to a denied device is rejected
	{
		_, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind:        events.KindNotification,
			DeviceIDs:   []string{"secret"},
			Destination: newMockDestination("x"),
		})
		assert.ErrorIs(err, common.ErrInvalidRequest)
	}

	// Case 2: single shot command update wait
	{
		dest := newMockDestination("waiter")
		sub, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind: events.KindCommandUpdate, CommandID: 9, Destination: dest, SingleShot: true,
		})
		assert.Nil(err)
		before := registry.Count()
		update := events.CommandUpdateEvent{Command: events.Command{
			ID: 9, DeviceID: "open", Command: "reboot", IsUpdated: true,
		}}
		assert.Equal(1, uut.Publish(ctxt, update).Dispatched)
		assert.Equal(0, uut.Publish(ctxt, update).Dispatched)
		assert.Equal(before-1, registry.Count())
		assert.Empty(uut.Subscriptions(sub.SubscriptionID))
		assert.Eventually(func() bool { return dest.sendCount() == 1 }, time.Second, time.Millisecond*10)
	}
}

func TestEventBusValidation(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	directory := NewStaticDeviceDirectory(DeviceInfo{ID: "dev1"}, DeviceInfo{ID: "dev2"})
	uut, dispatcher, registry := defineTestBus(t, ctxt, directory, nil)
	defer func() {
		assert.Nil(dispatcher.Stop())
	}()
	dest := newMockDestination("d")

	// Case 0: unsubscribe with no selector
	{
		_, err := uut.Unsubscribe(ctxt, UnsubscribeRequest{})
		assert.ErrorIs(err, common.ErrInvalidRequest)
	}

	// Case 1: unresolvable and malformed devices
	{
		_, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind:        events.KindCommand,
			DeviceIDs:   []string{"dev1", "ghost", "bad/id"},
			Destination: dest,
		})
		assert.ErrorIs(err, common.ErrInvalidRequest)
		assert.Equal(0, registry.Count())
	}

	// Case 2: malformed requests
	{
		_, err := uut.Subscribe(ctxt, SubscribeRequest{Kind: "bogus", Destination: dest})
		assert.ErrorIs(err, common.ErrInvalidRequest)
		_, err = uut.Subscribe(ctxt, SubscribeRequest{Kind: events.KindCommand})
		assert.ErrorIs(err, common.ErrInvalidRequest)
		_, err = uut.Subscribe(ctxt, SubscribeRequest{Kind: events.KindCommandUpdate, Destination: dest})
		assert.ErrorIs(err, common.ErrInvalidRequest)
		_, err = uut.Subscribe(ctxt, SubscribeRequest{
			Kind:        events.KindCommand,
			DeviceIDs:   []string{"dev1", "dev2"},
			Destination: dest,
			SingleShot:  true,
		})
		assert.ErrorIs(err, common.ErrInvalidRequest)
		_, err = uut.Subscribe(ctxt, SubscribeRequest{
			Kind: events.KindCommand, Names: []string{""}, Destination: dest,
		})
		assert.ErrorIs(err, common.ErrInvalidRequest)
	}

	// Case 3: unsubscribe by device keeps the other devices
	{
		sub, err := uut.Subscribe(ctxt, SubscribeRequest{
			Kind:        events.KindCommand,
			DeviceIDs:   []string{"dev1", "dev2"},
			Destination: dest,
		})
		assert.Nil(err)
		assert.Len(sub.Keys, 2)
		removed, err := uut.Unsubscribe(ctxt, UnsubscribeRequest{
			SubscriptionID: sub.SubscriptionID, DeviceIDs: []string{"dev1"},
		})
		assert.Nil(err)
		assert.Equal(1, removed)
		rows := uut.Subscriptions(sub.SubscriptionID)
		assert.Len(rows, 1)
		assert.Equal(events.DeviceKey(events.KindCommand, "dev2"), rows[0].Key)
	}

	// Case 4: unsubscribe the whole subscriber
	{
		_, err := uut.Subscribe(ctxt, SubscribeRequest{
			SubscriberID: "conn", Kind: events.KindNotification, Destination: dest,
		})
		assert.Nil(err)
		_, err = uut.Subscribe(ctxt, SubscribeRequest{
			SubscriberID: "conn",
			Kind:         events.KindNotification,
			DeviceIDs:    []string{"dev2"},
			Destination:  dest,
		})
		assert.Nil(err)
		removed, err := uut.Unsubscribe(ctxt, UnsubscribeRequest{SubscriberID: "conn"})
		assert.Nil(err)
		assert.Equal(2, removed)
		removed, err = uut.Unsubscribe(ctxt, UnsubscribeRequest{SubscriberID: "conn"})
		assert.Nil(err)
		assert.Equal(0, removed)
	}

	// Case 5: removing every subscription of a device
	{
		removed, err := uut.Unsubscribe(ctxt, UnsubscribeRequest{DeviceIDs: []string{"dev2"}})
		assert.Nil(err)
		assert.Equal(1, removed)
		assert.Equal(0, registry.Count())
	}
}
