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

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testEvent(id int64) events.Event {
	return events.NotificationEvent{
		Notification: events.Notification{ID: id, DeviceID: "dev1", Notification: "temperature"},
	}
}

type testGate struct {
	lock      sync.RWMutex
	cancelled bool
}

func (g *testGate) Guard(fn func()) bool {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if g.cancelled {
		return false
	}
	fn()
	return true
}

func (g *testGate) cancel() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.cancelled = true
}

func TestDispatcherPerDestinationOrder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineDispatcher(ctxt, "testing", 8, time.Second, time.Second)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: invalid pool size
	{
		_, err := DefineDispatcher(ctxt, "testing", 0, time.Second, time.Second)
		assert.NotNil(err)
	}

	// Case 1: deliveries to one destination arrive in order, even with a slow sink
	slowLock := sync.Mutex{}
	slowSeen := []int64{}
	slow := NewFuncDestination("slow", func(_ context.Context, d Delivery) error {
		time.Sleep(time.Millisecond * 5)
		slowLock.Lock()
		defer slowLock.Unlock()
		slowSeen = append(slowSeen, d.Event.EntityID())
		return nil
	})
	fast := NewChannelDestination("fast", 64)
	for id := int64(0); id < 20; id++ {
		assert.Nil(uut.Deliver(slow, Delivery{SubscriptionID: "s1", Event: testEvent(id)}, nil))
		assert.Nil(uut.Deliver(fast, Delivery{SubscriptionID: "s2", Event: testEvent(id)}, nil))
	}

	// The fast destination does not wait on the slow one
	for id := int64(0); id < 20; id++ {
		select {
		case got := <-fast.Deliveries():
			assert.Equal(id, got.Event.EntityID())
		case <-time.After(time.Millisecond * 200):
			assert.Failf("timeout", "waiting for delivery %d", id)
			return
		}
	}

	assert.Eventually(func() bool {
		slowLock.Lock()
		defer slowLock.Unlock()
		return len(slowSeen) == 20
	}, time.Second, time.Millisecond*10)
	slowLock.Lock()
	for idx, id := range slowSeen {
		assert.Equal(int64(idx), id)
	}
	slowLock.Unlock()

	assert.Eventually(func() bool { return uut.Pending() == 0 }, time.Second, time.Millisecond*10)
}

func TestDispatcherDropsWithoutFailing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineDispatcher(ctxt, "testing", 4, time.Second, time.Millisecond*100)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: closed destination is dropped silently
	{
		dest := NewChannelDestination("closed", 4)
		dest.Close()
		dest.Close()
		assert.Nil(uut.Deliver(dest, Delivery{Event: testEvent(1)}, nil))
		assert.ErrorIs(dest.Send(ctxt, Delivery{Event: testEvent(2)}), common.ErrDestinationClosed)
		time.Sleep(time.Millisecond * 50)
		assert.Len(dest.Deliveries(), 0)
	}

	// Case 1: a failing destination does not stop later deliveries
	{
		lock := sync.Mutex{}
		calls := 0
		dest := NewFuncDestination("flaky", func(_ context.Context, d Delivery) error {
			lock.Lock()
			defer lock.Unlock()
			calls++
			if d.Event.EntityID() == 1 {
				return fmt.Errorf("dummy error")
			}
			return nil
		})
		for id := int64(0); id < 3; id++ {
			assert.Nil(uut.Deliver(dest, Delivery{Event: testEvent(id)}, nil))
		}
		assert.Eventually(func() bool {
			lock.Lock()
			defer lock.Unlock()
			return calls == 3
		}, time.Second, time.Millisecond*10)
	}

	// Case 2: cancelled gate skips the delivery
	{
		dest := NewChannelDestination("gated", 4)
		gate := &testGate{}
		gate.cancel()
		assert.Nil(uut.Deliver(dest, Delivery{Event: testEvent(1)}, gate))
		time.Sleep(time.Millisecond * 50)
		assert.Len(dest.Deliveries(), 0)
	}

	// Case 3: full destination times out instead of blocking forever
	{
		dest := NewChannelDestination("full", 1)
		for id := int64(0); id < 3; id++ {
			assert.Nil(uut.Deliver(dest, Delivery{Event: testEvent(id)}, nil))
		}
		assert.Eventually(func() bool { return uut.Pending() == 0 }, time.Second, time.Millisecond*10)
		assert.Len(dest.Deliveries(), 1)
	}

	// Case 4: stopped dispatcher refuses work
	{
		assert.Nil(uut.Stop())
		dest := NewChannelDestination("late", 1)
		assert.NotNil(uut.Deliver(dest, Delivery{Event: testEvent(1)}, nil))
	}
}

func TestDispatcherBusyPoolDoesNotBlockDeliver(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineDispatcher(ctxt, "testing", 2, time.Second, time.Second*5)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Stop())
	}()

	started := make(chan string, 2)
	release := make(chan struct{})
	stalled := func(id string) Destination {
		return NewFuncDestination(id, func(ctxt context.Context, _ Delivery) error {
			started <- id
			select {
			case <-release:
				return nil
			case <-ctxt.Done():
				return ctxt.Err()
			}
		})
	}

	// Case 0: occupy every worker
	assert.Nil(uut.Deliver(stalled("stalled-0"), Delivery{Event: testEvent(0)}, nil))
	assert.Nil(uut.Deliver(stalled("stalled-1"), Delivery{Event: testEvent(1)}, nil))
	for idx := 0; idx < 2; idx++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			assert.Fail("timeout", "waiting for stalled destination %d", idx)
			return
		}
	}

	// Case 1: deliveries to another destination return right away
	healthy := NewChannelDestination("healthy", 8)
	for id := int64(0); id < 3; id++ {
		start := time.Now()
		assert.Nil(uut.Deliver(healthy, Delivery{Event: testEvent(id)}, nil))
		assert.Less(time.Since(start), time.Millisecond*100)
	}
	time.Sleep(time.Millisecond * 50)
	assert.Len(healthy.Deliveries(), 0)
	assert.Equal(3, uut.Pending())

	// Case 2: once a worker frees up the waiting deliveries arrive in order
	close(release)
	for id := int64(0); id < 3; id++ {
		select {
		case got := <-healthy.Deliveries():
			assert.Equal(id, got.Event.EntityID())
		case <-time.After(time.Second):
			assert.Failf("timeout", "waiting for delivery %d", id)
			return
		}
	}
	assert.Eventually(func() bool { return uut.Pending() == 0 }, time.Second, time.Millisecond*10)
}
