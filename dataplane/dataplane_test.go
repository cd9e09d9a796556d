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

package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/coordinator"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/storage"
	"github.com/alwitt/devicemq/subscription"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// recordingPublisher keeps every published message per subject
type recordingPublisher struct {
	lock     sync.Mutex
	subjects map[string]chan []byte
	failOn   string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{subjects: make(map[string]chan []byte)}
}

func (p *recordingPublisher) channel(subject string) chan []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.subjects[subject]; !ok {
		p.subjects[subject] = make(chan []byte, 64)
	}
	return p.subjects[subject]
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	if subject == p.failOn {
		return errors.New("publish failed")
	}
	p.channel(subject) <- data
	return nil
}

func (p *recordingPublisher) next(t *testing.T, subject string, target interface{}) bool {
	select {
	case msg := <-p.channel(subject):
		assert.Nil(t, json.Unmarshal(msg, target))
		return true
	case <-time.After(time.Second * 3):
		assert.Failf(t, "no message", "nothing published on %s", subject)
		return false
	}
}

func (p *recordingPublisher) quiet(subject string, period time.Duration) bool {
	select {
	case <-p.channel(subject):
		return false
	case <-time.After(period):
		return true
	}
}

type testEnv struct {
	ingest    RequestIngest
	publisher *recordingPublisher
	bus       bus.EventBus
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
	coord, err := coordinator.DefineCoordinator("testing", cache, eventBus, directory, coordinator.Config{
		DefaultPollWait: time.Second, MaxPollWait: time.Second * 5,
	})
	assert.Nil(err)

	sessionTP, err := common.GetNewTaskProcessorInstance(ctxt, "sessions", 16)
	assert.Nil(err)
	tracker, err := coordinator.DefineSessionTracker(sessionTP)
	assert.Nil(err)
	requestTP, err := common.GetNewTaskDemuxProcessorInstance(ctxt, "requests", 16, 4)
	assert.Nil(err)

	publisher := newRecordingPublisher()
	handlers, err := DefineRequestHandlers("testing", coord, tracker, publisher)
	assert.Nil(err)
	ingest, err := DefineRequestIngest(
		ctxt,
		nil,
		common.NATSConfig{SubjectPrefix: "devicemq", QueueGroup: "testing"},
		requestTP,
		handlers.ActionTable(),
		publisher,
	)
	assert.Nil(err)

	assert.Nil(sessionTP.StartEventLoop(wg))
	assert.Nil(requestTP.StartEventLoop(wg))
	t.Cleanup(func() {
		_ = requestTP.StopEventLoop()
		_ = sessionTP.StopEventLoop()
		_ = dispatcher.Stop()
		_ = store.Close()
	})
	return testEnv{ingest: ingest, publisher: publisher, bus: eventBus}
}

func request(
	t *testing.T, action, correlationID, replyTo, sessionID string, body interface{},
) *nats.Msg {
	raw, err := json.Marshal(body)
	assert.Nil(t, err)
	envelope, err := json.Marshal(&RequestEnvelope{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		ReplyTo:       replyTo,
		Body:          raw,
	})
	assert.Nil(t, err)
	return &nats.Msg{Subject: requestSubject("devicemq", action), Data: envelope}
}

func TestRequestIngestRejects(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)

	// Case 0: malformed request
	{
		err := env.ingest.HandleMessage(utCtxt, &nats.Msg{
			Subject: "devicemq.request.notification.insert", Reply: "client.0", Data: []byte("{"),
		})
		assert.True(errors.Is(err, common.ErrInvalidRequest))
		var response ResponseEnvelope
		env.publisher.next(t, "client.0", &response)
		assert.Equal(StatusError, response.Status)
		assert.Equal(http.StatusBadRequest, response.Code)
	}

	// Case 1: unknown action
	{
		err := env.ingest.HandleMessage(
			utCtxt, request(t, "device/delete", "req-1", "client.1", "", struct{}{}),
		)
		assert.True(errors.Is(err, common.ErrUnknownAction))
		var response ResponseEnvelope
		env.publisher.next(t, "client.1", &response)
		assert.Equal("device/delete", response.Action)
		assert.Equal("req-1", response.CorrelationID)
		assert.Equal(http.StatusBadRequest, response.Code)
	}

	// Case 2: invalid body is reported by the handler
	{
		assert.Nil(env.ingest.HandleMessage(
			utCtxt,
			request(t, ActionNotificationInsert, "req-2", "client.2", "", events.Notification{
				DeviceID: "dev-1",
			}),
		))
		var response ResponseEnvelope
		env.publisher.next(t, "client.2", &response)
		assert.Equal(StatusError, response.Status)
		assert.Equal(http.StatusBadRequest, response.Code)
	}

	// Case 3: wildcard reply subject
	{
		err := env.ingest.HandleMessage(
			utCtxt, request(t, ActionNotificationInsert, "req-3", "client.*", "", struct{}{}),
		)
		assert.True(errors.Is(err, common.ErrInvalidRequest))
	}
}

func TestRequestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)

	// Case 0: insert a notification before anyone subscribes
	var early events.Notification
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationInsert, "req-0", "device.1", "",
			events.Notification{Notification: "boot", DeviceID: "dev-1"},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "device.1", &response)
		assert.Equal(StatusSuccess, response.Status)
		assert.Nil(json.Unmarshal(response.Body, &early))
		assert.NotZero(early.ID)
		assert.Equal(int64(1), early.NetworkID)
	}

	// Case 1: subscribe with catch-up; the response comes first, then the backlog
	var subscriptionID string
	{
		since := early.Timestamp.Add(-time.Second)
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationSubscribe, "req-1", "client.s1", "s1",
			SubscribeBody{DeviceIDs: []string{"dev-1"}, Timestamp: &since},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.s1", &response)
		assert.Equal(StatusSuccess, response.Status)
		var body subscribeResponse
		assert.Nil(json.Unmarshal(response.Body, &body))
		assert.NotEmpty(body.SubscriptionID)
		subscriptionID = body.SubscriptionID

		var delivery DeliveryEnvelope
		env.publisher.next(t, "client.s1", &delivery)
		assert.Equal(subscriptionID, delivery.SubscriptionID)
		assert.Equal("req-1", delivery.CorrelationID)
		var backlog events.Notification
		assert.Nil(json.Unmarshal(delivery.Event, &backlog))
		assert.Equal(early.ID, backlog.ID)
	}

	// Case 2: live notifications reach the subscriber
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationInsert, "req-2", "device.1", "",
			events.Notification{Notification: "temperature", DeviceID: "dev-1"},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "device.1", &response)
		assert.Equal(StatusSuccess, response.Status)

		var delivery DeliveryEnvelope
		env.publisher.next(t, "client.s1", &delivery)
		assert.Equal(ActionNotificationInsert, delivery.Action)
		var live events.Notification
		assert.Nil(json.Unmarshal(delivery.Event, &live))
		assert.Equal("temperature", live.Notification)
	}

	// Case 3: search
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationSearch, "req-3", "client.q", "",
			SearchBody{DeviceIDs: []string{"dev-1"}, SortField: "name", SortOrder: "DESC"},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.q", &response)
		assert.Equal(StatusSuccess, response.Status)
		found := []events.Notification{}
		assert.Nil(json.Unmarshal(response.Body, &found))
		assert.Len(found, 2)
		assert.Equal("temperature", found[0].Notification)
	}

	// Case 4: command insert, wait, and update
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionCommandInsert, "req-4", "client.c", "",
			events.Command{Command: "reboot", DeviceID: "dev-2", UserID: 7},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.c", &response)
		assert.Equal(StatusSuccess, response.Status)
		var cmd events.Command
		assert.Nil(json.Unmarshal(response.Body, &cmd))
		assert.Equal(int64(7), cmd.UserID)

		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionCommandWait, "req-5", "client.w", "",
			WaitBody{DeviceID: "dev-2", ID: cmd.ID, WaitTimeout: 4},
		)))
		time.Sleep(time.Millisecond * 100)

		// Devices see the device view
		update := request(
			t, ActionCommandUpdate, "req-6", "device.2", "",
			coordinator.CommandUpdate{DeviceID: "dev-2", CommandID: cmd.ID, Status: "done"},
		)
		var envelope RequestEnvelope
		assert.Nil(json.Unmarshal(update.Data, &envelope))
		envelope.DeviceView = true
		update.Data, _ = json.Marshal(&envelope)
		assert.Nil(env.ingest.HandleMessage(utCtxt, update))
		env.publisher.next(t, "device.2", &response)
		assert.Equal(StatusSuccess, response.Status)
		deviceView := map[string]interface{}{}
		assert.Nil(json.Unmarshal(response.Body, &deviceView))
		_, hasUser := deviceView["userId"]
		assert.False(hasUser)

		env.publisher.next(t, "client.w", &response)
		assert.Equal(StatusSuccess, response.Status)
		var waited struct {
			Updated bool           `json:"updated"`
			Command events.Command `json:"command"`
		}
		assert.Nil(json.Unmarshal(response.Body, &waited))
		assert.True(waited.Updated)
		assert.Equal("done", waited.Command.Status)
	}

	// Case 5: closing the session removes its subscriptions
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionSessionClose, "req-7", "client.s1", "s1", struct{}{},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.s1", &response)
		assert.Equal(StatusSuccess, response.Status)
		assert.Empty(env.bus.Subscriptions(subscriptionID))

		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationInsert, "req-8", "device.1", "",
			events.Notification{Notification: "humidity", DeviceID: "dev-1"},
		)))
		env.publisher.next(t, "device.1", &response)
		assert.True(env.publisher.quiet("client.s1", time.Millisecond*300))
	}
}

func TestRequestUnsubscribeByDevices(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)

	var subscriptionID string
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationSubscribe, "req-0", "client.u", "u1",
			SubscribeBody{DeviceIDs: []string{"dev-1", "dev-2"}},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.u", &response)
		assert.Equal(StatusSuccess, response.Status)
		var body subscribeResponse
		assert.Nil(json.Unmarshal(response.Body, &body))
		subscriptionID = body.SubscriptionID
		assert.Len(env.bus.Subscriptions(subscriptionID), 2)
	}

	// Case 0: neither subscription ID nor device IDs
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationUnsubscribe, "req-1", "client.u", "u1", UnsubscribeBody{},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.u", &response)
		assert.Equal(StatusError, response.Status)
		assert.Equal(http.StatusBadRequest, response.Code)
	}

	// Case 1: device IDs without a subscription ID
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationUnsubscribe, "req-2", "client.u", "u1",
			UnsubscribeBody{DeviceIDs: []string{"dev-2"}},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.u", &response)
		assert.Equal(StatusSuccess, response.Status)
		var body unsubscribeResponse
		assert.Nil(json.Unmarshal(response.Body, &body))
		assert.Equal(1, body.Removed)
		remaining := env.bus.Subscriptions(subscriptionID)
		assert.Len(remaining, 1)
	}

	// Case 2: the removed device is no longer delivered
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationInsert, "req-3", "device.2", "",
			events.Notification{Notification: "temperature", DeviceID: "dev-2"},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "device.2", &response)
		assert.Equal(StatusSuccess, response.Status)
		assert.True(env.publisher.quiet("client.u", time.Millisecond*300))
	}
}

func TestRequestPoll(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	env := defineTestEnv(t, utCtxt, &wg)

	// Case 0: polls do not block other requests of the same partition
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionCommandPoll, "req-0", "client.p", "p1",
			PollBody{DeviceIDs: []string{"dev-1"}, WaitTimeout: 3},
		)))
		time.Sleep(time.Millisecond * 100)
		for itr := 0; itr < 3; itr++ {
			assert.Nil(env.ingest.HandleMessage(utCtxt, request(
				t, ActionCommandInsert, fmt.Sprintf("req-%d", itr+1), "client.p", "p1",
				events.Command{Command: fmt.Sprintf("cmd-%d", itr), DeviceID: "dev-1"},
			)))
		}
		inserted := 0
		polled := 0
		for itr := 0; itr < 4; itr++ {
			var response ResponseEnvelope
			if !env.publisher.next(t, "client.p", &response) {
				break
			}
			assert.Equal(StatusSuccess, response.Status)
			switch response.Action {
			case ActionCommandInsert:
				inserted++
			case ActionCommandPoll:
				polled++
				found := []events.Command{}
				assert.Nil(json.Unmarshal(response.Body, &found))
				assert.NotEmpty(found)
			}
		}
		assert.Equal(3, inserted)
		assert.Equal(1, polled)
	}

	// Case 1: poll times out empty
	{
		assert.Nil(env.ingest.HandleMessage(utCtxt, request(
			t, ActionNotificationPoll, "req-9", "client.e", "",
			PollBody{DeviceIDs: []string{"dev-2"}, WaitTimeout: 1},
		)))
		var response ResponseEnvelope
		env.publisher.next(t, "client.e", &response)
		assert.Equal(StatusSuccess, response.Status)
		assert.Equal("[]", string(response.Body))
	}
}

func TestReplyDestination(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := newRecordingPublisher()
	uut := NewReplyDestination("dest-0", "client.0", events.ClientView, publisher)
	ev := events.CommandUpdateEvent{Command: events.Command{
		ID: 2, Command: "reboot", DeviceID: "dev-1", IsUpdated: true,
	}}

	// Case 0: delivery
	{
		assert.Nil(uut.Send(context.Background(), dispatch.Delivery{
			SubscriptionID: "sub-0", CorrelationID: "req-0", Event: ev,
		}))
		var delivery DeliveryEnvelope
		publisher.next(t, "client.0", &delivery)
		assert.Equal(ActionCommandUpdate, delivery.Action)
		assert.Equal("sub-0", delivery.SubscriptionID)
	}

	// Case 1: publish failure
	{
		failing := NewReplyDestination("dest-1", "client.1", events.ClientView, publisher)
		publisher.failOn = "client.1"
		assert.NotNil(failing.Send(context.Background(), dispatch.Delivery{Event: ev}))
	}

	// Case 2: closed
	{
		uut.Close()
		uut.Close()
		assert.True(uut.Closed())
		err := uut.Send(context.Background(), dispatch.Delivery{Event: ev})
		assert.True(errors.Is(err, common.ErrDestinationClosed))
	}
}
