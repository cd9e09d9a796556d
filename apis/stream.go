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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/coordinator"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// streamBuffer deliveries queued for one stream before the dispatcher waits
const streamBuffer = 64

// APIRestStreamEvent one event pushed on a subscription stream
type APIRestStreamEvent struct {
	// SubscriptionID the subscription the event matched
	SubscriptionID string `json:"subscriptionId"`
	// Action "notification/insert", "command/insert" or "command/update"
	Action string `json:"action"`
	// Event the notification or command
	Event interface{} `json:"event"`
}

// streamAction the action name of a pushed event
func streamAction(kind events.Kind) string {
	switch kind {
	case events.KindCommand:
		return "command/insert"
	case events.KindCommandUpdate:
		return "command/update"
	}
	return "notification/insert"
}

// writeStreamEvent write and flush one server sent event
func writeStreamEvent(
	w http.ResponseWriter, flusher http.Flusher, name string, payload interface{},
) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, serialized); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// Subscribe establish a server sent event stream of a subscription. The cached backlog
// since "timestamp" is sent first. The stream ends on client disconnect or server
// shutdown.
func (h APIRestBrokerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	logTags := h.logTagsFor(r)

	kind, err := events.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		err = fmt.Errorf("%w: %s", common.ErrInvalidRequest, err)
	} else if kind == events.KindCommandUpdate {
		err = fmt.Errorf("%w: can not stream command updates", common.ErrInvalidRequest)
	}
	if err != nil {
		h.replyError(w, r, "Invalid event kind", err)
		return
	}
	req := coordinator.SubscribeSinceRequest{
		SubscribeRequest: bus.SubscribeRequest{
			Kind:          kind,
			DeviceIDs:     r.URL.Query()["deviceId"],
			Names:         r.URL.Query()["name"],
			CorrelationID: h.requestID(r),
		},
	}
	if req.NetworkIDs, err = queryIDs(r, "networkId"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.DeviceTypeIDs, err = queryIDs(r, "deviceTypeId"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.Since, err = queryTime(r, "timestamp"); err != nil {
		h.replyError(w, r, "Invalid query", err)
		return
	}
	if req.Since == nil {
		now := time.Now().UTC()
		req.Since = &now
	}
	view := queryView(r)

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		h.reply(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, msg,
		))
		return
	}

	dest := dispatch.NewChannelDestination(fmt.Sprintf("sse.%s", uuid.New().String()), streamBuffer)
	defer dest.Close()
	req.Destination = dest

	started := false
	send := func(subscriptionID string, ev events.Event) error {
		projected, err := events.Project(ev, view)
		if err != nil {
			return err
		}
		return writeStreamEvent(w, writeFlusher, "event", APIRestStreamEvent{
			SubscriptionID: subscriptionID, Action: streamAction(ev.Kind()), Event: projected,
		})
	}
	result, err := h.coordinator.SubscribeSince(
		r.Context(), req, func(subscriptionID string, backlog []events.Event) error {
			// Headers go out with the first write
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Content-Type", "text/event-stream")
			started = true
			if err := writeStreamEvent(w, writeFlusher, "subscribed", map[string]string{
				"subscriptionId": subscriptionID,
			}); err != nil {
				return err
			}
			for _, ev := range backlog {
				if err := send(subscriptionID, ev); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		if !started {
			h.replyError(w, r, "Unable to subscribe", err)
		} else {
			log.WithError(err).WithFields(logTags).Error("Stream failed during catch-up")
		}
		return
	}
	defer func() {
		if _, err := h.coordinator.Unsubscribe(
			context.Background(), bus.UnsubscribeRequest{SubscriptionID: result.SubscriptionID},
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to remove stream subscription %s", result.SubscriptionID,
			)
		}
	}()
	logTags["subscription"] = result.SubscriptionID
	log.WithFields(logTags).Info("Stream started")

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating stream on request end")
			return
		case delivery := <-dest.Deliveries():
			if err := send(result.SubscriptionID, delivery.Event); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit event")
				return
			}
		}
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestBrokerHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}
