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
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/core"
	"github.com/alwitt/devicemq/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// RequestIngest reads broker requests from NATS and queues them for processing
type RequestIngest interface {
	// StartReading subscribe to the request subjects. The subscription ends with the
	// ingest's context.
	StartReading(wg *sync.WaitGroup) error
	// HandleMessage parse one request message and queue it for processing
	HandleMessage(ctxt context.Context, msg *nats.Msg) error
}

// requestIngestImpl implements RequestIngest
type requestIngestImpl struct {
	common.Component
	nats       *core.NatsClient
	prefix     string
	queueGroup string
	tp         common.TaskProcessor
	actions    map[string]bool
	publisher  Publisher
	validate   *validator.Validate
	lock       sync.Mutex
	reading    bool
	sub        *nats.Subscription
	ctxt       context.Context
}

// DefineRequestIngest define a request ingest. The action table is installed on the task
// processor.
func DefineRequestIngest(
	ctxt context.Context,
	natsClient *core.NatsClient,
	config common.NATSConfig,
	tp common.TaskProcessor,
	actionTable map[string]common.TaskHandler,
	publisher Publisher,
) (RequestIngest, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "request-ingest",
		"subject":   requestWildcard(config.SubjectPrefix),
		"group":     config.QueueGroup,
	}
	if config.SubjectPrefix == "" {
		return nil, fmt.Errorf("%w: subject prefix is required", common.ErrInvalidRequest)
	}
	if publisher == nil && natsClient != nil {
		publisher = natsClient.NATs()
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: reply publisher is required", common.ErrInvalidRequest)
	}
	if err := tp.SetHandlers(actionTable); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install action table")
		return nil, err
	}
	actions := make(map[string]bool, len(actionTable))
	for action := range actionTable {
		actions[action] = true
	}
	return &requestIngestImpl{
		Component:  common.Component{LogTags: logTags},
		nats:       natsClient,
		prefix:     config.SubjectPrefix,
		queueGroup: config.QueueGroup,
		tp:         tp,
		actions:    actions,
		publisher:  publisher,
		validate:   validator.New(),
		ctxt:       ctxt,
	}, nil
}

// StartReading subscribe to the request subjects
func (r *requestIngestImpl) StartReading(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		return fmt.Errorf("already reading from %s", requestWildcard(r.prefix))
	}
	if r.nats == nil {
		return fmt.Errorf("%w: no NATS connection", common.ErrInvalidRequest)
	}
	subject := requestWildcard(r.prefix)
	sub, err := r.nats.NATs().QueueSubscribe(subject, r.queueGroup, func(msg *nats.Msg) {
		_ = r.HandleMessage(r.ctxt, msg)
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", subject)
		return err
	}
	r.sub = sub
	r.reading = true
	// Unsubscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		log.WithFields(r.LogTags).Debugf("Unsubscribing from %s", subject)
		if err := r.sub.Drain(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", subject)
	}()
	log.WithFields(r.LogTags).Infof("Reading requests from %s", subject)
	return nil
}

// actionFromSubject recover the action from "<prefix>.request.<kind>.<verb>"
func (r *requestIngestImpl) actionFromSubject(subject string) string {
	trimmed := strings.TrimPrefix(subject, fmt.Sprintf("%s.request.", r.prefix))
	if trimmed == subject {
		return ""
	}
	return strings.ReplaceAll(trimmed, ".", "/")
}

// reject answer a request which could not be queued
func (r *requestIngestImpl) reject(req RequestEnvelope, err error) error {
	action := req.Action
	if action == "" {
		action = "unknown"
	}
	metrics.IngestRequests.WithLabelValues(action, StatusError).Inc()
	if replyErr := respond(r.publisher, req.ReplyTo, ResponseEnvelope{
		Action:        req.Action,
		CorrelationID: req.CorrelationID,
		Status:        StatusError,
		Code:          common.HTTPStatusFor(err),
		Error:         err.Error(),
	}); replyErr != nil {
		log.WithError(replyErr).WithFields(r.LogTags).Errorf("Failed to reply on %s", req.ReplyTo)
	}
	return err
}

// HandleMessage parse one request message and queue it for processing
func (r *requestIngestImpl) HandleMessage(ctxt context.Context, msg *nats.Msg) error {
	var req RequestEnvelope
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to parse request on %s", msg.Subject,
		)
		return r.reject(
			RequestEnvelope{ReplyTo: msg.Reply},
			fmt.Errorf("%w: malformed request: %s", common.ErrInvalidRequest, err),
		)
	}
	if req.Action == "" {
		req.Action = r.actionFromSubject(msg.Subject)
	}
	if req.ReplyTo == "" {
		req.ReplyTo = msg.Reply
	}
	if err := r.validate.Struct(&req); err != nil {
		return r.reject(req, fmt.Errorf("%w: %s", common.ErrInvalidRequest, err.Error()))
	}
	if !r.actions[req.Action] {
		return r.reject(req, fmt.Errorf("%w: '%s'", common.ErrUnknownAction, req.Action))
	}
	if req.PartitionKey == "" {
		req.PartitionKey = sessionID(req)
	}

	reqCtxt := common.WithRequestParam(ctxt, common.RequestParam{
		ID: req.CorrelationID, Action: req.Action, ReplyTo: req.ReplyTo,
	})
	log.WithFields(r.LogTagsFor(reqCtxt)).Debug("Queueing request")
	if err := r.tp.Submit(reqCtxt, common.Task{
		Action: req.Action, PartitionKey: req.PartitionKey, Param: req,
	}); err != nil {
		log.WithError(err).WithFields(r.LogTagsFor(reqCtxt)).Error("Unable to queue request")
		return r.reject(req, err)
	}
	return nil
}
