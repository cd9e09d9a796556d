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
	"sync"
	"time"

	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/events"
	"github.com/alwitt/devicemq/metrics"
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
)

// Session the subscriptions made over one subscriber connection. Closing the session
// removes all of them.
type Session struct {
	common.Component
	// ID the session ID
	ID string
	// Principal the identity the session acts as
	Principal string
	// Destination where the session's deliveries are sent
	Destination dispatch.Destination

	coordinator   Coordinator
	lock          sync.Mutex
	subscriptions map[string]struct{}
	closed        bool
}

// NewSession define a session over a destination
func NewSession(
	coordinator Coordinator, id string, principal string, dest dispatch.Destination,
) *Session {
	logTags := log.Fields{
		"module": "coordinator", "component": "session", "instance": id,
	}
	return &Session{
		Component:     common.Component{LogTags: logTags},
		ID:            id,
		Principal:     principal,
		Destination:   dest,
		coordinator:   coordinator,
		subscriptions: make(map[string]struct{}),
	}
}

// Subscribe subscribe on behalf of the session. The session supplies the destination and
// principal.
func (s *Session) Subscribe(
	ctxt context.Context, req SubscribeSinceRequest, onBacklog BacklogHandler,
) (bus.SubscribeResult, error) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return bus.SubscribeResult{}, fmt.Errorf("session %s: %w", s.ID, common.ErrDestinationClosed)
	}
	s.lock.Unlock()

	req.Destination = s.Destination
	req.Principal = s.Principal
	result, err := s.coordinator.SubscribeSince(ctxt, req, onBacklog)
	if err != nil {
		return result, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		// Closed while subscribing
		_, _ = s.coordinator.Unsubscribe(
			ctxt, bus.UnsubscribeRequest{SubscriptionID: result.SubscriptionID},
		)
		return bus.SubscribeResult{}, fmt.Errorf("session %s: %w", s.ID, common.ErrDestinationClosed)
	}
	s.subscriptions[result.SubscriptionID] = struct{}{}
	return result, nil
}

// Unsubscribe remove one of the session's subscriptions, optionally only for some devices.
// Without a subscription ID, the devices are removed from every subscription of the session
// for that event kind. An empty kind covers both kinds.
func (s *Session) Unsubscribe(
	ctxt context.Context, kind events.Kind, subscriptionID string, deviceIDs []string,
) (int, error) {
	if subscriptionID == "" {
		return s.unsubscribeDevices(ctxt, kind, deviceIDs)
	}
	s.lock.Lock()
	_, owned := s.subscriptions[subscriptionID]
	s.lock.Unlock()
	if !owned {
		return 0, fmt.Errorf("subscription %s of session %s: %w", subscriptionID, s.ID, common.ErrNotFound)
	}
	removed, err := s.coordinator.Unsubscribe(ctxt, bus.UnsubscribeRequest{
		SubscriptionID: subscriptionID, DeviceIDs: deviceIDs, Kind: kind,
	})
	if err != nil {
		return removed, err
	}
	if len(deviceIDs) == 0 {
		s.lock.Lock()
		delete(s.subscriptions, subscriptionID)
		s.lock.Unlock()
	}
	return removed, nil
}

// unsubscribeDevices remove devices from every subscription of the session
func (s *Session) unsubscribeDevices(
	ctxt context.Context, kind events.Kind, deviceIDs []string,
) (int, error) {
	if len(deviceIDs) == 0 {
		return 0, fmt.Errorf(
			"%w: unsubscribe needs a subscription ID or device IDs", common.ErrInvalidRequest,
		)
	}
	var result *multierror.Error
	total := 0
	for _, subscriptionID := range s.SubscriptionIDs() {
		removed, err := s.coordinator.Unsubscribe(ctxt, bus.UnsubscribeRequest{
			SubscriptionID: subscriptionID, DeviceIDs: deviceIDs, Kind: kind,
		})
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		total += removed
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to remove devices from session")
		return total, err
	}
	return total, nil
}

// SubscriptionIDs the session's subscriptions
func (s *Session) SubscriptionIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		result = append(result, id)
	}
	return result
}

// Close remove every subscription of the session, then close its destination. Safe to
// call more than once.
func (s *Session) Close(ctxt context.Context) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	owned := s.subscriptions
	s.subscriptions = map[string]struct{}{}
	s.lock.Unlock()

	var result *multierror.Error
	for subscriptionID := range owned {
		if _, err := s.coordinator.Unsubscribe(
			ctxt, bus.UnsubscribeRequest{SubscriptionID: subscriptionID},
		); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if closer, ok := s.Destination.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Session closed with errors")
		return err
	}
	log.WithFields(s.LogTags).Debugf("Session closed, removed %d subscriptions", len(owned))
	return nil
}

// Closed whether the session is closed
func (s *Session) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// ========================================================================================

// SessionRecord entry detailing a tracked session
type SessionRecord struct {
	Session        *Session  `json:"-"`
	SessionID      string    `json:"session_id" validate:"required"`
	StatusUpdateAt time.Time `json:"updated_at"`
	EstablishedAt  time.Time `json:"established_at"`
}

// SessionTracker keeps the active sessions, closing those which stop refreshing
type SessionTracker interface {
	// LogSession start tracking a new session
	LogSession(ctxt context.Context, session *Session, timestamp time.Time) (SessionRecord, error)
	// GetSession fetch a tracked session
	GetSession(ctxt context.Context, sessionID string) (*Session, error)
	// RefreshSession mark a session as active
	RefreshSession(ctxt context.Context, sessionID string, timestamp time.Time) error
	// ClearSession close and stop tracking a session
	ClearSession(ctxt context.Context, sessionID string) error
	// ClearInactiveSessions close the sessions not refreshed within maxInactivePeriod
	ClearInactiveSessions(
		ctxt context.Context, maxInactivePeriod time.Duration, timestamp time.Time,
	) error
}

// Session tracker task actions
const (
	actionLogSession      = "session/log"
	actionGetSession      = "session/get"
	actionRefreshSession  = "session/refresh"
	actionClearSession    = "session/clear"
	actionClearInactive   = "session/clear-inactive"
	sessionTrackerPartKey = "session-tracker"
)

// sessionTrackerImpl implements SessionTracker. Every change runs on the task processor,
// so the records are only touched by one goroutine at a time.
type sessionTrackerImpl struct {
	common.Component
	tp       common.TaskProcessor
	sessions map[string]SessionRecord
}

// DefineSessionTracker define a session tracker. Its handlers are added to the task
// processor, which the caller starts.
func DefineSessionTracker(tp common.TaskProcessor) (SessionTracker, error) {
	logTags := log.Fields{
		"module": "coordinator", "component": "session-tracker",
	}
	instance := &sessionTrackerImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		sessions:  make(map[string]SessionRecord),
	}
	handlers := map[string]common.TaskHandler{
		actionLogSession:     instance.processLogSession,
		actionGetSession:     instance.processGetSession,
		actionRefreshSession: instance.processRefreshSession,
		actionClearSession:   instance.processClearSession,
		actionClearInactive:  instance.processClearInactive,
	}
	for action, handler := range handlers {
		if err := tp.AddHandler(action, handler); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// trackerRequest a request to the tracker event loop
type trackerRequest struct {
	session     *Session
	sessionID   string
	timestamp   time.Time
	inactiveFor time.Duration
	resultCB    func(SessionRecord, error)
}

// call submit a request and wait for its result
func (r *sessionTrackerImpl) call(
	ctxt context.Context, action string, request trackerRequest,
) (SessionRecord, error) {
	complete := make(chan bool, 1)
	var record SessionRecord
	var processError error
	request.resultCB = func(result SessionRecord, err error) {
		record = result
		processError = err
		complete <- true
	}
	if err := r.tp.Submit(ctxt, common.Task{
		Action: action, PartitionKey: sessionTrackerPartKey, Param: request,
	}); err != nil {
		log.WithError(err).WithFields(r.LogTagsFor(ctxt)).Errorf("Failed to submit %s request", action)
		return SessionRecord{}, err
	}
	select {
	case <-complete:
		return record, processError
	case <-ctxt.Done():
		return SessionRecord{}, ctxt.Err()
	}
}

func requestOf(task common.Task) (trackerRequest, error) {
	request, ok := task.Param.(trackerRequest)
	if !ok {
		return trackerRequest{}, fmt.Errorf("can not process unknown type %T for %s", task.Param, task.Action)
	}
	return request, nil
}

// ----------------------------------------------------------------------------------------

// LogSession start tracking a session
func (r *sessionTrackerImpl) LogSession(
	ctxt context.Context, session *Session, timestamp time.Time,
) (SessionRecord, error) {
	return r.call(ctxt, actionLogSession, trackerRequest{session: session, timestamp: timestamp})
}

func (r *sessionTrackerImpl) processLogSession(ctxt context.Context, task common.Task) error {
	request, err := requestOf(task)
	if err != nil {
		return err
	}
	if existing, ok := r.sessions[request.session.ID]; ok {
		err := fmt.Errorf("session %s is already tracked", request.session.ID)
		request.resultCB(existing, err)
		return err
	}
	record := SessionRecord{
		Session:        request.session,
		SessionID:      request.session.ID,
		StatusUpdateAt: request.timestamp,
		EstablishedAt:  request.timestamp,
	}
	r.sessions[record.SessionID] = record
	metricsSessions(len(r.sessions))
	log.WithFields(r.LogTagsFor(ctxt)).Infof(
		"Tracking session %s @ %s", record.SessionID, request.timestamp.Format(time.RFC3339),
	)
	request.resultCB(record, nil)
	return nil
}

// GetSession fetch a tracked session
func (r *sessionTrackerImpl) GetSession(ctxt context.Context, sessionID string) (*Session, error) {
	record, err := r.call(ctxt, actionGetSession, trackerRequest{sessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return record.Session, nil
}

func (r *sessionTrackerImpl) processGetSession(_ context.Context, task common.Task) error {
	request, err := requestOf(task)
	if err != nil {
		return err
	}
	record, ok := r.sessions[request.sessionID]
	if !ok {
		request.resultCB(SessionRecord{}, fmt.Errorf("session %s: %w", request.sessionID, common.ErrNotFound))
		return nil
	}
	request.resultCB(record, nil)
	return nil
}

// RefreshSession mark a session as active
func (r *sessionTrackerImpl) RefreshSession(
	ctxt context.Context, sessionID string, timestamp time.Time,
) error {
	_, err := r.call(ctxt, actionRefreshSession, trackerRequest{sessionID: sessionID, timestamp: timestamp})
	return err
}

func (r *sessionTrackerImpl) processRefreshSession(_ context.Context, task common.Task) error {
	request, err := requestOf(task)
	if err != nil {
		return err
	}
	record, ok := r.sessions[request.sessionID]
	if !ok {
		request.resultCB(SessionRecord{}, fmt.Errorf("session %s: %w", request.sessionID, common.ErrNotFound))
		return nil
	}
	record.StatusUpdateAt = request.timestamp
	r.sessions[request.sessionID] = record
	request.resultCB(record, nil)
	return nil
}

// ClearSession close and stop tracking a session
func (r *sessionTrackerImpl) ClearSession(ctxt context.Context, sessionID string) error {
	record, err := r.call(ctxt, actionClearSession, trackerRequest{sessionID: sessionID})
	if err != nil {
		return err
	}
	return record.Session.Close(ctxt)
}

func (r *sessionTrackerImpl) processClearSession(ctxt context.Context, task common.Task) error {
	request, err := requestOf(task)
	if err != nil {
		return err
	}
	record, ok := r.sessions[request.sessionID]
	if !ok {
		request.resultCB(SessionRecord{}, fmt.Errorf("session %s: %w", request.sessionID, common.ErrNotFound))
		return nil
	}
	delete(r.sessions, request.sessionID)
	metricsSessions(len(r.sessions))
	log.WithFields(r.LogTagsFor(ctxt)).Infof("Cleared session %s", request.sessionID)
	request.resultCB(record, nil)
	return nil
}

// ClearInactiveSessions close the sessions which have not been refreshed within the max
// allowed inactive period
func (r *sessionTrackerImpl) ClearInactiveSessions(
	ctxt context.Context, maxInactivePeriod time.Duration, timestamp time.Time,
) error {
	var inactive []*Session
	complete := make(chan bool, 1)
	request := trackerRequest{
		timestamp:   timestamp,
		inactiveFor: maxInactivePeriod,
		resultCB:    func(SessionRecord, error) { complete <- true },
	}
	collector := func(sessions []*Session) { inactive = sessions }
	if err := r.tp.Submit(ctxt, common.Task{
		Action:       actionClearInactive,
		PartitionKey: sessionTrackerPartKey,
		Param:        clearInactiveRequest{trackerRequest: request, collect: collector},
	}); err != nil {
		log.WithError(err).WithFields(r.LogTagsFor(ctxt)).Error("Failed to submit clear-inactive request")
		return err
	}
	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}

	// Close outside of the event loop; closing unsubscribes through the bus
	var result *multierror.Error
	for _, session := range inactive {
		if err := session.Close(ctxt); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// clearInactiveRequest carries the collector of the inactive sessions
type clearInactiveRequest struct {
	trackerRequest
	collect func([]*Session)
}

func (r *sessionTrackerImpl) processClearInactive(ctxt context.Context, task common.Task) error {
	request, ok := task.Param.(clearInactiveRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for %s", task.Param, task.Action)
	}
	removed := []*Session{}
	for sessionID, record := range r.sessions {
		timePassed := request.timestamp.Sub(record.StatusUpdateAt)
		if timePassed > request.inactiveFor {
			log.WithFields(r.LogTagsFor(ctxt)).Infof(
				"Session %s last refreshed at %s. Timeout @ %s",
				sessionID,
				record.StatusUpdateAt.Format(time.RFC3339),
				timePassed,
			)
			removed = append(removed, record.Session)
			delete(r.sessions, sessionID)
		}
	}
	metricsSessions(len(r.sessions))
	request.collect(removed)
	request.resultCB(SessionRecord{}, nil)
	return nil
}

func metricsSessions(count int) {
	metrics.ActiveSessions.Set(float64(count))
}
