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
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/metrics"
	"github.com/apex/log"
	"github.com/panjf2000/ants/v2"
)

// Dispatcher delivers events to destinations. Deliveries to one destination are sent in
// the order Deliver was called; different destinations progress independently.
type Dispatcher interface {
	// Deliver queue a delivery for a destination. The gate, if given, is consulted right
	// before the delivery is sent.
	Deliver(dest Destination, delivery Delivery, gate Gate) error
	// Pending the number of destinations with queued deliveries
	Pending() int
	// Stop stop the dispatcher. Queued deliveries are dropped.
	Stop() error
}

// queuedDelivery an entry in a destination mailbox
type queuedDelivery struct {
	dest     Destination
	delivery Delivery
	gate     Gate
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	operationCtxt context.Context
	cancel        context.CancelFunc
	pool          *ants.Pool
	sendTimeout   time.Duration
	lock          sync.Mutex
	mailboxes     map[string]*list.List
	// waiting destination IDs whose mailbox could not get a worker
	waiting  *list.List
	retrying bool
}

// overloadRetryInterval how often mailboxes without a worker are resubmitted to the pool
const overloadRetryInterval = time.Millisecond * 25

// DefineDispatcher define a new dispatcher backed by a worker pool of poolSize workers
func DefineDispatcher(
	rootCtxt context.Context,
	instance string,
	poolSize int,
	workerIdleTimeout time.Duration,
	sendTimeout time.Duration,
) (Dispatcher, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("%w: worker pool size must be positive", common.ErrInvalidRequest)
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": instance,
	}
	pool, err := ants.NewPool(
		poolSize,
		ants.WithExpiryDuration(workerIdleTimeout),
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.WithFields(logTags).Errorf("Delivery worker panicked: %v", p)
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery worker pool")
		return nil, err
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &dispatcherImpl{
		Component:     common.Component{LogTags: logTags},
		operationCtxt: ctxt,
		cancel:        cancel,
		pool:          pool,
		sendTimeout:   sendTimeout,
		mailboxes:     make(map[string]*list.List),
		waiting:       list.New(),
	}, nil
}

// Deliver queue a delivery on the destination's mailbox
func (d *dispatcherImpl) Deliver(dest Destination, delivery Delivery, gate Gate) error {
	if d.operationCtxt.Err() != nil {
		return fmt.Errorf("dispatcher stopped")
	}
	destID := dest.ID()
	entry := queuedDelivery{dest: dest, delivery: delivery, gate: gate}

	d.lock.Lock()
	if box, ok := d.mailboxes[destID]; ok {
		// A worker is already draining this mailbox
		box.PushBack(entry)
		d.lock.Unlock()
		return nil
	}
	box := list.New()
	box.PushBack(entry)
	d.mailboxes[destID] = box
	metrics.PendingMailboxes.Set(float64(len(d.mailboxes)))
	d.lock.Unlock()

	err := d.pool.Submit(func() { d.run(destID) })
	if errors.Is(err, ants.ErrPoolOverload) {
		// Every worker is busy. The mailbox stays queued until a worker frees up.
		d.park(destID)
		return nil
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to schedule delivery to destination %s", destID,
		)
		d.lock.Lock()
		delete(d.mailboxes, destID)
		metrics.PendingMailboxes.Set(float64(len(d.mailboxes)))
		d.lock.Unlock()
		return err
	}
	return nil
}

// park record a mailbox which has no worker, and start the resubmit loop if needed
func (d *dispatcherImpl) park(destID string) {
	d.lock.Lock()
	d.waiting.PushBack(destID)
	start := !d.retrying
	d.retrying = true
	d.lock.Unlock()
	if start {
		go d.resubmitParked()
	}
}

// nextParked pop the next mailbox without a worker
func (d *dispatcherImpl) nextParked() (string, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.waiting.Len() == 0 {
		return "", false
	}
	return d.waiting.Remove(d.waiting.Front()).(string), true
}

// resubmitParked periodically hand parked mailboxes back to the pool until none remain
func (d *dispatcherImpl) resubmitParked() {
	ticker := time.NewTicker(overloadRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.operationCtxt.Done():
			return
		case <-ticker.C:
		}
		for {
			d.lock.Lock()
			if d.waiting.Len() == 0 {
				d.retrying = false
				d.lock.Unlock()
				return
			}
			destID := d.waiting.Remove(d.waiting.Front()).(string)
			d.lock.Unlock()
			if err := d.pool.Submit(func() { d.run(destID) }); err != nil {
				d.lock.Lock()
				d.waiting.PushFront(destID)
				d.lock.Unlock()
				break
			}
		}
	}
}

// run drain a mailbox, then keep the worker busy with any parked mailboxes
func (d *dispatcherImpl) run(destID string) {
	for {
		d.drain(destID)
		var ok bool
		if destID, ok = d.nextParked(); !ok {
			return
		}
	}
}

// next pop the next delivery of a mailbox. The mailbox is removed once empty.
func (d *dispatcherImpl) next(destID string) (queuedDelivery, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	box, ok := d.mailboxes[destID]
	if !ok {
		return queuedDelivery{}, false
	}
	if box.Len() == 0 {
		delete(d.mailboxes, destID)
		metrics.PendingMailboxes.Set(float64(len(d.mailboxes)))
		return queuedDelivery{}, false
	}
	return box.Remove(box.Front()).(queuedDelivery), true
}

// drain send every queued delivery of a mailbox
func (d *dispatcherImpl) drain(destID string) {
	for {
		entry, ok := d.next(destID)
		if !ok {
			return
		}
		if d.operationCtxt.Err() != nil {
			continue
		}
		d.send(entry)
	}
}

// send send one delivery
func (d *dispatcherImpl) send(entry queuedDelivery) {
	kind := string(entry.delivery.Event.Kind())
	logTags := d.LogTagsFor(d.operationCtxt)
	logTags["destination"] = entry.dest.ID()
	logTags["subscription"] = entry.delivery.SubscriptionID

	if entry.dest.Closed() {
		log.WithFields(logTags).Debugf(
			"Destination closed. Dropping %s", entry.delivery.Event.DedupKey(),
		)
		metrics.Deliveries.WithLabelValues(kind, metrics.OutcomeClosed).Inc()
		return
	}

	var sendErr error
	transmit := func() {
		ctxt, cancel := context.WithTimeout(d.operationCtxt, d.sendTimeout)
		defer cancel()
		start := time.Now()
		sendErr = entry.dest.Send(ctxt, entry.delivery)
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}
	if entry.gate != nil {
		if !entry.gate.Guard(transmit) {
			log.WithFields(logTags).Debugf(
				"Subscription cancelled. Skipping %s", entry.delivery.Event.DedupKey(),
			)
			metrics.Deliveries.WithLabelValues(kind, metrics.OutcomeSkipped).Inc()
			return
		}
	} else {
		transmit()
	}

	switch {
	case sendErr == nil:
		metrics.Deliveries.WithLabelValues(kind, metrics.OutcomeDelivered).Inc()
	case errors.Is(sendErr, common.ErrDestinationClosed):
		log.WithFields(logTags).Debugf(
			"Destination closed. Dropping %s", entry.delivery.Event.DedupKey(),
		)
		metrics.Deliveries.WithLabelValues(kind, metrics.OutcomeClosed).Inc()
	default:
		log.WithError(sendErr).WithFields(logTags).Errorf(
			"Failed to deliver %s", entry.delivery.Event.DedupKey(),
		)
		metrics.Deliveries.WithLabelValues(kind, metrics.OutcomeFailed).Inc()
	}
}

// Pending the number of destinations with queued deliveries
func (d *dispatcherImpl) Pending() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.mailboxes)
}

// Stop stop the dispatcher
func (d *dispatcherImpl) Stop() error {
	log.WithFields(d.LogTags).Info("Stopping dispatcher")
	d.cancel()
	d.pool.Release()
	return nil
}
