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

package subscription

import (
	"sync"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
	"github.com/apex/log"
)

// Registry concurrency safe store of subscriptions indexed by event source, by
// subscriber, and by the (event source, subscriber) pair. A subscription is present in
// all three indexes or in none.
type Registry interface {
	// Insert add a subscription. Returns false, changing nothing, when the subscriber
	// already holds a subscription under the same key.
	Insert(sub *Subscription) bool
	// InsertAll insert each subscription independently
	InsertAll(subs []*Subscription) []bool
	// GetByEventSource the subscriptions under a key. Never nil.
	GetByEventSource(key events.SourceKey) []*Subscription
	// GetBySubscriber the subscriptions of a subscriber. Never nil.
	GetBySubscriber(subscriberID string) []*Subscription
	// Remove remove the subscriber's subscription under a key. Returns false when absent.
	Remove(key events.SourceKey, subscriberID string) bool
	// RemoveBySubscriber remove every subscription of a subscriber. Returns the count
	// removed.
	RemoveBySubscriber(subscriberID string) int
	// RemoveByEventSource remove every subscription under a key. Returns the count removed.
	RemoveByEventSource(key events.SourceKey) int
	// Claim remove this exact subscription without cancelling it. Only one caller wins
	// the claim.
	Claim(sub *Subscription) bool
	// Count the number of subscriptions held
	Count() int
}

type pairKey struct {
	key          events.SourceKey
	subscriberID string
}

type subscriptionSet map[*Subscription]struct{}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock         sync.RWMutex
	bySource     map[events.SourceKey]subscriptionSet
	bySubscriber map[string]subscriptionSet
	byPair       map[pairKey]*Subscription
}

// NewRegistry define a new empty registry
func NewRegistry(instance string) Registry {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": instance,
	}
	return &registryImpl{
		Component:    common.Component{LogTags: logTags},
		bySource:     make(map[events.SourceKey]subscriptionSet),
		bySubscriber: make(map[string]subscriptionSet),
		byPair:       make(map[pairKey]*Subscription),
	}
}

func (r *registryImpl) insertLocked(sub *Subscription) bool {
	pair := pairKey{key: sub.Key, subscriberID: sub.Subscriber.ID}
	if _, ok := r.byPair[pair]; ok {
		return false
	}
	r.byPair[pair] = sub
	if _, ok := r.bySource[sub.Key]; !ok {
		r.bySource[sub.Key] = subscriptionSet{}
	}
	r.bySource[sub.Key][sub] = struct{}{}
	if _, ok := r.bySubscriber[sub.Subscriber.ID]; !ok {
		r.bySubscriber[sub.Subscriber.ID] = subscriptionSet{}
	}
	r.bySubscriber[sub.Subscriber.ID][sub] = struct{}{}
	return true
}

// removeLocked drop a subscription from all indexes, pruning emptied sets
func (r *registryImpl) removeLocked(sub *Subscription) {
	delete(r.byPair, pairKey{key: sub.Key, subscriberID: sub.Subscriber.ID})
	if set, ok := r.bySource[sub.Key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.bySource, sub.Key)
		}
	}
	if set, ok := r.bySubscriber[sub.Subscriber.ID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.bySubscriber, sub.Subscriber.ID)
		}
	}
}

func (r *registryImpl) Insert(sub *Subscription) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	inserted := r.insertLocked(sub)
	if !inserted {
		log.WithFields(r.LogTags).Debugf("Subscription %s already exists", sub)
	}
	return inserted
}

func (r *registryImpl) InsertAll(subs []*Subscription) []bool {
	result := make([]bool, len(subs))
	for idx, sub := range subs {
		result[idx] = r.Insert(sub)
	}
	return result
}

func (r *registryImpl) GetByEventSource(key events.SourceKey) []*Subscription {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return listOf(r.bySource[key])
}

func (r *registryImpl) GetBySubscriber(subscriberID string) []*Subscription {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return listOf(r.bySubscriber[subscriberID])
}

func (r *registryImpl) Remove(key events.SourceKey, subscriberID string) bool {
	r.lock.Lock()
	sub, ok := r.byPair[pairKey{key: key, subscriberID: subscriberID}]
	if ok {
		r.removeLocked(sub)
	}
	r.lock.Unlock()
	if ok {
		sub.Cancel()
	}
	return ok
}

func (r *registryImpl) RemoveBySubscriber(subscriberID string) int {
	r.lock.Lock()
	removed := listOf(r.bySubscriber[subscriberID])
	for _, sub := range removed {
		r.removeLocked(sub)
	}
	r.lock.Unlock()
	for _, sub := range removed {
		sub.Cancel()
	}
	return len(removed)
}

func (r *registryImpl) RemoveByEventSource(key events.SourceKey) int {
	r.lock.Lock()
	removed := listOf(r.bySource[key])
	for _, sub := range removed {
		r.removeLocked(sub)
	}
	r.lock.Unlock()
	for _, sub := range removed {
		sub.Cancel()
	}
	return len(removed)
}

func (r *registryImpl) Claim(sub *Subscription) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	current, ok := r.byPair[pairKey{key: sub.Key, subscriberID: sub.Subscriber.ID}]
	if !ok || current != sub {
		return false
	}
	r.removeLocked(sub)
	return true
}

func (r *registryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byPair)
}

func listOf(set subscriptionSet) []*Subscription {
	result := make([]*Subscription, 0, len(set))
	for sub := range set {
		result = append(result, sub)
	}
	return result
}
