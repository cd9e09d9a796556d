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

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/events"
	"github.com/apex/log"
	"github.com/dgraph-io/badger/v4"
)

// badgerStore implements EventStore on badger
type badgerStore struct {
	common.Component
	db      *badger.DB
	ttl     map[events.Kind]time.Duration
	gcTimer common.IntervalTimer
}

// DefineBadgerStore open a badger backed event store
func DefineBadgerStore(
	rootCtxt context.Context, wg *sync.WaitGroup, instance string, config common.CacheConfig,
) (EventStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "badger", "instance": instance,
	}
	if config.NotificationTTL < 1 || config.CommandTTL < 1 {
		return nil, fmt.Errorf("%w: cache TTL must be positive", common.ErrInvalidRequest)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Dir)
		opts.SyncWrites = false
	}
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open badger DB")
		return nil, err
	}

	instanceStore := &badgerStore{
		Component: common.Component{LogTags: logTags},
		db:        db,
		ttl: map[events.Kind]time.Duration{
			events.KindNotification: time.Second * time.Duration(config.NotificationTTL),
			events.KindCommand:      time.Second * time.Duration(config.CommandTTL),
		},
	}

	// The value log only exists on disk
	if !config.InMemory {
		timer, err := common.GetIntervalTimerInstance(rootCtxt, wg, fmt.Sprintf("%s.gc", instance))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := timer.Start(
			time.Second*time.Duration(config.GCInterval), instanceStore.collectGarbage, false,
		); err != nil {
			_ = db.Close()
			return nil, err
		}
		instanceStore.gcTimer = timer
	}

	return instanceStore, nil
}

// collectGarbage run one value log garbage collection pass
func (s *badgerStore) collectGarbage() error {
	err := s.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Put write an event with the TTL of its kind
func (s *badgerStore) Put(ctxt context.Context, ev events.Event) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	kind := storedKind(ev.Kind())
	if ev.Kind() == events.KindCommandUpdate {
		cmd, _ := events.CommandOf(ev)
		ev = events.CommandEvent{Command: cmd}
	}
	payload, err := events.Marshal(ev)
	if err != nil {
		log.WithError(err).WithFields(s.LogTagsFor(ctxt)).Errorf(
			"Unable to serialize %s", ev.DedupKey(),
		)
		return err
	}
	key := entryKey(kind, ev.Device(), ev.EntityID())
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, payload).WithTTL(s.ttl[kind]))
	})
}

// Get read one event
func (s *badgerStore) Get(
	ctxt context.Context, kind events.Kind, deviceID string, id int64,
) (events.Event, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	var result events.Event
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(kind, deviceID, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := events.Unmarshal(val)
			if err != nil {
				return err
			}
			result = parsed
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s %d of %s: %w", kind, id, deviceID, common.ErrNotFound)
	}
	return result, err
}

// Scan read every live event under a device prefix
func (s *badgerStore) Scan(
	ctxt context.Context, kind events.Kind, deviceID string,
) ([]events.Event, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	result := []events.Event{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scanPrefix(kind, deviceID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctxt.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				parsed, err := events.Unmarshal(val)
				if err != nil {
					return err
				}
				result = append(result, parsed)
				return nil
			})
			if err != nil {
				log.WithError(err).WithFields(s.LogTagsFor(ctxt)).Errorf(
					"Skipping unreadable entry %s", it.Item().Key(),
				)
			}
		}
		return nil
	})
	return result, err
}

// Close stop garbage collection and close the DB
func (s *badgerStore) Close() error {
	if s.gcTimer != nil {
		_ = s.gcTimer.Stop()
	}
	return s.db.Close()
}
