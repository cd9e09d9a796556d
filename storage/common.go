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

// Package storage holds the short lived cache of recently published events
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/devicemq/events"
)

// EventStore a TTL keyed store of recent events
type EventStore interface {
	// Put write an event, replacing the entry with the same kind, device and ID
	Put(ctxt context.Context, ev events.Event) error
	// Get read one event. Returns common.ErrNotFound on miss.
	Get(ctxt context.Context, kind events.Kind, deviceID string, id int64) (events.Event, error)
	// Scan read every live event of a kind for a device. An empty device ID reads
	// all devices.
	Scan(ctxt context.Context, kind events.Kind, deviceID string) ([]events.Event, error)
	// Close release the store
	Close() error
}

// storedKind the kind an event is cached under. Command updates replace their command.
func storedKind(kind events.Kind) events.Kind {
	if kind == events.KindCommandUpdate {
		return events.KindCommand
	}
	return kind
}

// entryKey "{kind}/{device}/{id}" with the ID zero padded to keep scans in ID order
func entryKey(kind events.Kind, deviceID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", storedKind(kind), deviceID, id))
}

// scanPrefix the key prefix of a device, or of all devices
func scanPrefix(kind events.Kind, deviceID string) []byte {
	if deviceID == "" {
		return []byte(fmt.Sprintf("%s/", storedKind(kind)))
	}
	return []byte(fmt.Sprintf("%s/%s/", storedKind(kind), deviceID))
}

// ========================================================================================

// DeviceQuery selects cached events of a set of devices
type DeviceQuery struct {
	// Kind notifications or commands
	Kind events.Kind
	// DeviceIDs the devices to read
	DeviceIDs []string
	// Names keep events with these names. Empty keeps all.
	Names []string
	// From keep events at or after this time
	From *time.Time
	// To keep events at or before this time
	To *time.Time
	// UpdatedOnly keep commands which had been updated
	UpdatedOnly bool
	// Status keep commands with this status, compared case insensitively
	Status string
	// Take return at most this many events. Zero or less returns all.
	Take int
}

// ScopeQuery selects cached events by network and device type
type ScopeQuery struct {
	// Kind notifications or commands
	Kind events.Kind
	// DeviceID limit the read to one device. Empty reads all devices.
	DeviceID string
	// NetworkIDs keep events from these networks. Empty keeps all.
	NetworkIDs []int64
	// DeviceTypeIDs keep events from these device types. Empty keeps all.
	DeviceTypeIDs []int64
	// Names keep events with these names. Empty keeps all.
	Names []string
	// From keep events at or after this time
	From *time.Time
	// UpdatedOnly keep commands which had been updated
	UpdatedOnly bool
	// Take return at most this many events. Zero or less returns all.
	Take int
}
