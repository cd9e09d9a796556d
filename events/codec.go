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

package events

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// View the projection of an event presented to a consumer
type View int

const (
	// ClientView the projection shown to clients and plugins
	ClientView View = iota
	// DeviceView the projection shown to devices
	DeviceView
)

// deviceCommand the device facing projection of a command
type deviceCommand struct {
	ID          int64           `json:"id"`
	Command     string          `json:"command"`
	DeviceID    string          `json:"deviceId"`
	Timestamp   time.Time       `json:"timestamp"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Lifetime    int             `json:"lifetime,omitempty"`
	Status      string          `json:"status,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	IsUpdated   bool            `json:"isUpdated"`
}

// Project return the object to serialize for a view of the event
func Project(ev Event, view View) (interface{}, error) {
	switch typed := ev.(type) {
	case NotificationEvent:
		return typed.Notification, nil
	case CommandEvent, CommandUpdateEvent:
		cmd, _ := CommandOf(typed)
		if view == DeviceView {
			return deviceCommand{
				ID:          cmd.ID,
				Command:     cmd.Command,
				DeviceID:    cmd.DeviceID,
				Timestamp:   cmd.Timestamp,
				LastUpdated: cmd.LastUpdated,
				Lifetime:    cmd.Lifetime,
				Status:      cmd.Status,
				Result:      cmd.Result,
				Parameters:  cmd.Parameters,
				IsUpdated:   cmd.IsUpdated,
			}, nil
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("unsupported event type %T", ev)
}

// Render serialize the view of the event
func Render(ev Event, view View) ([]byte, error) {
	projected, err := Project(ev, view)
	if err != nil {
		return nil, err
	}
	return json.Marshal(projected)
}

// ========================================================================================

// record the storage form of an event
type record struct {
	Kind         Kind          `json:"kind"`
	Notification *Notification `json:"notification,omitempty"`
	Command      *Command      `json:"command,omitempty"`
}

// Marshal serialize an event into its storage form
func Marshal(ev Event) ([]byte, error) {
	entry := record{Kind: ev.Kind()}
	switch typed := ev.(type) {
	case NotificationEvent:
		entry.Notification = &typed.Notification
	case CommandEvent:
		entry.Command = &typed.Command
	case CommandUpdateEvent:
		entry.Command = &typed.Command
	default:
		return nil, fmt.Errorf("unsupported event type %T", ev)
	}
	return json.Marshal(&entry)
}

// Unmarshal parse the storage form of an event
func Unmarshal(raw []byte) (Event, error) {
	var entry record
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	switch entry.Kind {
	case KindNotification:
		if entry.Notification != nil {
			return NotificationEvent{Notification: *entry.Notification}, nil
		}
	case KindCommand:
		if entry.Command != nil {
			return CommandEvent{Command: *entry.Command}, nil
		}
	case KindCommandUpdate:
		if entry.Command != nil {
			return CommandUpdateEvent{Command: *entry.Command}, nil
		}
	}
	return nil, fmt.Errorf("malformed event record of kind '%s'", entry.Kind)
}

// ========================================================================================

// Sequence monotonic ID generator
type Sequence struct {
	last int64
}

// NewSequence define a sequence whose first ID follows start
func NewSequence(start int64) *Sequence {
	return &Sequence{last: start}
}

// Next the next ID
func (s *Sequence) Next() int64 {
	return atomic.AddInt64(&s.last, 1)
}
