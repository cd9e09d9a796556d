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

// Package events defines the domain events routed by the broker.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind the type of an event
type Kind string

const (
	// KindNotification a notification sent by a device
	KindNotification Kind = "notification"
	// KindCommand a command sent to a device
	KindCommand Kind = "command"
	// KindCommandUpdate an update of a previously issued command's status / result
	KindCommandUpdate Kind = "command_update"
)

// ParseKind convert a string to an event Kind
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindNotification, KindCommand, KindCommandUpdate:
		return Kind(raw), nil
	}
	return "", fmt.Errorf("unknown event kind '%s'", raw)
}

// Wildcard is the event source used by subscriptions spanning all devices
const Wildcard = "*"

// SourceKey the key a subscription is indexed under
type SourceKey struct {
	// Kind the event kind
	Kind Kind
	// Source a device ID, a command ID, or Wildcard
	Source string
}

// String human readable form of the key
func (k SourceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.Source)
}

// IsWildcard whether the key spans all devices
func (k SourceKey) IsWildcard() bool {
	return k.Source == Wildcard
}

// DeviceKey the key of device scoped subscriptions
func DeviceKey(kind Kind, deviceID string) SourceKey {
	return SourceKey{Kind: kind, Source: deviceID}
}

// WildcardKey the key of subscriptions spanning all devices
func WildcardKey(kind Kind) SourceKey {
	return SourceKey{Kind: kind, Source: Wildcard}
}

// CommandUpdateKey the key of subscriptions waiting for updates of one command
func CommandUpdateKey(commandID int64) SourceKey {
	return SourceKey{Kind: KindCommandUpdate, Source: fmt.Sprintf("%d", commandID)}
}

// ========================================================================================

// Notification a message sent by a device
type Notification struct {
	ID           int64           `json:"id"`
	Notification string          `json:"notification" validate:"required,max=128"`
	DeviceID     string          `json:"deviceId" validate:"required"`
	NetworkID    int64           `json:"networkId,omitempty"`
	DeviceTypeID int64           `json:"deviceTypeId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// Command a message sent to a device, and later updated by the device with its outcome
type Command struct {
	ID           int64           `json:"id"`
	Command      string          `json:"command" validate:"required,max=128"`
	DeviceID     string          `json:"deviceId" validate:"required"`
	NetworkID    int64           `json:"networkId,omitempty"`
	DeviceTypeID int64           `json:"deviceTypeId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	UserID       int64           `json:"userId,omitempty"`
	Lifetime     int             `json:"lifetime,omitempty"`
	Status       string          `json:"status,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	IsUpdated    bool            `json:"isUpdated"`
}

// revision suffix telling updated snapshots of a command apart
func (c Command) revision() string {
	if !c.IsUpdated {
		return ""
	}
	return fmt.Sprintf("@%d", c.LastUpdated.UnixNano())
}

// ========================================================================================

// Event an immutable snapshot of a notification, command, or command update at publish
// time
type Event interface {
	// Kind the event kind
	Kind() Kind
	// EntityID the ID of the notification or command
	EntityID() int64
	// Device the device the event concerns
	Device() string
	// Name the notification or command name
	Name() string
	// Network the network of the device
	Network() int64
	// DeviceType the device type of the device
	DeviceType() int64
	// Time the event timestamp
	Time() time.Time
	// SubscriptionKeys the registry keys of the subscriptions which may want this event
	SubscriptionKeys() []SourceKey
	// DedupKey identity of the event across the cache and the live stream
	DedupKey() string
}

// NotificationEvent a published notification
type NotificationEvent struct {
	Notification Notification
}

// Kind the event kind
func (e NotificationEvent) Kind() Kind { return KindNotification }

// EntityID the notification ID
func (e NotificationEvent) EntityID() int64 { return e.Notification.ID }

// Device the device the notification is from
func (e NotificationEvent) Device() string { return e.Notification.DeviceID }

// Name the notification name
func (e NotificationEvent) Name() string { return e.Notification.Notification }

// Network the network of the device
func (e NotificationEvent) Network() int64 { return e.Notification.NetworkID }

// DeviceType the device type of the device
func (e NotificationEvent) DeviceType() int64 { return e.Notification.DeviceTypeID }

// Time the notification timestamp
func (e NotificationEvent) Time() time.Time { return e.Notification.Timestamp }

// SubscriptionKeys the device key and the wildcard key
func (e NotificationEvent) SubscriptionKeys() []SourceKey {
	return []SourceKey{
		DeviceKey(KindNotification, e.Notification.DeviceID), WildcardKey(KindNotification),
	}
}

// DedupKey identity of the notification
func (e NotificationEvent) DedupKey() string {
	return fmt.Sprintf("%s/%d", KindNotification, e.Notification.ID)
}

// CommandEvent a published command
type CommandEvent struct {
	Command Command
}

// Kind the event kind
func (e CommandEvent) Kind() Kind { return KindCommand }

// EntityID the command ID
func (e CommandEvent) EntityID() int64 { return e.Command.ID }

// Device the device the command is for
func (e CommandEvent) Device() string { return e.Command.DeviceID }

// Name the command name
func (e CommandEvent) Name() string { return e.Command.Command }

// Network the network of the device
func (e CommandEvent) Network() int64 { return e.Command.NetworkID }

// DeviceType the device type of the device
func (e CommandEvent) DeviceType() int64 { return e.Command.DeviceTypeID }

// Time the command timestamp
func (e CommandEvent) Time() time.Time { return e.Command.Timestamp }

// SubscriptionKeys the device key and the wildcard key
func (e CommandEvent) SubscriptionKeys() []SourceKey {
	return []SourceKey{DeviceKey(KindCommand, e.Command.DeviceID), WildcardKey(KindCommand)}
}

// DedupKey identity of the command. Each update of the command is a distinct revision.
func (e CommandEvent) DedupKey() string {
	return fmt.Sprintf("%s/%d%s", KindCommand, e.Command.ID, e.Command.revision())
}

// CommandUpdateEvent a published update of a command. It shares the ID of the command.
type CommandUpdateEvent struct {
	Command Command
}

// Kind the event kind
func (e CommandUpdateEvent) Kind() Kind { return KindCommandUpdate }

// EntityID the command ID
func (e CommandUpdateEvent) EntityID() int64 { return e.Command.ID }

// Device the device the command is for
func (e CommandUpdateEvent) Device() string { return e.Command.DeviceID }

// Name the command name
func (e CommandUpdateEvent) Name() string { return e.Command.Command }

// Network the network of the device
func (e CommandUpdateEvent) Network() int64 { return e.Command.NetworkID }

// DeviceType the device type of the device
func (e CommandUpdateEvent) DeviceType() int64 { return e.Command.DeviceTypeID }

// Time the time of the update
func (e CommandUpdateEvent) Time() time.Time { return e.Command.LastUpdated }

// SubscriptionKeys only the waiters of this one command
func (e CommandUpdateEvent) SubscriptionKeys() []SourceKey {
	return []SourceKey{CommandUpdateKey(e.Command.ID)}
}

// DedupKey identity of the update
func (e CommandUpdateEvent) DedupKey() string {
	return fmt.Sprintf("%s/%d%s", KindCommandUpdate, e.Command.ID, e.Command.revision())
}

// CommandOf return the command snapshot carried by an event, if any
func CommandOf(ev Event) (Command, bool) {
	switch typed := ev.(type) {
	case CommandEvent:
		return typed.Command, true
	case CommandUpdateEvent:
		return typed.Command, true
	}
	return Command{}, false
}

// IsUpdated whether the event is a command which had been updated
func IsUpdated(ev Event) bool {
	if cmd, ok := CommandOf(ev); ok {
		return cmd.IsUpdated
	}
	return false
}

// StatusOf the command status carried by the event, empty for notifications
func StatusOf(ev Event) string {
	if cmd, ok := CommandOf(ev); ok {
		return cmd.Status
	}
	return ""
}
