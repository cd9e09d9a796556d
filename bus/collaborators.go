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

// Package bus routes published events to the matching subscriptions
package bus

import (
	"context"
	"sync"
)

// DeviceInfo what the broker needs to know about a device
type DeviceInfo struct {
	ID           string `json:"id"`
	NetworkID    int64  `json:"networkId"`
	DeviceTypeID int64  `json:"deviceTypeId"`
}

// DeviceResolver looks up devices
type DeviceResolver interface {
	// ResolveDevice fetch a device. Returns false if the device is not known.
	ResolveDevice(ctxt context.Context, deviceID string) (DeviceInfo, bool, error)
}

// AccessChecker decides whether a principal may see the events of a device
type AccessChecker interface {
	HasAccessTo(principal string, deviceID string) bool
}

// AllowAll an AccessChecker granting everything
type AllowAll struct{}

// HasAccessTo always true
func (AllowAll) HasAccessTo(string, string) bool {
	return true
}

// ========================================================================================

// StaticDeviceDirectory an in-memory DeviceResolver
type StaticDeviceDirectory struct {
	lock    sync.RWMutex
	devices map[string]DeviceInfo
}

// NewStaticDeviceDirectory define a directory holding the given devices
func NewStaticDeviceDirectory(devices ...DeviceInfo) *StaticDeviceDirectory {
	directory := &StaticDeviceDirectory{devices: make(map[string]DeviceInfo)}
	for _, device := range devices {
		directory.devices[device.ID] = device
	}
	return directory
}

// Register add or replace a device
func (d *StaticDeviceDirectory) Register(device DeviceInfo) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.devices[device.ID] = device
}

// Forget remove a device
func (d *StaticDeviceDirectory) Forget(deviceID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.devices, deviceID)
}

// ResolveDevice fetch a device
func (d *StaticDeviceDirectory) ResolveDevice(
	_ context.Context, deviceID string,
) (DeviceInfo, bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	device, ok := d.devices[deviceID]
	return device, ok, nil
}

// ----------------------------------------------------------------------------------------

// OpenDirectory a DeviceResolver which accepts any well formed device ID
type OpenDirectory struct{}

// ResolveDevice report every device as known
func (OpenDirectory) ResolveDevice(_ context.Context, deviceID string) (DeviceInfo, bool, error) {
	return DeviceInfo{ID: deviceID}, true, nil
}
