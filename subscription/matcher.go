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

import "github.com/alwitt/devicemq/events"

// Matches whether an event is applicable to a subscription. A subscription under the
// wildcard key accepts the event of any device; name and scope filters always apply.
func Matches(ev events.Event, sub *Subscription) bool {
	keyApplies := false
	for _, key := range ev.SubscriptionKeys() {
		if key == sub.Key {
			keyApplies = true
			break
		}
	}
	if !keyApplies {
		return false
	}
	if !sub.Filter.AcceptsName(ev.Name()) {
		return false
	}
	if !sub.Filter.AcceptsNetwork(ev.Network()) {
		return false
	}
	return sub.Filter.AcceptsDeviceType(ev.DeviceType())
}
