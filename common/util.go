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

package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// LogTagsFor return a copy of the component log tags merged with the request parameters
// found in the context, if any
func (c Component) LogTagsFor(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	if ctxt != nil {
		if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
			param.UpdateLogTags(result)
		}
	}
	return result
}

// deviceIDRule validation tag of a device ID. The "/" separator is reserved by the event
// cache key layout, while "*" and ">" are NATS subject wildcards.
const deviceIDRule = "required,max=128,printascii,excludesall= /*>"

var fieldValidator = validator.New()

// ValidateDeviceID verify a device ID string is well formed
func ValidateDeviceID(deviceID string) error {
	if err := fieldValidator.Var(deviceID, deviceIDRule); err != nil {
		return fmt.Errorf("%w: malformed device ID '%s'", ErrInvalidRequest, deviceID)
	}
	return nil
}
