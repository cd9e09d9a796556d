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
	"errors"
	"net/http"
)

var (
	// ErrInvalidRequest a caller supplied a malformed request. Not retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound the requested entity is not known
	ErrNotFound = errors.New("not found")
	// ErrDestinationClosed the delivery destination is no longer accepting events
	ErrDestinationClosed = errors.New("destination closed")
	// ErrAlreadySubscribed every requested subscription row already exists
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrUnknownAction no handler is registered for the requested action
	ErrUnknownAction = errors.New("unknown action")
)

// HTTPStatusFor the HTTP status code reported for an error
func HTTPStatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadySubscribed):
		return http.StatusConflict
	case errors.Is(err, ErrDestinationClosed):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}
