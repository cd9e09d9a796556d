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

package apis

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/alwitt/devicemq/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/stretchr/testify/assert"
)

func TestAccessLogWrittenThroughHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Restored after every background task of this test has ended
	previous := log.Log.(*log.Logger).Handler
	defer log.SetHandler(previous)
	lock := sync.Mutex{}
	messages := []string{}
	log.SetHandler(log.HandlerFunc(func(entry *log.Entry) error {
		lock.Lock()
		defer lock.Unlock()
		messages = append(messages, entry.Message)
		return nil
	}))
	accessLines := func(fragment string) int {
		lock.Lock()
		defer lock.Unlock()
		count := 0
		for _, msg := range messages {
			if strings.Contains(msg, fragment) {
				count++
			}
		}
		return count
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	handler, err := GetAPIRestBrokerHandler(
		utCtxt, defineTestCoordinator(t, utCtxt, &wg), common.HTTPConfig{}, nil,
	)
	assert.Nil(err)
	router := DefineBrokerRouter(handler, common.DataplaneEndpointConfig{PathPrefix: "/"})
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(handler, next)
	})

	// Case 0: one combined log line per request
	{
		resp := call(router, "GET", "/alive", nil, "")
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(1, accessLines(`"GET /alive HTTP/1.1" 200`))
	}

	// Case 1: error responses carry their status
	{
		resp := call(router, "GET", "/v1/device/dev-1/notification/12345", nil, "")
		assert.Equal(http.StatusNotFound, resp.Code)
		assert.Equal(1, accessLines(`"GET /v1/device/dev-1/notification/12345 HTTP/1.1" 404`))
	}

	// Case 2: the handler is a plain log writer
	{
		n, err := handler.Write([]byte("direct line"))
		assert.Nil(err)
		assert.Equal(len("direct line"), n)
		assert.Equal(1, accessLines("direct line"))
	}
}
