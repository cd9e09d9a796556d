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

// Package cmd wires the broker components into a running process
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/devicemq/apis"
	"github.com/alwitt/devicemq/bus"
	"github.com/alwitt/devicemq/common"
	"github.com/alwitt/devicemq/coordinator"
	"github.com/alwitt/devicemq/core"
	"github.com/alwitt/devicemq/dataplane"
	"github.com/alwitt/devicemq/dispatch"
	"github.com/alwitt/devicemq/storage"
	"github.com/alwitt/devicemq/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBroker run the broker until the runtime context ends
func RunBroker(
	runTimeContext context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Event cache

	store, err := storage.DefineBadgerStore(localCtxt, wg, instance, config.Cache)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close event store")
		}
	}()
	cache, err := storage.DefineEventCache(instance, store, config.Cache.Breaker)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event cache")
		return err
	}

	// -------------------------------------------------------------------
	// Event bus

	dispatcher, err := dispatch.DefineDispatcher(
		localCtxt,
		instance,
		config.Bus.DeliveryWorkers,
		time.Second*time.Duration(config.Bus.WorkerIdleTimeout),
		time.Second*time.Duration(config.Bus.DeliveryTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}
	defer func() {
		if err := dispatcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop dispatcher")
		}
	}()

	// Devices are not registered ahead of time
	directory := bus.OpenDirectory{}
	eventBus, err := bus.DefineEventBus(
		instance, subscription.NewRegistry(instance), dispatcher, directory, nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus")
		return err
	}

	coord, err := coordinator.DefineCoordinator(
		instance, cache, eventBus, directory, coordinator.Config{
			DefaultPollWait: time.Second * time.Duration(config.Coordinator.DefaultPollWait),
			MaxPollWait:     time.Second * time.Duration(config.Coordinator.MaxPollWait),
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define coordinator")
		return err
	}

	// -------------------------------------------------------------------
	// Sessions

	sessionTP, err := common.GetNewTaskProcessorInstance(
		localCtxt, fmt.Sprintf("%s.sessions", instance), config.Coordinator.IngestBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session task processor")
		return err
	}
	sessions, err := coordinator.DefineSessionTracker(sessionTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session tracker")
		return err
	}
	if err := sessionTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session task processor")
		return err
	}
	defer func() {
		if err := sessionTP.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop session task processor")
		}
	}()

	sweepTimer, err := common.GetIntervalTimerInstance(
		localCtxt, wg, fmt.Sprintf("%s.session-sweep", instance),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session sweep timer")
		return err
	}
	maxIdle := time.Second * time.Duration(config.Coordinator.SessionMaxIdle)
	if err := sweepTimer.Start(
		time.Second*time.Duration(config.Coordinator.SessionSweepInterval),
		func() error {
			return sessions.ClearInactiveSessions(localCtxt, maxIdle, time.Now().UTC())
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session sweep timer")
		return err
	}
	defer func() {
		if err := sweepTimer.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop session sweep timer")
		}
	}()

	// -------------------------------------------------------------------
	// NATS request ingest

	requestTP, err := common.GetNewTaskDemuxProcessorInstance(
		localCtxt,
		fmt.Sprintf("%s.requests", instance),
		config.Coordinator.IngestBuffer,
		config.Coordinator.IngestWorkers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request task processor")
		return err
	}
	requestHandlers, err := dataplane.DefineRequestHandlers(
		instance, coord, sessions, natsClient.NATs(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request handlers")
		return err
	}
	ingest, err := dataplane.DefineRequestIngest(
		localCtxt, natsClient, config.NATS, requestTP, requestHandlers.ActionTable(), nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request ingest")
		return err
	}
	if err := requestTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start request task processor")
		return err
	}
	defer func() {
		if err := requestTP.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop request task processor")
		}
	}()
	if err := ingest.StartReading(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start reading requests")
		return err
	}
	log.WithFields(logTags).Infof(
		"Reading requests on %s.request.>", config.NATS.SubjectPrefix,
	)

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.Dataplane != nil {
		httpHandler, err := apis.GetAPIRestBrokerHandler(
			localCtxt, coord, config.Dataplane.HTTPSetting, func() error {
				if !natsClient.Connected() {
					return fmt.Errorf("NATS connection is down")
				}
				return nil
			},
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
			return err
		}
		router := apis.DefineBrokerRouter(httpHandler, config.Dataplane.Endpoints)

		// Add logging
		router.Use(func(next http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(httpHandler, next)
		})

		serverCfg := config.Dataplane.HTTPSetting.Server
		serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
		httpSrv = &http.Server{
			Addr:         serverListen,
			WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
			ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
			IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}

		// Cancel runtime context on shutdown
		httpSrv.RegisterOnShutdown(lclCancel)

		// Start the server
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			}
		}()

		log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
