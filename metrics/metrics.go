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

// Package metrics holds the prometheus metrics of the broker
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeClosed    = "closed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicemq_events_published_total",
			Help: "Total number of events published on the event bus",
		},
		[]string{"kind"},
	)

	MatchedSubscribers = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devicemq_publish_matched_subscribers",
			Help:    "Number of subscribers an event was dispatched to",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicemq_subscriptions_active",
			Help: "Number of subscriptions held by the subscription registry",
		},
	)

	// Dispatcher metrics
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicemq_deliveries_total",
			Help: "Total number of deliveries by outcome",
		},
		[]string{"kind", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devicemq_delivery_duration_seconds",
			Help:    "Time spent sending one delivery to its destination",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingMailboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicemq_dispatch_mailboxes_pending",
			Help: "Number of destinations with deliveries waiting to be sent",
		},
	)

	// Event cache metrics
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicemq_cache_operations_total",
			Help: "Total number of event cache operations by result",
		},
		[]string{"operation", "result"},
	)

	CacheBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicemq_cache_breaker_open",
			Help: "Whether the event cache circuit breaker is open (1) or not (0)",
		},
	)

	// Request ingest metrics
	IngestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicemq_ingest_requests_total",
			Help: "Total number of requests processed by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devicemq_sessions_active",
			Help: "Number of tracked subscriber sessions",
		},
	)

	// REST API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicemq_api_requests_total",
			Help: "Total number of REST API requests",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(MatchedSubscribers)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(PendingMailboxes)
	prometheus.MustRegister(CacheOperations)
	prometheus.MustRegister(CacheBreakerOpen)
	prometheus.MustRegister(IngestRequests)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
