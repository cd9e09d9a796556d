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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the prefix of every subject the broker listens on.
	// Requests arrive on "<prefix>.request.>".
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// QueueGroup is the NATS queue group shared by broker instances
	QueueGroup string `mapstructure:"queue_group" json:"queue_group" validate:"required"`
}

// ===============================================================================
// Event Cache Related Config

// CacheBreakerConfig defines the circuit breaker placed in front of the event cache
type CacheBreakerConfig struct {
	// MaxConsecutiveFailures is the number of consecutive failures before the breaker opens
	MaxConsecutiveFailures uint32 `mapstructure:"max_consecutive_failures" json:"max_consecutive_failures" validate:"gte=1"`
	// OpenPeriod is how long the breaker stays open in seconds
	OpenPeriod int `mapstructure:"open_period_sec" json:"open_period_sec" validate:"gte=1"`
}

// CacheConfig defines the recent-history event cache
type CacheConfig struct {
	// InMemory whether the cache is held purely in memory
	InMemory bool `mapstructure:"in_memory" json:"in_memory"`
	// Dir is the cache directory when not held in memory
	Dir string `mapstructure:"dir" json:"dir" validate:"required_without=InMemory"`
	// NotificationTTL is the life time of a cached notification in seconds
	NotificationTTL int `mapstructure:"notification_ttl_sec" json:"notification_ttl_sec" validate:"gte=1"`
	// CommandTTL is the life time of a cached command in seconds
	CommandTTL int `mapstructure:"command_ttl_sec" json:"command_ttl_sec" validate:"gte=1"`
	// GCInterval is the period between value log garbage collection runs in seconds
	GCInterval int `mapstructure:"gc_interval_sec" json:"gc_interval_sec" validate:"gte=1"`
	// Breaker defines the circuit breaker parameters
	Breaker CacheBreakerConfig `mapstructure:"breaker" json:"breaker" validate:"required,dive"`
}

// ===============================================================================
// Event Bus Related Config

// BusConfig defines the event bus and dispatcher parameters
type BusConfig struct {
	// DeliveryWorkers is the size of the delivery worker pool
	DeliveryWorkers int `mapstructure:"delivery_workers" json:"delivery_workers" validate:"gte=1"`
	// WorkerIdleTimeout is how long an idle delivery worker is kept around in seconds
	WorkerIdleTimeout int `mapstructure:"worker_idle_timeout_sec" json:"worker_idle_timeout_sec" validate:"gte=1"`
	// DeliveryTimeout is the max duration of one delivery to a destination in seconds
	DeliveryTimeout int `mapstructure:"delivery_timeout_sec" json:"delivery_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Coordinator Related Config

// CoordinatorConfig defines the catch-up / poll coordinator parameters
type CoordinatorConfig struct {
	// IngestWorkers is the number of partitioned workers processing inbound requests
	IngestWorkers int `mapstructure:"ingest_workers" json:"ingest_workers" validate:"gte=1"`
	// IngestBuffer is the per worker request buffer size
	IngestBuffer int `mapstructure:"ingest_buffer" json:"ingest_buffer" validate:"gte=1"`
	// DefaultPollWait is the poll wait time used when the caller gives none, in seconds
	DefaultPollWait int `mapstructure:"default_poll_wait_sec" json:"default_poll_wait_sec" validate:"gte=0"`
	// MaxPollWait is the upper limit of a poll wait time in seconds
	MaxPollWait int `mapstructure:"max_poll_wait_sec" json:"max_poll_wait_sec" validate:"gtefield=DefaultPollWait"`
	// SessionMaxIdle is how long a session may go without refresh before it is closed,
	// in seconds
	SessionMaxIdle int `mapstructure:"session_max_idle_sec" json:"session_max_idle_sec" validate:"gte=1"`
	// SessionSweepInterval is the period between inactive session sweeps in seconds
	SessionSweepInterval int `mapstructure:"session_sweep_interval_sec" json:"session_sweep_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Dataplane Server Related Config

// DataplaneEndpointConfig defines dataplane API endpoint config
type DataplaneEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the dataplane APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is the path the prometheus metrics are served on. Empty disables it.
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path"`
}

// DataplaneServerConfig defines configuration for the dataplane API server
type DataplaneServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the dataplane API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the dataplane API server
	Endpoints DataplaneEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broker config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Cache are the event cache config parameters
	Cache CacheConfig `mapstructure:"cache" json:"cache" validate:"required,dive"`
	// Bus are the event bus config parameters
	Bus BusConfig `mapstructure:"bus" json:"bus" validate:"required,dive"`
	// Coordinator are the catch-up / poll coordinator config parameters
	Coordinator CoordinatorConfig `mapstructure:"coordinator" json:"coordinator" validate:"required,dive"`
	// Dataplane are the dataplane API server configs
	Dataplane *DataplaneServerConfig `mapstructure:"dataplane,omitempty" json:"dataplane,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "devicemq")
	viper.SetDefault("nats.queue_group", "devicemq-broker")

	// Default event cache settings
	viper.SetDefault("cache.in_memory", true)
	viper.SetDefault("cache.dir", "")
	viper.SetDefault("cache.notification_ttl_sec", 120)
	viper.SetDefault("cache.command_ttl_sec", 120)
	viper.SetDefault("cache.gc_interval_sec", 300)
	viper.SetDefault("cache.breaker.max_consecutive_failures", 5)
	viper.SetDefault("cache.breaker.open_period_sec", 30)

	// Default event bus settings
	viper.SetDefault("bus.delivery_workers", 64)
	viper.SetDefault("bus.worker_idle_timeout_sec", 60)
	viper.SetDefault("bus.delivery_timeout_sec", 10)

	// Default coordinator settings
	viper.SetDefault("coordinator.ingest_workers", 4)
	viper.SetDefault("coordinator.ingest_buffer", 256)
	viper.SetDefault("coordinator.default_poll_wait_sec", 30)
	viper.SetDefault("coordinator.max_poll_wait_sec", 180)
	viper.SetDefault("coordinator.session_max_idle_sec", 600)
	viper.SetDefault("coordinator.session_sweep_interval_sec", 60)

	// Default Dataplane server settings
	viper.SetDefault("dataplane.endpoint_config.path_prefix", "/")
	viper.SetDefault("dataplane.endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("dataplane.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("dataplane.api_server.server_config.listen_port", 3001)
	viper.SetDefault("dataplane.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("dataplane.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("dataplane.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"dataplane.api_server.logging_config.request_id_header", "Devicemq-Request-ID",
	)
	viper.SetDefault(
		"dataplane.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
