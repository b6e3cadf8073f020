// Copyright 2022 The wsrelay Authors
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
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

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
}

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to Redis server
type RedisConfig struct {
	// ServerURI is the Redis connection URI, e.g. redis://127.0.0.1:6379/0
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// DialTimeout is the max duration for establishing a new connection in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Connection Registry Config

// NATSRegistryConfig defines the JetStream KV backed registry parameters
type NATSRegistryConfig struct {
	// Bucket is the name of the KV bucket holding the connection records
	Bucket string `mapstructure:"bucket" json:"bucket" validate:"required"`
	// Replicas is the number of bucket replicas in the JetStream cluster
	Replicas int `mapstructure:"replicas" json:"replicas" validate:"gte=1,lte=5"`
}

// RedisRegistryConfig defines the Redis backed registry parameters
type RedisRegistryConfig struct {
	// HashKey is the Redis key of the hash holding the connection records
	HashKey string `mapstructure:"hash_key" json:"hash_key" validate:"required"`
}

// RegistryConfig defines the connection record store parameters
type RegistryConfig struct {
	// Backend selects the storage backend
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory nats redis"`
	// OperationTimeout is the max duration of one store operation in seconds
	OperationTimeout int `mapstructure:"op_timeout_sec" json:"op_timeout_sec" validate:"gte=1"`
	// NATS are the JetStream KV backend parameters
	NATS NATSRegistryConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Redis are the Redis backend parameters
	Redis RedisRegistryConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
}

// ===============================================================================
// Delivery Config

// NATSDeliveryConfig defines the NATS request / reply delivery bridge parameters
type NATSDeliveryConfig struct {
	// SubjectPrefix is the prefix of the per-connection delivery subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// WebSocketConfig defines per-connection websocket session parameters
type WebSocketConfig struct {
	// SendQueueLength is the number of outbound messages buffered per connection
	SendQueueLength int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// WriteTimeout is the max duration of one websocket frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the keep-alive ping interval in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// PongTimeout is how long to wait for the next pong before closing, in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gtfield=PingInterval"`
	// MaxMessageSize is the largest inbound frame accepted, in bytes
	MaxMessageSize int64 `mapstructure:"max_msg_size" json:"max_msg_size" validate:"gte=128"`
}

// DeliveryConfig defines the message delivery parameters
type DeliveryConfig struct {
	// Mode selects how messages reach a connection: "local" only reaches connections
	// held by this instance, "nats" reaches connections held by any instance
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=local nats"`
	// Timeout is the max duration of a single delivery attempt in milliseconds
	Timeout int `mapstructure:"timeout_ms" json:"timeout_ms" validate:"gte=1"`
	// MaxParallel caps the number of concurrent deliveries of one broadcast (0 is unlimited)
	MaxParallel int `mapstructure:"max_parallel" json:"max_parallel" validate:"gte=0"`
	// CleanupStaleRecords whether to delete records of connections found to be gone
	CleanupStaleRecords bool `mapstructure:"cleanup_stale_records" json:"cleanup_stale_records"`
	// NATS are the NATS bridge parameters
	NATS NATSDeliveryConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// WebSocket are the websocket session parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
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
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is the path of the Prometheus scrape end-point
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path" validate:"required"`
}

// RelayServerConfig defines configuration for the relay server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete relay system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Redis are the Redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// Registry are the connection record store parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Delivery are the message delivery parameters
	Delivery DeliveryConfig `mapstructure:"delivery" json:"delivery" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// UsesNATS whether any configured component requires a NATS connection
func (c SystemConfig) UsesNATS() bool {
	return c.Registry.Backend == "nats" || c.Delivery.Mode == "nats"
}

// UsesRedis whether any configured component requires a Redis connection
func (c SystemConfig) UsesRedis() bool {
	return c.Registry.Backend == "redis"
}

// SharedRegistry whether the connection record store is visible to other relay nodes
func (c SystemConfig) SharedRegistry() bool {
	return c.Registry.Backend != "memory"
}

// validateSystemConfig checks constraints spanning multiple config sections.
//
// A shared registry holds records of connections attached to other nodes, which only
// NATS delivery can reach.
func validateSystemConfig(sl validator.StructLevel) {
	config := sl.Current().Interface().(SystemConfig)
	if config.SharedRegistry() && config.Delivery.Mode != "nats" {
		sl.ReportError(
			config.Delivery.Mode, "Mode", "mode", "shared_registry_requires_nats", "",
		)
	}
}

// GetConfigValidator define a validator with the system config rules installed
func GetConfigValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterStructValidation(validateSystemConfig, SystemConfig{})
	return validate
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Redis settings
	viper.SetDefault("redis.server_uri", "redis://127.0.0.1:6379/0")
	viper.SetDefault("redis.dial_timeout_sec", 5)

	// Default registry settings
	viper.SetDefault("registry.backend", "memory")
	viper.SetDefault("registry.op_timeout_sec", 5)
	viper.SetDefault("registry.nats.bucket", "wsrelay_connections")
	viper.SetDefault("registry.nats.replicas", 1)
	viper.SetDefault("registry.redis.hash_key", "wsrelay:connections")

	// Default delivery settings
	viper.SetDefault("delivery.mode", "local")
	viper.SetDefault("delivery.timeout_ms", 2000)
	viper.SetDefault("delivery.max_parallel", 0)
	viper.SetDefault("delivery.cleanup_stale_records", true)
	viper.SetDefault("delivery.nats.subject_prefix", "wsrelay.connection")
	viper.SetDefault("delivery.websocket.send_queue_len", 16)
	viper.SetDefault("delivery.websocket.write_timeout_sec", 5)
	viper.SetDefault("delivery.websocket.ping_interval_sec", 30)
	viper.SetDefault("delivery.websocket.pong_timeout_sec", 60)
	viper.SetDefault("delivery.websocket.max_msg_size", 32768)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Wsrelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
