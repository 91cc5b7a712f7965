// Copyright 2022 The buoycast Authors
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
	"time"

	"github.com/spf13/viper"
)

// DefaultObservationSubject is the NATS subject new observations are published on
const DefaultObservationSubject = "observations.new"

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
	//
	// Keep this at zero for the stream server: event streams are long lived.
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

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Stream Server Related Config

// SubscriberConfig defines the inbound subscriber reconnect behavior
type SubscriberConfig struct {
	// InitialBackoff is the delay before the first reconnect attempt in milliseconds
	InitialBackoff int `mapstructure:"initial_backoff_ms" json:"initial_backoff_ms" validate:"gte=1"`
	// MaxBackoff caps the delay between reconnect attempts in milliseconds
	MaxBackoff int `mapstructure:"max_backoff_ms" json:"max_backoff_ms" validate:"gtefield=InitialBackoff"`
	// Multiplier is the backoff growth factor between consecutive attempts
	Multiplier float64 `mapstructure:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`
	// Jitter is the randomization factor applied to each delay, in [0, 1)
	Jitter float64 `mapstructure:"backoff_jitter" json:"backoff_jitter" validate:"gte=0,lt=1"`
	// MaxAttempts is the number of consecutive failed attempts before the upstream
	// is reported as persistently failing. Retries continue afterwards.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
}

// InitialBackoffDuration InitialBackoff as time.Duration
func (c SubscriberConfig) InitialBackoffDuration() time.Duration {
	return time.Millisecond * time.Duration(c.InitialBackoff)
}

// MaxBackoffDuration MaxBackoff as time.Duration
func (c SubscriberConfig) MaxBackoffDuration() time.Duration {
	return time.Millisecond * time.Duration(c.MaxBackoff)
}

// StreamServerConfig defines configuration for the stream server
type StreamServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the stream server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the stream server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Subject is the NATS subject carrying new observations
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// WriteTimeout is the per-frame write deadline for one client in milliseconds
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=1"`
	// Subscriber defines the inbound subscriber parameters
	Subscriber SubscriberConfig `mapstructure:"subscriber" json:"subscriber" validate:"required,dive"`
}

// ===============================================================================
// Ingest Server Related Config

// StorageConfig defines the observation store parameters
type StorageConfig struct {
	// DBPath is the bbolt database file
	DBPath string `mapstructure:"db_path" json:"db_path" validate:"required"`
}

// FetchConfig defines the upstream buoy data fetch parameters
type FetchConfig struct {
	// BaseURL is the URL prefix for realtime station files
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// Timeout is the max duration of one fetch in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
	// Interval is the time between fetch rounds in seconds
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// MaxRows is the max number of rows kept from one station file
	MaxRows int `mapstructure:"max_rows" json:"max_rows" validate:"gte=1"`
	// Workers is the number of stations fetched in parallel
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
}

// StationConfig one station to ingest
type StationConfig struct {
	// ID is the station code
	ID string `mapstructure:"id" json:"id" validate:"required,alphanum"`
	// Name is the human readable station name
	Name string `mapstructure:"name" json:"name"`
	// Latitude station latitude in degrees
	Latitude float64 `mapstructure:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	// Longitude station longitude in degrees
	Longitude float64 `mapstructure:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
}

// IngestServerConfig defines configuration for the ingest worker and catalog API server
type IngestServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the catalog API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the catalog API server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Subject is the NATS subject new observations are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// Storage is the observation store config
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// Fetch is the upstream fetch config
	Fetch FetchConfig `mapstructure:"fetch" json:"fetch" validate:"required,dive"`
	// Stations is the list of stations to ingest
	Stations []StationConfig `mapstructure:"stations" json:"stations" validate:"dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either stream or ingest server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Stream are the stream server configs
	Stream *StreamServerConfig `mapstructure:"stream,omitempty" json:"stream,omitempty" validate:"omitempty,dive"`
	// Ingest are the ingest server configs
	Ingest *IngestServerConfig `mapstructure:"ingest,omitempty" json:"ingest,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// installHTTPDefaults install default HTTP server settings under a config key
func installHTTPDefaults(root string, port int, writeTimeout int) {
	viper.SetDefault(root+".endpoint_config.path_prefix", "/")
	viper.SetDefault(root+".api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault(root+".api_server.server_config.listen_port", port)
	viper.SetDefault(root+".api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault(root+".api_server.server_config.write_timeout_sec", writeTimeout)
	viper.SetDefault(root+".api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(root+".api_server.logging_config.request_id_header", "Buoycast-Request-ID")
	viper.SetDefault(
		root+".api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default stream server settings
	installHTTPDefaults("stream", 3000, 0)
	viper.SetDefault("stream.subject", DefaultObservationSubject)
	viper.SetDefault("stream.write_timeout_ms", 5000)
	viper.SetDefault("stream.subscriber.initial_backoff_ms", 500)
	viper.SetDefault("stream.subscriber.max_backoff_ms", 30000)
	viper.SetDefault("stream.subscriber.backoff_multiplier", 2.0)
	viper.SetDefault("stream.subscriber.backoff_jitter", 0.2)
	viper.SetDefault("stream.subscriber.max_attempts", 10)

	// Default ingest server settings
	installHTTPDefaults("ingest", 3001, 60)
	viper.SetDefault("ingest.subject", DefaultObservationSubject)
	viper.SetDefault("ingest.storage.db_path", "buoycast.db")
	viper.SetDefault("ingest.fetch.base_url", "https://www.ndbc.noaa.gov/data/realtime2")
	viper.SetDefault("ingest.fetch.timeout_sec", 30)
	viper.SetDefault("ingest.fetch.interval_sec", 600)
	viper.SetDefault("ingest.fetch.max_rows", 24)
	viper.SetDefault("ingest.fetch.workers", 2)
}
