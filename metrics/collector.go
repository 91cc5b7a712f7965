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

// Package metrics holds the Prometheus collectors of the stream and ingest servers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values
const (
	// connection close reasons
	CloseReasonClient   = "client"
	CloseReasonEvicted  = "evicted"
	CloseReasonShutdown = "shutdown"

	// write failure phases
	PhaseHandshake = "handshake"
	PhaseBroadcast = "broadcast"

	// subscriber states
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateShutdown     = "shutdown"
)

// Collector holds every counter the servers update. Build one per registry; a
// nil *Collector is not valid.
type Collector struct {
	registry prometheus.Gatherer

	// Connections
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	WriteFailures     *prometheus.CounterVec

	// Broadcast
	BroadcastRounds     prometheus.Counter
	BroadcastDeliveries prometheus.Histogram
	DeliveryLatency     prometheus.Histogram

	// Subscriber
	MessagesReceived   prometheus.Counter
	MessagesDropped    *prometheus.CounterVec
	SubscriberState    *prometheus.GaugeVec
	ReconnectAttempts  prometheus.Counter
	PersistentFailure  prometheus.Gauge
	SlowConsumerEvents prometheus.Counter

	// Ingest
	FetchRounds           prometheus.Counter
	FetchFailures         *prometheus.CounterVec
	RowsSkipped           prometheus.Counter
	ObservationsStored    *prometheus.CounterVec
	ObservationsPublished prometheus.Counter
	PublishFailures       prometheus.Counter
}

// NewCollector define the collectors and register them with a registry
func NewCollector(registry *prometheus.Registry) (*Collector, error) {
	c := &Collector{
		registry: registry,

		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_stream_connections_opened_total",
			Help: "Total number of streaming connections opened",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buoycast_stream_connections_closed_total",
			Help: "Total number of streaming connections closed by reason",
		}, []string{"reason"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buoycast_stream_connections_active",
			Help: "Number of registered streaming connections",
		}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buoycast_stream_write_failures_total",
			Help: "Total number of failed frame writes by phase",
		}, []string{"phase"}),

		BroadcastRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_broadcast_rounds_total",
			Help: "Total number of broadcast rounds",
		}),
		BroadcastDeliveries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buoycast_broadcast_deliveries",
			Help:    "Number of connections reached per broadcast round",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buoycast_broadcast_latency_seconds",
			Help:    "Time from publish to the end of the broadcast round",
			Buckets: prometheus.DefBuckets,
		}),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_subscriber_messages_received_total",
			Help: "Total number of messages read from the pub/sub channel",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buoycast_subscriber_messages_dropped_total",
			Help: "Total number of messages dropped by reason",
		}, []string{"reason"}),
		SubscriberState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buoycast_subscriber_state",
			Help: "Current subscriber state (1 for the active state)",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_subscriber_reconnect_attempts_total",
			Help: "Total number of upstream reconnect attempts",
		}),
		PersistentFailure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buoycast_subscriber_persistent_failure",
			Help: "Set to 1 while the upstream keeps failing past the retry bound",
		}),
		SlowConsumerEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_subscriber_slow_consumer_total",
			Help: "Total number of slow consumer notifications from the pub/sub client",
		}),

		FetchRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_ingest_fetch_rounds_total",
			Help: "Total number of fetch rounds",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buoycast_ingest_fetch_failures_total",
			Help: "Total number of failed station fetches",
		}, []string{"station"}),
		RowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_ingest_rows_skipped_total",
			Help: "Total number of unparsable station file rows",
		}),
		ObservationsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buoycast_ingest_observations_stored_total",
			Help: "Total number of new observations stored",
		}, []string{"station"}),
		ObservationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_ingest_observations_published_total",
			Help: "Total number of observation events published",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buoycast_ingest_publish_failures_total",
			Help: "Total number of failed observation event publishes",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.ConnectionsOpened,
		c.ConnectionsClosed,
		c.ConnectionsActive,
		c.WriteFailures,
		c.BroadcastRounds,
		c.BroadcastDeliveries,
		c.DeliveryLatency,
		c.MessagesReceived,
		c.MessagesDropped,
		c.SubscriberState,
		c.ReconnectAttempts,
		c.PersistentFailure,
		c.SlowConsumerEvents,
		c.FetchRounds,
		c.FetchFailures,
		c.RowsSkipped,
		c.ObservationsStored,
		c.ObservationsPublished,
		c.PublishFailures,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetSubscriberState flag one subscriber state as the active one
func (c *Collector) SetSubscriberState(state string) {
	for _, oneState := range []string{StateDisconnected, StateConnected, StateShutdown} {
		if oneState == state {
			c.SubscriberState.WithLabelValues(oneState).Set(1)
		} else {
			c.SubscriberState.WithLabelValues(oneState).Set(0)
		}
	}
}

// Handler HTTP handler exposing the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
