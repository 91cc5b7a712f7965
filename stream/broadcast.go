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

package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// BuildFrame serialize a payload into one event-stream frame:
//
//	event: <eventType>\ndata: <json>\n\n
func BuildFrame(eventType string, payload interface{}) ([]byte, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(eventType)+len(serialized)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, eventType...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, serialized...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Broadcaster pushes events to every registered connection
type Broadcaster interface {
	// BroadcastToAll send one event to every registered connection. Connections
	// whose write fails are evicted. Returns the number of successful deliveries;
	// the error is only set if the payload can't be serialized.
	BroadcastToAll(eventType string, payload interface{}) (int, error)
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	goutils.Component
	registry ConnectionRegistry
	metrics  *metrics.Collector
	// rounds are serialized so frames never interleave on one connection
	roundLock sync.Mutex
}

// GetBroadcaster define a new Broadcaster over a registry
func GetBroadcaster(
	registry ConnectionRegistry, collector *metrics.Collector, instance string,
) (Broadcaster, error) {
	if registry == nil || collector == nil {
		return nil, fmt.Errorf("broadcaster needs a registry and a metrics collector")
	}
	logTags := log.Fields{
		"module": "stream", "component": "broadcaster", "instance": instance,
	}
	return &broadcasterImpl{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
		metrics:   collector,
	}, nil
}

// BroadcastToAll send one event to every registered connection
func (b *broadcasterImpl) BroadcastToAll(eventType string, payload interface{}) (int, error) {
	frame, err := BuildFrame(eventType, payload)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize '%s' payload", eventType)
		return 0, err
	}

	b.roundLock.Lock()
	defer b.roundLock.Unlock()

	delivered := 0
	evicted := 0
	b.registry.ForEachSnapshot(func(conn Connection) {
		if err := conn.WriteFrame(frame); err != nil {
			b.metrics.WriteFailures.WithLabelValues(metrics.PhaseBroadcast).Inc()
			// Another path may have removed it already
			if b.registry.Remove(conn) {
				evicted++
				b.metrics.ConnectionsClosed.WithLabelValues(metrics.CloseReasonEvicted).Inc()
				b.metrics.ConnectionsActive.Dec()
			}
			if err := conn.Close(); err != nil {
				log.WithError(err).WithFields(b.LogTags).Debug("Close of failed connection errored")
			}
			log.WithError(err).WithFields(b.LogTags).Info("Evicted connection on write failure")
			return
		}
		delivered++
	})

	b.metrics.BroadcastRounds.Inc()
	b.metrics.BroadcastDeliveries.Observe(float64(delivered))
	log.WithFields(b.LogTags).Debugf(
		"Broadcast '%s' to %d connections, evicted %d", eventType, delivered, evicted,
	)
	return delivered, nil
}
