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

package dataplane

import (
	"context"
	"fmt"

	"github.com/alwitt/buoycast/events"
	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// MessageSender sends raw bytes on a subject. *core.NatsClient is one.
type MessageSender interface {
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// ObservationPublisher publishes observation events onto the pub/sub channel
type ObservationPublisher interface {
	// Publish send one observation event. Delivery is best effort.
	Publish(ctxt context.Context, event events.ObservationEvent) error
}

// observationPublisherImpl implements ObservationPublisher
type observationPublisherImpl struct {
	goutils.Component
	sender  MessageSender
	subject string
	metrics *metrics.Collector
}

// GetObservationPublisher define a new ObservationPublisher
func GetObservationPublisher(
	sender MessageSender, subject string, collector *metrics.Collector, instance string,
) (ObservationPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "publisher", "instance": instance,
	}
	if sender == nil || collector == nil || subject == "" {
		err := fmt.Errorf("publisher needs a sender, a subject and a metrics collector")
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return nil, err
	}
	return &observationPublisherImpl{
		Component: goutils.Component{LogTags: logTags},
		sender:    sender,
		subject:   subject,
		metrics:   collector,
	}, nil
}

// Publish send one observation event
func (p *observationPublisherImpl) Publish(ctxt context.Context, event events.ObservationEvent) error {
	msg, err := event.Encode()
	if err != nil {
		p.metrics.PublishFailures.Inc()
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to encode %s", event)
		return err
	}
	if err := p.sender.Publish(ctxt, p.subject, msg); err != nil {
		p.metrics.PublishFailures.Inc()
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to publish %s", event)
		return err
	}
	p.metrics.ObservationsPublished.Inc()
	log.WithFields(p.LogTags).Debugf("Published %s on %s", event, p.subject)
	return nil
}
