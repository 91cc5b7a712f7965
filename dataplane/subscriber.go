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

// Package dataplane moves observation events between the pub/sub channel and
// the rest of the system.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/buoycast/core"
	"github.com/alwitt/buoycast/events"
	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/buoycast/stream"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
)

// UpstreamChannel an open subscription on the pub/sub channel
type UpstreamChannel interface {
	// NextMessage block until the next message, the context is done, or the
	// channel is lost. core.ErrSlowConsumer is not a loss.
	NextMessage(ctxt context.Context) ([]byte, error)
	// Close release the subscription
	Close() error
}

// UpstreamDialer open a new UpstreamChannel
type UpstreamDialer func(ctxt context.Context) (UpstreamChannel, error)

// NatsUpstreamDialer dial a NATS subject subscription
func NatsUpstreamDialer(param core.NATSConnectParams, subject string) UpstreamDialer {
	return func(_ context.Context) (UpstreamChannel, error) {
		return core.DialNatsChannel(param, subject)
	}
}

// Backoff exponential reconnect delay settings
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter randomization factor in [0, 1). Each delay is picked from
	// [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64
}

// sequence a fresh delay sequence which never gives up
func (b Backoff) sequence() *backoff.ExponentialBackOff {
	delays := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: b.Jitter,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	delays.Reset()
	return delays
}

// SubscriberState state of the inbound subscriber
type SubscriberState string

// Subscriber states
const (
	StateDisconnected SubscriberState = metrics.StateDisconnected
	StateConnected    SubscriberState = metrics.StateConnected
	StateShutdown     SubscriberState = metrics.StateShutdown
)

// Subscriber reads observation events off the pub/sub channel and broadcasts
// them to every streaming connection
type Subscriber interface {
	// Start begin the receive loop in the background
	Start(wg *sync.WaitGroup) error
	// Stop end the receive loop and release the upstream. Safe to call more than once.
	Stop()
	// State current subscriber state
	State() SubscriberState
	// PersistentFailure whether the upstream has failed past the retry bound
	PersistentFailure() bool
}

// SubscriberParams subscriber dependencies
type SubscriberParams struct {
	Dialer      UpstreamDialer
	Validator   *events.ObservationValidator
	Broadcaster stream.Broadcaster
	Metrics     *metrics.Collector
	Backoff     Backoff
	// MaxAttempts consecutive failed reconnects before flagging a persistent failure
	MaxAttempts int
}

// subscriberImpl implements Subscriber
type subscriberImpl struct {
	goutils.Component
	SubscriberParams
	lock       sync.Mutex
	state      SubscriberState
	persistent bool
	started    bool
	runCtxt    context.Context
	cancel     context.CancelFunc
	// loopDone closed once the receive loop has exited
	loopDone chan struct{}
	// wait sleep for a backoff delay, return false if the context ended first
	wait func(ctxt context.Context, delay time.Duration) bool
	now  func() time.Time
}

// GetSubscriber define a new Subscriber
func GetSubscriber(
	ctxt context.Context, params SubscriberParams, instance string,
) (Subscriber, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "subscriber", "instance": instance,
	}
	if params.Dialer == nil || params.Validator == nil ||
		params.Broadcaster == nil || params.Metrics == nil {
		err := fmt.Errorf("subscriber missing dependencies")
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return nil, err
	}
	if params.Backoff.Initial <= 0 || params.Backoff.Max < params.Backoff.Initial ||
		params.Backoff.Multiplier < 1 || params.Backoff.Jitter < 0 || params.Backoff.Jitter >= 1 ||
		params.MaxAttempts < 1 {
		err := fmt.Errorf("invalid backoff setting %+v / %d", params.Backoff, params.MaxAttempts)
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return nil, err
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	instanceImpl := &subscriberImpl{
		Component:        goutils.Component{LogTags: logTags},
		SubscriberParams: params,
		state:            StateDisconnected,
		runCtxt:          runCtxt,
		cancel:           cancel,
		loopDone:         make(chan struct{}),
		wait:             waitFor,
		now:              time.Now,
	}
	params.Metrics.SetSubscriberState(string(StateDisconnected))
	return instanceImpl, nil
}

func waitFor(ctxt context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctxt.Done():
		return false
	case <-timer.C:
		return true
	}
}

// State current subscriber state
func (s *subscriberImpl) State() SubscriberState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// PersistentFailure whether the upstream has failed past the retry bound
func (s *subscriberImpl) PersistentFailure() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.persistent
}

func (s *subscriberImpl) setState(state SubscriberState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StateShutdown || s.state == state {
		return
	}
	log.WithFields(s.LogTags).Infof("Subscriber %s -> %s", s.state, state)
	s.state = state
	s.Metrics.SetSubscriberState(string(state))
}

func (s *subscriberImpl) setPersistentFailure(flag bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.persistent = flag
	if flag {
		s.Metrics.PersistentFailure.Set(1)
	} else {
		s.Metrics.PersistentFailure.Set(0)
	}
}

// Start begin the receive loop in the background
func (s *subscriberImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("subscriber already started")
	}
	if s.state == StateShutdown {
		return fmt.Errorf("subscriber already stopped")
	}
	s.started = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(s.loopDone)
		defer s.setState(StateShutdown)
		log.WithFields(s.LogTags).Info("Starting subscriber loop")
		defer log.WithFields(s.LogTags).Info("Subscriber loop stopped")
		s.run()
	}()
	return nil
}

// Stop end the receive loop and release the upstream. Returns once the loop
// has exited: no broadcast is in flight and the upstream is closed.
func (s *subscriberImpl) Stop() {
	s.cancel()
	s.lock.Lock()
	started := s.started
	s.lock.Unlock()
	if started {
		<-s.loopDone
		return
	}
	// Never started, so no loop to do the transition
	s.setState(StateShutdown)
}

// run dial, consume until the upstream is lost, then redial with backoff
func (s *subscriberImpl) run() {
	// consecutive failures, counting both a lost upstream and failed dials
	failures := 0
	delays := s.Backoff.sequence()
	var delay time.Duration
	for {
		if failures > 0 {
			if !s.wait(s.runCtxt, delay) {
				return
			}
			s.Metrics.ReconnectAttempts.Inc()
		}
		if s.runCtxt.Err() != nil {
			return
		}

		upstream, err := s.Dialer(s.runCtxt)
		if err != nil {
			if s.runCtxt.Err() != nil {
				return
			}
			failures++
			delay = delays.NextBackOff()
			if failures >= s.MaxAttempts {
				s.setPersistentFailure(true)
				log.WithError(err).WithFields(s.LogTags).Warnf(
					"Upstream still unreachable after %d failures", failures,
				)
			} else {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Upstream connect failed, retry in %s", delay,
				)
			}
			continue
		}

		failures = 0
		delays.Reset()
		s.setPersistentFailure(false)
		s.setState(StateConnected)
		s.consume(upstream)
		if err := upstream.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Upstream close failed")
		}
		if s.runCtxt.Err() != nil {
			return
		}
		s.setState(StateDisconnected)
		failures = 1
		delay = delays.NextBackOff()
	}
}

// consume read messages until the upstream is lost or the loop is stopped
func (s *subscriberImpl) consume(upstream UpstreamChannel) {
	for {
		msg, err := upstream.NextMessage(s.runCtxt)
		if err != nil {
			if s.runCtxt.Err() != nil {
				return
			}
			if errors.Is(err, core.ErrSlowConsumer) {
				s.Metrics.SlowConsumerEvents.Inc()
				log.WithError(err).WithFields(s.LogTags).Warn("Upstream dropped messages")
				continue
			}
			log.WithError(err).WithFields(s.LogTags).Error("Upstream connection lost")
			return
		}
		// Queued messages can still be handed out after a stop
		if s.runCtxt.Err() != nil {
			return
		}
		s.Metrics.MessagesReceived.Inc()
		s.processMessage(msg)
	}
}

// processMessage validate then broadcast one message. Nothing raised here
// escapes the receive loop.
func (s *subscriberImpl) processMessage(msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.Metrics.MessagesDropped.WithLabelValues("panic").Inc()
			log.WithFields(s.LogTags).Errorf("Recovered while processing message: %v", r)
		}
	}()

	event, err := s.Validator.ValidateObservation(msg)
	if err != nil {
		reason := string(events.KindOf(err))
		if reason == "" {
			reason = "unknown"
		}
		s.Metrics.MessagesDropped.WithLabelValues(reason).Inc()
		entry := log.WithError(err).WithFields(s.LogTags)
		var vErr *events.ValidationError
		if errors.As(err, &vErr) {
			entry = entry.WithField("excerpt", vErr.Excerpt)
		}
		entry.Warn("Dropped invalid message")
		return
	}

	delivered, err := s.Broadcaster.BroadcastToAll(events.TypeObservation, event)
	if err != nil {
		s.Metrics.MessagesDropped.WithLabelValues("broadcast").Inc()
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to broadcast %s", event)
		return
	}
	if published, err := event.PublishTime(); err == nil {
		if latency := s.now().Sub(published); latency >= 0 {
			s.Metrics.DeliveryLatency.Observe(latency.Seconds())
		}
	}
	log.WithFields(s.LogTags).Debugf("Broadcast %s to %d connections", event, delivered)
}
