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
package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/buoycast/apis"
	"github.com/alwitt/buoycast/common"
	"github.com/alwitt/buoycast/core"
	"github.com/alwitt/buoycast/dataplane"
	"github.com/alwitt/buoycast/events"
	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/buoycast/stream"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// RunStreamServer run the observation stream server until the context is cancelled
func RunStreamServer(
	runTimeContext context.Context,
	config *common.StreamServerConfig,
	natsParam core.NATSConnectParams,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "stream",
		"instance":  instance,
	}
	if config == nil {
		return fmt.Errorf("stream server can't start without its configurations")
	}

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics collector")
		return err
	}

	registry := stream.GetConnectionRegistry(instance)
	broadcaster, err := stream.GetBroadcaster(registry, collector, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	subscriber, err := dataplane.GetSubscriber(runTimeContext, dataplane.SubscriberParams{
		Dialer:      dataplane.NatsUpstreamDialer(natsParam, config.Subject),
		Validator:   events.NewObservationValidator(),
		Broadcaster: broadcaster,
		Metrics:     collector,
		Backoff: dataplane.Backoff{
			Initial:    config.Subscriber.InitialBackoffDuration(),
			Max:        config.Subscriber.MaxBackoffDuration(),
			Multiplier: config.Subscriber.Multiplier,
			Jitter:     config.Subscriber.Jitter,
		},
		MaxAttempts: config.Subscriber.MaxAttempts,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return err
	}

	httpHandler, err := apis.GetAPIRestStreamHandler(
		&config.HTTPSetting,
		registry,
		subscriber,
		collector,
		time.Millisecond*time.Duration(config.WriteTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stream/observations", apis.MethodHandlers{
		"get": httpHandler.StreamObservationsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stream/status", apis.MethodHandlers{
		"get": httpHandler.StatusHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stream/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stream/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", apis.MethodHandlers{
		"get": collector.Handler().ServeHTTP,
	})

	httpSrv := defineHTTPServer(config.HTTPSetting.Server, router, false)
	serverStopped := startHTTPServer(httpSrv, logTags)

	if err := subscriber.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start subscriber")
		stopHTTPServer(httpSrv, logTags)
		return err
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Refuse new streams, stop the inbound side, then end the open streams. The
	// HTTP server can only finish draining once the open streams are gone.
	httpHandler.StopAccepting()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		stopHTTPServer(httpSrv, logTags)
	}()
	subscriber.Stop()
	closed := httpHandler.CloseAllConnections()
	<-shutdownDone
	<-serverStopped
	log.WithFields(logTags).Infof("Stream server stopped, closed %d streams", closed)

	return nil
}
