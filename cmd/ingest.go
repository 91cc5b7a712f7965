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
	"github.com/alwitt/buoycast/ingest"
	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/buoycast/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// storeOpenTimeout how long to wait for the store file lock
const storeOpenTimeout = time.Second * 5

// RunIngestServer run the ingest worker and the catalog API server until the
// context is cancelled
func RunIngestServer(
	runTimeContext context.Context,
	config *common.IngestServerConfig,
	natsClient *core.NatsClient,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "ingest",
		"instance":  instance,
	}
	if config == nil {
		return fmt.Errorf("ingest server can't start without its configurations")
	}

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics collector")
		return err
	}

	store, err := storage.NewBoltStore(config.Storage.DBPath, storeOpenTimeout)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open observation store %s", config.Storage.DBPath,
		)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close observation store")
		}
	}()

	publisher, err := dataplane.GetObservationPublisher(
		natsClient, config.Subject, collector, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return err
	}

	fetcher, err := ingest.GetHTTPStationFetcher(
		config.Fetch.BaseURL, time.Second*time.Duration(config.Fetch.Timeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define station fetcher")
		return err
	}

	workerCtxt, workerCancel := context.WithCancel(runTimeContext)
	defer workerCancel()
	worker, err := ingest.GetWorker(workerCtxt, wg, ingest.WorkerParams{
		Stations:  config.Stations,
		Fetcher:   fetcher,
		Store:     store,
		Publisher: publisher,
		Metrics:   collector,
		Interval:  time.Second * time.Duration(config.Fetch.Interval),
		MaxRows:   config.Fetch.MaxRows,
		Workers:   config.Fetch.Workers,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingest worker")
		return err
	}

	httpHandler, err := apis.GetAPIRestCatalogHandler(
		&config.HTTPSetting, store, natsClient.Connected,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Catalog
	stationRouter := apis.RegisterPathPrefix(mainRouter, "/v1/stations", apis.MethodHandlers{
		"get": httpHandler.ListStationsHandler(),
	})
	perStationRouter := apis.RegisterPathPrefix(stationRouter, "/{stationID}", apis.MethodHandlers{
		"get": httpHandler.GetStationHandler(),
	})
	_ = apis.RegisterPathPrefix(perStationRouter, "/observations", apis.MethodHandlers{
		"get": httpHandler.RecentObservationsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/catalog/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/catalog/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", apis.MethodHandlers{
		"get": collector.Handler().ServeHTTP,
	})

	httpSrv := defineHTTPServer(config.HTTPSetting.Server, router, true)
	serverStopped := startHTTPServer(httpSrv, logTags)

	if err := worker.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start ingest worker")
		stopHTTPServer(httpSrv, logTags)
		return err
	}

	// ============================================================================

	<-runTimeContext.Done()

	if err := worker.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to stop ingest worker")
	}
	workerCancel()
	stopHTTPServer(httpSrv, logTags)
	<-serverStopped

	return nil
}
