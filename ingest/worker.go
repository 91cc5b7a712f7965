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

package ingest

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/buoycast/common"
	"github.com/alwitt/buoycast/dataplane"
	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/buoycast/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// fetchStationTask fetch one station during a round
type fetchStationTask struct {
	stationID string
	round     uint64
}

// WorkerParams ingest worker dependencies
type WorkerParams struct {
	Stations  []common.StationConfig
	Fetcher   StationFetcher
	Store     storage.ObservationStore
	Publisher dataplane.ObservationPublisher
	Metrics   *metrics.Collector
	// Interval between fetch rounds
	Interval time.Duration
	// MaxRows newest rows kept from one station file
	MaxRows int
	// Workers stations fetched in parallel
	Workers int
}

// Worker periodically fetches every configured station
type Worker interface {
	// Start register the stations, then start fetching right away and on every interval
	Start(wg *sync.WaitGroup) error
	// Stop stop fetching
	Stop() error
	// FetchStation fetch, record and publish one station now. Returns the
	// number of new observations.
	FetchStation(ctxt context.Context, stationID string) (int, error)
}

// workerImpl implements Worker
type workerImpl struct {
	goutils.Component
	WorkerParams
	ctxt      context.Context
	cancel    context.CancelFunc
	timer     common.IntervalTimer
	processor common.TaskProcessor
	roundLock sync.Mutex
	round     uint64
	now       func() time.Time
}

// GetWorker define a new ingest Worker
func GetWorker(
	ctxt context.Context, wg *sync.WaitGroup, params WorkerParams, instance string,
) (Worker, error) {
	logTags := log.Fields{"module": "ingest", "component": "worker", "instance": instance}
	if params.Fetcher == nil || params.Store == nil || params.Publisher == nil ||
		params.Metrics == nil {
		err := fmt.Errorf("ingest worker missing dependencies")
		log.WithError(err).WithFields(logTags).Error("Unable to define worker")
		return nil, err
	}
	if params.Interval <= 0 || params.MaxRows < 1 || params.Workers < 1 {
		err := fmt.Errorf(
			"invalid worker setting interval=%s rows=%d workers=%d",
			params.Interval, params.MaxRows, params.Workers,
		)
		log.WithError(err).WithFields(logTags).Error("Unable to define worker")
		return nil, err
	}

	workerCtxt, cancel := context.WithCancel(ctxt)
	timer, err := common.GetIntervalTimerInstance(workerCtxt, wg, fmt.Sprintf("%s.timer", instance))
	if err != nil {
		cancel()
		return nil, err
	}
	buffer := len(params.Stations)
	if buffer < 1 {
		buffer = 1
	}
	processor, err := common.GetNewTaskDemuxProcessorInstance(
		workerCtxt, fmt.Sprintf("%s.fetch", instance), buffer, params.Workers,
	)
	if err != nil {
		cancel()
		return nil, err
	}

	instanceImpl := &workerImpl{
		Component:    goutils.Component{LogTags: logTags},
		WorkerParams: params,
		ctxt:         workerCtxt,
		cancel:       cancel,
		timer:        timer,
		processor:    processor,
		now:          time.Now,
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(fetchStationTask{}): instanceImpl.processFetchStationTask,
	}); err != nil {
		cancel()
		return nil, err
	}
	return instanceImpl, nil
}

// Start register the stations, then start fetching
func (w *workerImpl) Start(wg *sync.WaitGroup) error {
	for _, station := range w.Stations {
		if err := w.Store.UpsertStation(storage.Station{
			ID:        station.ID,
			Name:      station.Name,
			Latitude:  station.Latitude,
			Longitude: station.Longitude,
		}); err != nil {
			log.WithError(err).WithFields(w.LogTags).Errorf("Unable to register station %s", station.ID)
			return err
		}
	}
	if err := w.processor.StartEventLoop(wg); err != nil {
		return err
	}
	log.WithFields(w.LogTags).Infof(
		"Fetching %d stations every %s", len(w.Stations), w.Interval,
	)
	return w.timer.Start(w.Interval, w.startRound, true)
}

// Stop stop fetching
func (w *workerImpl) Stop() error {
	if err := w.timer.Stop(); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Timer stop failed")
	}
	if err := w.processor.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Processor stop failed")
	}
	w.cancel()
	return nil
}

// startRound queue every station for fetching
func (w *workerImpl) startRound() error {
	w.roundLock.Lock()
	w.round++
	round := w.round
	w.roundLock.Unlock()

	w.Metrics.FetchRounds.Inc()
	log.WithFields(w.LogTags).Debugf("Starting fetch round %d", round)
	for _, station := range w.Stations {
		if err := w.processor.Submit(w.ctxt, fetchStationTask{
			stationID: station.ID, round: round,
		}); err != nil {
			log.WithError(err).WithFields(w.LogTags).Errorf(
				"Unable to queue %s for round %d", station.ID, round,
			)
			return err
		}
	}
	return nil
}

func (w *workerImpl) processFetchStationTask(param interface{}) error {
	task, ok := param.(fetchStationTask)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for fetch station", reflect.TypeOf(param),
		)
	}
	stored, err := w.FetchStation(w.ctxt, task.stationID)
	if err != nil {
		return err
	}
	log.WithFields(w.LogTags).Debugf(
		"Round %d: %d new observations from %s", task.round, stored, task.stationID,
	)
	return nil
}

// FetchStation fetch, record and publish one station now
func (w *workerImpl) FetchStation(ctxt context.Context, stationID string) (int, error) {
	body, err := w.Fetcher.Fetch(ctxt, stationID)
	if err != nil {
		w.Metrics.FetchFailures.WithLabelValues(stationID).Inc()
		return 0, err
	}
	defer func() {
		_ = body.Close()
	}()

	parsed, err := ParseStandardMet(body, stationID, w.MaxRows)
	if parsed.Skipped > 0 {
		w.Metrics.RowsSkipped.Add(float64(parsed.Skipped))
		log.WithFields(w.LogTags).Warnf("Skipped %d rows from %s", parsed.Skipped, stationID)
	}
	if err != nil {
		w.Metrics.FetchFailures.WithLabelValues(stationID).Inc()
		log.WithError(err).WithFields(w.LogTags).Errorf("Unable to parse %s", stationID)
		return 0, err
	}

	stored := 0
	// oldest first, so subscribers see them in time order
	for idx := len(parsed.Observations) - 1; idx >= 0; idx-- {
		obs := parsed.Observations[idx]
		created, err := w.Store.UpsertObservation(obs)
		if err != nil {
			return stored, err
		}
		if !created {
			continue
		}
		stored++
		w.Metrics.ObservationsStored.WithLabelValues(stationID).Inc()
		// best effort, the observation is already stored
		if err := w.Publisher.Publish(ctxt, obs.ToEvent(w.now())); err != nil {
			log.WithError(err).WithFields(w.LogTags).Warnf("Unable to announce %s", obs)
		}
	}
	return stored, nil
}
