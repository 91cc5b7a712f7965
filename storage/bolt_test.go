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

package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func reading(v float64) *float64 {
	return &v
}

func TestBoltStoreStations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dbPath := filepath.Join(t.TempDir(), "stations.db")
	uut, err := NewBoltStore(dbPath, time.Second)
	assert.Nil(err)

	// Case 0: empty catalog
	{
		stations, err := uut.ListStations()
		assert.Nil(err)
		assert.Empty(stations)
		_, err = uut.GetStation("41001")
		assert.True(errors.Is(err, ErrNotFound))
	}

	// Case 1: insert then replace
	{
		assert.Nil(uut.UpsertStation(Station{ID: "46026", Name: "San Francisco", Latitude: 37.75, Longitude: -122.84}))
		assert.Nil(uut.UpsertStation(Station{ID: "41001", Name: "East Hatteras", Latitude: 34.7, Longitude: -72.7}))
		assert.Nil(uut.UpsertStation(Station{ID: "41001", Name: "East of Cape Hatteras", Latitude: 34.7, Longitude: -72.7}))
		stations, err := uut.ListStations()
		assert.Nil(err)
		assert.Len(stations, 2)
		assert.Equal("41001", stations[0].ID)
		assert.Equal("East of Cape Hatteras", stations[0].Name)
		assert.Equal("46026", stations[1].ID)
		assert.Nil(stations[0].LatestObservation)
	}

	// Case 2: invalid station
	{
		assert.NotNil(uut.UpsertStation(Station{ID: ""}))
		assert.NotNil(uut.UpsertStation(Station{ID: "X", Latitude: 91}))
	}

	// Case 3: latest observation reported on read
	{
		observedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
		created, err := uut.UpsertObservation(Observation{StationID: "41001", ObservedAt: observedAt})
		assert.Nil(err)
		assert.True(created)
		station, err := uut.GetStation("41001")
		assert.Nil(err)
		assert.NotNil(station.LatestObservation)
		assert.Equal(observedAt, station.LatestObservation.UTC())
	}

	// Case 4: data survives a reopen
	{
		assert.Nil(uut.Close())
		uut, err = NewBoltStore(dbPath, time.Second)
		assert.Nil(err)
		stations, err := uut.ListStations()
		assert.Nil(err)
		assert.Len(stations, 2)
		assert.Nil(uut.Close())
	}
}

func TestBoltStoreObservations(t *testing.T) {
	assert := assert.New(t)

	uut, err := NewBoltStore(filepath.Join(t.TempDir(), "observations.db"), time.Second)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	// Case 0: unknown station has no history
	{
		result, err := uut.RecentObservations("41001", 10)
		assert.Nil(err)
		assert.Empty(result)
		_, err = uut.RecentObservations("41001", 0)
		assert.NotNil(err)
	}

	// Case 1: insert out of order, read back in time order
	{
		for _, hour := range []int{5, 1, 3, 0, 4, 2} {
			created, err := uut.UpsertObservation(Observation{
				StationID:  "41001",
				ObservedAt: base.Add(time.Hour * time.Duration(hour)),
				WaveHeight: reading(float64(hour)),
			})
			assert.Nil(err)
			assert.True(created)
		}
		result, err := uut.RecentObservations("41001", 100)
		assert.Nil(err)
		assert.Len(result, 6)
		for idx, obs := range result {
			assert.Equal(base.Add(time.Hour*time.Duration(idx)), obs.ObservedAt.UTC())
			assert.Equal(float64(idx), *obs.WaveHeight)
		}
	}

	// Case 2: limit keeps the newest
	{
		result, err := uut.RecentObservations("41001", 2)
		assert.Nil(err)
		assert.Len(result, 2)
		assert.Equal(base.Add(time.Hour*4), result[0].ObservedAt.UTC())
		assert.Equal(base.Add(time.Hour*5), result[1].ObservedAt.UTC())
	}

	// Case 3: same time again is an update, not a new observation
	{
		created, err := uut.UpsertObservation(Observation{
			StationID:  "41001",
			ObservedAt: base.Add(time.Hour * 5).In(time.FixedZone("EST", -5*3600)),
			WaveHeight: reading(9.5),
			Pressure:   reading(1013.1),
		})
		assert.Nil(err)
		assert.False(created)
		result, err := uut.RecentObservations("41001", 1)
		assert.Nil(err)
		assert.Len(result, 1)
		assert.Equal(9.5, *result[0].WaveHeight)
		assert.Equal(1013.1, *result[0].Pressure)
		assert.Nil(result[0].WindSpeed)
	}

	// Case 4: stations are kept apart
	{
		created, err := uut.UpsertObservation(Observation{StationID: "46026", ObservedAt: base})
		assert.Nil(err)
		assert.True(created)
		result, err := uut.RecentObservations("46026", 10)
		assert.Nil(err)
		assert.Len(result, 1)
		result, err = uut.RecentObservations("41001", 10)
		assert.Nil(err)
		assert.Len(result, 6)
	}

	// Case 5: invalid observation
	{
		_, err := uut.UpsertObservation(Observation{ObservedAt: base})
		assert.NotNil(err)
	}
}

func TestObservationToEvent(t *testing.T) {
	assert := assert.New(t)

	obs := Observation{
		StationID:  "41001",
		ObservedAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		WindSpeed:  reading(5.5),
	}
	event := obs.ToEvent(time.Date(2024, 1, 15, 12, 3, 10, 250000000, time.UTC))
	assert.Equal("41001", event.StationID)
	assert.Equal("2024-01-15T12:00:00Z", event.Timestamp)
	assert.Equal("2024-01-15T12:03:10.25Z", event.PublishedAt)
	assert.Equal(5.5, *event.WindSpeed)
	assert.Nil(event.WaveHeight)
}
