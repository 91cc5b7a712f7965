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

// Package storage persists the buoy station catalog and the observations read
// from each station.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/buoycast/events"
)

// ErrNotFound the requested station is not known
var ErrNotFound = errors.New("not found")

// Station one buoy station in the catalog
type Station struct {
	ID        string  `json:"id" validate:"required"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	// LatestObservation time of the newest stored observation, filled on read
	LatestObservation *time.Time `json:"latestObservation,omitempty"`
}

// String toString function
func (s Station) String() string {
	return fmt.Sprintf("STATION[%s]", s.ID)
}

// Observation one set of sensor readings from a station
type Observation struct {
	StationID     string    `json:"stationId" validate:"required"`
	ObservedAt    time.Time `json:"timestamp" validate:"required"`
	WaveHeight    *float64  `json:"waveHeight"`
	WindSpeed     *float64  `json:"windSpeed"`
	WindDirection *float64  `json:"windDirection"`
	WaterTemp     *float64  `json:"waterTemp"`
	Pressure      *float64  `json:"pressure"`
}

// String toString function
func (o Observation) String() string {
	return fmt.Sprintf("OBS[%s@%s]", o.StationID, o.ObservedAt.UTC().Format(time.RFC3339))
}

// ToEvent convert into the event published for streaming clients
func (o Observation) ToEvent(publishedAt time.Time) events.ObservationEvent {
	return events.ObservationEvent{
		StationID:     o.StationID,
		Timestamp:     events.FormatTimestamp(o.ObservedAt),
		PublishedAt:   events.FormatTimestamp(publishedAt),
		WaveHeight:    o.WaveHeight,
		WindSpeed:     o.WindSpeed,
		WindDirection: o.WindDirection,
		WaterTemp:     o.WaterTemp,
		Pressure:      o.Pressure,
	}
}

// ObservationStore station catalog and observation history
type ObservationStore interface {
	// UpsertStation create or replace a station entry
	UpsertStation(station Station) error
	// ListStations list all stations ordered by ID
	ListStations() ([]Station, error)
	// GetStation fetch one station. Returns ErrNotFound if unknown.
	GetStation(stationID string) (Station, error)
	// UpsertObservation record an observation. created is false when an
	// observation for the same station and time was already stored.
	UpsertObservation(obs Observation) (created bool, err error)
	// RecentObservations the newest "limit" observations of a station, in
	// ascending time order
	RecentObservations(stationID string, limit int) ([]Observation, error)
	// Close release the store
	Close() error
}
