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
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStations     = []byte("stations")
	bucketObservations = []byte("observations")
)

// observationKeyFormat fixed width, so byte order is time order
const observationKeyFormat = "20060102T150405Z"

func observationKey(t time.Time) []byte {
	return []byte(t.UTC().Format(observationKeyFormat))
}

// boltStore ObservationStore backed by a bbolt file
type boltStore struct {
	goutils.Component
	db       *bolt.DB
	validate *validator.Validate
}

// NewBoltStore open (or create) a bbolt backed ObservationStore
func NewBoltStore(dbPath string, openTimeout time.Duration) (ObservationStore, error) {
	logTags := log.Fields{"module": "storage", "component": "bolt", "instance": dbPath}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStations, bucketObservations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare buckets")
		_ = db.Close()
		return nil, err
	}

	log.WithFields(logTags).Info("Opened observation store")
	return &boltStore{
		Component: goutils.Component{LogTags: logTags},
		db:        db,
		validate:  validator.New(),
	}, nil
}

// Close closes the database
func (s *boltStore) Close() error {
	return s.db.Close()
}

// UpsertStation create or replace a station entry
func (s *boltStore) UpsertStation(station Station) error {
	if err := s.validate.Struct(&station); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Invalid %s", station)
		return err
	}
	station.LatestObservation = nil
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&station)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStations).Put([]byte(station.ID), data)
	})
}

// latestObservation time of the newest observation of a station, if any
func latestObservation(tx *bolt.Tx, stationID string) *time.Time {
	history := tx.Bucket(bucketObservations).Bucket([]byte(stationID))
	if history == nil {
		return nil
	}
	key, _ := history.Cursor().Last()
	if key == nil {
		return nil
	}
	parsed, err := time.Parse(observationKeyFormat, string(key))
	if err != nil {
		return nil
	}
	return &parsed
}

// ListStations list all stations ordered by ID
func (s *boltStore) ListStations() ([]Station, error) {
	stations := []Station{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStations).ForEach(func(k, v []byte) error {
			var station Station
			if err := json.Unmarshal(v, &station); err != nil {
				return err
			}
			station.LatestObservation = latestObservation(tx, station.ID)
			stations = append(stations, station)
			return nil
		})
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list stations")
		return nil, err
	}
	return stations, nil
}

// GetStation fetch one station
func (s *boltStore) GetStation(stationID string) (Station, error) {
	var station Station
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStations).Get([]byte(stationID))
		if data == nil {
			return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
		}
		if err := json.Unmarshal(data, &station); err != nil {
			return err
		}
		station.LatestObservation = latestObservation(tx, stationID)
		return nil
	})
	return station, err
}

// UpsertObservation record an observation
func (s *boltStore) UpsertObservation(obs Observation) (bool, error) {
	if err := s.validate.Struct(&obs); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Invalid %s", obs)
		return false, err
	}
	obs.ObservedAt = obs.ObservedAt.UTC().Truncate(time.Second)
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		history, err := tx.Bucket(bucketObservations).CreateBucketIfNotExists([]byte(obs.StationID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(&obs)
		if err != nil {
			return err
		}
		key := observationKey(obs.ObservedAt)
		created = history.Get(key) == nil
		return history.Put(key, data)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to store %s", obs)
		return false, err
	}
	return created, nil
}

// RecentObservations the newest "limit" observations of a station, in
// ascending time order
func (s *boltStore) RecentObservations(stationID string, limit int) ([]Observation, error) {
	if limit < 1 {
		return nil, fmt.Errorf("limit must be positive: %d", limit)
	}
	result := []Observation{}
	err := s.db.View(func(tx *bolt.Tx) error {
		history := tx.Bucket(bucketObservations).Bucket([]byte(stationID))
		if history == nil {
			return nil
		}
		cursor := history.Cursor()
		for k, v := cursor.Last(); k != nil && len(result) < limit; k, v = cursor.Prev() {
			var obs Observation
			if err := json.Unmarshal(v, &obs); err != nil {
				return err
			}
			result = append(result, obs)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to read observations of %s", stationID,
		)
		return nil, err
	}
	// newest first -> oldest first
	for left, right := 0, len(result)-1; left < right; left, right = left+1, right-1 {
		result[left], result[right] = result[right], result[left]
	}
	return result, nil
}
