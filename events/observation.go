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

// Package events defines the payloads pushed to streaming clients, and validates
// observation messages read off the pub/sub channel before they are broadcast.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event type labels used in stream frames
const (
	// TypeConnection is sent once per new streaming connection
	TypeConnection = "connection"
	// TypeObservation is sent for every new observation
	TypeObservation = "observation"
)

// ObservationEvent one buoy observation as broadcast to streaming clients.
//
// Sensor readings are nullable; a nil reading is encoded as an explicit null.
type ObservationEvent struct {
	// StationID is the buoy station code
	StationID string `json:"stationId" validate:"required,max=64"`
	// Timestamp is when the observation was taken (RFC 3339)
	Timestamp string `json:"timestamp" validate:"required"`
	// PublishedAt is when the publisher emitted the event (RFC 3339)
	PublishedAt string `json:"publishedAt" validate:"required"`
	// WaveHeight significant wave height in meters
	WaveHeight *float64 `json:"waveHeight"`
	// WindSpeed in meters per second
	WindSpeed *float64 `json:"windSpeed"`
	// WindDirection in degrees from true north
	WindDirection *float64 `json:"windDirection"`
	// WaterTemp sea surface temperature in degrees Celsius
	WaterTemp *float64 `json:"waterTemp"`
	// Pressure sea level pressure in hPa
	Pressure *float64 `json:"pressure"`
}

// String toString function
func (e ObservationEvent) String() string {
	return fmt.Sprintf("OBS[%s@%s]", e.StationID, e.Timestamp)
}

// ObservedAt parse the observation timestamp
func (e ObservationEvent) ObservedAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// PublishTime parse the publish timestamp
func (e ObservationEvent) PublishTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.PublishedAt)
}

// Encode serialize the event for publishing
func (e ObservationEvent) Encode() ([]byte, error) {
	return json.Marshal(&e)
}

// FormatTimestamp format a time the way event timestamps are written
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ConnectionEvent handshake payload sent once per new streaming connection
type ConnectionEvent struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ConnectionStatusOK is the handshake status literal
const ConnectionStatusOK = "ok"

// NewConnectionEvent define a new handshake payload
func NewConnectionEvent(now time.Time) ConnectionEvent {
	return ConnectionEvent{Status: ConnectionStatusOK, Timestamp: FormatTimestamp(now)}
}

// ==============================================================================

// sensorFields is the list of nullable sensor keys
var sensorFields = []string{"waveHeight", "windSpeed", "windDirection", "waterTemp", "pressure"}

// ObservationValidator parses and checks raw observation messages
type ObservationValidator struct {
	validate *validator.Validate
}

// NewObservationValidator define a new ObservationValidator
func NewObservationValidator() *ObservationValidator {
	return &ObservationValidator{validate: validator.New()}
}

// ValidateObservation parse and check one raw message. The returned error is
// always a *ValidationError of kind MalformedPayload or SchemaViolation.
func (v *ObservationValidator) ValidateObservation(raw []byte) (ObservationEvent, error) {
	if !json.Valid(raw) {
		return ObservationEvent{}, newValidationError(MalformedPayload, "", raw, "not well-formed JSON")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ObservationEvent{}, newValidationError(SchemaViolation, "", raw, "not a JSON object")
	}

	var result ObservationEvent
	var err error
	if result.StationID, err = readString(fields, "stationId", raw); err != nil {
		return ObservationEvent{}, err
	}
	if result.Timestamp, err = readTimestamp(fields, "timestamp", raw); err != nil {
		return ObservationEvent{}, err
	}
	if result.PublishedAt, err = readTimestamp(fields, "publishedAt", raw); err != nil {
		return ObservationEvent{}, err
	}

	readings := make([]*float64, len(sensorFields))
	for idx, name := range sensorFields {
		if readings[idx], err = readReading(fields, name, raw); err != nil {
			return ObservationEvent{}, err
		}
	}
	result.WaveHeight = readings[0]
	result.WindSpeed = readings[1]
	result.WindDirection = readings[2]
	result.WaterTemp = readings[3]
	result.Pressure = readings[4]

	if err := v.validate.Struct(&result); err != nil {
		return ObservationEvent{}, newValidationError(SchemaViolation, "", raw, err.Error())
	}
	return result, nil
}

// readString read a required non-empty string field
func readString(fields map[string]json.RawMessage, name string, raw []byte) (string, error) {
	value, ok := fields[name]
	if !ok {
		return "", newValidationError(SchemaViolation, name, raw, "missing")
	}
	var parsed string
	if err := json.Unmarshal(value, &parsed); err != nil || isNull(value) {
		return "", newValidationError(SchemaViolation, name, raw, "not a string")
	}
	if parsed == "" {
		return "", newValidationError(SchemaViolation, name, raw, "empty")
	}
	return parsed, nil
}

// readTimestamp read a required RFC 3339 string field
func readTimestamp(fields map[string]json.RawMessage, name string, raw []byte) (string, error) {
	parsed, err := readString(fields, name, raw)
	if err != nil {
		return "", err
	}
	if _, err := time.Parse(time.RFC3339Nano, parsed); err != nil {
		return "", newValidationError(SchemaViolation, name, raw, "not an ISO-8601 timestamp")
	}
	return parsed, nil
}

// readReading read a nullable numeric field. Absent and null both give nil.
func readReading(fields map[string]json.RawMessage, name string, raw []byte) (*float64, error) {
	value, ok := fields[name]
	if !ok || isNull(value) {
		return nil, nil
	}
	var parsed float64
	if err := json.Unmarshal(value, &parsed); err != nil {
		return nil, newValidationError(SchemaViolation, name, raw, "not a number or null")
	}
	return &parsed, nil
}

func isNull(value json.RawMessage) bool {
	return string(value) == "null"
}
