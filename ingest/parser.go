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

// Package ingest periodically pulls realtime buoy data, records it, and
// publishes every new observation.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/buoycast/storage"
)

// missingValue marks a reading the station did not report
const missingValue = "MM"

// Standard meteorological columns read from a station file
const (
	columnYear          = "YY"
	columnMonth         = "MM"
	columnDay           = "DD"
	columnHour          = "hh"
	columnMinute        = "mm"
	columnWaveHeight    = "WVHT"
	columnWindSpeed     = "WSPD"
	columnWindDirection = "WDIR"
	columnWaterTemp     = "WTMP"
	columnPressure      = "PRES"
)

// ParseResult observations read from one station file
type ParseResult struct {
	// Observations newest first, as listed in the file
	Observations []storage.Observation
	// Skipped number of rows that could not be parsed
	Skipped int
}

// ParseStandardMet parse a realtime standard meteorological station file.
//
// The first "#" line names the columns, later "#" lines are ignored. At most
// maxRows observations are returned. A bad row is skipped, it never fails the
// whole file.
func ParseStandardMet(src io.Reader, stationID string, maxRows int) (ParseResult, error) {
	result := ParseResult{Observations: []storage.Observation{}}
	scanner := bufio.NewScanner(src)
	var columns map[string]int
	for scanner.Scan() && len(result.Observations) < maxRows {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if columns == nil {
				columns = parseHeader(line)
			}
			continue
		}
		if columns == nil {
			return result, fmt.Errorf("station %s: data before column header", stationID)
		}
		obs, err := parseRow(strings.Fields(line), columns, stationID)
		if err != nil {
			result.Skipped++
			continue
		}
		result.Observations = append(result.Observations, obs)
	}
	if err := scanner.Err(); err != nil {
		return result, err
	}
	if columns == nil {
		return result, fmt.Errorf("station %s: no column header", stationID)
	}
	return result, nil
}

func parseHeader(line string) map[string]int {
	columns := map[string]int{}
	for idx, name := range strings.Fields(strings.TrimPrefix(line, "#")) {
		// "#YY" may also be written "# YY"
		columns[strings.TrimPrefix(name, "#")] = idx
	}
	return columns
}

func parseRow(fields []string, columns map[string]int, stationID string) (storage.Observation, error) {
	if len(fields) != len(columns) {
		return storage.Observation{}, fmt.Errorf("expected %d fields, got %d", len(columns), len(fields))
	}
	timeParts := make([]int, 0, 5)
	for _, name := range []string{columnYear, columnMonth, columnDay, columnHour, columnMinute} {
		idx, ok := columns[name]
		if !ok {
			return storage.Observation{}, fmt.Errorf("no %s column", name)
		}
		value, err := strconv.Atoi(fields[idx])
		if err != nil {
			return storage.Observation{}, fmt.Errorf("bad %s value '%s'", name, fields[idx])
		}
		timeParts = append(timeParts, value)
	}
	year, month, day, hour, minute := timeParts[0], timeParts[1], timeParts[2], timeParts[3], timeParts[4]
	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return storage.Observation{}, fmt.Errorf("bad time %v", timeParts)
	}
	observedAt := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	if observedAt.Day() != day {
		return storage.Observation{}, fmt.Errorf("bad date %v", timeParts)
	}

	obs := storage.Observation{StationID: stationID, ObservedAt: observedAt}
	for _, target := range []struct {
		column string
		value  **float64
	}{
		{columnWaveHeight, &obs.WaveHeight},
		{columnWindSpeed, &obs.WindSpeed},
		{columnWindDirection, &obs.WindDirection},
		{columnWaterTemp, &obs.WaterTemp},
		{columnPressure, &obs.Pressure},
	} {
		idx, ok := columns[target.column]
		if !ok || fields[idx] == missingValue {
			continue
		}
		parsed, err := strconv.ParseFloat(fields[idx], 64)
		if err != nil {
			return storage.Observation{}, fmt.Errorf("bad %s value '%s'", target.column, fields[idx])
		}
		*target.value = &parsed
	}
	return obs, nil
}
