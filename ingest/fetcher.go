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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// StationFetcher download the realtime file of one station
type StationFetcher interface {
	// Fetch the caller closes the returned body
	Fetch(ctxt context.Context, stationID string) (io.ReadCloser, error)
}

// httpStationFetcher fetch station files over HTTP
type httpStationFetcher struct {
	goutils.Component
	baseURL string
	client  *http.Client
}

// GetHTTPStationFetcher define a new StationFetcher reading {baseURL}/{station}.txt
func GetHTTPStationFetcher(baseURL string, timeout time.Duration) (StationFetcher, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "ingest", "component": "fetcher", "instance": baseURL}
	return &httpStationFetcher{
		Component: goutils.Component{LogTags: logTags},
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Fetch download the realtime file of one station
func (f *httpStationFetcher) Fetch(ctxt context.Context, stationID string) (io.ReadCloser, error) {
	target := fmt.Sprintf("%s/%s.txt", f.baseURL, url.PathEscape(stationID))
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf("GET %s failed", target)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		err := fmt.Errorf("GET %s returned %d", target, resp.StatusCode)
		log.WithError(err).WithFields(f.LogTags).Error("Station fetch rejected")
		return nil, err
	}
	log.WithFields(f.LogTags).Debugf("Fetched %s", target)
	return resp.Body, nil
}
