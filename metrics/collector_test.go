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
package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRegistration(t *testing.T) {
	assert := assert.New(t)

	registry := prometheus.NewRegistry()
	uut, err := NewCollector(registry)
	assert.Nil(err)

	// Case 1: the same registry can't hold two collectors
	{
		_, err := NewCollector(registry)
		assert.NotNil(err)
	}

	// Case 2: separate registries are independent
	{
		other, err := NewCollector(prometheus.NewRegistry())
		assert.Nil(err)
		uut.ConnectionsOpened.Inc()
		assert.Equal(1.0, testutil.ToFloat64(uut.ConnectionsOpened))
		assert.Equal(0.0, testutil.ToFloat64(other.ConnectionsOpened))
	}
}

func TestCollectorSubscriberState(t *testing.T) {
	assert := assert.New(t)

	uut, err := NewCollector(prometheus.NewRegistry())
	assert.Nil(err)

	for _, active := range []string{StateConnected, StateDisconnected, StateShutdown} {
		uut.SetSubscriberState(active)
		for _, state := range []string{StateDisconnected, StateConnected, StateShutdown} {
			expected := 0.0
			if state == active {
				expected = 1.0
			}
			assert.Equal(expected, testutil.ToFloat64(uut.SubscriberState.WithLabelValues(state)))
		}
	}
}

func TestCollectorHandler(t *testing.T) {
	assert := assert.New(t)

	uut, err := NewCollector(prometheus.NewRegistry())
	assert.Nil(err)
	uut.ConnectionsClosed.WithLabelValues(CloseReasonEvicted).Add(3)
	uut.FetchRounds.Inc()

	req, err := http.NewRequest("GET", "/metrics", nil)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	uut.Handler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)

	body, err := io.ReadAll(respRecorder.Body)
	assert.Nil(err)
	text := string(body)
	assert.True(strings.Contains(text, `buoycast_stream_connections_closed_total{reason="evicted"} 3`))
	assert.True(strings.Contains(text, "buoycast_ingest_fetch_rounds_total 1"))
}
