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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/buoycast/common"
	"github.com/stretchr/testify/assert"
)

func TestDefineHTTPServer(t *testing.T) {
	assert := assert.New(t)

	config := common.HTTPServerConfig{
		ListenOn: "127.0.0.1", Port: 3000, ReadTimeout: 60, WriteTimeout: 0, IdleTimeout: 600,
	}

	deadlineErrs := make(chan error, 1)
	probeDeadline := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadlineErrs <- http.NewResponseController(w).SetWriteDeadline(time.Now().Add(time.Second))
		w.WriteHeader(http.StatusOK)
	})

	// Case 1: plain server keeps per-write deadlines available
	{
		uut := defineHTTPServer(config, probeDeadline, false)
		assert.Equal("127.0.0.1:3000", uut.Addr)
		assert.Equal(time.Duration(0), uut.WriteTimeout)
		assert.Equal(time.Second*60, uut.ReadTimeout)
		assert.Equal(time.Second*600, uut.IdleTimeout)

		server := httptest.NewUnstartedServer(uut.Handler)
		server.Start()
		defer server.Close()
		resp, err := http.Get(server.URL)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
		assert.Nil(<-deadlineErrs)
	}

	// Case 2: h2c wraps the handler
	{
		uut := defineHTTPServer(config, probeDeadline, true)
		_, plain := uut.Handler.(http.HandlerFunc)
		assert.False(plain)
	}
}
