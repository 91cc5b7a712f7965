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
// Package cmd assembles and runs the stream and ingest servers.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/buoycast/common"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// shutdownGracePeriod how long the HTTP server gets to drain on shutdown
const shutdownGracePeriod = time.Second * 10

// defineHTTPServer define the HTTP server from config. With cleartextHTTP2, prior
// knowledge HTTP/2 clients are served through h2c. The h2c response writer does
// not support per-write deadlines, so servers holding event streams leave it off.
func defineHTTPServer(
	config common.HTTPServerConfig, handler http.Handler, cleartextHTTP2 bool,
) *http.Server {
	if cleartextHTTP2 {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      handler,
	}
}

// startHTTPServer start serving in the background. The returned channel closes
// once the server stopped.
func startHTTPServer(httpSrv *http.Server, logTags log.Fields) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()
	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)
	return stopped
}

// stopHTTPServer gracefully stop the HTTP server
func stopHTTPServer(httpSrv *http.Server, logTags log.Fields) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
	}
}
