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

package apis

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alwitt/buoycast/common"
	"github.com/alwitt/buoycast/dataplane"
	"github.com/alwitt/buoycast/events"
	"github.com/alwitt/buoycast/metrics"
	"github.com/alwitt/buoycast/stream"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// APIRestStreamHandler REST handler for the observation event stream
type APIRestStreamHandler struct {
	goutils.RestAPIHandler
	registry     stream.ConnectionRegistry
	subscriber   dataplane.Subscriber
	metrics      *metrics.Collector
	writeTimeout time.Duration
	stopping     *atomic.Bool
	now          func() time.Time
}

// GetAPIRestStreamHandler define APIRestStreamHandler
func GetAPIRestStreamHandler(
	httpConfig *common.HTTPConfig,
	registry stream.ConnectionRegistry,
	subscriber dataplane.Subscriber,
	collector *metrics.Collector,
	writeTimeout time.Duration,
) (APIRestStreamHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "stream",
	}
	if registry == nil || subscriber == nil || collector == nil {
		return APIRestStreamHandler{}, fmt.Errorf("stream handler missing dependencies")
	}
	return APIRestStreamHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		subscriber:     subscriber,
		metrics:        collector,
		writeTimeout:   writeTimeout,
		stopping:       &atomic.Bool{},
		now:            time.Now,
	}, nil
}

// StopAccepting refuse new stream connections from now on
func (h APIRestStreamHandler) StopAccepting() {
	if !h.stopping.Swap(true) {
		log.WithFields(h.LogTags).Info("No longer accepting stream connections")
	}
}

// CloseAllConnections close every open stream connection. Returns the number closed.
func (h APIRestStreamHandler) CloseAllConnections() int {
	closed := h.registry.CloseAll()
	h.metrics.ConnectionsClosed.WithLabelValues(metrics.CloseReasonShutdown).Add(float64(closed))
	h.metrics.ConnectionsActive.Sub(float64(closed))
	log.WithFields(h.LogTags).Infof("Closed %d stream connections", closed)
	return closed
}

// release deregister a connection, counting it if this call removed it
func (h APIRestStreamHandler) release(conn *stream.HTTPConnection, reason string) {
	if h.registry.Remove(conn) {
		h.metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
		h.metrics.ConnectionsActive.Dec()
	}
	_ = conn.Close()
}

// =======================================================================
// Event stream

// StreamObservations godoc
// @Summary Stream new observations
// @Description Long lived event stream. A "connection" event is sent first, then one
// "observation" event for every new buoy observation.
// @tags Stream
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stream/observations [get]
func (h APIRestStreamHandler) StreamObservations(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	if h.stopping.Load() {
		msg := "Server stopping"
		if err := h.WriteRESTResponse(
			w,
			http.StatusServiceUnavailable,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}

	connID := uuid.NewString()
	logTags["connection"] = connID
	conn, err := stream.NewHTTPConnection(connID, w, h.writeTimeout)
	if err != nil {
		msg := "Streaming not supported"
		log.WithError(err).WithFields(logTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	h.metrics.ConnectionsOpened.Inc()

	// The handshake goes out before registering, so it is always the first frame
	handshake, err := stream.BuildFrame(events.TypeConnection, events.NewConnectionEvent(h.now()))
	if err == nil {
		err = conn.WriteFrame(handshake)
	}
	if err != nil {
		h.metrics.WriteFailures.WithLabelValues(metrics.PhaseHandshake).Inc()
		h.metrics.ConnectionsClosed.WithLabelValues(metrics.CloseReasonClient).Inc()
		_ = conn.Close()
		log.WithError(err).WithFields(logTags).Info("Stream handshake failed")
		return
	}

	h.registry.Add(conn)
	h.metrics.ConnectionsActive.Inc()
	// Shutdown may have closed everything between the first check and Add
	if h.stopping.Load() {
		h.release(conn, metrics.CloseReasonShutdown)
		return
	}
	log.WithFields(logTags).Infof("Stream opened, %d connections", h.registry.Count())

	select {
	case <-r.Context().Done():
		h.release(conn, metrics.CloseReasonClient)
		log.WithFields(logTags).Info("Stream closed by client")
	case <-conn.Done():
		// Evicted or shut down; whoever closed it already counted it
		h.release(conn, metrics.CloseReasonShutdown)
		log.WithFields(logTags).Info("Stream closed by server")
	}
}

// StreamObservationsHandler Wrapper around StreamObservations
func (h APIRestStreamHandler) StreamObservationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamObservations(w, r)
	}
}

// =======================================================================
// Status

// APIRestRespStreamStatus response for stream status
type APIRestRespStreamStatus struct {
	goutils.RestAPIBaseResponse
	// Subscriber state of the inbound subscriber
	Subscriber string `json:"subscriber"`
	// Connections number of open stream connections
	Connections int `json:"connections"`
	// PersistentFailure whether the upstream has failed past the retry bound
	PersistentFailure bool `json:"persistentFailure"`
}

// Status godoc
// @Summary Stream server status
// @Description Report the inbound subscriber state and the number of open streams
// @tags Stream
// @Produce json
// @Success 200 {object} APIRestRespStreamStatus "success"
// @Router /v1/stream/status [get]
func (h APIRestStreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respBody := APIRestRespStreamStatus{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Subscriber:          string(h.subscriber.State()),
		Connections:         h.registry.Count(),
		PersistentFailure:   h.subscriber.PersistentFailure(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatusHandler Wrapper around Status
func (h APIRestStreamHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Status(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For stream REST API liveness check
// @Description Will return success to indicate stream REST API module is live
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/stream/alive [get]
func (h APIRestStreamHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestStreamHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For stream REST API readiness check
// @Description Will return success if the inbound subscriber is connected
// @tags Stream
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stream/ready [get]
func (h APIRestStreamHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.subscriber.State() == dataplane.StateConnected && !h.stopping.Load() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestStreamHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
