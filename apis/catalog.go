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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/buoycast/common"
	"github.com/alwitt/buoycast/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// Observation history query limits
const (
	DefaultObservationLimit = 24
	MaxObservationLimit     = 500
)

// APIRestCatalogHandler REST handler for the station catalog
type APIRestCatalogHandler struct {
	goutils.RestAPIHandler
	store storage.ObservationStore
	// ready report whether the ingest side is able to serve
	ready func() bool
}

// GetAPIRestCatalogHandler define APIRestCatalogHandler
func GetAPIRestCatalogHandler(
	httpConfig *common.HTTPConfig, store storage.ObservationStore, ready func() bool,
) (APIRestCatalogHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "catalog",
	}
	if store == nil {
		return APIRestCatalogHandler{}, fmt.Errorf("catalog handler needs a store")
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return APIRestCatalogHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		store:          store,
		ready:          ready,
	}, nil
}

// =======================================================================
// Stations

// APIRestRespAllStations response for listing stations
type APIRestRespAllStations struct {
	goutils.RestAPIBaseResponse
	// Stations the known stations
	Stations []storage.Station `json:"stations"`
}

// ListStations godoc
// @Summary List stations
// @Description List every known buoy station
// @tags Catalog
// @Produce json
// @Param Buoycast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllStations "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Buoycast-Request-ID "Request ID to match against logs"
// @Router /v1/stations [get]
func (h APIRestCatalogHandler) ListStations(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stations, err := h.store.ListStations()
	if err != nil {
		msg := "Failed to list stations"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespAllStations{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Stations: stations,
	}
}

// ListStationsHandler Wrapper around ListStations
func (h APIRestCatalogHandler) ListStationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListStations(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneStation response for one station
type APIRestRespOneStation struct {
	goutils.RestAPIBaseResponse
	// Station the requested station
	Station storage.Station `json:"station"`
}

// GetStation godoc
// @Summary Get a station
// @Description Query for one buoy station
// @tags Catalog
// @Produce json
// @Param Buoycast-Request-ID header string false "User provided request ID to match against logs"
// @Param stationID path string true "Station ID"
// @Success 200 {object} APIRestRespOneStation "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Buoycast-Request-ID "Request ID to match against logs"
// @Router /v1/stations/{stationID} [get]
func (h APIRestCatalogHandler) GetStation(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stationID := mux.Vars(r)["stationID"]
	station, err := h.store.GetStation(stationID)
	if err != nil {
		respCode, respBody = h.storeFailure(r, localLogTags, stationID, err)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespOneStation{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Station: station,
	}
}

// GetStationHandler Wrapper around GetStation
func (h APIRestCatalogHandler) GetStationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStation(w, r)
	}
}

// storeFailure map a store error onto a response
func (h APIRestCatalogHandler) storeFailure(
	r *http.Request, logTags log.Fields, stationID string, err error,
) (int, interface{}) {
	if errors.Is(err, storage.ErrNotFound) {
		msg := fmt.Sprintf("Station %s not found", stationID)
		return http.StatusNotFound, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusNotFound, msg, err.Error(),
		)
	}
	msg := fmt.Sprintf("Failed to read station %s", stationID)
	log.WithError(err).WithFields(logTags).Error(msg)
	return http.StatusInternalServerError, h.GetStdRESTErrorMsg(
		r.Context(), http.StatusInternalServerError, msg, err.Error(),
	)
}

// =======================================================================
// Observations

// APIRestRespObservations response for a station's observations
type APIRestRespObservations struct {
	goutils.RestAPIBaseResponse
	// StationID the station queried
	StationID string `json:"stationId"`
	// Observations oldest first
	Observations []storage.Observation `json:"observations"`
}

// RecentObservations godoc
// @Summary Recent observations of a station
// @Description Return the newest observations of a station, oldest first
// @tags Catalog
// @Produce json
// @Param Buoycast-Request-ID header string false "User provided request ID to match against logs"
// @Param stationID path string true "Station ID"
// @Param limit query integer false "Max number of observations (DEFAULT: 24, MAX: 500)"
// @Success 200 {object} APIRestRespObservations "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Buoycast-Request-ID "Request ID to match against logs"
// @Router /v1/stations/{stationID}/observations [get]
func (h APIRestCatalogHandler) RecentObservations(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stationID := mux.Vars(r)["stationID"]
	limit := DefaultObservationLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 || parsed > MaxObservationLimit {
			msg := fmt.Sprintf("limit must be between 1 and %d", MaxObservationLimit)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, rawLimit)
			return
		}
		limit = parsed
	}

	if _, err := h.store.GetStation(stationID); err != nil {
		respCode, respBody = h.storeFailure(r, localLogTags, stationID, err)
		return
	}
	observations, err := h.store.RecentObservations(stationID, limit)
	if err != nil {
		respCode, respBody = h.storeFailure(r, localLogTags, stationID, err)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespObservations{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		StationID:           stationID,
		Observations:        observations,
	}
}

// RecentObservationsHandler Wrapper around RecentObservations
func (h APIRestCatalogHandler) RecentObservationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RecentObservations(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For catalog REST API liveness check
// @Description Will return success to indicate catalog REST API module is live
// @tags Catalog
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/catalog/alive [get]
func (h APIRestCatalogHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestCatalogHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For catalog REST API readiness check
// @Description Will return success if catalog REST API module is ready for use
// @tags Catalog
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/catalog/ready [get]
func (h APIRestCatalogHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestCatalogHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
