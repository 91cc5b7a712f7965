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

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()
	defer viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Stream)
		assert.NotNil(cfg.Ingest)
		assert.Equal(DefaultObservationSubject, cfg.Stream.Subject)
		assert.Equal(DefaultObservationSubject, cfg.Ingest.Subject)
		assert.Equal(0, cfg.Stream.HTTPSetting.Server.WriteTimeout)
		assert.Equal(time.Millisecond*500, cfg.Stream.Subscriber.InitialBackoffDuration())
		assert.Equal(time.Second*30, cfg.Stream.Subscriber.MaxBackoffDuration())
		assert.Equal(0.2, cfg.Stream.Subscriber.Jitter)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
stream:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: backoff cap below the initial delay
	{
		config := []byte(`---
stream:
  subscriber:
    initial_backoff_ms: 1000
    max_backoff_ms: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: jitter out of range
	{
		config := []byte(`---
stream:
  subscriber:
    initial_backoff_ms: 100
    max_backoff_ms: 1000
    backoff_jitter: 1.5`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: stations list
	{
		config := []byte(`---
ingest:
  stations:
    - id: "41001"
      name: East Hatteras
      latitude: 34.7
      longitude: -72.7
    - id: "46026"
      name: San Francisco
      latitude: 37.75
      longitude: -122.84`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Len(cfg.Ingest.Stations, 2)
		assert.Equal("46026", cfg.Ingest.Stations[1].ID)
	}

	// Case 6: invalid station
	{
		config := []byte(`---
ingest:
  stations:
    - id: "41001"
      latitude: 134.7`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
