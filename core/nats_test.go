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

package core

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

func TestNatsChannelPublishSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "core_test",
		"component": "NatsChannel",
		"instance":  "basic",
	}

	params := NATSConnectParams{
		ServerURI:           server.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}

	publisher, err := GetNatsClient(params)
	assert.Nil(err)
	defer publisher.Close(utCtxt)
	assert.True(publisher.Connected())

	subject := uuid.NewString()

	// Case 0: invalid subject
	{
		_, err := DialNatsChannel(params, "")
		assert.NotNil(err)
	}

	uut, err := DialNatsChannel(params, subject)
	assert.Nil(err)

	// Case 1: messages arrive in order
	{
		assert.Nil(publisher.Publish(utCtxt, subject, []byte("msg-1")))
		assert.Nil(publisher.Publish(utCtxt, subject, []byte("msg-2")))
		msg, err := uut.NextMessage(utCtxt)
		assert.Nil(err)
		assert.Equal("msg-1", string(msg))
		msg, err = uut.NextMessage(utCtxt)
		assert.Nil(err)
		assert.Equal("msg-2", string(msg))
	}

	// Case 2: context timeout
	{
		lclCtxt, lclCancel := context.WithTimeout(utCtxt, time.Millisecond*50)
		_, err := uut.NextMessage(lclCtxt)
		lclCancel()
		assert.NotNil(err)
	}

	// Case 3: closed channel
	{
		assert.Nil(uut.Close())
		assert.Nil(uut.Close())
		_, err := uut.NextMessage(utCtxt)
		assert.NotNil(err)
	}
}

func TestNatsChannelServerLoss(t *testing.T) {
	assert := assert.New(t)

	server := natsserver.RunRandClientPortServer()

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	params := NATSConnectParams{ServerURI: server.ClientURL(), ConnectTimeout: time.Second}
	uut, err := DialNatsChannel(params, uuid.NewString())
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Reads fail once the server goes away, instead of blocking
	readErr := make(chan error, 1)
	go func() {
		_, err := uut.NextMessage(utCtxt)
		readErr <- err
	}()
	time.Sleep(time.Millisecond * 50)
	server.Shutdown()

	select {
	case err := <-readErr:
		assert.NotNil(err)
		assert.NotEqual(context.DeadlineExceeded, err)
	case <-time.After(time.Second * 5):
		assert.Fail("read did not fail after server loss")
	}

	// Can't dial while the server is down
	_, err = DialNatsChannel(params, uuid.NewString())
	assert.NotNil(err)
}

func TestNatsClientPublishWithoutDeadline(t *testing.T) {
	assert := assert.New(t)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	params := NATSConnectParams{ServerURI: server.ClientURL(), ConnectTimeout: time.Second}
	publisher, err := GetNatsClient(params)
	assert.Nil(err)
	defer publisher.Close(utCtxt)

	subject := uuid.NewString()
	uut, err := DialNatsChannel(params, subject)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	// Case 1: a cancel-only context, as long running workers hold
	{
		workerCtxt, workerCancel := context.WithCancel(context.Background())
		defer workerCancel()
		assert.Nil(publisher.Publish(workerCtxt, subject, []byte("msg-1")))
		msg, err := uut.NextMessage(utCtxt)
		assert.Nil(err)
		assert.Equal("msg-1", string(msg))
	}

	// Case 2: background context
	{
		assert.Nil(publisher.Publish(context.Background(), subject, []byte("msg-2")))
		msg, err := uut.NextMessage(utCtxt)
		assert.Nil(err)
		assert.Equal("msg-2", string(msg))
	}
}
