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
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// ErrSlowConsumer the client dropped messages because the reader fell behind.
// The subscription is still usable.
var ErrSlowConsumer = nats.ErrSlowConsumer

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// NoReconnect disable the client's own reconnect logic. The connection is
	// closed on the first disconnect.
	NoReconnect bool
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient a NATS client connection
type NatsClient struct {
	goutils.Component
	nc           *nats.Conn
	flushTimeout time.Duration
}

// defaultFlushTimeout bounds a publish flush when neither the caller nor the
// connect parameters give a deadline
const defaultFlushTimeout = time.Second * 5

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	options := []nats.Option{}
	if param.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(param.ConnectTimeout))
	}
	if param.NoReconnect {
		options = append(options, nats.NoReconnect())
	} else {
		options = append(
			options,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(param.MaxReconnectAttempt),
			nats.ReconnectWait(param.ReconnectWait),
		)
	}
	if param.OnDisconnectCallback != nil {
		options = append(options, nats.DisconnectErrHandler(param.OnDisconnectCallback))
	}
	if param.OnReconnectCallback != nil {
		options = append(options, nats.ReconnectHandler(param.OnReconnectCallback))
	}
	if param.OnCloseCallback != nil {
		options = append(options, nats.ClosedHandler(param.OnCloseCallback))
	}
	nc, err := nats.Connect(param.ServerURI, options...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	flushTimeout := param.ConnectTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &NatsClient{
		Component: goutils.Component{LogTags: logTags}, nc: nc, flushTimeout: flushTimeout,
	}, nil
}

// NATs fetch the NATS client
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// Connected whether the client is currently connected
func (c *NatsClient) Connected() bool {
	return c.nc.Status() == nats.CONNECTED
}

// Close close a NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if c.nc.IsClosed() {
		return
	}
	if c.nc.IsConnected() {
		if err := c.nc.FlushWithContext(ctxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
		}
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Publish publish a message on a subject, and wait for the server to accept it
func (c *NatsClient) Publish(ctxt context.Context, subject string, msg []byte) error {
	if err := c.nc.Publish(subject, msg); err != nil {
		return err
	}
	// FlushWithContext refuses a context without a deadline
	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, c.flushTimeout)
		defer cancel()
	}
	return c.nc.FlushWithContext(ctxt)
}

// ==============================================================================

// NatsChannel one subject subscription over a dedicated NATS connection.
//
// The connection does not reconnect on its own: after a disconnect every read
// fails, and the owner is expected to dial a new channel.
type NatsChannel struct {
	goutils.Component
	client *NatsClient
	sub    *nats.Subscription
}

// DialNatsChannel connect to NATS and subscribe to a subject
func DialNatsChannel(param NATSConnectParams, subject string) (*NatsChannel, error) {
	if subject == "" {
		return nil, fmt.Errorf("no subject given")
	}
	param.NoReconnect = true
	client, err := GetNatsClient(param)
	if err != nil {
		return nil, err
	}
	sub, err := client.nc.SubscribeSync(subject)
	if err != nil {
		log.WithError(err).WithFields(client.LogTags).Errorf("Unable to subscribe to %s", subject)
		client.nc.Close()
		return nil, err
	}
	// Make sure the server has the subscription before returning
	if err := client.nc.Flush(); err != nil {
		log.WithError(err).WithFields(client.LogTags).Errorf("Unable to confirm subscription to %s", subject)
		client.nc.Close()
		return nil, err
	}
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-channel",
		"instance":  param.ServerURI,
		"subject":   subject,
	}
	return &NatsChannel{
		Component: goutils.Component{LogTags: logTags}, client: client, sub: sub,
	}, nil
}

// NextMessage block until the next message arrives, the context is done, or
// the connection is lost
func (c *NatsChannel) NextMessage(ctxt context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctxt)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close unsubscribe and close the connection
func (c *NatsChannel) Close() error {
	if c.sub.IsValid() {
		if err := c.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unsubscribe failed")
		} else {
			log.WithFields(c.LogTags).Info("Unsubscribed from subject")
		}
	}
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.client.Close(ctxt)
	return nil
}
