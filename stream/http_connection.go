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

package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPConnection is a Connection backed by a long lived HTTP response.
//
// Writes are serialized, and bounded by a write deadline when the underlying
// server supports one. Once closed, the response writer is never touched again,
// so the owning handler may return as soon as Done() fires.
type HTTPConnection struct {
	ID           string
	writer       http.ResponseWriter
	controller   *http.ResponseController
	writeTimeout time.Duration
	lock         sync.Mutex
	closed       bool
	done         chan struct{}
}

// NewHTTPConnection wrap a response writer. The writer must support flushing.
func NewHTTPConnection(
	id string, w http.ResponseWriter, writeTimeout time.Duration,
) (*HTTPConnection, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &HTTPConnection{
		ID:           id,
		writer:       w,
		controller:   http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}, nil
}

// WriteFrame write one frame and flush it to the client
func (c *HTTPConnection) WriteFrame(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		if err := c.controller.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil &&
			!errors.Is(err, http.ErrNotSupported) {
			return err
		}
		defer func() {
			_ = c.controller.SetWriteDeadline(time.Time{})
		}()
	}
	if _, err := c.writer.Write(frame); err != nil {
		return err
	}
	return c.controller.Flush()
}

// Close mark the connection closed and release the owning handler
func (c *HTTPConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done closed once the connection is closed
func (c *HTTPConnection) Done() <-chan struct{} {
	return c.done
}

// String toString function
func (c *HTTPConnection) String() string {
	return fmt.Sprintf("CONN[%s]", c.ID)
}
