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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin calling the handler every interval. If immediate is set, the
	// handler is also called once right away.
	Start(interval time.Duration, handler TimeoutHandler, immediate bool) error
	// Stop stop the timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	goutils.Component
	rootContext   context.Context
	lock          sync.Mutex
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	rootCtxt context.Context, wg *sync.WaitGroup, name string,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   goutils.Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, immediate bool,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		return fmt.Errorf("timer already running")
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		callHandler := func() {
			log.WithFields(t.LogTags).Debug("Calling handler")
			if err := handler(); err != nil {
				log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
			}
		}
		if immediate {
			callHandler()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				callHandler()
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
		t.contextCancel = nil
	}
	return nil
}
