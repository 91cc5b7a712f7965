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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimer(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, &wg, "testing")
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 1: immediate call then periodic calls
	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	assert.Eventually(func() bool {
		return atomic.LoadInt32(&value) >= 1
	}, time.Millisecond*50, time.Millisecond*5)
	assert.Eventually(func() bool {
		return atomic.LoadInt32(&value) >= 3
	}, time.Second, time.Millisecond*10)

	// Case 2: can't start twice
	assert.NotNil(uut.Start(time.Millisecond*100, callback, false))

	// Case 3: stopped timer no longer fires
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 20)
	current := atomic.LoadInt32(&value)
	time.Sleep(time.Millisecond * 250)
	assert.Equal(current, atomic.LoadInt32(&value))

	// Case 4: restart after stop
	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	assert.Eventually(func() bool {
		return atomic.LoadInt32(&value) > current
	}, time.Second, time.Millisecond*10)
	assert.Nil(uut.Stop())
}
