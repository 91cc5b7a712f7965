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
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskSubmitAfterStop(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
	assert.Nil(err)

	// Case 1: nothing reads the queue, submit times out
	{
		lclCtxt, lclCancel := context.WithTimeout(context.Background(), time.Millisecond*20)
		assert.NotNil(uut.Submit(lclCtxt, "hello"))
		lclCancel()
	}

	// Case 2: stopped processor rejects tasks
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.Submit(context.Background(), "hello"))
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: invalid worker count
	{
		_, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 4, 0)
		assert.NotNil(err)
	}

	uut, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 4, 3)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	uutc := uut.(*taskDemuxProcessorImpl)
	assert.Equal(0, uutc.routeIdx)
	assert.Len(uutc.workers, 3)

	assert.Nil(uut.StartEventLoop(&wg))

	type testStruct1 struct{}
	type testStruct2 struct{}

	lock := sync.Mutex{}
	path1 := 0
	path2 := 0
	testWG := sync.WaitGroup{}
	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			lock.Lock()
			defer lock.Unlock()
			path1++
			testWG.Done()
			return nil
		},
		reflect.TypeOf(testStruct2{}): func(p interface{}) error {
			lock.Lock()
			defer lock.Unlock()
			path2++
			testWG.Done()
			return nil
		},
	}
	assert.Nil(uut.SetTaskExecutionMap(executorMap))

	// Case 1: trigger
	{
		testWG.Add(1)
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		cancel()
		testWG.Wait()
		lock.Lock()
		assert.Equal(1, path1)
		lock.Unlock()
	}

	// Case 2: trigger back to back
	{
		testWG.Add(3)
		for _, task := range []interface{}{testStruct1{}, testStruct2{}, testStruct2{}} {
			useContext, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(useContext, task))
			cancel()
		}
		testWG.Wait()
		lock.Lock()
		assert.Equal(2, path1)
		assert.Equal(2, path2)
		lock.Unlock()
	}
}
