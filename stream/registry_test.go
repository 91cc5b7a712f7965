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
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// mockConnection records frames written to it, and optionally fails every write
type mockConnection struct {
	name      string
	lock      sync.Mutex
	frames    []string
	failWrite bool
	closed    bool
	onWrite   func()
}

func newMockConnection(name string, failWrite bool) *mockConnection {
	return &mockConnection{name: name, failWrite: failWrite}
}

func (c *mockConnection) WriteFrame(frame []byte) error {
	if c.onWrite != nil {
		c.onWrite()
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.failWrite {
		return fmt.Errorf("broken pipe")
	}
	c.frames = append(c.frames, string(frame))
	return nil
}

func (c *mockConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *mockConnection) received() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, len(c.frames))
	copy(result, c.frames)
	return result
}

func (c *mockConnection) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func TestRegistryAddRemoveCount(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetConnectionRegistry("testing")
	assert.Equal(0, uut.Count())

	conns := make([]*mockConnection, 10)
	for itr := range conns {
		conns[itr] = newMockConnection(fmt.Sprintf("conn-%d", itr), false)
	}

	// Case 1: remove a connection never added
	{
		assert.False(uut.Remove(conns[0]))
		assert.Equal(0, uut.Count())
	}

	// Case 2: random add / remove sequence matches a reference set
	{
		rng := rand.New(rand.NewSource(42))
		reference := map[*mockConnection]bool{}
		for itr := 0; itr < 500; itr++ {
			target := conns[rng.Intn(len(conns))]
			if rng.Intn(2) == 0 {
				if !reference[target] {
					uut.Add(target)
					reference[target] = true
				}
			} else {
				removed := uut.Remove(target)
				assert.Equal(reference[target], removed)
				delete(reference, target)
			}
			assert.Equal(len(reference), uut.Count())
		}
	}

	// Case 3: double remove decrements once
	{
		for _, conn := range conns {
			uut.Remove(conn)
		}
		assert.Equal(0, uut.Count())
		uut.Add(conns[0])
		uut.Add(conns[1])
		assert.Equal(2, uut.Count())
		assert.True(uut.Remove(conns[0]))
		assert.False(uut.Remove(conns[0]))
		assert.Equal(1, uut.Count())
	}

	// Case 4: duplicate add is ignored
	{
		uut.Add(conns[1])
		assert.Equal(1, uut.Count())
	}
}

func TestRegistryConcurrentRemove(t *testing.T) {
	assert := assert.New(t)

	uut := GetConnectionRegistry("testing")

	for round := 0; round < 50; round++ {
		target := newMockConnection("target", false)
		bystander := newMockConnection("bystander", false)
		uut.Add(target)
		uut.Add(bystander)

		var removed int32
		start := make(chan struct{})
		wg := sync.WaitGroup{}
		for itr := 0; itr < 8; itr++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if uut.Remove(target) {
					atomic.AddInt32(&removed, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(int32(1), atomic.LoadInt32(&removed))
		assert.Equal(1, uut.Count())
		assert.True(uut.Remove(bystander))
		assert.Equal(0, uut.Count())
	}
}

func TestRegistrySnapshot(t *testing.T) {
	assert := assert.New(t)

	uut := GetConnectionRegistry("testing")

	conns := make([]*mockConnection, 5)
	for itr := range conns {
		conns[itr] = newMockConnection(fmt.Sprintf("conn-%d", itr), false)
		uut.Add(conns[itr])
	}

	// Case 1: registration order
	{
		visited := []string{}
		uut.ForEachSnapshot(func(conn Connection) {
			visited = append(visited, conn.(*mockConnection).name)
		})
		assert.Equal([]string{"conn-0", "conn-1", "conn-2", "conn-3", "conn-4"}, visited)
	}

	// Case 2: mutation during iteration only affects the next snapshot
	{
		late := newMockConnection("late", false)
		visited := []string{}
		uut.ForEachSnapshot(func(conn Connection) {
			name := conn.(*mockConnection).name
			visited = append(visited, name)
			if name == "conn-1" {
				assert.True(uut.Remove(conns[1]))
				assert.True(uut.Remove(conns[3]))
				uut.Add(late)
			}
		})
		assert.Equal([]string{"conn-0", "conn-1", "conn-2", "conn-3", "conn-4"}, visited)

		visited = []string{}
		uut.ForEachSnapshot(func(conn Connection) {
			visited = append(visited, conn.(*mockConnection).name)
		})
		assert.Equal([]string{"conn-0", "conn-2", "conn-4", "late"}, visited)
	}

	// Case 3: close everything
	{
		assert.Equal(4, uut.CloseAll())
		assert.Equal(0, uut.Count())
		assert.True(conns[0].isClosed())
		assert.False(conns[1].isClosed())
		assert.Equal(0, uut.CloseAll())
	}
}
