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

// Package stream tracks live streaming connections and fans frames out to them.
package stream

import (
	"errors"
	"sort"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ErrConnectionClosed returned when writing to a connection that was closed
var ErrConnectionClosed = errors.New("connection closed")

// Connection one live streaming client. Implementations must be comparable
// (pointer types), the registry keys off the handle itself.
type Connection interface {
	// WriteFrame write one complete frame to the client
	WriteFrame(frame []byte) error
	// Close release the connection. Subsequent writes fail.
	Close() error
}

// ConnectionRegistry the set of connections currently able to receive broadcasts
type ConnectionRegistry interface {
	// Add register a connection
	Add(conn Connection)
	// Remove deregister a connection. Returns false if it was not registered.
	Remove(conn Connection) bool
	// Count number of registered connections
	Count() int
	// ForEachSnapshot call fn for every connection registered at the time of the
	// call, in registration order. fn may add or remove connections.
	ForEachSnapshot(fn func(conn Connection))
	// CloseAll deregister and close every connection
	CloseAll() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	goutils.Component
	lock    sync.Mutex
	nextSeq uint64
	members map[Connection]uint64
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) ConnectionRegistry {
	logTags := log.Fields{
		"module": "stream", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component: goutils.Component{LogTags: logTags},
		members:   make(map[Connection]uint64),
	}
}

// Add register a connection
func (r *connectionRegistryImpl) Add(conn Connection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[conn]; ok {
		log.WithFields(r.LogTags).Warn("Connection already registered")
		return
	}
	r.nextSeq++
	r.members[conn] = r.nextSeq
}

// Remove deregister a connection
func (r *connectionRegistryImpl) Remove(conn Connection) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.members[conn]; !ok {
		return false
	}
	delete(r.members, conn)
	return true
}

// Count number of registered connections
func (r *connectionRegistryImpl) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.members)
}

// snapshot copy of the membership in registration order
func (r *connectionRegistryImpl) snapshot() []Connection {
	r.lock.Lock()
	type entry struct {
		conn Connection
		seq  uint64
	}
	entries := make([]entry, 0, len(r.members))
	for conn, seq := range r.members {
		entries = append(entries, entry{conn: conn, seq: seq})
	}
	r.lock.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	result := make([]Connection, len(entries))
	for idx, oneEntry := range entries {
		result[idx] = oneEntry.conn
	}
	return result
}

// ForEachSnapshot iterate over a snapshot of the membership
func (r *connectionRegistryImpl) ForEachSnapshot(fn func(conn Connection)) {
	for _, conn := range r.snapshot() {
		fn(conn)
	}
}

// CloseAll deregister and close every connection
func (r *connectionRegistryImpl) CloseAll() int {
	members := r.snapshot()
	closed := 0
	for _, conn := range members {
		if !r.Remove(conn) {
			continue
		}
		if err := conn.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to close connection")
		}
		closed++
	}
	log.WithFields(r.LogTags).Infof("Closed %d connections", closed)
	return closed
}
