/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package zkconn is the thin abstraction the rest of this module programs
// against instead of *zk.Conn directly (see the "Required ZooKeeper
// interface" contract). It owns exactly one concern: turning the client
// library's one-shot watches and connection-state events into something the
// higher-level primitives (deletewatch, bag, leaderqueue, discovery) can
// depend on without each reimplementing reconnect bookkeeping.
package zkconn

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dubbogo/go-zookeeper/zk"
	"github.com/pkg/errors"

	"github.com/zkensemble/zkensemble/zklog"
)

// Conn is the set of ZooKeeper operations consumed by this module's
// coordination primitives. Production code gets one from Connect; tests get
// one from a zk.TestCluster via NewForTest.
type Conn interface {
	// Create makes a single znode (non-recursive) with the given flags
	// (zk.FlagEphemeral / zk.FlagSequence, OR'd or zero) and returns the
	// path ZooKeeper assigned it (relevant for sequence nodes).
	Create(path string, data []byte, flags int32) (string, error)
	// CreateRecursive creates every missing path component above path with
	// empty payloads, then path itself with data. Existing components are
	// left untouched.
	CreateRecursive(path string, data []byte) error
	// Delete removes path. A missing node is not an error.
	Delete(path string) error
	// AsyncCreate is the fire-and-forget form of Create: errors are logged,
	// never returned. Bookkeeping writes (bag tokens, stale-token cleanup)
	// must not block or fail the caller that triggered them.
	AsyncCreate(path string, data []byte, flags int32)
	// AsyncDelete is the fire-and-forget form of Delete.
	AsyncDelete(path string)
	// Get returns path's payload, or ErrNoNode if it doesn't exist.
	Get(path string) ([]byte, error)
	// Exists reports whether path is currently present.
	Exists(path string) (bool, error)
	// ExistsW is Exists plus a channel that fires once, the next time path's
	// existence changes (created, deleted, or data changed).
	ExistsW(path string) (bool, <-chan zk.Event, error)
	// Children lists path's direct children.
	Children(path string) ([]string, error)
	// ChildrenW is Children plus a channel that fires once the next time
	// the child list changes.
	ChildrenW(path string) ([]string, <-chan zk.Event, error)
	// Resolve follows symlink-style indirection for path and returns the
	// concrete path it refers to. The default Session implementation has no
	// notion of symlinks and simply returns path unchanged; it exists so
	// the deletion watch's re-resolve-on-absence step has somewhere to call
	// even when the backing store never redirects.
	Resolve(path string) (string, error)
	// Subscribe registers ch to receive every zk.Event carrying a session
	// state transition (Connecting, Connected, Disconnected, Expired, ...).
	// Events are sent non-blocking; a slow subscriber misses events rather
	// than stalling the session's dispatch loop.
	Subscribe(ch chan<- zk.Event)
	// Unsubscribe undoes a prior Subscribe.
	Unsubscribe(ch chan<- zk.Event)
}

// ErrNoNode mirrors zk.ErrNoNode so callers outside this package don't need
// to import the zk package just to compare errors.
var ErrNoNode = zk.ErrNoNode

// Session is the production Conn, backed by a live *zk.Conn.
type Session struct {
	name string

	mu   sync.RWMutex
	conn *zk.Conn

	exit chan struct{}
	wait sync.WaitGroup

	subsMu sync.RWMutex
	subs   map[chan<- zk.Event]struct{}
}

// Connect dials zkAddrs and starts the background event-dispatch loop.
func Connect(name string, zkAddrs []string, timeout time.Duration) (*Session, error) {
	conn, events, err := zk.Connect(zkAddrs, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "zkconn: connect(%v)", zkAddrs)
	}
	return newSession(name, conn, events), nil
}

// NewForTest spins up an in-process zk.TestCluster and connects to it, so
// tests run against a real single-node ensemble instead of a mock.
func NewForTest(name string, timeout time.Duration) (*zk.TestCluster, *Session, error) {
	ts, err := zk.StartTestCluster(1, nil, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "zkconn: start test cluster")
	}
	conn, events, err := ts.ConnectWithOptions(timeout)
	if err != nil {
		return nil, nil, errors.Wrap(err, "zkconn: connect to test cluster")
	}
	return ts, newSession(name, conn, events), nil
}

func newSession(name string, conn *zk.Conn, events <-chan zk.Event) *Session {
	s := &Session{
		name: name,
		conn: conn,
		exit: make(chan struct{}),
		subs: make(map[chan<- zk.Event]struct{}),
	}
	s.wait.Add(1)
	go s.dispatch(events)
	return s
}

// dispatch fans every session-state event out to subscribers. Per-path watch
// channels returned by ExistsW/ChildrenW are NOT routed through here; they
// come straight from the client library and are one-shot by construction.
func (s *Session) dispatch(events <-chan zk.Event) {
	defer s.wait.Done()
	for {
		select {
		case <-s.exit:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			zklog.Debugf("zkconn{%s}: session event state=%s path=%s err=%v", s.name, event.State, event.Path, event.Err)
			s.broadcast(event)
			if event.State == zk.StateDisconnected {
				// The client library owns reconnection; we only need to
				// make sure nobody is left waiting on a stale conn pointer
				// once the session is well and truly gone.
				continue
			}
		}
	}
}

func (s *Session) broadcast(event zk.Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
			zklog.Warnf("zkconn{%s}: subscriber channel full, dropping state event %s", s.name, event.State)
		}
	}
}

func (s *Session) Subscribe(ch chan<- zk.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[ch] = struct{}{}
}

func (s *Session) Unsubscribe(ch chan<- zk.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, ch)
}

// Close stops the dispatch loop and closes the underlying connection.
func (s *Session) Close() {
	select {
	case <-s.exit:
		return
	default:
		close(s.exit)
	}
	s.wait.Wait()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) getConn() *zk.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) Create(p string, data []byte, flags int32) (string, error) {
	conn := s.getConn()
	if conn == nil {
		return "", errors.Errorf("zkconn: session %s is closed", s.name)
	}
	created, err := conn.Create(p, data, flags, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", errors.Wrapf(err, "zkconn: create(%s)", p)
	}
	return created, nil
}

func (s *Session) CreateRecursive(p string, data []byte) error {
	conn := s.getConn()
	if conn == nil {
		return errors.Errorf("zkconn: session %s is closed", s.name)
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	var tmp string
	for i, part := range parts {
		tmp = path.Join(tmp, "/", part)
		value := []byte{}
		if i == len(parts)-1 {
			value = data
		}
		_, err := conn.Create(tmp, value, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return errors.Wrapf(err, "zkconn: create_recursive(%s) at %s", p, tmp)
		}
	}
	return nil
}

func (s *Session) Delete(p string) error {
	conn := s.getConn()
	if conn == nil {
		return errors.Errorf("zkconn: session %s is closed", s.name)
	}
	err := conn.Delete(p, -1)
	if err != nil && err != zk.ErrNoNode {
		return errors.Wrapf(err, "zkconn: delete(%s)", p)
	}
	return nil
}

func (s *Session) AsyncCreate(p string, data []byte, flags int32) {
	go func() {
		if _, err := s.Create(p, data, flags); err != nil {
			zklog.Warnf("zkconn{%s}: async create(%s) failed: %v", s.name, p, err)
		}
	}()
}

func (s *Session) AsyncDelete(p string) {
	go func() {
		if err := s.Delete(p); err != nil {
			zklog.Warnf("zkconn{%s}: async delete(%s) failed: %v", s.name, p, err)
		}
	}()
}

func (s *Session) Get(p string) ([]byte, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, errors.Errorf("zkconn: session %s is closed", s.name)
	}
	data, _, err := conn.Get(p)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, zk.ErrNoNode
		}
		return nil, errors.Wrapf(err, "zkconn: get(%s)", p)
	}
	return data, nil
}

func (s *Session) Exists(p string) (bool, error) {
	conn := s.getConn()
	if conn == nil {
		return false, errors.Errorf("zkconn: session %s is closed", s.name)
	}
	exists, _, err := conn.Exists(p)
	if err != nil {
		return false, errors.Wrapf(err, "zkconn: exists(%s)", p)
	}
	return exists, nil
}

func (s *Session) ExistsW(p string) (bool, <-chan zk.Event, error) {
	conn := s.getConn()
	if conn == nil {
		return false, nil, errors.Errorf("zkconn: session %s is closed", s.name)
	}
	exists, _, watcher, err := conn.ExistsW(p)
	if err != nil {
		return false, nil, errors.Wrapf(err, "zkconn: existsW(%s)", p)
	}
	return exists, watcher.EvtCh, nil
}

func (s *Session) Children(p string) ([]string, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, errors.Errorf("zkconn: session %s is closed", s.name)
	}
	children, _, err := conn.Children(p)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, zk.ErrNoNode
		}
		return nil, errors.Wrapf(err, "zkconn: children(%s)", p)
	}
	return children, nil
}

func (s *Session) ChildrenW(p string) ([]string, <-chan zk.Event, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, nil, errors.Errorf("zkconn: session %s is closed", s.name)
	}
	children, _, watcher, err := conn.ChildrenW(p)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil, zk.ErrNoNode
		}
		return nil, nil, errors.Wrapf(err, "zkconn: childrenW(%s)", p)
	}
	return children, watcher.EvtCh, nil
}

// Resolve is the identity function: this Session has no symlink-style
// indirection. A store that layers one on top (e.g. a proxy that maps
// logical paths to physical znodes) can wrap Session and override just this
// method.
func (s *Session) Resolve(p string) (string, error) {
	return p, nil
}

var _ Conn = (*Session)(nil)
