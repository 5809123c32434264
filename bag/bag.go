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

// Package bag implements DistributedBag: an unordered, multi-producer set of
// opaque items mirrored locally by every observer via a small token
// directory, so watching for new members never requires a children-watch on
// a large, constantly churning directory.
package bag

import (
	"errors"
	"sync"

	"github.com/dubbogo/go-zookeeper/zk"
	perrors "github.com/pkg/errors"

	"github.com/zkensemble/zkensemble/counter"
	"github.com/zkensemble/zkensemble/deletewatch"
	"github.com/zkensemble/zkensemble/zkconn"
	"github.com/zkensemble/zkensemble/zklog"
)

const (
	itemDir  = "/item"
	tokenDir = "/token"

	itemPrefix  = itemDir + "/item"
	tokenPrefix = tokenDir + "/token"
)

// AddCallback is invoked once per id, after the id has been inserted into
// the bag's local set, in ascending id order.
type AddCallback func(id int)

// RemoveCallback is invoked once per id, after the id has been removed from
// the bag's local set.
type RemoveCallback func(id int)

// Bag mirrors the live members of a DistributedBag rooted at path. Every Bag
// value is itself an observer: it maintains its own in-memory projection of
// `<path>/item`, fed by a children-watch on the much smaller `<path>/token`.
type Bag struct {
	conn zkconn.Conn
	reg  *deletewatch.Registry
	path string

	mu      sync.RWMutex
	ids     map[int]struct{}
	watches map[int]*deletewatch.Watch
	maxTok  int

	addCbs []AddCallback
	rmCbs  []RemoveCallback
}

// New creates or attaches to a DistributedBag rooted at path, creating
// `<path>/item` and `<path>/token` if missing, populating the initial id set
// from whatever items already exist, and arming the token children-watch.
func New(conn zkconn.Conn, reg *deletewatch.Registry, path string) (*Bag, error) {
	if err := conn.CreateRecursive(path+itemDir, nil); err != nil {
		return nil, perrors.Wrapf(err, "bag: create item dir under %s", path)
	}
	if err := conn.CreateRecursive(path+tokenDir, nil); err != nil {
		return nil, perrors.Wrapf(err, "bag: create token dir under %s", path)
	}

	b := &Bag{
		conn:    conn,
		reg:     reg,
		path:    path,
		ids:     make(map[int]struct{}),
		watches: make(map[int]*deletewatch.Watch),
		maxTok:  counter.None,
	}

	children, events, err := conn.ChildrenW(path + tokenDir)
	if err != nil {
		return nil, perrors.Wrapf(err, "bag: initial children watch on %s", path+tokenDir)
	}
	b.maxTok = counter.Max(children)
	b.cleanupTokens(children, b.maxTok)
	go b.watchTokens(events)

	items, err := conn.Children(path + itemDir)
	if err != nil {
		return nil, perrors.Wrapf(err, "bag: list initial items under %s", path)
	}
	for _, child := range items {
		id, err := counter.Value(child)
		if err != nil {
			continue
		}
		b.onNewID(id)
	}

	return b, nil
}

// Add creates a new item znode with the given payload, optionally ephemeral
// (tied to this session), and returns the assigned id. The token for the new
// id is created asynchronously and stale tokens below it are cleaned up
// asynchronously; neither is required to complete before Add returns.
func (b *Bag) Add(data []byte, ephemeral bool) (int, error) {
	flags := int32(zk.FlagSequence)
	if ephemeral {
		flags |= zk.FlagEphemeral
	}
	created, err := b.conn.Create(b.path+itemPrefix, data, flags)
	if err != nil {
		return 0, perrors.Wrapf(err, "bag: add under %s", b.path)
	}
	id, err := counter.Value(created)
	if err != nil {
		return 0, perrors.Wrapf(err, "bag: parse assigned id from %s", created)
	}

	b.conn.AsyncCreate(counter.Path(b.path+tokenPrefix, id), nil, 0)
	if id > 0 {
		if children, err := b.conn.Children(b.path + tokenDir); err == nil {
			b.cleanupTokens(children, id)
		}
	}
	return id, nil
}

// Remove deletes the item znode for id. Returns true if it existed.
func (b *Bag) Remove(id int) (bool, error) {
	p := counter.Path(b.path+itemPrefix, id)
	existed, err := b.conn.Exists(p)
	if err != nil {
		return false, perrors.Wrapf(err, "bag: check existence of item %d", id)
	}
	if !existed {
		return false, nil
	}
	if err := b.conn.Delete(p); err != nil {
		return false, perrors.Wrapf(err, "bag: delete item %d", id)
	}
	return true, nil
}

// Get returns the current payload for id, or (nil, false) if it has been
// removed.
func (b *Bag) Get(id int) ([]byte, bool, error) {
	data, err := b.conn.Get(counter.Path(b.path+itemPrefix, id))
	if err != nil {
		if errors.Is(err, zkconn.ErrNoNode) {
			return nil, false, nil
		}
		return nil, false, perrors.Wrapf(err, "bag: get item %d", id)
	}
	return data, true, nil
}

// AddListeners atomically registers callbacks and returns a snapshot of the
// currently known ids. A newly registered addCb is not retroactively invoked
// for ids already in the snapshot: combining the two is the caller's job.
func (b *Bag) AddListeners(addCb AddCallback, rmCb RemoveCallback) map[int]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addCb != nil {
		b.addCbs = append(b.addCbs, addCb)
	}
	if rmCb != nil {
		b.rmCbs = append(b.rmCbs, rmCb)
	}
	return snapshot(b.ids)
}

// GetItems returns a snapshot copy of the currently known ids.
func (b *Bag) GetItems() map[int]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return snapshot(b.ids)
}

func snapshot(ids map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(ids))
	for id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// cleanupTokens asynchronously deletes every token below newMax, keeping
// `<path>/token` sized O(1) in steady state.
func (b *Bag) cleanupTokens(children []string, newMax int) {
	for _, child := range children {
		id, err := counter.Value(child)
		if err != nil {
			continue
		}
		if id < newMax {
			b.conn.AsyncDelete(counter.Path(b.path+tokenPrefix, id))
		}
	}
}

// watchTokens is the observer loop: it re-arms the token children-watch
// until the event channel closes or re-arming fails, each time advancing
// maxTok up to the new maximum one id at a time so add callbacks fire in
// strict id order.
func (b *Bag) watchTokens(events <-chan zk.Event) {
	for {
		event, ok := <-events
		if !ok {
			return
		}
		switch event.State {
		case zk.StateDisconnected, zk.StateExpired, zk.StateAuthFailed:
			zklog.Infof("bag{%s}: token watch event arrived in state %s, waiting for reconnect", b.path, event.State)
		}

		children, nextEvents, err := b.conn.ChildrenW(b.path + tokenDir)
		if err != nil {
			zklog.Warnf("bag{%s}: failed to re-arm token watch: %v", b.path, err)
			return
		}
		b.advance(children)
		events = nextEvents
	}
}

func (b *Bag) advance(children []string) {
	newMax := counter.Max(children)
	b.mu.Lock()
	for b.maxTok < newMax {
		b.maxTok++
		b.onNewIDLocked(b.maxTok)
	}
	b.mu.Unlock()
}

// onNewID is used by the construction-time populate step. The token watch
// goroutine is already running by then, so it takes the lock itself.
func (b *Bag) onNewID(id int) {
	b.mu.Lock()
	b.onNewIDLocked(id)
	b.mu.Unlock()
}

// onNewIDLocked must be called with b.mu held for writing.
func (b *Bag) onNewIDLocked(id int) {
	if _, present := b.ids[id]; present {
		// Already learned about this id (populate raced a token arriving for
		// an item it had listed directly); its watch is armed and its add
		// callbacks have fired.
		return
	}
	b.ids[id] = struct{}{}
	w, err := b.reg.Add(counter.Path(b.path+itemPrefix, id), func(*deletewatch.Watch) error {
		b.onDeleteID(id)
		return nil
	})
	if err != nil {
		zklog.Warnf("bag{%s}: failed to arm deletion watch for item %d: %v", b.path, id, err)
	}
	b.watches[id] = w

	for _, cb := range b.addCbs {
		cb(id)
	}
}

// onDeleteID is invoked from the deletewatch registry's own goroutine, so it
// takes the lock independently of the token-advance path.
func (b *Bag) onDeleteID(id int) {
	b.mu.Lock()
	if _, present := b.ids[id]; !present {
		b.mu.Unlock()
		return
	}
	delete(b.ids, id)
	cbs := b.rmCbs
	delete(b.watches, id)
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(id)
	}
}
