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

// Package deletewatch implements the one building block everything else in
// this module sits on: a one-shot "exists -> deleted" watch on a single
// znode, multiplexed across however many local listeners asked to be told
// when it disappears.
//
// A Registry owns one armed watch per path per session. Multiple callers
// asking to watch the same path piggyback on the same watch instead of each
// installing their own: this is what keeps a DistributedBag or LeaderQueue
// from doubling its ZooKeeper watch count every time two local candidates
// happen to depend on the same predecessor.
package deletewatch

import (
	"errors"
	"sync"

	"github.com/dubbogo/go-zookeeper/zk"
	perrors "github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/zkensemble/zkensemble/zkconn"
	"github.com/zkensemble/zkensemble/zklog"
)

// ErrCancel is a callback's way of unsubscribing itself. Returning it from a
// Callback is not treated as a failure: it's logged at debug level and the
// callback is removed from the watch's list, same as any other error would
// be, but without the warning-level noise.
var ErrCancel = errors.New("deletewatch: callback requested cancellation")

// Callback is invoked with the Watch it was registered on when the watched
// znode is observed to not exist. Returning a non-nil error unsubscribes the
// callback; ErrCancel does so quietly, anything else is logged as a failure.
type Callback func(w *Watch) error

// registration is one callback plus enough identity to find and remove it
// again later, since func values in Go only compare equal to nil.
type registration struct {
	cb Callback
}

// Watch is the handle returned by Registry.Add. Close drops this caller's
// callbacks from the underlying shared watch without affecting co-listeners.
type Watch struct {
	Path string

	reg   *Registry
	owned []*registration
}

// Close removes this Watch's callbacks from the registry. It does not fire
// them. Safe to call more than once.
func (w *Watch) Close() {
	if len(w.owned) == 0 {
		return
	}
	w.reg.remove(w.Path, w.owned)
	w.owned = nil
}

type entry struct {
	mu    sync.Mutex
	regs  []*registration
	fired bool

	// generation counts how many times watch has re-armed for this entry
	// across reconnects. It's incremented from the entry's own watch
	// goroutine and read from whatever goroutine calls Registry.Generation,
	// so it's atomic rather than guarded by mu.
	generation atomic.Uint64
}

// Registry multiplexes deletion watches for one ZooKeeper session. Every
// DistributedBag and LeaderQueue instance built on the same zkconn.Conn
// should share one Registry.
type Registry struct {
	conn zkconn.Conn

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry backed by conn.
func NewRegistry(conn zkconn.Conn) *Registry {
	return &Registry{
		conn:    conn,
		entries: make(map[string]*entry),
	}
}

// Generation reports how many times the exists-watch backing path has been
// (re-)armed, including the initial arm. It is 0 if path has no armed watch
// in this registry (either nothing was ever added for it, or it already
// fired). Exposed for diagnostics and tests asserting a watch survived a
// reconnect rather than being torn down and silently never re-armed.
func (r *Registry) Generation(path string) uint64 {
	r.mu.Lock()
	e, ok := r.entries[path]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return e.generation.Load()
}

// Add registers callbacks to be invoked, exactly once each, when path is
// next observed to not exist. If the path already has an armed watch in
// this registry, the callbacks piggyback on it; otherwise a new exists
// watch is installed.
//
// A newly added co-listener gets an immediate synthetic notification if
// the node is already absent at registration time, rather than waiting for
// a future ZooKeeper event that may never come (the node may already be
// gone).
func (r *Registry) Add(path string, callbacks ...Callback) (*Watch, error) {
	w := &Watch{Path: path, reg: r}
	if len(callbacks) == 0 {
		return w, nil
	}
	for _, cb := range callbacks {
		w.owned = append(w.owned, &registration{cb: cb})
	}

	r.mu.Lock()
	e, ok := r.entries[path]
	isNew := !ok
	if isNew {
		e = &entry{}
		r.entries[path] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.regs = append(e.regs, w.owned...)
	alreadyFired := e.fired
	e.mu.Unlock()

	if alreadyFired {
		// The shared watch already observed deletion and disbanded; the
		// caller is too late to the party, so just tell them directly.
		// Dispatched on its own goroutine: Add is called with component
		// locks held (bag, leaderqueue) and the callback will want to take
		// them again.
		go r.invoke(path, w.owned)
		return w, nil
	}

	if isNew {
		go r.watch(path, e)
		return w, nil
	}

	// Piggyback path: synthesize the current state for the new listeners
	// only, without disturbing the shared watch.
	exists, err := r.conn.Exists(path)
	if err != nil {
		zklog.Warnf("deletewatch: exists(%s) failed while enrolling co-listener: %v", path, err)
		return w, nil
	}
	if !exists {
		go r.invoke(path, w.owned)
	}
	return w, nil
}

func (r *Registry) remove(path string, owned []*registration) {
	r.mu.Lock()
	e, ok := r.entries[path]
	r.mu.Unlock()
	if !ok {
		return
	}
	remove := make(map[*registration]struct{}, len(owned))
	for _, reg := range owned {
		remove[reg] = struct{}{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.regs[:0:0]
	for _, reg := range e.regs {
		if _, drop := remove[reg]; !drop {
			kept = append(kept, reg)
		}
	}
	e.regs = kept
}

// watch arms the exists watch for path and loops: re-checking, re-arming,
// and re-resolving across reconnects, until the node is actually observed
// absent, at which point every current registration fires once and the
// entry is retired.
//
// A missing node is not taken as deleted outright: current is first
// re-resolved, since it may be a symlink chain whose target moved. Only
// when resolution fails, or resolves to the same path we already found
// absent, do the listeners get notified.
func (r *Registry) watch(path string, e *entry) {
	current := path
	for {
		e.generation.Inc()
		exists, events, err := r.conn.ExistsW(current)
		if err != nil {
			zklog.Warnf("deletewatch: arming exists watch on %s failed, treating as deleted: %v", current, err)
			r.finish(path, e)
			return
		}
		if !exists {
			resolved, rerr := r.conn.Resolve(current)
			if rerr != nil {
				zklog.Warnf("deletewatch: resolve(%s) failed after observing absence, treating as deleted: %+v", current, perrors.WithStack(rerr))
				r.finish(path, e)
				return
			}
			if resolved != current {
				current = resolved
				continue
			}
			r.finish(path, e)
			return
		}

		event, ok := <-events
		if !ok {
			r.finish(path, e)
			return
		}
		switch event.State {
		case zk.StateDisconnected, zk.StateExpired, zk.StateAuthFailed:
			zklog.Infof("deletewatch: watch event for %s arrived in state %s, waiting for reconnect", current, event.State)
		}
		// loop around: re-check existence regardless of event.Type, since a
		// DataChanged event on an exists-watch means the node is still
		// there and we just need to re-arm.
	}
}

func (r *Registry) finish(path string, e *entry) {
	e.mu.Lock()
	if e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	regs := e.regs
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, path)
	r.mu.Unlock()

	r.invoke(path, regs)
}

func (r *Registry) invoke(path string, regs []*registration) {
	for _, reg := range regs {
		w := &Watch{Path: path, reg: r, owned: []*registration{reg}}
		err := safeCall(reg.cb, w)
		switch {
		case err == nil:
		case err == ErrCancel:
			zklog.Debugf("deletewatch: callback on %s cancelled itself", path)
		default:
			zklog.Errorf("deletewatch: callback on %s failed: %+v", path, err)
		}
	}
}

func safeCall(cb Callback, w *Watch) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = perrors.Errorf("deletewatch: callback panicked: %v", p)
		}
	}()
	return cb(w)
}
