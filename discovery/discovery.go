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

// Package discovery publishes and consumes typed service provider records
// under /discovery/<service_class>/<service_name>/<key>, with in-memory
// caching, change callbacks, and fail-over to a local on-disk registry when
// ZooKeeper has nothing to offer.
package discovery

import (
	"math/rand"
	"net"
	"path"
	"strings"
	"sync"

	"github.com/dubbogo/go-zookeeper/zk"
	"github.com/go-playground/validator/v10"
	"github.com/jinzhu/copier"
	perrors "github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"gopkg.in/yaml.v2"

	"github.com/zkensemble/zkensemble/localstore"
	"github.com/zkensemble/zkensemble/zkconn"
	"github.com/zkensemble/zkensemble/zklog"
)

// RootPath is the znode root every Discovery instance publishes records
// under.
const RootPath = "/discovery"

// fallbackKey is stamped on records served from the local fallback store,
// in place of a real znode leaf name.
const fallbackKey = "file"

var validate = validator.New()

// Header is the common envelope every discovery record must carry.
type Header struct {
	ServiceClass string            `yaml:"service_class" validate:"required"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
}

// Record is one provider's published configuration: a required Header plus
// whatever arbitrary body fields the service wants to advertise.
type Record struct {
	Header Header                 `yaml:"header"`
	Body   map[string]interface{} `yaml:",inline"`
}

// ChangeCallback is invoked with the znode path and the record (single
// variant) or record list (multi variant) current when the underlying
// children changed. It receives nil / an empty slice when no providers
// remain.
type ChangeCallback func(znodePath string, recordOrList interface{})

func validateRecord(r *Record, class string) error {
	if err := validate.Struct(r.Header); err != nil {
		return perrors.Wrap(err, "discovery: record failed validation")
	}
	if r.Header.ServiceClass != class {
		return perrors.Errorf("discovery: record has service_class %q, cannot store under class %q", r.Header.ServiceClass, class)
	}
	return nil
}

func setMetadata(r *Record, serviceName, key string) *Record {
	if r.Header.Metadata == nil {
		r.Header.Metadata = make(map[string]string)
	}
	r.Header.Metadata["service_name"] = serviceName
	if key != "" {
		r.Header.Metadata["key"] = key
	}
	return r
}

func cloneRecord(r *Record) *Record {
	var out Record
	if err := copier.Copy(&out, r); err != nil {
		// copier only fails on fundamentally incompatible types, which a
		// Record copied onto itself never is; fall back to returning the
		// source rather than panic or silently drop it.
		zklog.Warnf("discovery: clone failed, returning source record: %v", err)
		return r
	}
	// copier copies map fields by reference; give the clone its own metadata
	// map so setMetadata on it never writes into the cached record.
	if r.Header.Metadata != nil {
		out.Header.Metadata = make(map[string]string, len(r.Header.Metadata))
		for k, v := range r.Header.Metadata {
			out.Header.Metadata[k] = v
		}
	}
	return &out
}

func recordFromDocument(doc localstore.Document) (*Record, error) {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, perrors.Wrap(err, "discovery: re-encode local document")
	}
	var rec Record
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return nil, perrors.Wrap(err, "discovery: decode local document")
	}
	return &rec, nil
}

func znodePath(class, name string, key ...string) string {
	parts := append([]string{RootPath, class, name}, key...)
	return strings.Join(parts, "/")
}

func classAndNameFromPath(p string) (string, string, error) {
	p = strings.TrimSuffix(p, path.Ext(p))
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 {
		return "", "", perrors.Errorf("discovery: cannot parse class/name from path %q", p)
	}
	// class may be nested ("a/b/name"): name is the last segment, class is
	// everything before it.
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

func classAndNameFromZnode(znode string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(znode, RootPath+"/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	// service_class may itself be nested (contain "/"), so name is always
	// the last segment and class is everything before it, not just parts[0].
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}

// localIPv4 returns the first IPv4 address bound to the named interface.
func localIPv4(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", perrors.Wrapf(err, "discovery: interface %s does not exist", iface)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", perrors.Wrapf(err, "discovery: list addresses on %s", iface)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", perrors.Errorf("discovery: interface %s does not have an ipv4 address", iface)
}

// resolveKey returns key unchanged unless it's empty, in which case it is
// derived from iface's local IPv4 address. As an extension beyond a bare
// IP-or-bust policy, an empty iface requests a random synthetic key instead
// of failing, for publishers with no stable network identity (e.g. a batch
// job advertising itself only for the duration of one run).
func resolveKey(key, iface string) (string, error) {
	if key != "" {
		return key, nil
	}
	if iface == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return "", perrors.Wrap(err, "discovery: generate synthetic key")
		}
		return id.String(), nil
	}
	return localIPv4(iface)
}

type cacheEntry struct {
	keys    []string
	records []*Record
}

func (e cacheEntry) empty() bool { return len(e.records) == 0 }

// core holds the state shared by Discovery and MultiDiscovery: the cache,
// the registered callbacks, and the watch bookkeeping that keeps at most one
// children-watch armed per path at a time.
type core struct {
	conn zkconn.Conn
	fs   *localstore.Store

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	callbacks map[string][]ChangeCallback
	watched   map[string]bool

	notify func(znodePath string, e cacheEntry)
}

func newCore(conn zkconn.Conn, fs *localstore.Store) (*core, error) {
	if err := conn.CreateRecursive(RootPath, nil); err != nil {
		return nil, perrors.Wrapf(err, "discovery: create root %s", RootPath)
	}
	return &core{
		conn:      conn,
		fs:        fs,
		cache:     make(map[string]cacheEntry),
		callbacks: make(map[string][]ChangeCallback),
		watched:   make(map[string]bool),
	}, nil
}

func (c *core) getServiceClasses() ([]string, error) {
	exists, err := c.conn.Exists(RootPath)
	if err != nil || !exists {
		return nil, err
	}
	return c.conn.Children(RootPath)
}

func (c *core) getServiceNames(class string) ([]string, error) {
	p := RootPath + "/" + class
	exists, err := c.conn.Exists(p)
	if err != nil || !exists {
		return nil, err
	}
	return c.conn.Children(p)
}

func (c *core) countNodes(class, name string) (int, error) {
	p := znodePath(class, name)
	exists, err := c.conn.Exists(p)
	if err != nil || !exists {
		return 0, err
	}
	children, err := c.conn.Children(p)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// resolve returns the cache entry for class/name, consulting ZooKeeper (and
// arming a watch the first time) if it isn't already cached, and registers
// cb if non-nil. found is false only when neither the cache nor ZooKeeper
// has anything, meaning the caller should fall back to the local store.
func (c *core) resolve(class, name string, cb ChangeCallback) (entry cacheEntry, found bool, err error) {
	p := znodePath(class, name)
	if cb != nil {
		c.mu.Lock()
		c.callbacks[p] = append(c.callbacks[p], cb)
		c.mu.Unlock()
	}

	c.mu.RLock()
	cached, ok := c.cache[p]
	watched := c.watched[p]
	c.mu.RUnlock()
	// A cached entry is only authoritative while its children-watch is still
	// armed: after a change notification fires, the next top-level load for
	// the path is the one that re-arms it. A cached empty entry is never
	// served; the caller should hit ZooKeeper again or fall back.
	if ok && watched && !cached.empty() {
		return cached, true, nil
	}

	return c.loadFromZK(p, true)
}

func (c *core) loadFromZK(p string, armWatch bool) (cacheEntry, bool, error) {
	exists, err := c.conn.Exists(p)
	if err != nil {
		return cacheEntry{}, false, err
	}
	if !exists {
		return cacheEntry{}, false, nil
	}

	children, err := c.childrenAndMaybeArm(p, armWatch)
	if err != nil {
		return cacheEntry{}, false, err
	}
	if len(children) == 0 {
		c.store(p, cacheEntry{})
		return cacheEntry{}, false, nil
	}

	entry := cacheEntry{}
	for _, child := range children {
		data, err := c.conn.Get(p + "/" + child)
		if err != nil {
			zklog.Warnf("discovery: failed to read %s/%s: %v", p, child, err)
			continue
		}
		var rec Record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			zklog.Warnf("discovery: failed to decode %s/%s: %v", p, child, err)
			continue
		}
		entry.keys = append(entry.keys, child)
		entry.records = append(entry.records, &rec)
	}
	c.store(p, entry)
	return entry, !entry.empty(), nil
}

func (c *core) store(p string, e cacheEntry) {
	c.mu.Lock()
	c.cache[p] = e
	c.mu.Unlock()
}

func (c *core) childrenAndMaybeArm(p string, armWatch bool) ([]string, error) {
	if !armWatch {
		return c.conn.Children(p)
	}
	c.mu.Lock()
	alreadyWatched := c.watched[p]
	c.watched[p] = true
	c.mu.Unlock()
	if alreadyWatched {
		return c.conn.Children(p)
	}
	children, events, err := c.conn.ChildrenW(p)
	if err != nil {
		c.mu.Lock()
		c.watched[p] = false
		c.mu.Unlock()
		return nil, err
	}
	go c.watchOnce(p, events)
	return children, nil
}

// watchOnce handles exactly one children-change notification for p, then
// stops: no new watch is armed from inside the fire itself. The next
// top-level resolve call for p (made by the notified client from within
// its callback, or by any other caller) re-arms it.
func (c *core) watchOnce(p string, events <-chan zk.Event) {
	event, ok := <-events
	if !ok {
		return
	}
	switch event.State {
	case zk.StateDisconnected, zk.StateExpired, zk.StateAuthFailed:
		zklog.Infof("discovery: watch event for %s arrived in state %s", p, event.State)
	}

	c.mu.Lock()
	c.watched[p] = false
	c.mu.Unlock()

	entry, _, err := c.loadFromZK(p, false)
	if err != nil {
		zklog.Warnf("discovery: failed to refresh %s after change notification: %v", p, err)
		return
	}
	if entry.empty() {
		zklog.Warnf("discovery: %s has no providers after change notification", p)
	}

	c.mu.RLock()
	notify := c.notify
	c.mu.RUnlock()
	if notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zklog.Errorf("discovery: change callback for %s panicked: %v", p, r)
		}
	}()
	notify(p, entry)
}

func localFallback(fs *localstore.Store, class, name string) (cacheEntry, error) {
	if fs == nil {
		return cacheEntry{}, perrors.Errorf("discovery: no zookeeper providers for %s/%s and no local fallback configured", class, name)
	}
	doc, err := fs.FetchDiscovery(class, name)
	if err != nil {
		return cacheEntry{}, perrors.Wrapf(err, "discovery: no zookeeper providers for %s/%s and no local fallback", class, name)
	}
	list, _ := doc["server_list"].([]interface{})
	entry := cacheEntry{}
	for _, item := range list {
		m, ok := item.(map[interface{}]interface{})
		generic := toStringKeyed(m, ok, item)
		rec, err := recordFromDocument(generic)
		if err != nil {
			return cacheEntry{}, err
		}
		// Local fallback documents are not required to carry a header block;
		// default the class onto them so they pass the same validation ZK-
		// sourced records already satisfy by construction.
		if rec.Header.ServiceClass == "" {
			rec.Header.ServiceClass = class
		}
		entry.keys = append(entry.keys, fallbackKey)
		entry.records = append(entry.records, rec)
	}
	return entry, nil
}

func toStringKeyed(m map[interface{}]interface{}, ok bool, fallback interface{}) localstore.Document {
	doc := localstore.Document{}
	if ok {
		for k, v := range m {
			if ks, ok := k.(string); ok {
				doc[ks] = v
			}
		}
		return doc
	}
	if asDoc, ok := fallback.(localstore.Document); ok {
		return asDoc
	}
	if asMap, ok := fallback.(map[string]interface{}); ok {
		return localstore.Document(asMap)
	}
	return doc
}

// WriteDistributedConfig validates rec against class, stamps metadata,
// YAML-encodes it, and writes it to /discovery/class/name/key. If key is
// empty it is derived from the local IPv4 of iface, or is a random UUID when
// iface is empty too (see resolveKey). If the znode already
// exists it is deleted first (last writer wins for a given key).
func WriteDistributedConfig(conn zkconn.Conn, class, name string, rec *Record, key, iface string, ephemeral bool) (string, error) {
	if err := validateRecord(rec, class); err != nil {
		return "", err
	}
	resolvedKey, err := resolveKey(key, iface)
	if err != nil {
		return "", err
	}
	p := znodePath(class, name)
	if err := conn.CreateRecursive(p, nil); err != nil {
		return "", perrors.Wrapf(err, "discovery: create %s", p)
	}
	setMetadata(rec, name, resolvedKey)

	payload, err := yaml.Marshal(rec)
	if err != nil {
		return "", perrors.Wrap(err, "discovery: encode record")
	}

	znode := znodePath(class, name, resolvedKey)
	if exists, err := conn.Exists(znode); err == nil && exists {
		if err := conn.Delete(znode); err != nil {
			return "", perrors.Wrapf(err, "discovery: delete stale %s before rewrite", znode)
		}
	}
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	if _, err := conn.Create(znode, payload, flags); err != nil {
		return "", perrors.Wrapf(err, "discovery: create %s", znode)
	}
	zklog.Infof("discovery: wrote %s/%s/%s ephemeral=%v", class, name, resolvedKey, ephemeral)
	return resolvedKey, nil
}

// RemoveStaleConfig deletes the znode for class/name/key.
func RemoveStaleConfig(conn zkconn.Conn, class, name, key string) error {
	znode := znodePath(class, name, key)
	zklog.Infof("discovery: removing stale config %s", znode)
	return conn.Delete(znode)
}

// Discovery selects a single provider at random per call.
type Discovery struct {
	core *core
}

// New creates a single-selection Discovery rooted at RootPath, falling back
// to fs when ZooKeeper has no live providers for a service. fs may be nil to
// disable fallback entirely.
func New(conn zkconn.Conn, fs *localstore.Store) (*Discovery, error) {
	c, err := newCore(conn, fs)
	if err != nil {
		return nil, err
	}
	d := &Discovery{core: c}
	c.notify = func(p string, e cacheEntry) {
		d.fireCallbacks(p, e)
	}
	return d, nil
}

func (d *Discovery) fireCallbacks(p string, e cacheEntry) {
	_, name := classAndNameFromZnode(p)
	var payload interface{}
	if !e.empty() {
		payload = selectOne(e, name)
	}
	d.core.mu.RLock()
	cbs := append([]ChangeCallback(nil), d.core.callbacks[p]...)
	d.core.mu.RUnlock()
	for _, cb := range cbs {
		cb(p, payload)
	}
}

func selectOne(e cacheEntry, name string) *Record {
	i := rand.Intn(len(e.records))
	rec := cloneRecord(e.records[i])
	setMetadata(rec, name, e.keys[i])
	return rec
}

// LoadConfig resolves class/name: in-memory cache, then ZooKeeper, then the
// local fallback store. If cb is non-nil it is registered for class/name and
// invoked on every later change notification for that path; registrations
// are never removed.
func (d *Discovery) LoadConfig(class, name string, cb ChangeCallback) (*Record, error) {
	entry, found, err := d.core.resolve(class, name, cb)
	if err != nil {
		return nil, err
	}
	if !found {
		entry, err = localFallback(d.core.fs, class, name)
		if err != nil {
			return nil, err
		}
		if entry.empty() {
			return nil, perrors.Errorf("discovery: no providers for %s/%s", class, name)
		}
	}
	rec := selectOne(entry, name)
	if err := validateRecord(rec, class); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadConfigViaPath parses a "class/name[.ext]" path and delegates to
// LoadConfig.
func (d *Discovery) LoadConfigViaPath(p string, cb ChangeCallback) (*Record, error) {
	class, name, err := classAndNameFromPath(p)
	if err != nil {
		return nil, err
	}
	return d.LoadConfig(class, name, cb)
}

func (d *Discovery) GetServiceClasses() ([]string, error) { return d.core.getServiceClasses() }
func (d *Discovery) GetServiceNames(class string) ([]string, error) {
	return d.core.getServiceNames(class)
}
func (d *Discovery) CountNodes(class, name string) (int, error) { return d.core.countNodes(class, name) }

// MultiDiscovery returns every live provider for a service instead of
// selecting one at random.
type MultiDiscovery struct {
	core *core
}

// NewMulti creates a multi-selection Discovery rooted at RootPath.
func NewMulti(conn zkconn.Conn, fs *localstore.Store) (*MultiDiscovery, error) {
	c, err := newCore(conn, fs)
	if err != nil {
		return nil, err
	}
	m := &MultiDiscovery{core: c}
	c.notify = func(p string, e cacheEntry) {
		m.fireCallbacks(p, e)
	}
	return m, nil
}

func (m *MultiDiscovery) fireCallbacks(p string, e cacheEntry) {
	_, name := classAndNameFromZnode(p)
	records := selectAll(e, name)
	m.core.mu.RLock()
	cbs := append([]ChangeCallback(nil), m.core.callbacks[p]...)
	m.core.mu.RUnlock()
	for _, cb := range cbs {
		cb(p, records)
	}
}

func selectAll(e cacheEntry, name string) []*Record {
	out := make([]*Record, 0, len(e.records))
	for i, rec := range e.records {
		clone := cloneRecord(rec)
		setMetadata(clone, name, e.keys[i])
		out = append(out, clone)
	}
	return out
}

// LoadConfig resolves class/name and returns every live provider, falling
// back to the local store's server_list when ZooKeeper has none.
func (m *MultiDiscovery) LoadConfig(class, name string, cb ChangeCallback) ([]*Record, error) {
	entry, found, err := m.core.resolve(class, name, cb)
	if err != nil {
		return nil, err
	}
	if !found {
		entry, err = localFallback(m.core.fs, class, name)
		if err != nil {
			return nil, err
		}
	}
	records := selectAll(entry, name)
	for _, rec := range records {
		if err := validateRecord(rec, class); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// LoadConfigViaPath parses a "class/name[.ext]" path and delegates to
// LoadConfig.
func (m *MultiDiscovery) LoadConfigViaPath(p string, cb ChangeCallback) ([]*Record, error) {
	class, name, err := classAndNameFromPath(p)
	if err != nil {
		return nil, err
	}
	return m.LoadConfig(class, name, cb)
}

func (m *MultiDiscovery) GetServiceClasses() ([]string, error) { return m.core.getServiceClasses() }
func (m *MultiDiscovery) GetServiceNames(class string) ([]string, error) {
	return m.core.getServiceNames(class)
}
func (m *MultiDiscovery) CountNodes(class, name string) (int, error) {
	return m.core.countNodes(class, name)
}
