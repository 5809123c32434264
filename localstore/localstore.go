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

// Package localstore is the read-only on-disk fallback Discovery consults
// when ZooKeeper has no live providers for a service. Unlike its ancestor,
// this store is a value constructed with an explicit search path rather than
// a process-global singleton: callers who want the conventional search path
// use Default, and tests supply their own.
package localstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Document is a generic YAML document, keyed by string at the top level,
// matching the untyped hashes the original config loader returned.
type Document map[string]interface{}

// Store looks up YAML documents under a search path, in order, memoizing
// results per (default, overrideKey) pair.
type Store struct {
	prefixes []string

	mu    sync.Mutex
	cache map[string]Document
}

// New returns a Store that searches prefixes in order.
func New(prefixes []string) *Store {
	return &Store{
		prefixes: prefixes,
		cache:    make(map[string]Document),
	}
}

// Default returns a Store using the conventional search path: the current
// directory, `~/.pettingzoo`, then `/etc/pettingzoo/`.
func Default() *Store {
	home, _ := os.UserHomeDir()
	return New([]string{
		".",
		filepath.Join(home, ".pettingzoo"),
		"/etc/pettingzoo/",
	})
}

// Fetch loads the document named by defaultKey, or override if non-empty,
// searching s's prefixes in order for `<prefix>/<key>` then
// `<prefix>/<key>.yml`. Results are memoized per (defaultKey, override) pair.
func (s *Store) Fetch(defaultKey, override string) (Document, error) {
	key := defaultKey
	if override != "" {
		key = override
	}
	cacheKey := defaultKey + "__" + override

	s.mu.Lock()
	if cached, ok := s.cache[cacheKey]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "localstore: read %s", path)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "localstore: decode %s", path)
	}

	s.mu.Lock()
	s.cache[cacheKey] = doc
	s.mu.Unlock()
	return doc, nil
}

// FetchDiscovery loads a discovery document for class/name, wrapping a bare
// single-record document in a one-element `server_list` if it doesn't
// already have one, matching the shape Discovery's fallback path expects.
func (s *Store) FetchDiscovery(class, name string) (Document, error) {
	doc, err := s.Fetch(filepath.Join("discovery", class, name), "")
	if err != nil {
		return nil, err
	}
	if _, ok := doc["server_list"]; ok {
		return doc, nil
	}
	return Document{"server_list": []interface{}{doc}}, nil
}

func (s *Store) resolve(key string) (string, error) {
	for _, prefix := range s.prefixes {
		for _, candidate := range []string{filepath.Join(prefix, key), filepath.Join(prefix, key+".yml")} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", errors.Errorf("localstore: config file %q does not exist under any of %v", key, s.prefixes)
}
