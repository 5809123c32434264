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

package localstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkensemble/zkensemble/localstore"
)

func writeYAML(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestFetchTriesExtensionlessThenYml(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "memcached/sessions.yml", "port: 11211\n")

	s := localstore.New([]string{dir})
	doc, err := s.Fetch("memcached/sessions", "")
	require.NoError(t, err)
	require.Equal(t, 11211, doc["port"])
}

func TestFetchMemoizesPerKeyPair(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "a.yml", "v: 1\n")

	s := localstore.New([]string{dir})
	first, err := s.Fetch("a", "")
	require.NoError(t, err)
	require.Equal(t, 1, first["v"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("v: 2\n"), 0o644))
	second, err := s.Fetch("a", "")
	require.NoError(t, err)
	require.Equal(t, 1, second["v"], "memoized value should not reflect the file change")
}

func TestFetchMissingReturnsError(t *testing.T) {
	s := localstore.New([]string{t.TempDir()})
	_, err := s.Fetch("does-not-exist", "")
	require.Error(t, err)
}

func TestFetchDiscoveryWrapsBareRecord(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "discovery/mysql/reports.yml", "host: 10.0.0.1\nport: 3306\n")

	s := localstore.New([]string{dir})
	doc, err := s.FetchDiscovery("mysql", "reports")
	require.NoError(t, err)
	list, ok := doc["server_list"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
}

func TestFetchDiscoveryPassesThroughServerList(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "discovery/mysql/reports.yml", "server_list:\n  - host: 10.0.0.1\n  - host: 10.0.0.2\n")

	s := localstore.New([]string{dir})
	doc, err := s.FetchDiscovery("mysql", "reports")
	require.NoError(t, err)
	list, ok := doc["server_list"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 2)
}
