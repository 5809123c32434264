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

package discovery_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkensemble/zkensemble/discovery"
	"github.com/zkensemble/zkensemble/localstore"
	"github.com/zkensemble/zkensemble/zkconn"
)

func newTestConn(t *testing.T) zkconn.Conn {
	t.Helper()
	ts, s, err := zkconn.NewForTest(t.Name(), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		ts.Stop()
	})
	return s
}

func newLocalStore(dir string) *localstore.Store {
	return localstore.New([]string{dir})
}

func writeFallbackYAML(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// Property 8: writeDistributedConfig rejects a record whose header doesn't
// match the class it's being written under.
func TestWriteDistributedConfigRejectsMismatchedClass(t *testing.T) {
	conn := newTestConn(t)

	rec := &discovery.Record{
		Header: discovery.Header{ServiceClass: "mysql"},
		Body:   map[string]interface{}{"host": "10.0.0.1"},
	}
	_, err := discovery.WriteDistributedConfig(conn, "redis", "cache", rec, "", "", false)
	require.Error(t, err)
}

func TestWriteDistributedConfigRejectsMissingServiceClass(t *testing.T) {
	conn := newTestConn(t)

	rec := &discovery.Record{Body: map[string]interface{}{"host": "10.0.0.1"}}
	_, err := discovery.WriteDistributedConfig(conn, "mysql", "reports", rec, "", "", false)
	require.Error(t, err)
}

// S5: write a config under an explicit key, then load it back and see the
// metadata Discovery stamps on its way out.
func TestWriteThenLoadConfigRoundTrips(t *testing.T) {
	conn := newTestConn(t)
	d, err := discovery.New(conn, nil)
	require.NoError(t, err)

	rec := &discovery.Record{
		Header: discovery.Header{ServiceClass: "mysql"},
		Body:   map[string]interface{}{"host": "10.0.0.1", "port": 3306},
	}
	key, err := discovery.WriteDistributedConfig(conn, "mysql", "reports", rec, "10.0.0.1", "", false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", key)

	loaded, err := d.LoadConfig("mysql", "reports", nil)
	require.NoError(t, err)
	require.Equal(t, "mysql", loaded.Header.ServiceClass)
	require.Equal(t, "reports", loaded.Header.Metadata["service_name"])
	require.Equal(t, "10.0.0.1", loaded.Header.Metadata["key"])
	require.Equal(t, "10.0.0.1", loaded.Body["host"])
}

// S6: a second write under a new key fires the registered callback exactly
// once, and the notified record is one of the two live providers.
func TestSecondWriteFiresCallbackOnce(t *testing.T) {
	conn := newTestConn(t)
	d, err := discovery.New(conn, nil)
	require.NoError(t, err)

	first := &discovery.Record{
		Header: discovery.Header{ServiceClass: "mysql"},
		Body:   map[string]interface{}{"host": "10.0.0.1"},
	}
	_, err = discovery.WriteDistributedConfig(conn, "mysql", "reports", first, "10.0.0.1", "", false)
	require.NoError(t, err)

	notifiedC := make(chan *discovery.Record, 4)
	_, err = d.LoadConfig("mysql", "reports", func(znodePath string, recordOrList interface{}) {
		rec, _ := recordOrList.(*discovery.Record)
		notifiedC <- rec
	})
	require.NoError(t, err)

	second := &discovery.Record{
		Header: discovery.Header{ServiceClass: "mysql"},
		Body:   map[string]interface{}{"host": "10.0.0.2"},
	}
	_, err = discovery.WriteDistributedConfig(conn, "mysql", "reports", second, "10.0.0.2", "", false)
	require.NoError(t, err)

	select {
	case rec := <-notifiedC:
		require.NotNil(t, rec)
		require.Contains(t, []interface{}{"10.0.0.1", "10.0.0.2"}, rec.Body["host"])
	case <-time.After(5 * time.Second):
		t.Fatal("change callback never fired")
	}

	select {
	case <-notifiedC:
		t.Fatal("change callback fired more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLoadConfigFallsBackToLocalStoreWhenEmpty(t *testing.T) {
	conn := newTestConn(t)
	dir := t.TempDir()
	writeFallbackYAML(t, dir, "discovery/redis/cache.yml", "host: 127.0.0.1\nport: 6379\n")

	fs := newLocalStore(dir)
	d, err := discovery.New(conn, fs)
	require.NoError(t, err)

	rec, err := d.LoadConfig("redis", "cache", nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", rec.Body["host"])
	require.Equal(t, "file", rec.Header.Metadata["key"])
}

func TestMultiDiscoveryReturnsEveryProvider(t *testing.T) {
	conn := newTestConn(t)
	m, err := discovery.NewMulti(conn, nil)
	require.NoError(t, err)

	for _, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		rec := &discovery.Record{
			Header: discovery.Header{ServiceClass: "mysql"},
			Body:   map[string]interface{}{"host": host},
		}
		_, err := discovery.WriteDistributedConfig(conn, "mysql", "reports", rec, host, "", false)
		require.NoError(t, err)
	}

	records, err := m.LoadConfig("mysql", "reports", nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

// A nested service_class ("a/b") must still yield the right service_name on
// a change-callback payload, not just on the initial LoadConfig.
func TestChangeCallbackStampsServiceNameForNestedClass(t *testing.T) {
	conn := newTestConn(t)
	d, err := discovery.New(conn, nil)
	require.NoError(t, err)

	first := &discovery.Record{
		Header: discovery.Header{ServiceClass: "a/b"},
		Body:   map[string]interface{}{"host": "10.0.0.1"},
	}
	_, err = discovery.WriteDistributedConfig(conn, "a/b", "reports", first, "10.0.0.1", "", false)
	require.NoError(t, err)

	notifiedC := make(chan *discovery.Record, 4)
	_, err = d.LoadConfig("a/b", "reports", func(znodePath string, recordOrList interface{}) {
		rec, _ := recordOrList.(*discovery.Record)
		notifiedC <- rec
	})
	require.NoError(t, err)

	second := &discovery.Record{
		Header: discovery.Header{ServiceClass: "a/b"},
		Body:   map[string]interface{}{"host": "10.0.0.2"},
	}
	_, err = discovery.WriteDistributedConfig(conn, "a/b", "reports", second, "10.0.0.2", "", false)
	require.NoError(t, err)

	select {
	case rec := <-notifiedC:
		require.NotNil(t, rec)
		require.Equal(t, "reports", rec.Header.Metadata["service_name"])
	case <-time.After(5 * time.Second):
		t.Fatal("change callback never fired")
	}
}
