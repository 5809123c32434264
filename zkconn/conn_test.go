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

package zkconn_test

import (
	"testing"
	"time"

	"github.com/dubbogo/go-zookeeper/zk"
	"github.com/stretchr/testify/require"

	"github.com/zkensemble/zkensemble/zkconn"
)

func newTestSession(t *testing.T) *zkconn.Session {
	t.Helper()
	ts, s, err := zkconn.NewForTest(t.Name(), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		ts.Stop()
	})
	return s
}

func TestCreateRecursiveThenGet(t *testing.T) {
	s := newTestSession(t)

	err := s.CreateRecursive("/a/b/c", []byte("hello"))
	require.NoError(t, err)

	data, err := s.Get("/a/b/c")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	exists, err := s.Exists("/a/b")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Delete("/does/not/exist"))
}

func TestChildrenW_FiresOnChildAdded(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.CreateRecursive("/p", nil))

	children, events, err := s.ChildrenW("/p")
	require.NoError(t, err)
	require.Empty(t, children)

	_, err = s.Create("/p/child0000000000", nil, 0)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, zk.EventNodeChildrenChanged, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for children watch to fire")
	}
}

func TestExistsW_FiresOnDelete(t *testing.T) {
	s := newTestSession(t)
	_, err := s.Create("/x", nil, 0)
	require.NoError(t, err)

	exists, events, err := s.ExistsW("/x")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Delete("/x"))

	select {
	case ev := <-events:
		require.Equal(t, zk.EventNodeDeleted, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exists watch to fire")
	}
}
