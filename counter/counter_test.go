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

package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathRoundTrip(t *testing.T) {
	cases := []int{0, 1, 42, 9999, 9_999_999_999}
	for _, n := range cases {
		p := Path("item", n)
		assert.Len(t, p, len("item")+Width)
		got, err := Value(p)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestPathRoundTripExhaustiveSmallRange(t *testing.T) {
	for n := 0; n < 10000; n++ {
		p := Path("candidate", n)
		got, err := Value(p)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestValueRejectsShortPath(t *testing.T) {
	_, err := Value("abc")
	assert.Error(t, err)
}

func TestMax(t *testing.T) {
	assert.Equal(t, None, Max(nil))
	assert.Equal(t, 7, Max([]string{
		Path("token", 3),
		Path("token", 7),
		Path("token", 1),
	}))
	// non-counter children are ignored rather than blowing up Max
	assert.Equal(t, 2, Max([]string{"not-a-counter", Path("token", 2)}))
}

func TestMinPredecessor(t *testing.T) {
	children := []string{
		Path("candidate", 1),
		Path("candidate", 4),
		Path("candidate", 9),
	}
	assert.Equal(t, None, MinPredecessor(children, 1))
	assert.Equal(t, 1, MinPredecessor(children, 4))
	assert.Equal(t, 4, MinPredecessor(children, 9))
	assert.Equal(t, 9, MinPredecessor(children, 100))
	assert.Equal(t, None, MinPredecessor(nil, 100))
}
