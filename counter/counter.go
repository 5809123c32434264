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

// Package counter encodes and decodes the "<prefix><10-digit counter>"
// znode names used everywhere sequence nodes are ordered: bag items and
// tokens, and leader queue candidates.
package counter

import (
	"strconv"

	"github.com/pkg/errors"
)

// Width is the fixed decimal width ZooKeeper zero-pads sequence numbers to.
const Width = 10

// None is the sentinel value for "no predecessor" / "nothing seen yet".
const None = -1

// Path renders prefix+n as a zero-padded, width-10 counter path.
func Path(prefix string, n int) string {
	s := strconv.Itoa(n)
	for len(s) < Width {
		s = "0" + s
	}
	return prefix + s
}

// Value recovers the integer encoded in the last Width characters of path.
func Value(path string) (int, error) {
	if len(path) < Width {
		return 0, errors.Errorf("counter: path %q is shorter than the %d-digit counter suffix", path, Width)
	}
	suffix := path[len(path)-Width:]
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, errors.Wrapf(err, "counter: path %q has a non-numeric counter suffix %q", path, suffix)
	}
	return n, nil
}

// Max returns the largest counter value encoded among children, or None if
// children is empty or none of them parse as counter paths.
func Max(children []string) int {
	max := None
	for _, c := range children {
		v, err := Value(c)
		if err != nil {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max
}

// MinPredecessor returns the largest counter value among children that is
// strictly less than pos, or None if there is none.
func MinPredecessor(children []string, pos int) int {
	pred := None
	for _, c := range children {
		v, err := Value(c)
		if err != nil {
			continue
		}
		if v < pos && v > pred {
			pred = v
		}
	}
	return pred
}
