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

// Package leaderqueue implements the standard ZooKeeper leader-election
// recipe: a FIFO queue of ephemeral sequence candidates where each one
// watches only its immediate predecessor, so a mass failure produces at
// most one notification per surviving candidate instead of a thundering
// herd on the queue root.
package leaderqueue

import (
	"sync"

	"github.com/dubbogo/go-zookeeper/zk"
	perrors "github.com/pkg/errors"

	"github.com/zkensemble/zkensemble/counter"
	"github.com/zkensemble/zkensemble/deletewatch"
	"github.com/zkensemble/zkensemble/zkconn"
	"github.com/zkensemble/zkensemble/zklog"
)

const (
	candidateDir    = "/candidate"
	candidatePrefix = candidateDir + "/candidate"
)

// Candidate is the capability a queue participant must provide. OnElected is
// called exactly once, without the queue's lock held, the moment this
// candidate becomes the current leader (its predecessor departed, or it had
// none to begin with).
type Candidate interface {
	OnElected()
}

// Queue is a FIFO leader-election queue rooted at path.
type Queue struct {
	conn zkconn.Conn
	reg  *deletewatch.Registry
	path string

	mu                     sync.Mutex
	counterByCandidate     map[Candidate]int
	candidateByPredecessor map[int]Candidate
	watches                map[int]*deletewatch.Watch
}

// New creates or attaches to a leader queue rooted at path.
func New(conn zkconn.Conn, reg *deletewatch.Registry, path string) (*Queue, error) {
	if err := conn.CreateRecursive(path+candidateDir, nil); err != nil {
		return nil, perrors.Wrapf(err, "leaderqueue: create candidate dir under %s", path)
	}
	return &Queue{
		conn:                   conn,
		reg:                    reg,
		path:                   path,
		counterByCandidate:     make(map[Candidate]int),
		candidateByPredecessor: make(map[int]Candidate),
		watches:                make(map[int]*deletewatch.Watch),
	}, nil
}

// AddCandidate enrolls cand, creating its ephemeral sequence znode, and
// returns false without doing anything if cand is already enrolled.
func (q *Queue) AddCandidate(cand Candidate, metadata []byte) (bool, error) {
	q.mu.Lock()
	if _, present := q.counterByCandidate[cand]; present {
		q.mu.Unlock()
		return false, nil
	}
	q.mu.Unlock()

	flags := int32(zk.FlagEphemeral | zk.FlagSequence)
	created, err := q.conn.Create(q.path+candidatePrefix, metadata, flags)
	if err != nil {
		return false, perrors.Wrapf(err, "leaderqueue: add candidate under %s", q.path)
	}
	myCounter, err := counter.Value(created)
	if err != nil {
		return false, perrors.Wrapf(err, "leaderqueue: parse assigned counter from %s", created)
	}

	q.mu.Lock()
	q.counterByCandidate[cand] = myCounter
	q.mu.Unlock()

	if err := q.updatePredecessor(cand, myCounter); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveCandidate deletes cand's znode and local state, returning false if
// cand was never enrolled or its znode was already gone.
func (q *Queue) RemoveCandidate(cand Candidate) (bool, error) {
	q.mu.Lock()
	myCounter, present := q.counterByCandidate[cand]
	q.mu.Unlock()
	if !present {
		return false, nil
	}

	p := counter.Path(q.path+candidatePrefix, myCounter)
	existed, err := q.conn.Exists(p)
	if err != nil {
		return false, perrors.Wrapf(err, "leaderqueue: check candidate counter %d", myCounter)
	}
	if existed {
		if err := q.conn.Delete(p); err != nil {
			return false, perrors.Wrapf(err, "leaderqueue: remove candidate counter %d", myCounter)
		}
	}

	q.handleRemove(myCounter)

	q.mu.Lock()
	delete(q.counterByCandidate, cand)
	q.mu.Unlock()
	return existed, nil
}

// HasCandidate reports whether cand is currently enrolled.
func (q *Queue) HasCandidate(cand Candidate) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, present := q.counterByCandidate[cand]
	return present
}

// updatePredecessor runs the predecessor algorithm for cand (counter
// myCounter): list current children, find the largest counter strictly
// below myCounter, and either elect cand immediately or watch that
// predecessor for deletion.
func (q *Queue) updatePredecessor(cand Candidate, myCounter int) error {
	children, err := q.conn.Children(q.path + candidateDir)
	if err != nil {
		return perrors.Wrapf(err, "leaderqueue: list candidates under %s", q.path)
	}
	predID := counter.MinPredecessor(children, myCounter)

	q.mu.Lock()
	q.candidateByPredecessor[predID] = cand
	q.mu.Unlock()

	if predID == counter.None {
		cand.OnElected()
		return nil
	}

	w, err := q.reg.Add(counter.Path(q.path+candidatePrefix, predID), func(*deletewatch.Watch) error {
		q.onPredecessorDeleted(predID)
		return nil
	})
	if err != nil {
		zklog.Warnf("leaderqueue{%s}: failed to arm watch on predecessor %d: %v", q.path, predID, err)
		return nil
	}
	q.mu.Lock()
	q.watches[predID] = w
	q.mu.Unlock()
	return nil
}

// onPredecessorDeleted is the deletewatch callback for a watched predecessor
// id. It is invoked without the queue lock held.
func (q *Queue) onPredecessorDeleted(predID int) {
	q.handleRemove(predID)
}

func (q *Queue) handleRemove(delID int) {
	q.mu.Lock()
	cand, known := q.candidateByPredecessor[delID]
	if known {
		delete(q.candidateByPredecessor, delID)
	}
	delete(q.watches, delID)
	q.mu.Unlock()

	if !known {
		zklog.Infof("leaderqueue{%s}: deletion of %d was not a known predecessor for any local candidate", q.path, delID)
		return
	}

	q.mu.Lock()
	myCounter, stillEnrolled := q.counterByCandidate[cand]
	q.mu.Unlock()
	if !stillEnrolled {
		// cand removed itself concurrently; nothing left to re-watch for.
		return
	}

	if err := q.updatePredecessor(cand, myCounter); err != nil {
		zklog.Warnf("leaderqueue{%s}: failed to re-run predecessor algorithm for counter %d: %v", q.path, myCounter, err)
	}
}
