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

// Command zkctl is a thin operator CLI over this module's coordination
// primitives: add/remove/list bag items, hold a disposable leader-queue
// slot, and write/remove/watch a discovery record.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zkensemble/zkensemble/bag"
	"github.com/zkensemble/zkensemble/deletewatch"
	"github.com/zkensemble/zkensemble/discovery"
	"github.com/zkensemble/zkensemble/leaderqueue"
	"github.com/zkensemble/zkensemble/localstore"
	"github.com/zkensemble/zkensemble/zkconn"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	root := flag.NewFlagSet("zkctl", flag.ExitOnError)
	zkAddr := root.String("zk", "127.0.0.1:2181", "comma-separated ZooKeeper address list")
	timeout := root.Duration("timeout", 10*time.Second, "ZooKeeper session timeout")

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "bag-add":
		err = runBagAdd(root, zkAddr, timeout, args)
	case "bag-remove":
		err = runBagRemove(root, zkAddr, timeout, args)
	case "bag-list":
		err = runBagList(root, zkAddr, timeout, args)
	case "candidate":
		err = runCandidate(root, zkAddr, timeout, args)
	case "discovery-write":
		err = runDiscoveryWrite(root, zkAddr, timeout, args)
	case "discovery-remove":
		err = runDiscoveryRemove(root, zkAddr, timeout, args)
	case "discovery-watch":
		err = runDiscoveryWatch(root, zkAddr, timeout, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "zkctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: zkctl <command> [-zk addr] [-timeout d] [args]

commands:
  bag-add <path> <data>            create an item, print its assigned id
  bag-remove <path> <id>           remove an item by id
  bag-list <path>                  print the currently live item ids
  candidate <path>                 hold a leader-queue slot until interrupted
  discovery-write <class> <name> <key=value>...
                                   write a discovery record (the pairs
                                   become the body; service_class is set
                                   to <class> automatically)
  discovery-remove <class> <name> <key>
  discovery-watch <class> <name>   load once, print, then block on changes`)
}

func connect(zkAddr *string, timeout *time.Duration) (*zkconn.Session, error) {
	return zkconn.Connect("zkctl", []string{*zkAddr}, *timeout)
}

func runBagAdd(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: bag-add <path> <data>")
	}
	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	reg := deletewatch.NewRegistry(conn)
	b, err := bag.New(conn, reg, rest[0])
	if err != nil {
		return err
	}
	id, err := b.Add([]byte(rest[1]), false)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runBagRemove(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: bag-remove <path> <id>")
	}
	id, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", rest[1], err)
	}
	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	reg := deletewatch.NewRegistry(conn)
	b, err := bag.New(conn, reg, rest[0])
	if err != nil {
		return err
	}
	existed, err := b.Remove(id)
	if err != nil {
		return err
	}
	fmt.Println(existed)
	return nil
}

func runBagList(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: bag-list <path>")
	}
	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	reg := deletewatch.NewRegistry(conn)
	b, err := bag.New(conn, reg, rest[0])
	if err != nil {
		return err
	}
	for id := range b.GetItems() {
		fmt.Println(id)
	}
	return nil
}

type cliCandidate struct {
	elected chan struct{}
}

func (c *cliCandidate) OnElected() {
	close(c.elected)
}

func runCandidate(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: candidate <path>")
	}
	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	reg := deletewatch.NewRegistry(conn)
	q, err := leaderqueue.New(conn, reg, rest[0])
	if err != nil {
		return err
	}
	cand := &cliCandidate{elected: make(chan struct{})}
	if _, err := q.AddCandidate(cand, nil); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-cand.elected:
		fmt.Println("elected")
	case <-sig:
		q.RemoveCandidate(cand)
		return nil
	}
	<-sig
	_, err = q.RemoveCandidate(cand)
	return err
}

func runDiscoveryWrite(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	key := fset.String("key", "", "publish key; derived from -iface if empty (a random UUID when -iface is empty too)")
	iface := fset.String("iface", "", "network interface to derive the key from")
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 3 {
		return fmt.Errorf("usage: discovery-write <class> <name> <key=value>...")
	}
	class, name, pairs := rest[0], rest[1], rest[2:]

	body := map[string]interface{}{}
	for _, pair := range pairs {
		k, v, err := splitPair(pair)
		if err != nil {
			return err
		}
		body[k] = v
	}

	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	rec := &discovery.Record{
		Header: discovery.Header{ServiceClass: class},
		Body:   body,
	}
	assigned, err := discovery.WriteDistributedConfig(conn, class, name, rec, *key, *iface, true)
	if err != nil {
		return err
	}
	fmt.Println(assigned)
	return nil
}

func runDiscoveryRemove(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 3 {
		return fmt.Errorf("usage: discovery-remove <class> <name> <key>")
	}
	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	return discovery.RemoveStaleConfig(conn, rest[0], rest[1], rest[2])
}

func runDiscoveryWatch(fset *flag.FlagSet, zkAddr *string, timeout *time.Duration, args []string) error {
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: discovery-watch <class> <name>")
	}
	conn, err := connect(zkAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	d, err := discovery.New(conn, localstore.Default())
	if err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	notify := func(znodePath string, recordOrList interface{}) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	rec, err := d.LoadConfig(rest[0], rest[1], notify)
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", rec)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-changed:
			// notify stays registered from the first LoadConfig; re-passing
			// it would pile up duplicate registrations.
			rec, err := d.LoadConfig(rest[0], rest[1], nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, "zkctl:", err)
				continue
			}
			fmt.Printf("%+v\n", rec)
		case <-sig:
			return nil
		}
	}
}

func splitPair(s string) (string, string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected key=value, got %q", s)
}
