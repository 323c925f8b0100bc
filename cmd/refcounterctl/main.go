// Copyright (C) 2018  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Refcounterctl drives an in-process reference-count table for local
// debugging: no real worker to connect to, so "serve" and "demo" wire
// up wiretest's in-memory bus as a stand-in for the cluster transport.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lab.nexedi.com/kirr/distref/go/config"
	"lab.nexedi.com/kirr/distref/go/metrics"
	"lab.nexedi.com/kirr/distref/go/refcount"
	"lab.nexedi.com/kirr/distref/go/wire/wiretest"
)

var (
	cfgPath  string
	httpAddr string
)

var rootCmd = &cobra.Command{
	Use:   "refcounterctl",
	Short: "Inspect and exercise a distributed object reference counter",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an empty table and expose its counters over Prometheus",
	RunE:  runServe,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted owner/borrower scenario and print the table at each step",
	RunE:  runDemo,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Register a few owned objects and print their capped status dump",
	RunE:  runStats,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a config.yaml overriding the defaults")
	serveCmd.Flags().StringVar(&httpAddr, "http", ":9090", "address to serve /metrics on")
	rootCmd.AddCommand(serveCmd, demoCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func newLocalTable(self refcount.Addr, bus *wiretest.Bus, cfg config.Config) *refcount.Table {
	ep := wiretest.NewEndpoint(bus, self)
	warnThrottle := time.Duration(cfg.WarnThrottleMillis) * time.Millisecond
	return refcount.NewTable(self, alwaysAlive{}, ep, ep, cfg.LineagePinningEnabled, warnThrottle)
}

type alwaysAlive struct{}

func (alwaysAlive) CheckNodeAlive(refcount.NodeId) bool { return true }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	self := refcount.Addr{WorkerID: uuid.New(), IP: "127.0.0.1", Port: 0}
	table := newLocalTable(self, wiretest.NewBus(), cfg)

	fmt.Fprintf(os.Stdout, "refcounterctl: serving metrics for %s on %s\n", self, httpAddr)
	return metrics.Serve(httpAddr, table)
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bus := wiretest.NewBus()
	ownerAddr := refcount.Addr{WorkerID: uuid.New(), IP: "10.0.0.1", Port: 1234}
	borrowerAddr := refcount.Addr{WorkerID: uuid.New(), IP: "10.0.0.2", Port: 1234}
	owner := newLocalTable(ownerAddr, bus, cfg)
	borrower := newLocalTable(borrowerAddr, bus, cfg)

	var task refcount.TaskId
	task[0] = 1
	id := refcount.NewObjId(task, 0)

	fmt.Println("-- owner creates an object and hands it to a task argument --")
	owner.AddOwnedObject(id, nil, ownerAddr, "demo.go:42", 1024, true, true, nil, refcount.TransportObjectStore)
	fmt.Println(owner.DebugString())

	fmt.Println("-- borrower receives it as a task argument and borrows it --")
	borrower.AddBorrowedObjectInternal(id, refcount.NilObjId, ownerAddr, false)
	borrower.AddLocalReference(id, "demo.go:58")
	fmt.Println(borrower.DebugString())

	fmt.Println("-- the task finishes; borrower reports back, owner merges --")
	report := borrower.PopAndClearLocalBorrowers([]refcount.ObjId{id})
	owner.UpdateFinishedTaskReferences(nil, []refcount.ObjId{id}, true, borrowerAddr, report)
	fmt.Println(owner.DebugString())

	fmt.Println("-- owner drops its own local reference --")
	owner.RemoveLocalReference(id)
	fmt.Println(owner.DebugString())

	fmt.Println("-- owner evicts lineage in batches of its configured size --")
	owner.AddOwnedObject(id, nil, ownerAddr, "demo.go:80", 1024, true, true, nil, refcount.TransportObjectStore)
	bytesEvicted, _ := owner.EvictLineage(cfg.LineageEvictionBatchBytes)
	fmt.Printf("evicted %d bytes of lineage (batch target %d)\n", bytesEvicted, cfg.LineageEvictionBatchBytes)

	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bus := wiretest.NewBus()
	ownerAddr := refcount.Addr{WorkerID: uuid.New(), IP: "10.0.0.1", Port: 1234}
	owner := newLocalTable(ownerAddr, bus, cfg)

	for i := uint32(0); i < 3; i++ {
		var task refcount.TaskId
		task[0] = byte(100 + i)
		id := refcount.NewObjId(task, i)
		owner.AddOwnedObject(id, nil, ownerAddr, fmt.Sprintf("demo.go:%d", 100+i), 512, false, true, nil, refcount.TransportObjectStore)
	}

	for _, info := range owner.AddObjectRefStats(nil, cfg.StatsSampleLimit) {
		fmt.Printf("id=%s call_site=%s size=%d local=%d pinned=%v\n",
			info.ObjectID, info.CallSite, info.ObjectSize, info.LocalRefCount, info.PinnedInMemory)
	}
	return nil
}
