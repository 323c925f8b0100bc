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

// Package metrics exposes a refcount.Table's live counters as Prometheus
// gauges, the Go-native rendition of AddObjectRefStats/DebugString for
// operators who want a scrape target instead of a log line.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lab.nexedi.com/kirr/distref/go/refcount"
)

// Collector periodically samples a refcount.Table and exposes it as
// Prometheus gauges. Sampling is pull-based: Collect() is called by the
// registry on each scrape, so no background goroutine or extra locking
// is needed beyond what Table.Size()/NumObjectsOwnedByUs() etc already do.
type Collector struct {
	table *refcount.Table

	tableSize          *prometheus.Desc
	inScope            *prometheus.Desc
	objectsOwned       *prometheus.Desc
	actorsOwned        *prometheus.Desc
	reconstructableLen *prometheus.Desc
	freedObjects       *prometheus.Desc
	recoveryQueueLen   *prometheus.Desc
}

// NewCollector wraps table for Prometheus registration.
func NewCollector(table *refcount.Table) *Collector {
	return &Collector{
		table: table,
		tableSize: prometheus.NewDesc(
			"refcount_table_size", "Number of ids currently tracked, including out-of-scope records.", nil, nil),
		inScope: prometheus.NewDesc(
			"refcount_num_in_scope", "Number of tracked ids whose reference count is still greater than zero.", nil, nil),
		objectsOwned: prometheus.NewDesc(
			"refcount_objects_owned_by_us", "Number of plain objects owned by this worker.", nil, nil),
		actorsOwned: prometheus.NewDesc(
			"refcount_actors_owned_by_us", "Number of actors owned by this worker.", nil, nil),
		reconstructableLen: prometheus.NewDesc(
			"refcount_reconstructable_queue_length", "Depth of the lineage eviction FIFO.", nil, nil),
		freedObjects: prometheus.NewDesc(
			"refcount_freed_object_count", "Number of ids currently recorded as freed by FreePlasmaObjects.", nil, nil),
		recoveryQueueLen: prometheus.NewDesc(
			"refcount_recovery_queue_length", "Depth of the node-loss recovery queue.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tableSize
	ch <- c.inScope
	ch <- c.objectsOwned
	ch <- c.actorsOwned
	ch <- c.reconstructableLen
	ch <- c.freedObjects
	ch <- c.recoveryQueueLen
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.tableSize, prometheus.GaugeValue, float64(c.table.Size()))
	ch <- prometheus.MustNewConstMetric(c.inScope, prometheus.GaugeValue, float64(c.table.NumInScope()))
	ch <- prometheus.MustNewConstMetric(c.objectsOwned, prometheus.GaugeValue, float64(c.table.NumObjectsOwnedByUs()))
	ch <- prometheus.MustNewConstMetric(c.actorsOwned, prometheus.GaugeValue, float64(c.table.NumActorsOwnedByUs()))
	ch <- prometheus.MustNewConstMetric(c.reconstructableLen, prometheus.GaugeValue, float64(c.table.ReconstructableQueueLen()))
	ch <- prometheus.MustNewConstMetric(c.freedObjects, prometheus.GaugeValue, float64(c.table.FreedObjectCount()))
	ch <- prometheus.MustNewConstMetric(c.recoveryQueueLen, prometheus.GaugeValue, float64(c.table.RecoveryQueueLen()))
}

// Serve registers collector on a fresh registry and serves it over addr
// until the process exits or ctx-driven shutdown is added by the caller.
func Serve(addr string, table *refcount.Table) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(table))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
