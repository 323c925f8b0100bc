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

// Package config holds the tunables a ReferenceCounter is constructed
// with and, optionally, watches them for changes on disk.
package config

import (
	"io/ioutil"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"lab.nexedi.com/kirr/distref/go/log"
)

// Config holds the runtime-tunable knobs of a ReferenceCounter.
type Config struct {
	// LineagePinningEnabled gates whether lineage_ref_count participates
	// in ShouldDelete at all.
	LineagePinningEnabled bool `yaml:"lineage_pinning_enabled"`

	// LineageEvictionBatchBytes is the default "min_bytes" EvictLineage
	// is called with by the background evictor.
	LineageEvictionBatchBytes int64 `yaml:"lineage_eviction_batch_bytes"`

	// StatsSampleLimit caps how many ObjectRefInfo entries
	// AddObjectRefStats emits per call.
	StatsSampleLimit int `yaml:"stats_sample_limit"`

	// WarnThrottleMillis is the minimum spacing, in milliseconds,
	// between repeated soft-violation warnings for the same key.
	WarnThrottleMillis int64 `yaml:"warn_throttle_millis"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		LineagePinningEnabled:     true,
		LineageEvictionBatchBytes: 100 << 20,
		StatsSampleLimit:          1000,
		WarnThrottleMillis:        1000,
	}
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse")
	}
	return cfg, nil
}

// Watcher reloads a Config from disk whenever the backing file changes,
// handing the new value to every registered observer.
type Watcher struct {
	mu        sync.Mutex
	path      string
	current   Config
	observers []func(Config)
	fsw       *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher loads path once and starts watching it for further writes.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: fsnotify")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrap(err, "config: watch")
	}

	w := &Watcher{path: path, current: cfg, fsw: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnChange registers a callback invoked with the new Config after a
// successful reload. Callbacks run on the watcher's own goroutine, never
// with any ReferenceCounter lock held.
func (w *Watcher) OnChange(f func(Config)) {
	w.mu.Lock()
	w.observers = append(w.observers, f)
	w.mu.Unlock()
}

// Close stops the background watch goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warningf("config: reload %s failed: %v", w.path, err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			observers := append([]func(Config){}, w.observers...)
			w.mu.Unlock()
			for _, obs := range observers {
				obs(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warningf("config: watch %s: %v", w.path, err)
		}
	}
}
