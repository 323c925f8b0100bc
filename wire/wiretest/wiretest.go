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

// Package wiretest is an in-memory stand-in for the pub/sub transport,
// not a network transport: just enough to drive the borrower protocol
// in tests and the demo CLI. Subscribe/Publish never block the caller;
// delivery runs on its own goroutine, as the real collaborator's
// contract (refcount.Subscriber) requires.
package wiretest

import (
	"sync"

	"lab.nexedi.com/kirr/distref/go/log"
	"lab.nexedi.com/kirr/distref/go/refcount"
	"lab.nexedi.com/kirr/distref/go/xcommon/xsync"
)

type subKey struct {
	channel string
	addr    refcount.Addr
	id      refcount.ObjId
}

type subscription struct {
	onMessage func(interface{})
	onFailure func()
}

// Bus is a shared in-memory pub/sub fabric. A real deployment would have
// one per cluster; tests typically share one Bus between two Table
// instances standing in for two workers.
type Bus struct {
	mu   sync.Mutex
	subs map[subKey]*subscription

	// Down marks addresses whose subscriptions should fail instead of
	// delivering, simulating a dead borrower (scenario 4).
	down map[refcount.Addr]bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[subKey]*subscription), down: make(map[refcount.Addr]bool)}
}

// MarkDown causes any Subscribe keyed by addr to fail immediately
// (on its own goroutine) instead of waiting for a Publish.
func (b *Bus) MarkDown(addr refcount.Addr) {
	b.mu.Lock()
	b.down[addr] = true
	var toNotify []*subscription
	for k, s := range b.subs {
		if k.addr == addr {
			delete(b.subs, k)
			toNotify = append(toNotify, s)
		}
	}
	b.mu.Unlock()

	notifyAll(toNotify, func(s *subscription) error { s.onFailure(); return nil })
}

// Endpoint is one worker's view of the shared Bus, implementing both
// refcount.Publisher and refcount.Subscriber. self identifies which
// worker's outgoing messages this Endpoint publishes; a subscription is
// keyed by (channel, borrower-addr, id), so a publish must be scoped to
// the same addr to reach only the subscribers actually waiting on this
// worker, not every subscriber on the channel regardless of address.
type Endpoint struct {
	bus  *Bus
	self refcount.Addr
}

// NewEndpoint returns a Publisher/Subscriber backed by bus, publishing
// as self.
func NewEndpoint(bus *Bus, self refcount.Addr) *Endpoint { return &Endpoint{bus: bus, self: self} }

// notifyAll fans out to every subscription in toNotify on its own
// goroutine, via a WorkGroup so a panicking callback turns into a logged
// error instead of taking the whole process down with it. The group runs
// in the background: callers must not block on delivery.
func notifyAll(toNotify []*subscription, call func(*subscription) error) {
	if len(toNotify) == 0 {
		return
	}
	go func() {
		var g xsync.WorkGroup
		for _, s := range toNotify {
			s := s
			g.Goz(func() error { return call(s) })
		}
		if err := g.Wait(); err != nil {
			log.Errorf("wiretest: subscriber callback failed: %v", err)
		}
	}()
}

// Publish implements refcount.Publisher.
func (e *Endpoint) Publish(channel string, key refcount.ObjId, msg interface{}) {
	e.bus.mu.Lock()
	var toNotify []*subscription
	for k, s := range e.bus.subs {
		if k.channel == channel && k.id == key && k.addr == e.self {
			toNotify = append(toNotify, s)
		}
	}
	e.bus.mu.Unlock()

	notifyAll(toNotify, func(s *subscription) error { s.onMessage(msg); return nil })
}

// PublishFailure implements refcount.Publisher.
func (e *Endpoint) PublishFailure(channel string, key refcount.ObjId) {
	e.bus.mu.Lock()
	var toNotify []*subscription
	for k, s := range e.bus.subs {
		if k.channel == channel && k.id == key && k.addr == e.self {
			toNotify = append(toNotify, s)
			delete(e.bus.subs, k)
		}
	}
	e.bus.mu.Unlock()

	notifyAll(toNotify, func(s *subscription) error { s.onFailure(); return nil })
}

// Subscribe implements refcount.Subscriber.
func (e *Endpoint) Subscribe(channel string, addr refcount.Addr, key refcount.ObjId, onMessage func(interface{}), onFailure func()) {
	e.bus.mu.Lock()
	if e.bus.down[addr] {
		e.bus.mu.Unlock()
		go onFailure()
		return
	}
	e.bus.subs[subKey{channel, addr, key}] = &subscription{onMessage: onMessage, onFailure: onFailure}
	e.bus.mu.Unlock()
}

// Unsubscribe implements refcount.Subscriber.
func (e *Endpoint) Unsubscribe(channel string, addr refcount.Addr, key refcount.ObjId) {
	e.bus.mu.Lock()
	delete(e.bus.subs, subKey{channel, addr, key})
	e.bus.mu.Unlock()
}
