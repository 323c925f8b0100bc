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

package refcount

import (
	"sync"
	"time"

	"lab.nexedi.com/kirr/distref/go/log"
)

// NodeAliveChecker answers whether a cluster node is still considered
// live; consulted before trusting a pin or spill location.
type NodeAliveChecker interface {
	CheckNodeAlive(NodeId) bool
}

// LineageReleaseCallback is invoked, with the table's mutex held, when an
// owned id's lineage is released. It must not block and must not call
// back into the Table. argumentIds are the upstream task arguments whose
// lineage_ref_count should now be decremented; bytesEvicted is reported
// back to EvictLineage's caller.
type LineageReleaseCallback func(id ObjId) (argumentIds []ObjId, bytesEvicted int64)

// Publisher is the pub/sub collaborator's outbound half.
type Publisher interface {
	Publish(channel string, key ObjId, msg interface{})
	PublishFailure(channel string, key ObjId)
}

// Subscriber is the pub/sub collaborator's inbound half. Subscribe must
// be non-blocking: it enqueues the subscription and returns immediately;
// onMessage/onFailure fire later, from the pub/sub's own goroutine, never
// while any Table lock is held by the caller.
type Subscriber interface {
	Subscribe(channel string, addr Addr, key ObjId, onMessage func(msg interface{}), onFailure func())
	Unsubscribe(channel string, addr Addr, key ObjId)
}

const (
	// ChannelObjectLocations is WORKER_OBJECT_LOCATIONS_CHANNEL.
	ChannelObjectLocations = "WORKER_OBJECT_LOCATIONS_CHANNEL"
	// ChannelRefRemoved is WORKER_REF_REMOVED_CHANNEL.
	ChannelRefRemoved = "WORKER_REF_REMOVED_CHANNEL"
)

// Table is the reference-tracking core: a mutex-protected map from
// ObjId to *Reference plus the auxiliary indices the reference table
// component needs. All exported methods are safe for concurrent use;
// none blocks on anything outside the process.
type Table struct {
	mu sync.Mutex

	self Addr

	lineagePinningEnabled bool

	refs map[ObjId]*Reference

	reconstructable  *reconstructableQueue
	freedObjects     map[ObjId]struct{}
	objectsToRecover []ObjId

	numObjectsOwnedByUs int64
	numActorsOwnedByUs  int64

	nodeAlive         NodeAliveChecker
	onLineageReleased LineageReleaseCallback
	pub               Publisher
	sub               Subscriber

	shutdownHook  func()
	shutdownArmed bool

	lastPublished map[ObjId]locationSnapshot

	warn *log.Throttle
}

// NewTable constructs an empty Table. self is this worker's own address,
// used to decide owned_by_us when a record's owner_address is learned.
// warnThrottle paces how often a repeated soft-violation warning for the
// same key may fire; zero means once per second.
func NewTable(self Addr, nodeAlive NodeAliveChecker, pub Publisher, sub Subscriber, lineagePinningEnabled bool, warnThrottle time.Duration) *Table {
	if warnThrottle <= 0 {
		warnThrottle = time.Second
	}
	return &Table{
		self:                  self,
		lineagePinningEnabled: lineagePinningEnabled,
		refs:                  make(map[ObjId]*Reference),
		reconstructable:       newReconstructableQueue(),
		freedObjects:          make(map[ObjId]struct{}),
		nodeAlive:             nodeAlive,
		pub:                   pub,
		sub:                   sub,
		lastPublished:         make(map[ObjId]locationSnapshot),
		warn:                  log.NewThrottle(warnThrottle),
	}
}

// SetReleaseLineageCallback installs the task manager's lineage-release
// collaborator. May be called once, before any traffic; nil is valid and
// means lineage release is a no-op (ReleaseLineageReferences still flips
// lineage_evicted/is_reconstructable, it just has no arguments to walk).
func (t *Table) SetReleaseLineageCallback(cb LineageReleaseCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLineageReleased = cb
}

// getOrCreate returns the record for id, creating it with owner unknown
// if absent. Must be called with t.mu held.
func (t *Table) getOrCreate(id ObjId) *Reference {
	r, ok := t.refs[id]
	if !ok {
		r = newReference()
		t.refs[id] = r
	}
	return r
}

// Size returns the number of tracked ids.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// HasReference reports whether id is currently tracked.
func (t *Table) HasReference(id ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.refs[id]
	return ok
}

// HasOwner reports whether id's owner is known.
func (t *Table) HasOwner(id ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	return ok && r.hasOwner
}

// OwnedByUs reports whether id is owned by this worker. Unknown ids
// report false.
func (t *Table) OwnedByUs(id ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	return ok && r.ownedByUs
}

// GetOwner returns id's owner address, if known.
func (t *Table) GetOwner(id ObjId) (Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok || !r.hasOwner {
		return NilAddr, false
	}
	return r.ownerAddress, true
}

// GetOwnerAddresses batch-resolves owners, returning NilAddr (never
// panicking) for ids with no recorded owner and logging a throttled
// warning for each miss.
func (t *Table) GetOwnerAddresses(ids []ObjId) []Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Addr, len(ids))
	for i, id := range ids {
		r, ok := t.refs[id]
		if !ok || !r.hasOwner {
			out[i] = NilAddr
			t.warn.Warningf("owner-miss:"+id.String(), "refcount: no owner known for %s", id)
			continue
		}
		out[i] = r.ownerAddress
	}
	return out
}

// NumObjectsOwnedByUs is the number of plain (non-actor) owned ids ever
// registered via AddOwnedObject, minus those fully erased.
func (t *Table) NumObjectsOwnedByUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numObjectsOwnedByUs
}

// NumActorsOwnedByUs is the actor-id counterpart of NumObjectsOwnedByUs.
func (t *Table) NumActorsOwnedByUs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numActorsOwnedByUs
}

// GetAllInScopeObjectIDs returns every tracked id whose RefCount is
// still > 0. Records kept only by an outstanding lineage ref are
// tracked but excluded here; ShouldDelete ids are erased immediately.
func (t *Table) GetAllInScopeObjectIDs() []ObjId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ObjId, 0, len(t.refs))
	for id, r := range t.refs {
		if !r.OutOfScope() {
			out = append(out, id)
		}
	}
	return out
}

// GetAllReferenceCounts returns a snapshot of every tracked id's derived
// RefCount, for tests and debugging.
func (t *Table) GetAllReferenceCounts() map[ObjId]uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ObjId]uint32, len(t.refs))
	for id, r := range t.refs {
		out[id] = r.RefCount()
	}
	return out
}

// DrainAndShutdown arms hook to be invoked exactly once, the moment the
// table becomes (or already is) empty.
func (t *Table) DrainAndShutdown(hook func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdownHook = hook
	t.shutdownArmed = true
	t.maybeShutdown()
}

// maybeShutdown fires the armed shutdown hook once, if the table is
// empty. Must be called with t.mu held.
func (t *Table) maybeShutdown() {
	if t.shutdownArmed && len(t.refs) == 0 && t.shutdownHook != nil {
		hook := t.shutdownHook
		t.shutdownHook = nil
		t.shutdownArmed = false
		hook()
	}
}

// FlushObjectsToRecover drains and returns the queue of ids that lost
// their primary location to a dead node while still in scope.
func (t *Table) FlushObjectsToRecover() []ObjId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.objectsToRecover
	t.objectsToRecover = nil
	return out
}

// NumInScope is the number of tracked ids whose RefCount is still > 0,
// the count-only counterpart of GetAllInScopeObjectIDs for a metrics
// scrape that does not need the ids themselves.
func (t *Table) NumInScope() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.refs {
		if !r.OutOfScope() {
			n++
		}
	}
	return n
}

// ReconstructableQueueLen reports the current depth of the lineage
// eviction FIFO without draining it.
func (t *Table) ReconstructableQueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconstructable.Len()
}

// FreedObjectCount reports how many ids are currently recorded as freed:
// ids handed to FreePlasmaObjects, minus those since marked in use again
// or erased.
func (t *Table) FreedObjectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.freedObjects)
}

// RecoveryQueueLen reports the current depth of the node-loss recovery
// queue without draining it, unlike FlushObjectsToRecover.
func (t *Table) RecoveryQueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objectsToRecover)
}
