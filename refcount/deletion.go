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

import "lab.nexedi.com/kirr/distref/go/log"

// deletionTransition runs the full deletion side-effect sequence for a
// record whose RefCount has just reached zero. Must be called with t.mu
// held; recurses depth-first into contained ids before finalising the
// outer one.
func (t *Table) deletionTransition(id ObjId, r *Reference, deleted *[]ObjId) {
	if r.onRefRemoved != nil {
		cb := r.onRefRemoved
		r.onRefRemoved = nil
		cb(id)
	}

	if r.OutOfScope() {
		if r.nested != nil {
			for inner := range r.nested.contains {
				innerRef, ok := t.refs[inner]
				if !ok {
					continue
				}
				backEdge := innerRef.nestedOrEmpty()
				var erased bool
				if r.ownedByUs {
					if _, ok := backEdge.containedInOwned[id]; ok {
						delete(backEdge.containedInOwned, id)
						erased = true
					}
				} else {
					if _, ok := backEdge.containedInBorrowedIds[id]; ok {
						delete(backEdge.containedInBorrowedIds, id)
						erased = true
					}
				}
				if !erased {
					log.Fatalf("refcount: deletionTransition: broken back-edge %s -> %s", inner, id)
				}
				if innerRef.OutOfScope() {
					t.deletionTransition(inner, innerRef, deleted)
				}
			}
		}

		t.onObjectOutOfScopeOrFreed(id, r)
		if deleted != nil {
			*deleted = append(*deleted, id)
		}
		t.reconstructable.Remove(id)
	}

	if r.ShouldDelete(t.lineagePinningEnabled) {
		t.releaseLineageReferences(id, r, deleted)
		t.eraseReference(id, r)
	}
}

// nestedOrEmpty returns r.nested, or a throwaway empty nestedInfo if r
// has never allocated one, so callers can unconditionally `delete` from
// its maps without a nil check at every call site.
func (r *Reference) nestedOrEmpty() *nestedInfo {
	if r.nested == nil {
		return &nestedInfo{}
	}
	return r.nested
}

// onObjectOutOfScopeOrFreed fires every queued out-of-scope callback
// (clearing them), then clears pinning and, if spilled onto a known
// node, resets spill state.
func (t *Table) onObjectOutOfScopeOrFreed(id ObjId, r *Reference) {
	cbs := r.onOutOfScopeOrFreed
	r.onOutOfScopeOrFreed = nil
	for _, cb := range cbs {
		cb(id)
	}

	r.hasPinnedNode = false
	r.pinnedAtNode = NilNodeId
	if r.didSpill && !r.spilledNodeID.IsNil() {
		r.spilled = false
		r.didSpill = false
		r.spilledURL = ""
		r.spilledNodeID = NilNodeId
	}

	t.publishLocationSnapshotIfChanged(id, r)
}

// AddObjectOutOfScopeOrFreedCallback registers cb to fire the next time
// id transitions to out-of-scope (including via FreePlasmaObjects). It
// is additive: any previously registered callbacks still fire.
func (t *Table) AddObjectOutOfScopeOrFreedCallback(id ObjId, cb func(id ObjId)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return
	}
	r.onOutOfScopeOrFreed = append(r.onOutOfScopeOrFreed, cb)
}

// SetObjectRefDeletedCallback registers the single-shot callback that
// fires at final erase (on_object_ref_delete).
func (t *Table) SetObjectRefDeletedCallback(id ObjId, cb func(id ObjId)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return
	}
	r.onObjectRefDelete = cb
}

// eraseReference is the final erase step: publish a location
// failure, drop the id from every auxiliary index, fire the terminal
// callback, adjust owned counters, remove from the map, and run the
// shutdown hook if this was the last entry. Must be called with t.mu
// held.
func (t *Table) eraseReference(id ObjId, r *Reference) {
	t.pub.PublishFailure(ChannelObjectLocations, id)
	delete(t.lastPublished, id)

	t.reconstructable.Remove(id)
	delete(t.freedObjects, id)

	if r.onObjectRefDelete != nil {
		r.onObjectRefDelete(id)
	}

	if r.ownedByUs {
		if id.IsActorID() {
			t.numActorsOwnedByUs--
		} else {
			t.numObjectsOwnedByUs--
		}
	}

	delete(t.refs, id)
	t.maybeShutdown()
}

// unsetObjectPrimaryCopy clears pinning and spill state without firing
// the out-of-scope callbacks, used when a node is lost but the object
// is still in scope and can be recovered instead of freed.
func (t *Table) unsetObjectPrimaryCopy(id ObjId, r *Reference) {
	r.hasPinnedNode = false
	r.pinnedAtNode = NilNodeId
	r.spilled = false
	r.didSpill = false
	r.spilledURL = ""
	r.spilledNodeID = NilNodeId
	t.publishLocationSnapshotIfChanged(id, r)
}

// requireOwnedByUs is the fatal-invariant guard for operations that are
// only ever valid against an id this worker owns.
func requireOwnedByUs(id ObjId, r *Reference, op string) {
	if !r.ownedByUs {
		log.Fatalf("refcount: %s: %s is not owned by us", op, id)
	}
}
