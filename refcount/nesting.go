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

// setOwner records owner on r, if not already known, and derives
// owned_by_us against t.self.
func (t *Table) setOwner(r *Reference, owner Addr) {
	if r.hasOwner || owner.IsNil() {
		return
	}
	r.ownerAddress = owner
	r.hasOwner = true
	r.ownedByUs = owner.Equal(t.self)
}

// propagateNestedRefsToReport marks has_nested_refs_to_report on every
// ancestor reachable from id through contained_in_borrowed_ids. The walk
// is idempotent: once an ancestor's bit is already set, its own
// ancestors must already have been visited by the call that set it, so
// the closure stops there.
func (t *Table) propagateNestedRefsToReport(id ObjId) {
	r, ok := t.refs[id]
	if !ok || r.nested == nil {
		return
	}
	for outer := range r.nested.containedInBorrowedIds {
		outerRef, ok := t.refs[outer]
		if !ok || outerRef.hasNestedRefsToReport {
			continue
		}
		outerRef.hasNestedRefsToReport = true
		t.propagateNestedRefsToReport(outer)
	}
}

// addBorrowedObjectInternal records that id has been borrowed, nested
// inside outerId when outerId is non-nil.
// Must be called with t.mu held. deleted collects ids that reached
// ShouldDelete as a side effect.
func (t *Table) addBorrowedObjectInternal(id, outerId ObjId, owner Addr, foreignMonitoring bool, deleted *[]ObjId) {
	r := t.getOrCreate(id)
	t.setOwner(r, owner)
	if foreignMonitoring {
		r.foreignOwnerAlreadyMonitoring = true
	}

	if outerId.IsNil() {
		return
	}
	outerRef, ok := t.refs[outerId]
	if !ok || outerRef.ownedByUs {
		return
	}
	if id == outerId {
		log.Fatalf("refcount: AddBorrowedObjectInternal: id == outer_id (%s)", id)
	}

	nested := r.mutableNested()
	_, already := nested.containedInBorrowedIds[outerId]
	nested.containedInBorrowedIds[outerId] = struct{}{}
	outerNested := outerRef.mutableNested()
	outerNested.contains[id] = struct{}{}

	if !already && r.RefCount() > 0 {
		t.propagateNestedRefsToReport(id)
	}

	if r.OutOfScope() {
		t.deletionTransition(id, r, deleted)
	}
}

// AddBorrowedObjectInternal is the exported entry point used by the
// borrower protocol and by callers registering a borrow directly.
func (t *Table) AddBorrowedObjectInternal(id, outerId ObjId, owner Addr, foreignMonitoring bool) []ObjId {
	t.mu.Lock()
	defer t.mu.Unlock()
	var deleted []ObjId
	t.addBorrowedObjectInternal(id, outerId, owner, foreignMonitoring, &deleted)
	return deleted
}

// addNestedObjectIdsInternal records that every id in innerIds is nested
// inside outerId.
// Must be called with t.mu held. Adding containment/borrow edges only
// ever increases RefCount, so unlike addBorrowedObjectInternal this
// never triggers a deletion transition.
func (t *Table) addNestedObjectIdsInternal(outerId ObjId, innerIds []ObjId, owner Addr) {
	if owner.Equal(t.self) {
		outerRef, ok := t.refs[outerId]
		if !ok || !outerRef.ownedByUs {
			log.Fatalf("refcount: AddNestedObjectIdsInternal: outer %s not owned by us", outerId)
		}
		outerNested := outerRef.mutableNested()
		for _, inner := range innerIds {
			outerNested.contains[inner] = struct{}{}
		}
		// second loop: inserting into contains above must not be
		// interleaved with creating inner records, since that could
		// reallocate/invalidate any iterator over outerNested.contains.
		for _, inner := range innerIds {
			innerRef := t.getOrCreate(inner)
			before := innerRef.RefCount()
			innerNested := innerRef.mutableNested()
			innerNested.containedInOwned[outerId] = struct{}{}
			if before == 0 && innerRef.RefCount() > 0 {
				t.propagateNestedRefsToReport(inner)
			}
		}
		return
	}

	for _, inner := range innerIds {
		innerRef := t.getOrCreate(inner)
		if innerRef.ownedByUs {
			innerBorrow := innerRef.mutableBorrow()
			if _, already := innerBorrow.borrowers[owner]; !already {
				innerBorrow.borrowers[owner] = struct{}{}
				t.waitForRefRemoved(inner, owner, outerId)
			}
			continue
		}
		borrow := innerRef.mutableBorrow()
		if _, already := borrow.storedInObjects[outerId]; already {
			log.Fatalf("refcount: AddNestedObjectIdsInternal: %s already stored_in %s", inner, outerId)
		}
		borrow.storedInObjects[outerId] = owner
	}
}

// AddNestedObjectIdsInternal is the exported entry point.
func (t *Table) AddNestedObjectIdsInternal(outerId ObjId, innerIds []ObjId, owner Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addNestedObjectIdsInternal(outerId, innerIds, owner)
}

// setNestedRefInUseRecursive marks every inner id of id (transitively)
// as newly in-use, so each one's has_nested_refs_to_report closure
// starts correctly when we learn of a nested structure via a remote
// borrow report rather than a local AddLocalReference.
func (t *Table) setNestedRefInUseRecursive(id ObjId) {
	r, ok := t.refs[id]
	if !ok || r.nested == nil {
		return
	}
	for inner := range r.nested.contains {
		t.propagateNestedRefsToReport(inner)
		t.setNestedRefInUseRecursive(inner)
	}
}
