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

// PopAndClearLocalBorrowers serialises the local borrow view of every id
// in ids (and, transitively, everything they contain) into a report
// suitable for a remote owner to merge, and hands those sub-records off
// in the process (resets borrow_info on everything reported).
func (t *Table) PopAndClearLocalBorrowers(ids []ObjId) map[ObjId]BorrowedRefsReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := make(map[ObjId]BorrowedRefsReport)
	for _, id := range ids {
		t.getAndClearLocalBorrowers(id, false, true, report)
	}

	// decrement the artificial local_ref_count the runtime held during
	// the task, now that the borrow view has been captured.
	var deleted []ObjId
	for _, id := range ids {
		t.removeLocalReference(id, &deleted)
	}
	return report
}

// getAndClearLocalBorrowers is the recursive core of popping a local
// borrow view, recursing into contains with deduct_local_ref=false for
// everything but the top-level id.
func (t *Table) getAndClearLocalBorrowers(id ObjId, forRefRemoved, deductLocalRef bool, report map[ObjId]BorrowedRefsReport) {
	r, ok := t.refs[id]
	if !ok {
		return
	}

	if !r.ownedByUs {
		if forRefRemoved || !r.foreignOwnerAlreadyMonitoring {
			entry := BorrowedRefsReport{
				ObjectID:     id,
				OwnerAddress: r.ownerAddress,
				HasOwner:     r.hasOwner,
			}
			deduct := uint32(0)
			if deductLocalRef {
				deduct = 1
			}
			entry.HasLocalRef = r.RefCount() > deduct
			if r.borrow != nil {
				for addr := range r.borrow.borrowers {
					entry.Borrowers = append(entry.Borrowers, addr)
				}
				if len(r.borrow.storedInObjects) > 0 {
					entry.StoredInObjects = make(map[ObjId]Addr, len(r.borrow.storedInObjects))
					for k, v := range r.borrow.storedInObjects {
						entry.StoredInObjects[k] = v
					}
				}
			}
			if r.nested != nil {
				for inner := range r.nested.contains {
					entry.Contains = append(entry.Contains, inner)
				}
				for outer := range r.nested.containedInBorrowedIds {
					entry.ContainedInBorrowedIds = append(entry.ContainedInBorrowedIds, outer)
				}
			}
			report[id] = entry
			r.borrow = nil
		}
	}

	if r.nested != nil {
		for inner := range r.nested.contains {
			t.getAndClearLocalBorrowers(inner, forRefRemoved, false, report)
		}
	}
	r.hasNestedRefsToReport = false
}

// getAndClearLocalBorrowersInternal is the lock-taking single-id entry
// point used when a caller needs to pop exactly one id's borrow state
// (e.g. HandleRefRemoved) without touching local_ref_count.
func (t *Table) getAndClearLocalBorrowersInternal(id ObjId) map[ObjId]BorrowedRefsReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := make(map[ObjId]BorrowedRefsReport)
	t.getAndClearLocalBorrowers(id, true, false, report)
	return report
}

// mergeRemoteBorrowers merges a remote borrow report for argId
// and recurses into every id its report entry's Contains lists, using
// allReports to find their sub-entries. Must be called with t.mu held.
func (t *Table) mergeRemoteBorrowers(id ObjId, borrowerWorker Addr, report BorrowedRefsReport, allReports map[ObjId]BorrowedRefsReport, deleted *[]ObjId) {
	r := t.getOrCreate(id)
	if report.HasOwner {
		t.setOwner(r, report.OwnerAddress)
	}

	newBorrowers := make([]Addr, 0, len(report.Borrowers)+1)

	hasLocal := report.HasLocalRef
	if hasLocal {
		borrow := r.mutableBorrow()
		if _, already := borrow.borrowers[borrowerWorker]; !already {
			borrow.borrowers[borrowerWorker] = struct{}{}
			newBorrowers = append(newBorrowers, borrowerWorker)
		}
	}

	if len(report.Borrowers) > 0 {
		borrow := r.mutableBorrow()
		for _, addr := range report.Borrowers {
			if addr.IsNil() {
				log.Fatalf("refcount: MergeRemoteBorrowers: nil worker id in borrow report for %s", id)
			}
			if _, already := borrow.borrowers[addr]; !already {
				borrow.borrowers[addr] = struct{}{}
				newBorrowers = append(newBorrowers, addr)
			}
		}
	}

	for _, outer := range report.ContainedInBorrowedIds {
		t.addBorrowedObjectInternal(id, outer, report.OwnerAddress, false, deleted)
	}

	if r.ownedByUs {
		for _, addr := range newBorrowers {
			t.waitForRefRemoved(id, addr, NilObjId)
		}
	} else if len(newBorrowers) > 0 {
		r.hasNestedRefsToReport = true
		t.propagateNestedRefsToReport(id)
	}

	for outer, outerOwner := range report.StoredInObjects {
		t.addNestedObjectIdsInternal(outer, []ObjId{id}, outerOwner)
	}

	for _, inner := range report.Contains {
		if innerReport, ok := allReports[inner]; ok {
			t.mergeRemoteBorrowers(inner, borrowerWorker, innerReport, allReports, deleted)
		}
	}
}

// MergeRemoteBorrowers is the exported, lock-taking entry point.
func (t *Table) MergeRemoteBorrowers(argId ObjId, borrowerWorker Addr, report BorrowedRefsReport, allReports map[ObjId]BorrowedRefsReport) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergeRemoteBorrowers(argId, borrowerWorker, report, allReports, &deleted)
	return deleted
}

// CleanupBorrowersOnRefRemoved merges the borrower's final report, then
// removes borrowerAddr from our borrowers set and runs the deletion
// transition.
func (t *Table) CleanupBorrowersOnRefRemoved(report map[ObjId]BorrowedRefsReport, id ObjId, borrowerAddr Addr) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := report[id]; ok {
		t.mergeRemoteBorrowers(id, borrowerAddr, entry, report, &deleted)
	}

	r, ok := t.refs[id]
	if !ok {
		return deleted
	}
	if r.borrow != nil {
		delete(r.borrow.borrowers, borrowerAddr)
	}
	if r.OutOfScope() {
		t.deletionTransition(id, r, &deleted)
	}
	return deleted
}

// waitForRefRemoved subscribes for a single borrower's ref-removed
// notification. Only owners call this (enforced by the caller context;
// see AddBorrowerAddress for the hard-checked variant). Must be called
// with t.mu held; the subscribe call itself is non-blocking; the
// response runs on the pub/sub's own goroutine and re-enters the table
// via CleanupBorrowersOnRefRemoved.
func (t *Table) waitForRefRemoved(id ObjId, addr Addr, containedInId ObjId) {
	if t.sub == nil {
		return
	}
	t.sub.Subscribe(ChannelRefRemoved, addr, id,
		func(msg interface{}) {
			report, _ := msg.(map[ObjId]BorrowedRefsReport)
			t.CleanupBorrowersOnRefRemoved(report, id, addr)
			t.sub.Unsubscribe(ChannelRefRemoved, addr, id)
		},
		func() {
			// publisher_failed_callback: the borrower died; treat it
			// as an empty report.
			t.CleanupBorrowersOnRefRemoved(nil, id, addr)
		},
	)
	_ = containedInId // carried for parity with the wire subscribe message; not needed to drive local bookkeeping.
}

// WaitForRefRemoved is the exported, lock-taking entry point; only the
// owner of id may call it.
func (t *Table) WaitForRefRemoved(id ObjId, addr Addr, containedInId ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		log.Fatalf("refcount: WaitForRefRemoved: %s has no record", id)
	}
	requireOwnedByUs(id, r, "WaitForRefRemoved")
	t.waitForRefRemoved(id, addr, containedInId)
}

// SetRefRemovedCallback creates the record if missing;
// register containment if contained_in_id is non-nil so the reply waits
// until the outer scope ends; reply immediately (and delete) if
// RefCount is already zero; otherwise store cb as the single on_ref_
// removed slot, warning (not failing) on overwrite.
func (t *Table) SetRefRemovedCallback(id, containedInId ObjId, ownerAddress Addr, cb func(id ObjId)) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.getOrCreate(id)
	t.setOwner(r, ownerAddress)

	if !containedInId.IsNil() {
		t.addNestedObjectIdsInternal(containedInId, []ObjId{id}, ownerAddress)
	}

	if r.RefCount() == 0 {
		cb(id)
		t.deletionTransition(id, r, &deleted)
		return deleted
	}

	if r.onRefRemoved != nil {
		t.warn.Warningf("ref-removed-overwrite:"+id.String(),
			"refcount: SetRefRemovedCallback: overwriting on_ref_removed for %s, likely owner re-execution", id)
	}
	r.onRefRemoved = cb
	return deleted
}

// HandleRefRemoved pops and clears local borrowers for id with
// for_ref_removed semantics, wraps the report as a ref-removed
// publication, and publishes it.
func (t *Table) HandleRefRemoved(id ObjId) {
	report := t.getAndClearLocalBorrowersInternal(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pub.Publish(ChannelRefRemoved, id, report)
}

// AddBorrowerAddress implements the hard-checked variant of inserting a
// borrower directly, used by collaborators that already know the
// borrower out of band. It fatally rejects operating on an id we do not
// own or inserting our own worker id as a borrower.
func (t *Table) AddBorrowerAddress(id ObjId, addr Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.refs[id]
	if !ok {
		log.Fatalf("refcount: AddBorrowerAddress: %s has no record", id)
	}
	requireOwnedByUs(id, r, "AddBorrowerAddress")
	if addr.Equal(t.self) {
		log.Fatalf("refcount: AddBorrowerAddress: refusing to add our own address as a borrower of %s", id)
	}

	borrow := r.mutableBorrow()
	if _, already := borrow.borrowers[addr]; already {
		return
	}
	borrow.borrowers[addr] = struct{}{}
	t.waitForRefRemoved(id, addr, NilObjId)
}
