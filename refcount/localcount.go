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

// AddLocalReference creates the record for id if absent (owner unknown)
// and increments local_ref_count. If this is the transition from
// RefCount==0 to >0 and id sits inside borrowed outer ids, every
// ancestor reachable through contained_in_borrowed_ids is marked dirty
// so it gets reported back to its owner.
func (t *Table) AddLocalReference(id ObjId, callSite string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.getOrCreate(id)
	wasOutOfScope := r.OutOfScope()
	r.localRefCount++
	if r.callSite == "" {
		r.callSite = callSite
	}
	if wasOutOfScope && r.RefCount() > 0 {
		t.propagateNestedRefsToReport(id)
	}
}

// RemoveLocalReference decrements local_ref_count and, if RefCount
// reaches zero, runs the deletion transition. Decrementing below zero or
// on an unknown id is a throttled warning, never a crash.
func (t *Table) RemoveLocalReference(id ObjId) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocalReference(id, &deleted)
	return deleted
}

func (t *Table) removeLocalReference(id ObjId, deleted *[]ObjId) {
	r, ok := t.refs[id]
	if !ok {
		t.warn.Warningf("rm-unknown:"+id.String(), "refcount: RemoveLocalReference: unknown id %s", id)
		return
	}
	if r.localRefCount == 0 {
		t.warn.Warningf("rm-zero:"+id.String(), "refcount: RemoveLocalReference: local_ref_count already zero for %s", id)
		return
	}
	r.localRefCount--
	if r.OutOfScope() {
		t.deletionTransition(id, r, deleted)
	}
}

// TryReleaseLocalRefs releases a local ref on each of ids, silently
// skipping unknown ids or ids whose local_ref_count is already zero.
func (t *Table) TryReleaseLocalRefs(ids []ObjId) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		r, ok := t.refs[id]
		if !ok || r.localRefCount == 0 {
			continue
		}
		r.localRefCount--
		if r.OutOfScope() {
			t.deletionTransition(id, r, &deleted)
		}
	}
	return deleted
}

// ReleaseAllLocalReferences drains every local_ref_count to zero, used
// at worker shutdown.
func (t *Table) ReleaseAllLocalReferences() (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.refs {
		for r.localRefCount > 0 {
			r.localRefCount--
			if r.OutOfScope() {
				t.deletionTransition(id, r, &deleted)
				break // r may now be erased; stop touching it
			}
		}
	}
	return deleted
}

// UpdateObjectSize updates object_size after the fact (e.g. once the
// value has actually been serialised) and republishes the location
// snapshot whenever the value changes; an unchanged size is a no-op.
func (t *Table) UpdateObjectSize(id ObjId, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return
	}
	if r.objectSize == size {
		return
	}
	r.objectSize = size
	t.publishLocationSnapshotIfChanged(id, r)
}

// UpdateSubmittedTaskReferences marks every return id pending_creation,
// and for each argument in argsToAdd increments submitted_task_ref_count
// and lineage_ref_count (creating the record if absent), flushing nested
// report state; each argument in argsToRemove (inlined, never actually
// submitted) is symmetrically decremented and may delete.
func (t *Table) UpdateSubmittedTaskReferences(returnIds, argsToAdd, argsToRemove []ObjId) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range returnIds {
		r, ok := t.refs[id]
		if !ok {
			continue
		}
		r.pendingCreation = true
	}

	for _, id := range argsToAdd {
		r := t.getOrCreate(id)
		wasOutOfScope := r.OutOfScope()
		r.submittedTaskRefCount++
		r.lineageRefCount++
		if wasOutOfScope && r.RefCount() > 0 {
			t.propagateNestedRefsToReport(id)
		}
	}

	for _, id := range argsToRemove {
		r, ok := t.refs[id]
		if !ok {
			continue
		}
		if r.submittedTaskRefCount > 0 {
			r.submittedTaskRefCount--
		}
		if r.lineageRefCount > 0 {
			r.lineageRefCount--
		}
		if r.OutOfScope() {
			t.deletionTransition(id, r, &deleted)
		}
	}
	return deleted
}

// UpdateResubmittedTaskReferences re-increments only
// submitted_task_ref_count for a retried task's arguments; lineage ref
// was never released the first time, so it must not be bumped again.
func (t *Table) UpdateResubmittedTaskReferences(args []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range args {
		r := t.getOrCreate(id)
		r.submittedTaskRefCount++
	}
}

// BorrowedRefsReport is one decoded ObjectReferenceCount entry from a
// remote worker's borrow report, keyed by the id it describes.
type BorrowedRefsReport struct {
	ObjectID               ObjId
	OwnerAddress           Addr
	HasOwner               bool
	HasLocalRef            bool
	Borrowers              []Addr
	StoredInObjects        map[ObjId]Addr
	Contains               []ObjId
	ContainedInBorrowedIds []ObjId
}

// UpdateFinishedTaskReferences clears pending_creation on returnIds,
// then, in this strict order, merges every argument's remote borrower
// report before decrementing submitted_task_ref_count (and, if
// releaseLineage, lineage_ref_count) for each argument. The order is
// mandatory: merging may transfer nested borrow state that must be
// present before the submitted-task decrement could otherwise delete
// the record.
func (t *Table) UpdateFinishedTaskReferences(returnIds, args []ObjId, releaseLineage bool, workerAddr Addr, borrowedRefs map[ObjId]BorrowedRefsReport) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range returnIds {
		if r, ok := t.refs[id]; ok {
			r.pendingCreation = false
		}
	}

	for _, id := range args {
		if report, ok := borrowedRefs[id]; ok {
			t.mergeRemoteBorrowers(id, workerAddr, report, borrowedRefs, &deleted)
		}
	}

	for _, id := range args {
		r, ok := t.refs[id]
		if !ok {
			continue
		}
		if r.submittedTaskRefCount > 0 {
			r.submittedTaskRefCount--
		}
		if releaseLineage && r.lineageRefCount > 0 {
			r.lineageRefCount--
		}
		if r.OutOfScope() {
			t.deletionTransition(id, r, &deleted)
		}
	}
	return deleted
}

// RemoveSubmittedTaskReferences decrements submitted_task_ref_count (and,
// if releaseLineage, lineage_ref_count) for each id. It returns early on the first unknown
// id in ids rather than continuing past it; left as-is rather than
// silently "fixed" to a continue, since a caller cannot rely on stale
// knowledge of which ids are still tracked once one has gone missing.
func (t *Table) RemoveSubmittedTaskReferences(ids []ObjId, releaseLineage bool) (deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		r, ok := t.refs[id]
		if !ok {
			return deleted
		}
		if r.submittedTaskRefCount > 0 {
			r.submittedTaskRefCount--
		}
		if releaseLineage && r.lineageRefCount > 0 {
			r.lineageRefCount--
		}
		if r.OutOfScope() {
			t.deletionTransition(id, r, &deleted)
		}
	}
	return deleted
}
