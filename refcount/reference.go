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

import "fmt"

// borrowInfo is the lazily-allocated borrower-protocol half of a
// Reference. It stays nil until the record is first borrowed or first
// serialised into another object, mirroring mutable_borrow() in the
// system this package generalises from.
type borrowInfo struct {
	borrowers       map[Addr]struct{}
	storedInObjects map[ObjId]Addr // this id was serialised into outer id -> outer's owner
}

// nestedInfo is the lazily-allocated containment half of a Reference.
type nestedInfo struct {
	contains               map[ObjId]struct{}
	containedInOwned       map[ObjId]struct{}
	containedInBorrowedIds map[ObjId]struct{}
}

// refRemovedCallback replies to an owner waiting for our local borrow on
// an id to end.
type refRemovedCallback func(id ObjId)

// outOfScopeCallback fires every time a record transitions to
// out-of-scope or is explicitly freed.
type outOfScopeCallback func(id ObjId)

// Reference is the per-object record tracked by a Table. All fields are
// mutated only while the owning Table's mutex is held.
type Reference struct {
	ownerAddress Addr
	hasOwner     bool
	ownedByUs    bool

	localRefCount         uint32
	submittedTaskRefCount uint32
	lineageRefCount       uint32

	borrow *borrowInfo
	nested *nestedInfo

	hasNestedRefsToReport         bool
	foreignOwnerAlreadyMonitoring bool

	pinnedAtNode  NodeId
	hasPinnedNode bool
	locations     map[NodeId]struct{}
	spilled       bool
	didSpill      bool
	spilledURL    string
	spilledNodeID NodeId

	pendingCreation bool

	isReconstructable bool
	lineageEvicted    bool

	tensorTransport TensorTransport

	onRefRemoved        refRemovedCallback
	onObjectRefDelete   func(id ObjId)
	onOutOfScopeOrFreed []outOfScopeCallback

	callSite   string
	objectSize int64 // -1 unknown
}

// newReference returns a freshly-created record with owner unknown, as
// created when a previously unknown id is first touched.
func newReference() *Reference {
	return &Reference{objectSize: -1}
}

// mutableBorrow returns r.borrow, allocating it on first use.
func (r *Reference) mutableBorrow() *borrowInfo {
	if r.borrow == nil {
		r.borrow = &borrowInfo{
			borrowers:       make(map[Addr]struct{}),
			storedInObjects: make(map[ObjId]Addr),
		}
	}
	return r.borrow
}

// mutableNested returns r.nested, allocating it on first use.
func (r *Reference) mutableNested() *nestedInfo {
	if r.nested == nil {
		r.nested = &nestedInfo{
			contains:               make(map[ObjId]struct{}),
			containedInOwned:       make(map[ObjId]struct{}),
			containedInBorrowedIds: make(map[ObjId]struct{}),
		}
	}
	return r.nested
}

func (r *Reference) numBorrowers() int {
	if r.borrow == nil {
		return 0
	}
	return len(r.borrow.borrowers)
}

func (r *Reference) numStoredInObjects() int {
	if r.borrow == nil {
		return 0
	}
	return len(r.borrow.storedInObjects)
}

func (r *Reference) numContainedInOwned() int {
	if r.nested == nil {
		return 0
	}
	return len(r.nested.containedInOwned)
}

// RefCount is the derived scalar:
//
//	local + submitted_task + borrowers + stored_in_objects +
//	contained_in_owned + (has_nested_refs_to_report ? 1 : 0)
func (r *Reference) RefCount() uint32 {
	count := r.localRefCount + r.submittedTaskRefCount
	count += uint32(r.numBorrowers())
	count += uint32(r.numStoredInObjects())
	count += uint32(r.numContainedInOwned())
	if r.hasNestedRefsToReport {
		count++
	}
	return count
}

// OutOfScope reports whether RefCount has reached zero.
func (r *Reference) OutOfScope() bool {
	return r.RefCount() == 0
}

// ShouldDelete reports whether the record should be erased from the
// table: out of scope, and either lineage pinning is disabled for this
// call or there is no outstanding lineage ref.
func (r *Reference) ShouldDelete(lineagePinningEnabled bool) bool {
	if !r.OutOfScope() {
		return false
	}
	if !lineagePinningEnabled {
		return true
	}
	return r.lineageRefCount == 0
}

// DebugString renders a single-line human summary of r.
func (r *Reference) DebugString(id ObjId) string {
	return fmt.Sprintf(
		"%s owner=%s owned_by_us=%v local=%d submitted=%d lineage=%d borrowers=%d stored_in=%d contains=%d refcount=%d",
		id, r.ownerAddress, r.ownedByUs, r.localRefCount, r.submittedTaskRefCount,
		r.lineageRefCount, r.numBorrowers(), r.numStoredInObjects(),
		len(r.containsSet()), r.RefCount(),
	)
}

func (r *Reference) containsSet() map[ObjId]struct{} {
	if r.nested == nil {
		return nil
	}
	return r.nested.contains
}
