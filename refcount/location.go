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

import "github.com/pkg/errors"

// locationSnapshot is the observable tuple a location change notification
// publishes; publishLocationSnapshotIfChanged fires again iff this tuple
// differs from the last one emitted for the id.
type locationSnapshot struct {
	nodeCount       int
	objectSize      int64
	spilledURL      string
	spilledNodeID   NodeId
	primaryNodeID   NodeId
	hasPrimary      bool
	pendingCreation bool
	didSpill        bool
	refRemoved      bool
}

func snapshotOf(r *Reference) locationSnapshot {
	return locationSnapshot{
		nodeCount:       len(r.locations),
		objectSize:      r.objectSize,
		spilledURL:      r.spilledURL,
		spilledNodeID:   r.spilledNodeID,
		primaryNodeID:   r.pinnedAtNode,
		hasPrimary:      r.hasPinnedNode,
		pendingCreation: r.pendingCreation,
		didSpill:        r.didSpill,
	}
}

// ObjectLocationInfo is the payload filled in for a location-channel
// publication.
type ObjectLocationInfo struct {
	NodeIDs         []NodeId
	ObjectSize      int64 // only set (non-zero) when known
	SpilledURL      string
	SpilledNodeID   NodeId
	PrimaryNodeID   NodeId
	PendingCreation bool
	DidSpill        bool
	RefRemoved      bool
}

// FillObjectInformation assembles the location-channel payload for id.
func (t *Table) FillObjectInformation(id ObjId) ObjectLocationInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return ObjectLocationInfo{RefRemoved: true}
	}
	return t.fillObjectInformation(r)
}

func (t *Table) fillObjectInformation(r *Reference) ObjectLocationInfo {
	info := ObjectLocationInfo{
		SpilledURL:      r.spilledURL,
		SpilledNodeID:   r.spilledNodeID,
		PendingCreation: r.pendingCreation,
		DidSpill:        r.didSpill,
	}
	if r.objectSize > 0 {
		info.ObjectSize = r.objectSize
	}
	if r.hasPinnedNode {
		info.PrimaryNodeID = r.pinnedAtNode
	} else {
		info.PrimaryNodeID = NilNodeId
	}
	for n := range r.locations {
		info.NodeIDs = append(info.NodeIDs, n)
	}
	return info
}

// publishLocationSnapshotIfChanged publishes on ChannelObjectLocations
// iff the observable tuple differs from what was last published for id.
// Publication is monotonic: a repeated call with an unchanged snapshot
// is a no-op. Must be called with t.mu held.
func (t *Table) publishLocationSnapshotIfChanged(id ObjId, r *Reference) {
	snap := snapshotOf(r)
	if last, ok := t.lastPublished[id]; ok && last == snap {
		return
	}
	t.lastPublished[id] = snap
	t.pub.Publish(ChannelObjectLocations, id, t.fillObjectInformation(r))
}

// PublishObjectLocationSnapshot unconditionally publishes once, for the
// benefit of a first-time subscriber that missed every prior change.
func (t *Table) PublishObjectLocationSnapshot(id ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		t.pub.PublishFailure(ChannelObjectLocations, id)
		return
	}
	t.pub.Publish(ChannelObjectLocations, id, t.fillObjectInformation(r))
}

// GetObjectLocations returns a snapshot of id's known secondary
// locations.
func (t *Table) GetObjectLocations(id ObjId) []NodeId {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return nil
	}
	out := make([]NodeId, 0, len(r.locations))
	for n := range r.locations {
		out = append(out, n)
	}
	return out
}

// AddObjectLocation records that id is now also present at node,
// publishing a snapshot only if the set actually changed. Unknown ids
// are a throttled warning.
func (t *Table) AddObjectLocation(id ObjId, node NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		t.warn.Warningf("addloc-unknown:"+id.String(), "refcount: AddObjectLocation: unknown id %s", id)
		return
	}
	t.addObjectLocationInternal(id, r, node)
}

func (t *Table) addObjectLocationInternal(id ObjId, r *Reference, node NodeId) {
	if _, already := r.locations[node]; already {
		return
	}
	r.locations = addLocation(r.locations, node)
	t.publishLocationSnapshotIfChanged(id, r)
}

// RemoveObjectLocation removes node from id's known locations,
// publishing a snapshot only if the set actually changed.
func (t *Table) RemoveObjectLocation(id ObjId, node NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		t.warn.Warningf("rmloc-unknown:"+id.String(), "refcount: RemoveObjectLocation: unknown id %s", id)
		return
	}
	t.removeObjectLocationInternal(id, r, node)
}

func (t *Table) removeObjectLocationInternal(id ObjId, r *Reference, node NodeId) {
	if _, present := r.locations[node]; !present {
		return
	}
	delete(r.locations, node)
	t.publishLocationSnapshotIfChanged(id, r)
}

// UpdateObjectPendingCreation sets pending_creation, publishing a
// snapshot only on actual change.
func (t *Table) UpdateObjectPendingCreation(id ObjId, pending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return
	}
	t.updateObjectPendingCreationInternal(id, r, pending)
}

func (t *Table) updateObjectPendingCreationInternal(id ObjId, r *Reference, pending bool) {
	if r.pendingCreation == pending {
		return
	}
	r.pendingCreation = pending
	t.publishLocationSnapshotIfChanged(id, r)
}

// UpdateObjectPinnedAtNode records which node currently holds id's
// primary copy, named generically since the underlying collaborator
// need not be a Raylet-shaped scheduler node. Only meaningful for owned
// ids in scope and not freed. If node is alive, records the pin;
// otherwise clears it and queues id for recovery.
func (t *Table) UpdateObjectPinnedAtNode(id ObjId, node NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok || !r.ownedByUs || r.OutOfScope() {
		return
	}
	if _, freed := t.freedObjects[id]; freed {
		return
	}

	if t.nodeAlive != nil && !t.nodeAlive.CheckNodeAlive(node) {
		t.unsetObjectPrimaryCopy(id, r)
		t.objectsToRecover = append(t.objectsToRecover, id)
		return
	}

	r.hasPinnedNode = true
	r.pinnedAtNode = node
	t.addObjectLocationInternal(id, r, node)
}

// HandleObjectSpilled records that id's primary copy was spilled to url
// on spilledNode. Guards against re-adding a local spill location for an
// id that already went out of scope. If spilledNode is no longer alive,
// clears the primary copy and queues id for recovery instead.
func (t *Table) HandleObjectSpilled(id ObjId, url string, spilledNode NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return
	}
	if r.OutOfScope() {
		return
	}

	r.spilled = true
	r.didSpill = true
	r.spilledURL = url
	r.spilledNodeID = spilledNode

	if t.nodeAlive != nil && !t.nodeAlive.CheckNodeAlive(spilledNode) {
		t.unsetObjectPrimaryCopy(id, r)
		if !r.OutOfScope() {
			t.objectsToRecover = append(t.objectsToRecover, id)
		}
		return
	}

	t.addObjectLocationInternal(id, r, spilledNode)
}

// ResetObjectsOnRemovedNode clears primary/spill state for every id
// pinned or spilled on nodeId, queueing still-in-scope ones for
// recovery, and always removes nodeId from every id's locations
// regardless of pin/spill state.
func (t *Table) ResetObjectsOnRemovedNode(nodeId NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.refs {
		if (r.hasPinnedNode && r.pinnedAtNode == nodeId) || (r.didSpill && r.spilledNodeID == nodeId) {
			t.unsetObjectPrimaryCopy(id, r)
			if !r.OutOfScope() {
				t.objectsToRecover = append(t.objectsToRecover, id)
			}
		}
		t.removeObjectLocationInternal(id, r, nodeId)
	}
}

// IsPlasmaObjectPinnedOrSpilled returns a point-in-time snapshot used by
// the object manager to decide whether it is safe to serve a cached
// copy. known is false if id is not tracked at all.
func (t *Table) IsPlasmaObjectPinnedOrSpilled(id ObjId) (ownedByUs bool, pinnedAt NodeId, spilled bool, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return false, NilNodeId, false, false
	}
	return r.ownedByUs, r.pinnedAtNode, r.spilled, true
}

// GetLocalityData derives a (size, node-set) locality hint for
// scheduling from id's known state, whether owned or borrowed. Returns ok=false if size
// is unknown or id isn't tracked.
func (t *Table) GetLocalityData(id ObjId) (sizeBytes int64, nodes []NodeId, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, present := t.refs[id]
	if !present || r.objectSize <= 0 {
		return 0, nil, false
	}
	out := make([]NodeId, 0, len(r.locations))
	for n := range r.locations {
		out = append(out, n)
	}
	return r.objectSize, out, true
}

// ReportLocalityData lets a borrower merge observed remote locations and
// a size hint into its own copy of a borrowed id's location set. A
// no-op if id's record is already gone. Owner-only access is rejected:
// an owner's location set is authoritative and must never be overwritten
// by a borrower-side merge.
func (t *Table) ReportLocalityData(id ObjId, locs []NodeId, sizeBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return
	}
	if r.ownedByUs {
		panic(errors.Errorf("refcount: ReportLocalityData: %s is owned by us, not a borrower", id))
	}
	if r.objectSize <= 0 && sizeBytes > 0 {
		r.objectSize = sizeBytes
	}
	for _, n := range locs {
		t.addObjectLocationInternal(id, r, n)
	}
}
