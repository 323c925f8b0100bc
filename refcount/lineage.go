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

// AddOwnedObject registers id as owned by owner for the first time.
// Duplicate registration returns false rather than panicking, leaving
// the fatal-on-duplicate decision to the caller. If pinnedAt is non-nil
// it is eagerly added to locations too.
func (t *Table) AddOwnedObject(id ObjId, innerIds []ObjId, owner Addr, callSite string, objectSize int64, isReconstructable, addLocalRef bool, pinnedAt *NodeId, transport TensorTransport) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.refs[id]; exists {
		return false
	}

	r := newReference()
	r.ownerAddress = owner
	r.hasOwner = true
	r.ownedByUs = owner.Equal(t.self)
	r.callSite = callSite
	r.objectSize = objectSize
	r.isReconstructable = isReconstructable
	r.tensorTransport = transport
	t.refs[id] = r

	if id.IsActorID() {
		t.numActorsOwnedByUs++
	} else {
		t.numObjectsOwnedByUs++
	}

	if pinnedAt != nil {
		r.hasPinnedNode = true
		r.pinnedAtNode = *pinnedAt
		r.locations = addLocation(r.locations, *pinnedAt)
	}

	t.reconstructable.PushBack(id)

	if len(innerIds) > 0 {
		t.addNestedObjectIdsInternal(id, innerIds, owner)
	}

	if addLocalRef {
		r.localRefCount++
	}

	t.publishLocationSnapshotIfChanged(id, r)
	return true
}

// AddDynamicReturn registers an extra return value a task produced after
// it had already completed, inheriting owner/call-site/reconstructable
// from the generator and pinning it to the generator's lifetime. A
// no-op if the generator's record is already gone.
func (t *Table) AddDynamicReturn(id, generatorId ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen, ok := t.refs[generatorId]
	if !ok {
		return
	}

	r := newReference()
	r.ownerAddress = gen.ownerAddress
	r.hasOwner = gen.hasOwner
	r.ownedByUs = gen.ownedByUs
	r.callSite = gen.callSite
	r.isReconstructable = gen.isReconstructable
	t.refs[id] = r

	t.addNestedObjectIdsInternal(generatorId, []ObjId{id}, gen.ownerAddress)
}

// OwnDynamicStreamingTaskReturnRef is like AddDynamicReturn but also
// holds a local ref on id (released later by the stream manager) and
// does not additionally nest it under the generator.
func (t *Table) OwnDynamicStreamingTaskReturnRef(id, generatorId ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen, ok := t.refs[generatorId]
	if !ok {
		return
	}

	r := newReference()
	r.ownerAddress = gen.ownerAddress
	r.hasOwner = gen.hasOwner
	r.ownedByUs = gen.ownedByUs
	r.callSite = gen.callSite
	r.isReconstructable = gen.isReconstructable
	r.localRefCount = 1
	t.refs[id] = r
}

// CheckGeneratorRefsLineageOutOfScope reports whether the generator id
// and every id in returnIds are already gone from the table,
// letting a streaming-generator task manager avoid re-adding lineage
// refs for a generator nobody cares about anymore.
func (t *Table) CheckGeneratorRefsLineageOutOfScope(generatorId ObjId, returnIds []ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.refs[generatorId]; ok {
		return false
	}
	for _, id := range returnIds {
		if _, ok := t.refs[id]; ok {
			return false
		}
	}
	return true
}

// EvictLineage walks reconstructable_owned_objects front-to-back,
// releasing lineage references until at least minBytes have been
// reported freed or the queue empties.
func (t *Table) EvictLineage(minBytes int64) (bytesEvicted int64, deleted []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for bytesEvicted < minBytes {
		id, ok := t.reconstructable.PopFront()
		if !ok {
			break
		}
		r, ok := t.refs[id]
		if !ok {
			continue
		}
		bytesEvicted += t.releaseLineageReferences(id, r, &deleted)
	}
	return bytesEvicted, deleted
}

// releaseLineageReferences runs the lineage-release side effects for a
// single evicted id. Must be called with t.mu held. lineage_ref_count is
// deliberately NOT decremented on ids this record itself contains, only
// on the upstream argument ids the lineage callback names.
func (t *Table) releaseLineageReferences(id ObjId, r *Reference, deleted *[]ObjId) int64 {
	var argumentIds []ObjId
	var bytesEvicted int64
	if t.onLineageReleased != nil && r.ownedByUs {
		argumentIds, bytesEvicted = t.onLineageReleased(id)
	}

	if !r.OutOfScope() && r.isReconstructable {
		r.lineageEvicted = true
		r.isReconstructable = false
	}

	for _, argId := range argumentIds {
		argRef, ok := t.refs[argId]
		if !ok || argRef.lineageRefCount == 0 {
			continue
		}
		argRef.lineageRefCount--
		if argRef.OutOfScope() {
			t.onObjectOutOfScopeOrFreed(argId, argRef)
			if deleted != nil {
				*deleted = append(*deleted, argId)
			}
			t.reconstructable.Remove(argId)
		}
		if argRef.ShouldDelete(t.lineagePinningEnabled) {
			bytesEvicted += t.releaseLineageReferences(argId, argRef, deleted)
			t.eraseReference(argId, argRef)
		}
	}

	return bytesEvicted
}

// FreePlasmaObjects inserts each id into freed_objects; for ids we own,
// this eagerly runs the out-of-scope/freed callback (releasing the
// stored value) while the record itself is kept for ownership tracking.
func (t *Table) FreePlasmaObjects(ids []ObjId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.freedObjects[id] = struct{}{}
		r, ok := t.refs[id]
		if !ok {
			continue
		}
		if r.ownedByUs {
			t.onObjectOutOfScopeOrFreed(id, r)
		}
	}
}

// TryMarkFreedObjectInUseAgain reverses FreePlasmaObjects if the
// application re-deserialised the same id; pinning must be re-supplied
// by the caller. Reports whether id had been freed.
func (t *Table) TryMarkFreedObjectInUseAgain(id ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.freedObjects[id]; !ok {
		return false
	}
	delete(t.freedObjects, id)
	return true
}

// IsPlasmaObjectFreed reports whether id is currently recorded as freed.
func (t *Table) IsPlasmaObjectFreed(id ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.freedObjects[id]
	return ok
}

// IsObjectReconstructable reports id's is_reconstructable flag.
func (t *Table) IsObjectReconstructable(id ObjId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	return ok && r.isReconstructable
}

// GetTensorTransport returns the transport hint recorded at
// AddOwnedObject time.
func (t *Table) GetTensorTransport(id ObjId) (TensorTransport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.refs[id]
	if !ok {
		return TransportObjectStore, false
	}
	return r.tensorTransport, true
}

func addLocation(locs map[NodeId]struct{}, n NodeId) map[NodeId]struct{} {
	if locs == nil {
		locs = make(map[NodeId]struct{})
	}
	locs[n] = struct{}{}
	return locs
}
