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

// PinnedObjectInfo is the local object store's side-table of size/
// call-site for objects it is pinning, consulted by AddObjectRefStats
// when a record's own fields are empty and for ids the table itself
// doesn't (or no longer) track.
type PinnedObjectInfo struct {
	ObjectSize int64
	CallSite   string
}

// TaskStatus mirrors the coarse status AddObjectRefStats reports.
type TaskStatus int

const (
	TaskStatusUnknown TaskStatus = iota
	TaskStatusFinished
)

// ObjectRefInfo is one entry of the AddObjectRefStats output.
type ObjectRefInfo struct {
	ObjectID              ObjId
	CallSite              string
	ObjectSize            int64
	LocalRefCount         uint32
	SubmittedTaskRefCount uint32
	PinnedInMemory        bool
	ContainedInOwned      []ObjId
	TaskStatus            TaskStatus
}

// AddObjectRefStats emits a capped list of ObjectRefInfo entries: one
// per tracked id, filling object_size/call_site from pinnedObjects when
// the record's own fields are empty, plus one entry for every
// pinned-but-untracked id in pinnedObjects. limit <= 0 means unlimited.
func (t *Table) AddObjectRefStats(pinnedObjects map[ObjId]PinnedObjectInfo, limit int) []ObjectRefInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ObjectRefInfo
	fits := func() bool { return limit <= 0 || len(out) < limit }

	for id, r := range t.refs {
		if !fits() {
			break
		}
		info := ObjectRefInfo{
			ObjectID:              id,
			CallSite:              r.callSite,
			ObjectSize:            r.objectSize,
			LocalRefCount:         r.localRefCount,
			SubmittedTaskRefCount: r.submittedTaskRefCount,
			PinnedInMemory:        r.hasPinnedNode,
		}
		if pin, ok := pinnedObjects[id]; ok {
			if info.ObjectSize <= 0 {
				info.ObjectSize = pin.ObjectSize
			}
			if info.CallSite == "" {
				info.CallSite = pin.CallSite
			}
		}
		if r.nested != nil {
			for outer := range r.nested.containedInOwned {
				info.ContainedInOwned = append(info.ContainedInOwned, outer)
			}
		}
		if r.ownedByUs && !r.pendingCreation {
			info.TaskStatus = TaskStatusFinished
		}
		out = append(out, info)
	}

	for id, pin := range pinnedObjects {
		if !fits() {
			break
		}
		if _, tracked := t.refs[id]; tracked {
			continue
		}
		out = append(out, ObjectRefInfo{
			ObjectID:       id,
			CallSite:       pin.CallSite,
			ObjectSize:     pin.ObjectSize,
			PinnedInMemory: true,
		})
	}

	return out
}

// DebugString returns a single-line summary with table size and one
// sample record, in a terse "name=value name=value" style.
func (t *Table) DebugString() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	sample := "<empty>"
	for id, r := range t.refs {
		sample = r.DebugString(id)
		break
	}
	return fmt.Sprintf("refcount.Table size=%d owned_objects=%d owned_actors=%d reconstructable=%d freed=%d sample={%s}",
		len(t.refs), t.numObjectsOwnedByUs, t.numActorsOwnedByUs, t.reconstructable.Len(), len(t.freedObjects), sample)
}
