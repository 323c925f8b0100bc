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
	"unsafe"

	"lab.nexedi.com/kirr/distref/go/xcommon/xcontainer/list"
)

// reconstructableNode is one entry in the FIFO of owned, reconstructable
// object ids awaiting lineage eviction. It embeds an intrusive list head
// so EvictLineage can remove the front in O(1) and an out-of-order
// removal (the id going out of scope before eviction reaches it) can
// also unlink in O(1) given the node pointer held in the index map.
type reconstructableNode struct {
	head list.Head
	id   ObjId
}

// reconstructableQueue is an insert-ordered FIFO of owned reconstructable
// ids, with an index for O(1) removal by id: the Go shape of
// "reconstructable_owned_objects_" plus
// "reconstructable_owned_objects_index_".
type reconstructableQueue struct {
	root  list.Head
	index map[ObjId]*reconstructableNode
}

func newReconstructableQueue() *reconstructableQueue {
	q := &reconstructableQueue{index: make(map[ObjId]*reconstructableNode)}
	q.root.Init()
	return q
}

// PushBack appends id to the tail of the queue. id must not already be
// present.
func (q *reconstructableQueue) PushBack(id ObjId) {
	n := &reconstructableNode{id: id}
	n.head.Init()
	n.head.MoveBefore(&q.root)
	q.index[id] = n
}

// Remove unlinks id from the queue, if present. Reports whether it was
// present (the index and the list must always agree).
func (q *reconstructableQueue) Remove(id ObjId) bool {
	n, ok := q.index[id]
	if !ok {
		return false
	}
	n.head.Delete()
	delete(q.index, id)
	return true
}

// Contains reports whether id is still queued.
func (q *reconstructableQueue) Contains(id ObjId) bool {
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued ids.
func (q *reconstructableQueue) Len() int { return len(q.index) }

// PopFront removes and returns the oldest queued id. ok is false if the
// queue is empty.
func (q *reconstructableQueue) PopFront() (id ObjId, ok bool) {
	front := q.root.Next()
	if front == &q.root {
		return NilObjId, false
	}
	n := nodeOf(front)
	n.head.Delete()
	delete(q.index, n.id)
	return n.id, true
}

// nodeOf recovers the reconstructableNode owning h. head is the first
// field of reconstructableNode, so the two pointers share an address.
func nodeOf(h *list.Head) *reconstructableNode {
	return (*reconstructableNode)(unsafe.Pointer(h))
}
