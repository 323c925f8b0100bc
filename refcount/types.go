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

// Package refcount implements the reference-tracking core of a
// per-worker runtime: a mutex-protected table of per-object reference
// records, the local count engine that mutates them, the nesting engine
// that relates contained ids, and the borrower protocol that lets an
// owner learn every worker still holding a live handle.
package refcount

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// TaskId identifies the task that produced an ObjId.
type TaskId [24]byte

// ObjId is an opaque object identifier: an embedded task id plus a
// numeric return index from that task, packed into a fixed-size value so
// it can be used as a map key directly.
type ObjId struct {
	task  TaskId
	index uint32
}

// actorBit, packed into the high bit of the return index, marks ids that
// name actors rather than plain objects.
const actorBit = uint32(1) << 31

// NewObjId returns the id of the returnIndex'th return value of task.
func NewObjId(task TaskId, returnIndex uint32) ObjId {
	return ObjId{task: task, index: returnIndex}
}

// NewActorId returns the id naming the actor created by task.
func NewActorId(task TaskId, returnIndex uint32) ObjId {
	return ObjId{task: task, index: returnIndex | actorBit}
}

// NilObjId is the well-known absent ObjId.
var NilObjId = ObjId{}

// IsNil reports whether id is the nil value.
func (id ObjId) IsNil() bool { return id == NilObjId }

// TaskID returns the task id embedded in id.
func (id ObjId) TaskID() TaskId { return id.task }

// ReturnIndex returns the numeric return index embedded in id, with the
// actor bit masked off.
func (id ObjId) ReturnIndex() uint32 { return id.index &^ actorBit }

// IsActorID reports whether id names an actor rather than a plain object.
func (id ObjId) IsActorID() bool { return id.index&actorBit != 0 }

// String renders id for logs and debug output.
func (id ObjId) String() string {
	if id.IsNil() {
		return "<nil-objid>"
	}
	kind := "obj"
	if id.IsActorID() {
		kind = "actor"
	}
	return fmt.Sprintf("%s:%x:%d", kind, id.task[:8], id.ReturnIndex())
}

// Addr is a worker's network address: a stable worker id plus the
// endpoint it is currently reachable at. Equal compares WorkerID alone.
// The address sets a Table keeps (borrowers, stored-in owners) are maps
// keyed by the whole Addr value, so the same worker seen under a
// different IP or Port is a separate member of such a set.
type Addr struct {
	WorkerID uuid.UUID
	IP       string
	Port     int
}

// NilAddr is the well-known absent Addr.
var NilAddr = Addr{}

// IsNil reports whether addr carries no worker id.
func (a Addr) IsNil() bool { return a.WorkerID == uuid.Nil }

// Equal compares two addresses by worker id only, so a borrower set
// membership test survives the borrower reconnecting on a new IP/port.
func (a Addr) Equal(b Addr) bool { return a.WorkerID == b.WorkerID }

// String renders addr for logs.
func (a Addr) String() string {
	if a.IsNil() {
		return "<nil-addr>"
	}
	return fmt.Sprintf("%s@%s:%d", a.WorkerID, a.IP, a.Port)
}

// NodeId is an opaque cluster-node handle.
type NodeId [16]byte

// NilNodeId is the well-known absent NodeId.
var NilNodeId = NodeId{}

// IsNil reports whether n is the nil value.
func (n NodeId) IsNil() bool { return n == NilNodeId }

// String renders n for logs.
func (n NodeId) String() string {
	if n.IsNil() {
		return "<nil-node>"
	}
	return fmt.Sprintf("node:%x", n[:8])
}

// TensorTransport is a hint on how an owned object's bytes should move
// between workers, recorded at AddOwnedObject time and handed back
// verbatim by GetTensorTransport.
type TensorTransport int

const (
	TransportObjectStore TensorTransport = iota
	TransportNCCL
	TransportGloo
)

func (t TensorTransport) String() string {
	switch t {
	case TransportObjectStore:
		return "OBJECT_STORE"
	case TransportNCCL:
		return "NCCL"
	case TransportGloo:
		return "GLOO"
	default:
		return "UNKNOWN"
	}
}

// encodeTaskIndex builds a deterministic TaskId from a counter and a
// return index, mirroring how the real
// identifier-encoding collaborator (out of scope here) would derive ids
// from a task id and a monotonic return index.
func encodeTaskIndex(seed uint64, index uint32) TaskId {
	var t TaskId
	binary.BigEndian.PutUint64(t[:8], seed)
	binary.BigEndian.PutUint32(t[8:12], index)
	return t
}
