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

// Package wire defines the messages that cross a process boundary: the
// per-id borrow report entry and the two pub/sub channel payloads. The
// actual network transport is an external collaborator (see
// refcount.Publisher/Subscriber); this package only fixes the message
// shapes that cross that boundary, the way NEOMsg fixes the cluster
// protocol's message shapes independently of the socket code that moves
// them.
package wire

import "lab.nexedi.com/kirr/distref/go/refcount"

// ObjectReferenceCount is the wire shape of one borrow report entry.
type ObjectReferenceCount struct {
	ObjectID               refcount.ObjId
	OwnerAddress           refcount.Addr
	HasOwner               bool
	HasLocalRef            bool
	Borrowers              []refcount.Addr
	StoredInObjects        []StoredInEntry
	Contains               []refcount.ObjId
	ContainedInBorrowedIds []refcount.ObjId
}

// StoredInEntry is one (object_id, owner_address) pair of a
// stored_in_objects map, flattened for wire transport.
type StoredInEntry struct {
	ObjectID refcount.ObjId
	Owner    refcount.Addr
}

// RefRemovedSubscribeMsg is the subscribe payload for
// WORKER_REF_REMOVED_CHANNEL.
type RefRemovedSubscribeMsg struct {
	ObjectID           refcount.ObjId
	OwnerAddress       refcount.Addr
	ContainedInID      refcount.ObjId
	IntendedWorkerID   refcount.Addr
	SubscriberWorkerID refcount.Addr
}

// RefRemovedPublishMsg is the publish payload for
// WORKER_REF_REMOVED_CHANNEL: the responder's full borrow report.
type RefRemovedPublishMsg struct {
	BorrowedRefs []ObjectReferenceCount
}

// ObjectLocationsMsg is the publish payload for
// WORKER_OBJECT_LOCATIONS_CHANNEL, wrapping ObjectLocationInfo
// with the id it describes.
type ObjectLocationsMsg struct {
	ObjectID refcount.ObjId
	Info     refcount.ObjectLocationInfo
}

// ToWire converts a refcount.BorrowedRefsReport into its wire shape. The
// report already carries has_local_ref pre-computed by the table that
// produced it (RefCount > (deduct_local_ref ? 1 : 0)).
func ToWire(report refcount.BorrowedRefsReport) ObjectReferenceCount {
	out := ObjectReferenceCount{
		ObjectID:               report.ObjectID,
		OwnerAddress:           report.OwnerAddress,
		HasOwner:               report.HasOwner,
		HasLocalRef:            report.HasLocalRef,
		Borrowers:              append([]refcount.Addr{}, report.Borrowers...),
		Contains:               append([]refcount.ObjId{}, report.Contains...),
		ContainedInBorrowedIds: append([]refcount.ObjId{}, report.ContainedInBorrowedIds...),
	}
	for id, owner := range report.StoredInObjects {
		out.StoredInObjects = append(out.StoredInObjects, StoredInEntry{ObjectID: id, Owner: owner})
	}
	return out
}

// FromWire is ToWire's inverse.
func FromWire(msg ObjectReferenceCount) refcount.BorrowedRefsReport {
	out := refcount.BorrowedRefsReport{
		ObjectID:               msg.ObjectID,
		OwnerAddress:           msg.OwnerAddress,
		HasOwner:               msg.HasOwner,
		HasLocalRef:            msg.HasLocalRef,
		Borrowers:              append([]refcount.Addr{}, msg.Borrowers...),
		Contains:               append([]refcount.ObjId{}, msg.Contains...),
		ContainedInBorrowedIds: append([]refcount.ObjId{}, msg.ContainedInBorrowedIds...),
	}
	if len(msg.StoredInObjects) > 0 {
		out.StoredInObjects = make(map[refcount.ObjId]refcount.Addr, len(msg.StoredInObjects))
		for _, e := range msg.StoredInObjects {
			out.StoredInObjects[e.ObjectID] = e.Owner
		}
	}
	return out
}

// ToWireReport converts an entire BorrowedRefsReport table, as produced
// by refcount.Table.PopAndClearLocalBorrowers, into its wire form.
func ToWireReport(report map[refcount.ObjId]refcount.BorrowedRefsReport) []ObjectReferenceCount {
	out := make([]ObjectReferenceCount, 0, len(report))
	for _, entry := range report {
		out = append(out, ToWire(entry))
	}
	return out
}

// FromWireReport is ToWireReport's inverse.
func FromWireReport(entries []ObjectReferenceCount) map[refcount.ObjId]refcount.BorrowedRefsReport {
	out := make(map[refcount.ObjId]refcount.BorrowedRefsReport, len(entries))
	for _, e := range entries {
		out[e.ObjectID] = FromWire(e)
	}
	return out
}
