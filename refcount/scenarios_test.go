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

package refcount_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/distref/go/refcount"
	"lab.nexedi.com/kirr/distref/go/wire/wiretest"
)

// alwaysAlive is a NodeAliveChecker stub that never reports a node dead.
type alwaysAlive struct{}

func (alwaysAlive) CheckNodeAlive(refcount.NodeId) bool { return true }

func newWorkerAddr(t *testing.T) refcount.Addr {
	return refcount.Addr{WorkerID: uuid.New(), IP: "127.0.0.1", Port: 1234}
}

func newObjId(t *testing.T, seed uint64) refcount.ObjId {
	var task refcount.TaskId
	task[0] = byte(seed)
	task[1] = byte(seed >> 8)
	return refcount.NewObjId(task, uint32(seed))
}

func newConnectedTables(t *testing.T) (ownerAddr, otherAddr refcount.Addr, owner, other *refcount.Table, bus *wiretest.Bus) {
	ownerAddr = newWorkerAddr(t)
	otherAddr = newWorkerAddr(t)
	bus = wiretest.NewBus()

	ownerEp := wiretest.NewEndpoint(bus, ownerAddr)
	otherEp := wiretest.NewEndpoint(bus, otherAddr)

	owner = refcount.NewTable(ownerAddr, alwaysAlive{}, ownerEp, ownerEp, true, 0)
	other = refcount.NewTable(otherAddr, alwaysAlive{}, otherEp, otherEp, true, 0)
	return
}

// waitFor polls cond until it is true or the deadline passes, for
// assertions that depend on the in-memory bus's own goroutine dispatch.
func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

// count conservation: repeated add/remove settles back to zero references.
func TestCountConservation(t *testing.T) {
	_, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 1)

	owner.AddLocalReference(id, "site")
	owner.AddLocalReference(id, "site")
	require.True(t, owner.HasReference(id))

	owner.RemoveLocalReference(id)
	require.True(t, owner.HasReference(id))

	owner.RemoveLocalReference(id)
	require.False(t, owner.HasReference(id))
}

// delete closure: no lingering record eligible for deletion survives
// a full add/remove sequence.
func TestDeleteClosure(t *testing.T) {
	_, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 2)

	owner.AddLocalReference(id, "site")
	owner.UpdateSubmittedTaskReferences(nil, []refcount.ObjId{id}, nil)
	owner.RemoveLocalReference(id)
	owner.RemoveSubmittedTaskReferences([]refcount.ObjId{id}, true)

	require.False(t, owner.HasReference(id), "record must be fully erased once out of scope and lineage-clear")
}

// Scenario 1: nested borrow promotion.
func TestScenario1_NestedBorrowPromotion(t *testing.T) {
	ownerAddr, otherAddr, owner, other, _ := newConnectedTables(t)

	outer := newObjId(t, 10)
	inner := newObjId(t, 11)

	require.True(t, owner.AddOwnedObject(outer, []refcount.ObjId{inner}, ownerAddr, "site", 100, true, true, nil, refcount.TransportObjectStore))

	// W passes outer to X; X deserialises it, learns inner is nested
	// inside outer, and borrows inner directly.
	other.AddBorrowedObjectInternal(outer, refcount.NilObjId, ownerAddr, false)
	other.AddBorrowedObjectInternal(inner, outer, ownerAddr, false)
	other.AddLocalReference(inner, "site")

	// X's task returns: its borrow view for {outer} is popped and merged
	// back into W.
	report := other.PopAndClearLocalBorrowers([]refcount.ObjId{outer})
	owner.UpdateFinishedTaskReferences(nil, []refcount.ObjId{outer}, true, otherAddr, report)

	counts := owner.GetAllReferenceCounts()
	require.GreaterOrEqual(t, counts[inner], uint32(1))
}

// Scenario 2: lineage eviction during scope.
func TestScenario2_LineageEvictionDuringScope(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 20)

	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 1000, true, true, nil, refcount.TransportObjectStore))
	owner.UpdateSubmittedTaskReferences(nil, []refcount.ObjId{id}, nil)
	owner.UpdateSubmittedTaskReferences(nil, []refcount.ObjId{id}, nil)
	require.True(t, owner.IsObjectReconstructable(id), "sanity: just registered as reconstructable")

	_, _ = owner.EvictLineage(1)

	require.False(t, owner.IsObjectReconstructable(id), "is_reconstructable must clear once lineage-evicted while still in scope")
	require.True(t, owner.HasReference(id), "local ref still holds the record")
}

// Scenario 3: free-then-reuse.
func TestScenario3_FreeThenReuse(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 30)
	node := refcount.NodeId{1}

	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 10, false, true, &node, refcount.TransportObjectStore))

	owner.FreePlasmaObjects([]refcount.ObjId{id})
	require.True(t, owner.IsPlasmaObjectFreed(id))

	require.True(t, owner.TryMarkFreedObjectInUseAgain(id))
	require.False(t, owner.IsPlasmaObjectFreed(id))
}

// Scenario 4: borrower death.
func TestScenario4_BorrowerDeath(t *testing.T) {
	ownerAddr, otherAddr, owner, _, bus := newConnectedTables(t)
	id := newObjId(t, 40)

	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 10, false, false, nil, refcount.TransportObjectStore))

	fired := make(chan refcount.ObjId, 1)
	owner.AddObjectOutOfScopeOrFreedCallback(id, func(gone refcount.ObjId) { fired <- gone })

	owner.AddBorrowerAddress(id, otherAddr)
	require.True(t, owner.GetAllReferenceCounts()[id] >= 1)

	bus.MarkDown(otherAddr)

	waitFor(t, func() bool { return !owner.HasReference(id) })
	select {
	case gone := <-fired:
		require.Equal(t, id, gone)
	case <-time.After(time.Second):
		t.Fatal("out-of-scope callback never fired")
	}
}

// Scenario 5: dynamic return after generator GC.
func TestScenario5_DynamicReturnAfterGeneratorGC(t *testing.T) {
	_, _, owner, _, _ := newConnectedTables(t)
	generator := newObjId(t, 50)
	newReturn := newObjId(t, 51)

	owner.AddDynamicReturn(newReturn, generator)

	require.False(t, owner.HasReference(newReturn), "generator already gone: must be a no-op")
}

// Scenario 6: shutdown drain.
func TestScenario6_ShutdownDrain(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 60)
	owner.AddLocalReference(id, "site")
	_ = ownerAddr

	fired := 0
	owner.DrainAndShutdown(func() { fired++ })
	require.Equal(t, 0, fired, "table non-empty: hook must not fire yet")

	owner.RemoveLocalReference(id)
	require.Equal(t, 1, fired, "hook must fire exactly once once the table drains")

	owner.RemoveLocalReference(id) // no-op on unknown id, must not refire
	require.Equal(t, 1, fired)
}

// ownership of actors vs plain objects is tracked in separate counters.
func TestOwnershipPartition(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)

	obj := newObjId(t, 70)
	var actorTask refcount.TaskId
	actorTask[0] = 71
	actor := refcount.NewActorId(actorTask, 0)

	require.True(t, owner.AddOwnedObject(obj, nil, ownerAddr, "site", 1, false, true, nil, refcount.TransportObjectStore))
	require.True(t, owner.AddOwnedObject(actor, nil, ownerAddr, "site", 1, false, true, nil, refcount.TransportObjectStore))

	require.Equal(t, int64(1), owner.NumObjectsOwnedByUs())
	require.Equal(t, int64(1), owner.NumActorsOwnedByUs())
}

// merging the same remote borrow report twice must be a no-op the
// second time.
func TestBorrowMergeIdempotence(t *testing.T) {
	ownerAddr, otherAddr, owner, other, _ := newConnectedTables(t)
	id := newObjId(t, 80)

	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 1, false, false, nil, refcount.TransportObjectStore))
	other.AddBorrowedObjectInternal(id, refcount.NilObjId, ownerAddr, false)
	other.AddLocalReference(id, "site")

	report := other.PopAndClearLocalBorrowers([]refcount.ObjId{id})

	first := owner.MergeRemoteBorrowers(id, otherAddr, report[id], report)
	before := owner.GetAllReferenceCounts()

	second := owner.MergeRemoteBorrowers(id, otherAddr, report[id], report)
	after := owner.GetAllReferenceCounts()

	require.Equal(t, before, after, "merging the same report twice must yield the same table")
	require.NotEmpty(t, first, "first merge nothing deleted")
	require.Empty(t, second)
}

// lineage eviction walks owned objects in insertion order and stops
// once the requested number of bytes has been freed.
func TestLineageFIFOEvictionOrder(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)

	var order []refcount.ObjId
	owner.SetReleaseLineageCallback(func(id refcount.ObjId) ([]refcount.ObjId, int64) {
		order = append(order, id)
		return nil, 100
	})

	ids := make([]refcount.ObjId, 3)
	for i := range ids {
		ids[i] = newObjId(t, uint64(90+i))
		require.True(t, owner.AddOwnedObject(ids[i], nil, ownerAddr, "site", 10, true, true, nil, refcount.TransportObjectStore))
	}

	bytesEvicted, _ := owner.EvictLineage(150)

	require.Equal(t, ids[:2], order, "must evict in insertion order and stop once the threshold is met")
	require.GreaterOrEqual(t, bytesEvicted, int64(150))
}

// releasing an evicted id's lineage must cascade into any upstream
// argument the callback drops to ShouldDelete: the argument's own
// lineage release fires (and its bytes are folded into the total)
// before it is erased.
func TestLineageEvictionCascadesToArguments(t *testing.T) {
	ownerAddr, otherAddr, owner, _, _ := newConnectedTables(t)
	outer := newObjId(t, 200)
	argId := newObjId(t, 201)

	var order []refcount.ObjId
	owner.SetReleaseLineageCallback(func(id refcount.ObjId) ([]refcount.ObjId, int64) {
		order = append(order, id)
		if id == outer {
			return []refcount.ObjId{argId}, 100
		}
		return nil, 50
	})

	require.True(t, owner.AddOwnedObject(outer, nil, ownerAddr, "site", 10, true, true, nil, refcount.TransportObjectStore))
	require.True(t, owner.AddOwnedObject(argId, nil, ownerAddr, "site", 10, true, false, nil, refcount.TransportObjectStore))

	// argId picks up a submitted-task argument ref, then loses the task
	// side of it while keeping the lineage ref pinned, the same shape
	// UpdateSubmittedTaskReferences/UpdateFinishedTaskReferences give a
	// real task argument.
	owner.UpdateSubmittedTaskReferences(nil, []refcount.ObjId{argId}, nil)
	owner.UpdateFinishedTaskReferences(nil, []refcount.ObjId{argId}, false, otherAddr, nil)
	require.True(t, owner.HasReference(argId), "still pinned by its own lineage ref")

	bytesEvicted, deleted := owner.EvictLineage(100)

	require.Equal(t, []refcount.ObjId{outer, argId}, order, "argument's own lineage callback must fire too")
	require.Equal(t, int64(150), bytesEvicted, "cascaded argument bytes must be folded into the total")
	require.Contains(t, deleted, argId)
	require.False(t, owner.HasReference(argId), "argument must be erased once its lineage ref is released")
	require.True(t, owner.HasReference(outer), "outer keeps its own local ref; only its lineage pin is cleared")
}

// repeating the same location change must not alter the observable
// location set.
func TestLocationPublicationMonotonicity(t *testing.T) {
	ownerAddr, _, owner, _, bus := newConnectedTables(t)
	_ = bus
	id := newObjId(t, 100)
	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 10, false, true, nil, refcount.TransportObjectStore))

	node := refcount.NodeId{9}
	owner.AddObjectLocation(id, node)
	// repeating the same location must not change the observable tuple.
	owner.AddObjectLocation(id, node)
	locs := owner.GetObjectLocations(id)
	require.Len(t, locs, 1)

	owner.RemoveObjectLocation(id, node)
	owner.RemoveObjectLocation(id, node) // no-op second time
	require.Empty(t, owner.GetObjectLocations(id))
}

// containment symmetry: an inner id registered under an owned outer
// id is reachable and counted through the back-edge.
func TestContainmentSymmetry(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	outer := newObjId(t, 110)
	inner := newObjId(t, 111)

	require.True(t, owner.AddOwnedObject(outer, []refcount.ObjId{inner}, ownerAddr, "site", 10, false, true, nil, refcount.TransportObjectStore))

	counts := owner.GetAllReferenceCounts()
	require.Contains(t, counts, inner)
	// inner's containedInOwned(outer) contributes to its RefCount; this
	// is the only externally observable witness of that back-edge through
	// the exported surface.
	require.GreaterOrEqual(t, counts[inner], uint32(1))
}

// the status dump reports a tracked id's own fields, fills in size/call
// site from the object store's side table when the record's own fields
// are empty, and adds an entry for ids pinned but no longer tracked.
func TestAddObjectRefStats(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	tracked := newObjId(t, 120)
	untracked := newObjId(t, 121)

	require.True(t, owner.AddOwnedObject(tracked, nil, ownerAddr, "", 0, false, true, nil, refcount.TransportObjectStore))

	pinned := map[refcount.ObjId]refcount.PinnedObjectInfo{
		tracked:   {ObjectSize: 2048, CallSite: "store.go:1"},
		untracked: {ObjectSize: 512, CallSite: "store.go:2"},
	}
	stats := owner.AddObjectRefStats(pinned, 0)
	require.Len(t, stats, 2)

	byID := make(map[refcount.ObjId]refcount.ObjectRefInfo, len(stats))
	for _, info := range stats {
		byID[info.ObjectID] = info
	}
	require.Equal(t, int64(2048), byID[tracked].ObjectSize, "empty record fields must be filled in from the pin side table")
	require.Equal(t, "store.go:1", byID[tracked].CallSite)
	require.True(t, byID[untracked].PinnedInMemory, "pinned-but-untracked id must still get an entry")
}

// a node going away mid-flight clears the primary copy and queues the
// object for recovery instead of freeing it outright, while a spill to
// a live node is recorded as an ordinary secondary location.
func TestScenario7_NodeLossQueuesRecovery(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 140)
	primary := refcount.NodeId{1}
	spillNode := refcount.NodeId{2}

	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 4096, false, true, &primary, refcount.TransportObjectStore))

	owner.HandleObjectSpilled(id, "s3://bucket/obj", spillNode)
	ownedByUs, pinnedAt, spilled, known := owner.IsPlasmaObjectPinnedOrSpilled(id)
	require.True(t, known)
	require.True(t, ownedByUs)
	require.Equal(t, primary, pinnedAt)
	require.True(t, spilled)

	size, nodes, ok := owner.GetLocalityData(id)
	require.True(t, ok)
	require.Equal(t, int64(4096), size)
	require.Contains(t, nodes, spillNode)

	info := owner.FillObjectInformation(id)
	require.Equal(t, spillNode, info.SpilledNodeID)
	require.True(t, info.DidSpill)

	owner.ResetObjectsOnRemovedNode(primary)
	_, _, _, known = owner.IsPlasmaObjectPinnedOrSpilled(id)
	require.True(t, known, "record stays in scope, just loses its primary pin")

	toRecover := owner.FlushObjectsToRecover()
	require.Contains(t, toRecover, id)
	require.Empty(t, owner.FlushObjectsToRecover(), "queue must drain on read")

	owner.PublishObjectLocationSnapshot(id) // must not panic on a live record
}

// a borrower that learns location/size hints for an id it does not own
// merges them into its own copy of that id's location set.
func TestReportLocalityData(t *testing.T) {
	_, _, _, other, _ := newConnectedTables(t)
	id := newObjId(t, 141)
	other.AddBorrowedObjectInternal(id, refcount.NilObjId, newWorkerAddr(t), false)

	node := refcount.NodeId{3}
	other.ReportLocalityData(id, []refcount.NodeId{node}, 777)

	size, nodes, ok := other.GetLocalityData(id)
	require.True(t, ok)
	require.Equal(t, int64(777), size)
	require.Equal(t, []refcount.NodeId{node}, nodes)
}

// a streaming generator's dynamically produced return holds its own
// local ref and is not nested under the generator, unlike a plain
// dynamic return; CheckGeneratorRefsLineageOutOfScope reports true once
// both the generator and every return it named are gone.
func TestOwnDynamicStreamingTaskReturnRef(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	generator := newObjId(t, 150)
	streamed := newObjId(t, 151)

	require.True(t, owner.AddOwnedObject(generator, nil, ownerAddr, "site", 1, true, true, nil, refcount.TransportObjectStore))
	owner.OwnDynamicStreamingTaskReturnRef(streamed, generator)
	require.True(t, owner.HasReference(streamed))

	require.False(t, owner.CheckGeneratorRefsLineageOutOfScope(generator, []refcount.ObjId{streamed}))

	owner.RemoveLocalReference(streamed)
	owner.RemoveLocalReference(generator)
	require.True(t, owner.CheckGeneratorRefsLineageOutOfScope(generator, []refcount.ObjId{streamed}))
}

// owner lookups report what they know and stay silent (never panic) on
// an id with no recorded owner.
func TestOwnerLookups(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	known := newObjId(t, 160)
	unknown := newObjId(t, 161)

	require.True(t, owner.AddOwnedObject(known, nil, ownerAddr, "site", 1, false, true, nil, refcount.TransportObjectStore))

	require.True(t, owner.HasOwner(known))
	got, ok := owner.GetOwner(known)
	require.True(t, ok)
	require.Equal(t, ownerAddr, got)

	require.False(t, owner.HasOwner(unknown))
	addrs := owner.GetOwnerAddresses([]refcount.ObjId{known, unknown})
	require.Equal(t, ownerAddr, addrs[0])
	require.Equal(t, refcount.NilAddr, addrs[1])
}

// a borrower's SetRefRemovedCallback fires HandleRefRemoved once its own
// local ref drops to zero, and the owner's matching WaitForRefRemoved
// subscription (delivered over the shared bus) erases its own record in
// response, completing the round trip without double-deducting the
// borrower's local_ref_count.
func TestSetRefRemovedCallbackRoundTrip(t *testing.T) {
	ownerAddr, otherAddr, owner, other, _ := newConnectedTables(t)
	id := newObjId(t, 210)

	// owner holds no local ref and records no borrower of its own here:
	// its RefCount is already zero, and the record is erased only when
	// the ref-removed publication reaches its subscription and runs the
	// deletion transition.
	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 1, false, false, nil, refcount.TransportObjectStore))
	other.AddBorrowedObjectInternal(id, refcount.NilObjId, ownerAddr, false)
	other.AddLocalReference(id, "site:1")

	owner.WaitForRefRemoved(id, otherAddr, refcount.NilObjId)

	// onRefRemoved fires with t.mu held (see deletionTransition), and
	// HandleRefRemoved takes that same lock itself, so the callback must
	// hand off to its own goroutine rather than calling back in line.
	deleted := other.SetRefRemovedCallback(id, refcount.NilObjId, ownerAddr, func(gone refcount.ObjId) {
		go other.HandleRefRemoved(gone)
	})
	require.Empty(t, deleted, "borrower still holds a local ref: must not fire or delete yet")

	other.RemoveLocalReference(id)

	waitFor(t, func() bool { return !other.HasReference(id) })
	waitFor(t, func() bool { return !owner.HasReference(id) })
}

// the terminal erase callback fires exactly once, at final erase.
func TestSetObjectRefDeletedCallback(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	id := newObjId(t, 130)
	require.True(t, owner.AddOwnedObject(id, nil, ownerAddr, "site", 1, false, true, nil, refcount.TransportObjectStore))

	deleted := make(chan refcount.ObjId, 1)
	owner.SetObjectRefDeletedCallback(id, func(gone refcount.ObjId) { deleted <- gone })

	owner.RemoveLocalReference(id)

	select {
	case gone := <-deleted:
		require.Equal(t, id, gone)
	default:
		t.Fatal("on_object_ref_delete callback never fired")
	}
}

// UpdateObjectSize only takes effect (and only re-publishes) when the size
// actually changes; GetTensorTransport reports back what AddOwnedObject
// recorded, and GetAllInScopeObjectIDs excludes ids erased in between.
func TestUpdateSizeAndScopeSnapshot(t *testing.T) {
	ownerAddr, _, owner, _, _ := newConnectedTables(t)
	kept := newObjId(t, 170)
	erased := newObjId(t, 171)

	require.True(t, owner.AddOwnedObject(kept, nil, ownerAddr, "site", 0, false, true, nil, refcount.TransportNCCL))
	require.True(t, owner.AddOwnedObject(erased, nil, ownerAddr, "site", 64, false, true, nil, refcount.TransportObjectStore))

	transport, known := owner.GetTensorTransport(kept)
	require.True(t, known)
	require.Equal(t, refcount.TransportNCCL, transport)

	owner.UpdateObjectSize(kept, 2048)
	stats := owner.AddObjectRefStats(nil, 0)
	var gotSize int64 = -1
	for _, info := range stats {
		if info.ObjectID == kept {
			gotSize = info.ObjectSize
		}
	}
	require.Equal(t, int64(2048), gotSize)

	owner.RemoveLocalReference(erased)
	inScope := owner.GetAllInScopeObjectIDs()
	require.Contains(t, inScope, kept)
	require.NotContains(t, inScope, erased)

	_, known = owner.GetTensorTransport(erased)
	require.False(t, known, "erased id must no longer report a transport")
}
