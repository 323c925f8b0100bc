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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReferenceRefCount(t *testing.T) {
	r := newReference()
	require.Equal(t, uint32(0), r.RefCount())
	require.True(t, r.OutOfScope())
	require.True(t, r.ShouldDelete(true))

	r.localRefCount = 2
	require.Equal(t, uint32(2), r.RefCount())
	require.False(t, r.OutOfScope())

	r.localRefCount = 0
	r.submittedTaskRefCount = 1
	require.Equal(t, uint32(1), r.RefCount())

	r.submittedTaskRefCount = 0
	r.mutableBorrow().borrowers[Addr{IP: "a"}] = struct{}{}
	require.Equal(t, uint32(1), r.RefCount())

	r.hasNestedRefsToReport = true
	require.Equal(t, uint32(2), r.RefCount())
}

func TestReferenceShouldDeleteLineage(t *testing.T) {
	r := newReference()
	r.lineageRefCount = 1

	require.True(t, r.OutOfScope())
	require.False(t, r.ShouldDelete(true), "lineage ref outstanding and pinning enabled: must not delete")
	require.True(t, r.ShouldDelete(false), "lineage pinning disabled: lineage ref is irrelevant")

	r.lineageRefCount = 0
	require.True(t, r.ShouldDelete(true))
}
