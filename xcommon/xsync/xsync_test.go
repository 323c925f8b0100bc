// Copyright (C) 2017  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Open Source Initiative approved licenses and Convey
// the resulting work. Corresponding source of such a combination shall include
// the source code for all other software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package xsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkGroupGoz(t *testing.T) {
	g := WorkGroup{}

	g.Goz(func() error {
		panic("boom")
	})

	err := g.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestWorkGroupCtx(t *testing.T) {
	g, ctx := WorkGroupCtx(context.Background())
	g.Goz(func() error {
		return errors.New("failed")
	})

	<-ctx.Done()
	require.Error(t, g.Wait())
}
