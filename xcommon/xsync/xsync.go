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

// Package xsync provides addons to packages "sync" and "golang.org/x/sync"
package xsync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// WorkGroup is like x/sync/errgroup.Group but also recovers panics in
// spawned goroutines and turns them into regular errors.
type WorkGroup struct {
	errgroup.Group
}

// Goz calls the given function in a new goroutine and turns any panic it
// raises into an error returned from Wait, instead of crashing the process.
//
// see errgroup.Group.Go documentation for details on how error from spawned
// goroutines are handled group-wise.
func (g *WorkGroup) Goz(f func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		return f()
	})
}

// WorkGroupCtx returns new WorkGroup and associated context derived from ctx
// see errgroup.WithContext for semantic description and details.
func WorkGroupCtx(ctx context.Context) (*WorkGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &WorkGroup{*g}, ctx
}
