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

// Package log wraps glog with a throttled-warning helper for the "soft
// violation, log and continue" error tier.
package log

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Infof logs at INFO severity.
func Infof(format string, args ...interface{}) { glog.InfoDepth(1, fmt.Sprintf(format, args...)) }

// Warningf logs at WARNING severity.
func Warningf(format string, args ...interface{}) { glog.WarningDepth(1, fmt.Sprintf(format, args...)) }

// Errorf logs at ERROR severity.
func Errorf(format string, args ...interface{}) { glog.ErrorDepth(1, fmt.Sprintf(format, args...)) }

// Fatalf logs at FATAL severity and aborts the process, mirroring the
// behaviour of an unrecoverable invariant violation.
func Fatalf(format string, args ...interface{}) { glog.FatalDepth(1, fmt.Sprintf(format, args...)) }

// Throttle rate-limits a family of warnings keyed by an arbitrary string
// (typically an object id plus a message template), so a hot loop that
// keeps hitting the same soft violation does not flood the log.
type Throttle struct {
	mu       sync.Mutex
	every    time.Duration
	lastSeen map[string]time.Time
}

// NewThrottle returns a Throttle that allows at most one message per key
// per "every" duration.
func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{every: every, lastSeen: make(map[string]time.Time)}
}

// Warningf logs a WARNING for key, format at most once per "every" window.
func (t *Throttle) Warningf(key, format string, args ...interface{}) {
	now := time.Now()
	t.mu.Lock()
	last, ok := t.lastSeen[key]
	fire := !ok || now.Sub(last) >= t.every
	if fire {
		t.lastSeen[key] = now
	}
	t.mu.Unlock()

	if fire {
		glog.WarningDepth(1, fmt.Sprintf(format, args...))
	}
}
