/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package psiphon

import (
	"context"
	"strings"
	"sync"
)

// StopReason is a bitmask of reasons for stopping.
type StopReason uint32

const (
	STOP_REASON_NONE                  StopReason = 0
	STOP_REASON_USER_DISCONNECT       StopReason = 1 << 0
	STOP_REASON_EXIT                  StopReason = 1 << 1
	STOP_REASON_UNEXPECTED_DISCONNECT StopReason = 1 << 2
	STOP_REASON_CANCELLED_CONNECTION  StopReason = 1 << 3

	STOP_REASON_ALL = STOP_REASON_USER_DISCONNECT |
		STOP_REASON_EXIT |
		STOP_REASON_UNEXPECTED_DISCONNECT |
		STOP_REASON_CANCELLED_CONNECTION
)

var stopReasonNames = []struct {
	reason StopReason
	name   string
}{
	{STOP_REASON_USER_DISCONNECT, "user-disconnect"},
	{STOP_REASON_EXIT, "exit"},
	{STOP_REASON_UNEXPECTED_DISCONNECT, "unexpected-disconnect"},
	{STOP_REASON_CANCELLED_CONNECTION, "cancelled-connection"},
}

func (reason StopReason) String() string {
	if reason == STOP_REASON_NONE {
		return "none"
	}
	var names []string
	for _, entry := range stopReasonNames {
		if reason&entry.reason != 0 {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, "|")
}

// StopSignal is a process wide cancellation signal carrying a bitmask of
// stop reasons. It is shared by reference by all workers in a session.
// Waiters select the reasons they respond to; a worker connecting a
// tunnel will abort on an exit or a user disconnect, while the controller
// loop reacts to an unexpected disconnect by reconnecting.
type StopSignal struct {
	mutex   sync.Mutex
	reasons StopReason
	waiters map[chan struct{}]StopReason
}

func NewStopSignal() *StopSignal {
	return &StopSignal{
		waiters: make(map[chan struct{}]StopReason),
	}
}

// SignalStop adds reason to the signalled reasons and wakes any waiters
// whose mask matches.
func (signal *StopSignal) SignalStop(reason StopReason) {
	signal.mutex.Lock()
	defer signal.mutex.Unlock()

	signal.reasons |= reason

	for waiter, mask := range signal.waiters {
		if signal.reasons&mask != 0 {
			close(waiter)
			delete(signal.waiters, waiter)
		}
	}
}

// ClearStopReasons clears the signalled reasons in mask.
func (signal *StopSignal) ClearStopReasons(mask StopReason) {
	signal.mutex.Lock()
	defer signal.mutex.Unlock()
	signal.reasons &^= mask
}

func (signal *StopSignal) GetStopReasons() StopReason {
	signal.mutex.Lock()
	defer signal.mutex.Unlock()
	return signal.reasons
}

// CheckSignal returns a StopError when any of reasons is signalled.
func (signal *StopSignal) CheckSignal(reasons StopReason) error {
	signal.mutex.Lock()
	defer signal.mutex.Unlock()
	matched := signal.reasons & reasons
	if matched != 0 {
		return &StopError{Reason: matched}
	}
	return nil
}

// Done returns a channel that is closed once any of reasons is signalled.
// Callers that stop waiting before the signal must call Release with the
// returned channel.
func (signal *StopSignal) Done(reasons StopReason) <-chan struct{} {
	return signal.done(reasons)
}

func (signal *StopSignal) done(reasons StopReason) chan struct{} {
	signal.mutex.Lock()
	defer signal.mutex.Unlock()

	waiter := make(chan struct{})
	if signal.reasons&reasons != 0 {
		close(waiter)
		return waiter
	}
	signal.waiters[waiter] = reasons
	return waiter
}

// Release discards a waiter channel obtained from Done.
func (signal *StopSignal) Release(waiter <-chan struct{}) {
	signal.mutex.Lock()
	defer signal.mutex.Unlock()
	for w := range signal.waiters {
		if (<-chan struct{})(w) == waiter {
			delete(signal.waiters, w)
			return
		}
	}
}

// Context returns a context derived from parent which is cancelled when any
// of reasons is signalled. The returned cancel function must be called to
// release resources.
func (signal *StopSignal) Context(
	parent context.Context, reasons StopReason) (context.Context, context.CancelFunc) {

	ctx, cancelFunc := context.WithCancel(parent)
	waiter := signal.done(reasons)

	go func() {
		select {
		case <-waiter:
			cancelFunc()
		case <-ctx.Done():
			signal.Release(waiter)
		}
	}()

	return ctx, cancelFunc
}

// StopInfo pairs a shared StopSignal with the reasons a particular worker
// responds to.
type StopInfo struct {
	StopSignal  *StopSignal
	StopReasons StopReason
}

func NewStopInfo(stopSignal *StopSignal, stopReasons StopReason) StopInfo {
	return StopInfo{StopSignal: stopSignal, StopReasons: stopReasons}
}

// Check returns a StopError when one of the worker's reasons is signalled.
// A StopInfo without a signal never reports a stop.
func (info StopInfo) Check() error {
	if info.StopSignal == nil {
		return nil
	}
	return info.StopSignal.CheckSignal(info.StopReasons)
}

// Context is StopSignal.Context with the worker's reasons.
func (info StopInfo) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if info.StopSignal == nil {
		return context.WithCancel(parent)
	}
	return info.StopSignal.Context(parent, info.StopReasons)
}
