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
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

type VPNConnectionState int

const (
	VPN_CONNECTION_STATE_STOPPED VPNConnectionState = iota
	VPN_CONNECTION_STATE_STARTING
	VPN_CONNECTION_STATE_CONNECTED
	VPN_CONNECTION_STATE_FAILED
)

func (state VPNConnectionState) String() string {
	switch state {
	case VPN_CONNECTION_STATE_STOPPED:
		return "STOPPED"
	case VPN_CONNECTION_STATE_STARTING:
		return "STARTING"
	case VPN_CONNECTION_STATE_CONNECTED:
		return "CONNECTED"
	case VPN_CONNECTION_STATE_FAILED:
		return "FAILED"
	}
	return "UNKNOWN"
}

// VPNStateCallback receives asynchronous dial state changes. It may be
// invoked from any goroutine.
type VPNStateCallback func(state VPNConnectionState, detail string)

// VPNDialer establishes a host VPN connection. Dial starts the connection
// and returns without waiting for it to complete; progress is reported
// through callback. Hangup tears down any connection and may be called at
// any time.
type VPNDialer interface {
	Dial(ctx context.Context, serverAddress, preSharedKey string, callback VPNStateCallback) error
	Hangup()
}

// vpnConnectionStateMachine holds the dial state. Each change closes the
// current changed channel and replaces it, so waiters observe every
// transition without polling.
type vpnConnectionStateMachine struct {
	mutex   sync.Mutex
	state   VPNConnectionState
	detail  string
	changed chan struct{}
}

func newVPNConnectionStateMachine() *vpnConnectionStateMachine {
	return &vpnConnectionStateMachine{
		state:   VPN_CONNECTION_STATE_STOPPED,
		changed: make(chan struct{}),
	}
}

func (machine *vpnConnectionStateMachine) setState(state VPNConnectionState, detail string) {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	if machine.state == state && machine.detail == detail {
		return
	}
	machine.state = state
	machine.detail = detail
	close(machine.changed)
	machine.changed = make(chan struct{})
}

func (machine *vpnConnectionStateMachine) getState() (VPNConnectionState, string) {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	return machine.state, machine.detail
}

// waitForStateChange blocks until the state differs from from, returning the
// new state. It fails on timeout or when ctx is done.
func (machine *vpnConnectionStateMachine) waitForStateChange(
	ctx context.Context,
	from VPNConnectionState,
	timeout time.Duration) (VPNConnectionState, error) {

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		machine.mutex.Lock()
		state := machine.state
		changed := machine.changed
		machine.mutex.Unlock()

		if state != from {
			return state, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return state, errors.Tracef("timeout waiting for VPN state change from %s", from)
		case <-ctx.Done():
			return state, errors.Trace(ctx.Err())
		}
	}
}

// waitForConnected waits, from STARTING, until the dial succeeds or fails.
func (machine *vpnConnectionStateMachine) waitForConnected(
	ctx context.Context, timeout time.Duration) error {

	start := time.Now()

	for {
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return errors.TraceNew("VPN connect timeout")
		}

		state, err := machine.waitForStateChange(ctx, VPN_CONNECTION_STATE_STARTING, remaining)
		if err != nil {
			return errors.Trace(err)
		}

		switch state {
		case VPN_CONNECTION_STATE_CONNECTED:
			return nil
		case VPN_CONNECTION_STATE_FAILED, VPN_CONNECTION_STATE_STOPPED:
			_, detail := machine.getState()
			return errors.Tracef("VPN connection %s: %s", state, detail)
		}
	}
}

// parseVPNStateLine interprets a "STATE <name> [detail]" line from the VPN
// dial helper.
func parseVPNStateLine(line string) (VPNConnectionState, string, bool) {

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "STATE" {
		return VPN_CONNECTION_STATE_STOPPED, "", false
	}

	detail := strings.Join(fields[2:], " ")

	switch fields[1] {
	case "STARTING":
		return VPN_CONNECTION_STATE_STARTING, detail, true
	case "CONNECTED":
		return VPN_CONNECTION_STATE_CONNECTED, detail, true
	case "FAILED":
		return VPN_CONNECTION_STATE_FAILED, detail, true
	case "STOPPED":
		return VPN_CONNECTION_STATE_STOPPED, detail, true
	}
	return VPN_CONNECTION_STATE_STOPPED, "", false
}

// commandLineVPNDialer drives a platform VPN dial helper executable. The
// helper is started with the server address, receives the pre-shared key
// on stdin, and reports its progress as STATE lines on stdout.
type commandLineVPNDialer struct {
	executable string

	mutex       sync.Mutex
	subprocess  *Subprocess
	stopPump    chan struct{}
	pumpStopped <-chan struct{}
}

func NewCommandLineVPNDialer(executable string) VPNDialer {
	return &commandLineVPNDialer{executable: executable}
}

func (dialer *commandLineVPNDialer) Dial(
	ctx context.Context,
	serverAddress, preSharedKey string,
	callback VPNStateCallback) error {

	dialer.Hangup()

	var connectedMutex sync.Mutex
	connected := false

	subprocess := NewSubprocess(
		"vpn",
		dialer.executable,
		[]string{"-server", serverAddress},
		nil,
		func(line string) {
			NoticeSubprocessOutput("vpn", line)
			state, detail, ok := parseVPNStateLine(line)
			if !ok {
				return
			}
			connectedMutex.Lock()
			if state == VPN_CONNECTION_STATE_CONNECTED {
				connected = true
			}
			connectedMutex.Unlock()
			callback(state, detail)
		})

	err := subprocess.Spawn(SPAWN_CAPTURE_STDERR | SPAWN_STDIN_PIPE)
	if err != nil {
		return errors.Trace(err)
	}

	stopPump := make(chan struct{})
	pumpStopped := subprocess.PumpOutput(stopPump)

	dialer.mutex.Lock()
	dialer.subprocess = subprocess
	dialer.stopPump = stopPump
	dialer.pumpStopped = pumpStopped
	dialer.mutex.Unlock()

	err = subprocess.WriteInput([]byte(preSharedKey + "\n"))
	subprocess.CloseInputPipes()
	if err != nil {
		dialer.Hangup()
		return errors.Trace(err)
	}

	go func() {
		<-subprocess.Exited()
		<-pumpStopped
		connectedMutex.Lock()
		wasConnected := connected
		connectedMutex.Unlock()
		if wasConnected {
			callback(VPN_CONNECTION_STATE_STOPPED, "exited")
		} else {
			callback(VPN_CONNECTION_STATE_FAILED, "exited")
		}
	}()

	return nil
}

func (dialer *commandLineVPNDialer) Hangup() {

	dialer.mutex.Lock()
	subprocess := dialer.subprocess
	stopPump := dialer.stopPump
	pumpStopped := dialer.pumpStopped
	dialer.subprocess = nil
	dialer.stopPump = nil
	dialer.pumpStopped = nil
	dialer.mutex.Unlock()

	if subprocess == nil {
		return
	}
	subprocess.Terminate()
	close(stopPump)
	<-pumpStopped
}
