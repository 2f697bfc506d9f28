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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVPNConnectionStateMachine(t *testing.T) {

	t.Run("state change", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		state, detail := machine.getState()
		assert.Equal(t, VPN_CONNECTION_STATE_STOPPED, state)
		assert.Equal(t, "", detail)

		go func() {
			time.Sleep(10 * time.Millisecond)
			machine.setState(VPN_CONNECTION_STATE_STARTING, "")
		}()

		state, err := machine.waitForStateChange(
			context.Background(), VPN_CONNECTION_STATE_STOPPED, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, VPN_CONNECTION_STATE_STARTING, state)
	})

	t.Run("repeated state", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		machine.setState(VPN_CONNECTION_STATE_STARTING, "")

		machine.mutex.Lock()
		changed := machine.changed
		machine.mutex.Unlock()

		machine.setState(VPN_CONNECTION_STATE_STARTING, "")
		select {
		case <-changed:
			t.Fatal("unexpected change")
		default:
		}

		machine.setState(VPN_CONNECTION_STATE_STARTING, "detail")
		select {
		case <-changed:
		default:
			t.Fatal("expected change")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		state, err := machine.waitForStateChange(
			context.Background(), VPN_CONNECTION_STATE_STOPPED, 50*time.Millisecond)
		assert.Error(t, err)
		assert.Equal(t, VPN_CONNECTION_STATE_STOPPED, state)
	})

	t.Run("cancelled", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		ctx, cancelFunc := context.WithCancel(context.Background())
		cancelFunc()
		_, err := machine.waitForStateChange(ctx, VPN_CONNECTION_STATE_STOPPED, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("wait for connected", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		machine.setState(VPN_CONNECTION_STATE_STARTING, "")
		go machine.setState(VPN_CONNECTION_STATE_CONNECTED, "")
		assert.NoError(t, machine.waitForConnected(context.Background(), 5*time.Second))
	})

	t.Run("wait for connected failure", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		machine.setState(VPN_CONNECTION_STATE_STARTING, "")
		go machine.setState(VPN_CONNECTION_STATE_FAILED, "authentication failed")
		err := machine.waitForConnected(context.Background(), 5*time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
	})

	t.Run("wait for connected timeout", func(t *testing.T) {
		machine := newVPNConnectionStateMachine()
		machine.setState(VPN_CONNECTION_STATE_STARTING, "")
		assert.Error(t, machine.waitForConnected(context.Background(), 50*time.Millisecond))
	})

	assert.Equal(t, "CONNECTED", VPN_CONNECTION_STATE_CONNECTED.String())
	assert.Equal(t, "UNKNOWN", VPNConnectionState(99).String())
}

func TestParseVPNStateLine(t *testing.T) {

	testCases := []struct {
		line   string
		state  VPNConnectionState
		detail string
		ok     bool
	}{
		{"STATE STARTING", VPN_CONNECTION_STATE_STARTING, "", true},
		{"STATE CONNECTED", VPN_CONNECTION_STATE_CONNECTED, "", true},
		{"STATE FAILED authentication failed", VPN_CONNECTION_STATE_FAILED, "authentication failed", true},
		{"STATE STOPPED", VPN_CONNECTION_STATE_STOPPED, "", true},
		{"STATE UNKNOWN", VPN_CONNECTION_STATE_STOPPED, "", false},
		{"STATE", VPN_CONNECTION_STATE_STOPPED, "", false},
		{"dialing 192.168.0.1", VPN_CONNECTION_STATE_STOPPED, "", false},
		{"", VPN_CONNECTION_STATE_STOPPED, "", false},
	}

	for _, testCase := range testCases {
		state, detail, ok := parseVPNStateLine(testCase.line)
		assert.Equal(t, testCase.state, state, testCase.line)
		assert.Equal(t, testCase.detail, detail, testCase.line)
		assert.Equal(t, testCase.ok, ok, testCase.line)
	}
}

type vpnStateRecorder struct {
	mutex  sync.Mutex
	states []VPNConnectionState
	detail string
	update chan struct{}
}

func newVPNStateRecorder() *vpnStateRecorder {
	return &vpnStateRecorder{update: make(chan struct{}, 16)}
}

func (recorder *vpnStateRecorder) callback(state VPNConnectionState, detail string) {
	recorder.mutex.Lock()
	recorder.states = append(recorder.states, state)
	recorder.detail = detail
	recorder.mutex.Unlock()
	recorder.update <- struct{}{}
}

func (recorder *vpnStateRecorder) waitForState(t *testing.T, state VPNConnectionState) {
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	for {
		recorder.mutex.Lock()
		states := append([]VPNConnectionState(nil), recorder.states...)
		recorder.mutex.Unlock()
		for _, recordedState := range states {
			if recordedState == state {
				return
			}
		}
		select {
		case <-recorder.update:
		case <-timer.C:
			t.Fatalf("no %s state: %v", state, states)
		}
	}
}

func TestCommandLineVPNDialer(t *testing.T) {

	t.Run("connected", func(t *testing.T) {
		dialer := NewCommandLineVPNDialer(setTestHelperMode(t, "vpn"))
		defer dialer.Hangup()

		recorder := newVPNStateRecorder()
		require.NoError(t, dialer.Dial(context.Background(), "192.168.0.1", "psk", recorder.callback))

		recorder.waitForState(t, VPN_CONNECTION_STATE_CONNECTED)

		dialer.Hangup()
		recorder.waitForState(t, VPN_CONNECTION_STATE_STOPPED)
		dialer.Hangup()
	})

	t.Run("failed", func(t *testing.T) {
		dialer := NewCommandLineVPNDialer(setTestHelperMode(t, "vpn"))
		defer dialer.Hangup()

		recorder := newVPNStateRecorder()
		require.NoError(t, dialer.Dial(context.Background(), "192.168.0.1", "wrong", recorder.callback))

		recorder.waitForState(t, VPN_CONNECTION_STATE_FAILED)

		recorder.mutex.Lock()
		defer recorder.mutex.Unlock()
		assert.Equal(t, VPN_CONNECTION_STATE_STARTING, recorder.states[0])
		assert.NotContains(t, recorder.states, VPN_CONNECTION_STATE_CONNECTED)
	})

	t.Run("missing executable", func(t *testing.T) {
		dialer := NewCommandLineVPNDialer("/nonexistent/vpn-helper")
		err := dialer.Dial(context.Background(), "192.168.0.1", "psk", newVPNStateRecorder().callback)
		assert.True(t, IsSystemError(err))
	})
}

// fakeVPNDialer reports the configured states, in order, from a separate
// goroutine.
type fakeVPNDialer struct {
	mutex         sync.Mutex
	states        []VPNConnectionState
	dialErr       error
	serverAddress string
	preSharedKey  string
	hangups       int
}

func (dialer *fakeVPNDialer) Dial(
	_ context.Context,
	serverAddress, preSharedKey string,
	callback VPNStateCallback) error {

	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	if dialer.dialErr != nil {
		return dialer.dialErr
	}
	dialer.serverAddress = serverAddress
	dialer.preSharedKey = preSharedKey
	states := append([]VPNConnectionState(nil), dialer.states...)
	go func() {
		for _, state := range states {
			callback(state, "fake")
		}
	}()
	return nil
}

func (dialer *fakeVPNDialer) Hangup() {
	dialer.mutex.Lock()
	defer dialer.mutex.Unlock()
	dialer.hangups += 1
}

func makeTestVPNTransport(
	t *testing.T, dialer *fakeVPNDialer) (*VPNTransport, *ServerList) {

	config := makeTestConfig(t, func(config *Config) {
		config.VPNConnectTimeoutSeconds = 5
	})
	serverList := NewServerList("TEST")
	serverList.AddEntries([]*protocol.ServerEntry{
		makeTestServerEntry("192.168.0.1", protocol.CAPABILITY_VPN),
	}, false)

	return NewVPNTransportWithDialer(config, serverList, dialer), serverList
}

func TestVPNTransport(t *testing.T) {

	t.Run("connect", func(t *testing.T) {
		dialer := &fakeVPNDialer{
			states: []VPNConnectionState{VPN_CONNECTION_STATE_CONNECTED},
		}
		transport, serverList := makeTestVPNTransport(t, dialer)
		handshaker := &fakeHandshaker{
			response: &protocol.HandshakeResponse{VPNPreSharedKey: "psk"},
		}

		assert.True(t, transport.IsHandshakeRequired())
		assert.True(t, transport.IsWholeSystemTunneled())

		require.NoError(t, transport.Connect(
			context.Background(), ConnectParams{Handshaker: handshaker}))
		assert.True(t, transport.IsConnected())
		assert.Equal(t, 0, transport.GetLocalProxyParentPort())
		assert.Equal(t, "192.168.0.1", dialer.serverAddress)
		assert.Equal(t, "psk", dialer.preSharedKey)

		require.NoError(t, transport.ProxySetupComplete(context.Background()))
		assert.Equal(t,
			[]ServerRequestLevel{SERVER_REQUEST_ALLOW_TEMP_TUNNEL, SERVER_REQUEST_FULL},
			handshaker.getLevels())
		assert.False(t, serverList.IsServerFailed("192.168.0.1"))

		transport.Cleanup()
		assert.False(t, transport.IsConnected())
		state, _ := transport.stateMachine.getState()
		assert.Equal(t, VPN_CONNECTION_STATE_STOPPED, state)
		assert.Equal(t, 1, dialer.hangups)
	})

	t.Run("no pre-shared key", func(t *testing.T) {
		dialer := &fakeVPNDialer{}
		transport, serverList := makeTestVPNTransport(t, dialer)

		err := transport.Connect(context.Background(), ConnectParams{Handshaker: &fakeHandshaker{}})
		require.Error(t, err)
		assert.True(t, IsTransportRetryOkay(err))
		assert.Equal(t, "", dialer.serverAddress)
		assert.True(t, serverList.IsServerFailed("192.168.0.1"))
	})

	t.Run("pre-handshake failure", func(t *testing.T) {
		transport, _ := makeTestVPNTransport(t, &fakeVPNDialer{})

		err := transport.Connect(context.Background(), ConnectParams{
			Handshaker: &fakeHandshaker{err: errors.New("no route")},
		})
		require.Error(t, err)
		assert.True(t, IsTransportRetryOkay(err))
	})

	t.Run("dial failed", func(t *testing.T) {
		dialer := &fakeVPNDialer{
			states: []VPNConnectionState{VPN_CONNECTION_STATE_FAILED},
		}
		transport, serverList := makeTestVPNTransport(t, dialer)
		handshaker := &fakeHandshaker{
			response: &protocol.HandshakeResponse{VPNPreSharedKey: "psk"},
		}

		err := transport.Connect(context.Background(), ConnectParams{Handshaker: handshaker})
		require.Error(t, err)
		assert.True(t, IsTransportRetryOkay(err))
		assert.False(t, transport.IsConnected())
		assert.True(t, serverList.IsServerFailed("192.168.0.1"))
	})

	t.Run("full handshake failure", func(t *testing.T) {
		dialer := &fakeVPNDialer{
			states: []VPNConnectionState{VPN_CONNECTION_STATE_CONNECTED},
		}
		transport, _ := makeTestVPNTransport(t, dialer)
		handshaker := &fakeHandshaker{
			response: &protocol.HandshakeResponse{VPNPreSharedKey: "psk"},
		}

		require.NoError(t, transport.Connect(
			context.Background(), ConnectParams{Handshaker: handshaker}))

		handshaker.mutex.Lock()
		handshaker.err = errors.New("handshake failed")
		handshaker.mutex.Unlock()

		err := transport.ProxySetupComplete(context.Background())
		require.Error(t, err)
		assert.True(t, IsTransportFailed(err))
	})
}
