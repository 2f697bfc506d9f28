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
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// VPNTransport tunnels all host traffic through an operating system VPN
// connection. The VPN pre-shared key is obtained in a handshake before
// connecting, so VPN requires a handshake and cannot serve as a temporary
// tunnel. While connected, no local SOCKS endpoint is needed.
type VPNTransport struct {
	transportBase
	dialer       VPNDialer
	stateMachine *vpnConnectionStateMachine
	dialCount    int64
}

func NewVPNTransport(config *Config, serverList *ServerList) Transport {
	return NewVPNTransportWithDialer(
		config, serverList, NewCommandLineVPNDialer(config.VPNClientExecutable))
}

func NewVPNTransportWithDialer(config *Config, serverList *ServerList, dialer VPNDialer) *VPNTransport {
	return &VPNTransport{
		transportBase: newTransportBase(config, serverList),
		dialer:        dialer,
		stateMachine:  newVPNConnectionStateMachine(),
	}
}

func (transport *VPNTransport) GetTransportProtocolName() string {
	return protocol.TRANSPORT_PROTOCOL_VPN
}

func (transport *VPNTransport) GetTransportDisplayName() string {
	return "VPN"
}

func (transport *VPNTransport) GetTransportRequestName() string {
	return protocol.TRANSPORT_PROTOCOL_VPN
}

func (transport *VPNTransport) IsHandshakeRequired() bool {
	return true
}

func (transport *VPNTransport) IsWholeSystemTunneled() bool {
	return true
}

func (transport *VPNTransport) UsesObfuscationHelper() bool {
	return false
}

func (transport *VPNTransport) ServerHasCapabilities(serverEntry *protocol.ServerEntry) bool {
	return serverEntry.HasCapability(protocol.CAPABILITY_VPN)
}

func (transport *VPNTransport) Connect(ctx context.Context, params ConnectParams) error {

	serverEntry, err := transport.selectServer(params, transport.ServerHasCapabilities)
	if err != nil {
		return errors.Trace(err)
	}

	NoticeConnectingServer(
		serverEntry.IpAddress, serverEntry.Region, transport.GetTransportProtocolName())

	err = transport.connect(ctx, serverEntry)
	if err != nil {
		transport.Cleanup()
		if ctx.Err() == nil {
			transport.markFailed()
		}
		return errors.Trace(err)
	}

	return nil
}

func (transport *VPNTransport) connect(ctx context.Context, serverEntry *protocol.ServerEntry) error {

	// The pre-handshake runs before any tunnel exists, so it may fall back
	// to a temporary tunnel through another transport.
	err := transport.handshake(ctx, nil, SERVER_REQUEST_ALLOW_TEMP_TUNNEL)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return NewTransportFailedError(true, errors.TraceMsg(err, "VPN pre-handshake failed"))
	}

	preSharedKey := transport.GetSessionInfo().VPNPreSharedKey
	if preSharedKey == "" {
		return NewTransportFailedError(true, errors.TraceNew("no VPN pre-shared key"))
	}

	// Callbacks from an earlier, abandoned dial are discarded.
	dialID := atomic.AddInt64(&transport.dialCount, 1)
	callback := func(state VPNConnectionState, detail string) {
		if atomic.LoadInt64(&transport.dialCount) != dialID {
			return
		}
		NoticeInfo("VPN connection state: %s %s", state, detail)
		transport.stateMachine.setState(state, detail)
	}

	transport.stateMachine.setState(VPN_CONNECTION_STATE_STARTING, "")

	err = transport.dialer.Dial(ctx, serverEntry.IpAddress, preSharedKey, callback)
	if err != nil {
		return errors.Trace(err)
	}

	err = transport.stateMachine.waitForConnected(ctx, transport.config.GetVPNConnectTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return NewTransportFailedError(true, errors.Trace(err))
	}

	return nil
}

func (transport *VPNTransport) IsConnected() bool {
	state, _ := transport.stateMachine.getState()
	return state == VPN_CONNECTION_STATE_CONNECTED
}

func (transport *VPNTransport) GetLocalProxyParentPort() int {
	return 0
}

// ProxySetupComplete performs the full handshake through the VPN. The
// session values it returns are required, so failure fails the connection.
func (transport *VPNTransport) ProxySetupComplete(ctx context.Context) error {

	err := transport.handshake(ctx, transport, SERVER_REQUEST_FULL)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return NewTransportFailedError(true, errors.TraceMsg(err, "VPN handshake failed"))
	}

	return nil
}

func (transport *VPNTransport) Cleanup() {
	atomic.AddInt64(&transport.dialCount, 1)
	transport.dialer.Hangup()
	transport.stateMachine.setState(VPN_CONNECTION_STATE_STOPPED, "")
}
