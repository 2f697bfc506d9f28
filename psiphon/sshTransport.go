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

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// sshVariant distinguishes the members of the SSH transport family.
type sshVariant struct {
	protocolName string
	displayName  string
	requestName  string
	capability   string
	obfuscated   bool
}

var (
	sshVariantPlain = sshVariant{
		protocolName: protocol.TRANSPORT_PROTOCOL_SSH,
		displayName:  "SSH",
		requestName:  protocol.TRANSPORT_PROTOCOL_SSH,
		capability:   protocol.CAPABILITY_SSH,
	}
	sshVariantObfuscated = sshVariant{
		protocolName: protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH,
		displayName:  "SSH+",
		requestName:  protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH,
		capability:   protocol.CAPABILITY_OBFUSCATED_SSH,
		obfuscated:   true,
	}
)

// SSHTransport tunnels through an SSH client subprocess offering dynamic
// port forwarding. The obfuscated variant, OSSH, runs the same client with
// the obfuscation layer enabled. Both need no prior handshake, since server
// entries embed the SSH credentials, and so both may serve as temporary
// tunnels for control plane requests.
type SSHTransport struct {
	transportBase
	variant sshVariant
	session *sshSession
}

func NewSSHTransport(config *Config, serverList *ServerList) Transport {
	return newSSHTransport(config, serverList, sshVariantPlain)
}

func NewOSSHTransport(config *Config, serverList *ServerList) Transport {
	return newSSHTransport(config, serverList, sshVariantObfuscated)
}

func newSSHTransport(config *Config, serverList *ServerList, variant sshVariant) *SSHTransport {
	return &SSHTransport{
		transportBase: newTransportBase(config, serverList),
		variant:       variant,
		session:       newSSHSession(config, variant.protocolName, variant.obfuscated),
	}
}

func (transport *SSHTransport) GetTransportProtocolName() string {
	return transport.variant.protocolName
}

func (transport *SSHTransport) GetTransportDisplayName() string {
	return transport.variant.displayName
}

func (transport *SSHTransport) GetTransportRequestName() string {
	return transport.variant.requestName
}

func (transport *SSHTransport) IsHandshakeRequired() bool {
	return false
}

func (transport *SSHTransport) IsWholeSystemTunneled() bool {
	return false
}

func (transport *SSHTransport) UsesObfuscationHelper() bool {
	return transport.config.ObfuscationHelperExecutable != ""
}

func (transport *SSHTransport) ServerHasCapabilities(serverEntry *protocol.ServerEntry) bool {
	if !serverEntry.HasCapability(transport.variant.capability) || !serverEntry.HasSSHCredentials() {
		return false
	}
	if transport.variant.obfuscated {
		return serverEntry.SshObfuscatedPort > 0 && serverEntry.SshObfuscatedKey != ""
	}
	return serverEntry.SshPort > 0
}

func (transport *SSHTransport) Connect(ctx context.Context, params ConnectParams) error {

	serverEntry, err := transport.selectServer(params, transport.ServerHasCapabilities)
	if err != nil {
		return errors.Trace(err)
	}

	NoticeConnectingServer(
		serverEntry.IpAddress, serverEntry.Region, transport.GetTransportProtocolName())

	err = transport.session.connect(ctx, serverEntry, params.MeekListenPort)
	if err != nil {
		transport.session.cleanup()
		if ctx.Err() == nil {
			transport.markFailed()
		}
		return errors.Trace(err)
	}

	return nil
}

func (transport *SSHTransport) IsConnected() bool {
	return transport.session.isConnected()
}

func (transport *SSHTransport) GetLocalProxyParentPort() int {
	return transport.session.getSocksPort()
}

// ProxySetupComplete performs the tunneled handshake, when a Handshaker is
// configured and the server supports it. The SSH session is already usable,
// so a handshake failure is logged and the connection is kept.
func (transport *SSHTransport) ProxySetupComplete(ctx context.Context) error {

	serverEntry := transport.getServerEntry()
	if serverEntry == nil {
		return errors.TraceNew("not connected")
	}

	if transport.getParams().Handshaker == nil ||
		!serverEntry.SupportsUntunneledWebRequests() {
		return nil
	}

	err := transport.handshake(ctx, transport, SERVER_REQUEST_FULL)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		NoticeWarning("%s handshake failed: %s", transport.GetTransportProtocolName(), errors.Trace(err))
	}

	return nil
}

func (transport *SSHTransport) Cleanup() {
	transport.session.cleanup()
}
