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
	"sync"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// Transport is a strategy for establishing a tunnel to a relay. A connected
// transport exposes a local SOCKS endpoint at GetLocalProxyParentPort which
// forwards into the tunnel, unless it is whole system tunneled, in which
// case all host traffic is already tunneled and the parent port is 0.
//
// Connect attempts exactly one server. Failures are *TransportFailedError;
// ConnectRetryOkay false means the transport should not be retried this
// session. Cleanup is always safe to call, including before Connect.
type Transport interface {
	GetTransportProtocolName() string
	GetTransportDisplayName() string
	GetTransportRequestName() string

	IsHandshakeRequired() bool
	IsWholeSystemTunneled() bool
	UsesObfuscationHelper() bool
	ServerHasCapabilities(serverEntry *protocol.ServerEntry) bool

	Connect(ctx context.Context, params ConnectParams) error
	IsConnected() bool
	GetLocalProxyParentPort() int
	GetSessionInfo() SessionInfo
	ProxySetupComplete(ctx context.Context) error
	Cleanup()
}

// Handshaker performs the control plane handshake with a relay, updating
// sessionInfo in place. transport is the connected transport to tunnel the
// request through, or nil.
type Handshaker interface {
	DoHandshake(
		ctx context.Context,
		transport Transport,
		sessionInfo *SessionInfo,
		level ServerRequestLevel) error
}

// ConnectParams are the inputs to one Connect attempt.
//
// MeekListenPort is the obfuscation helper's local SOCKS port, or 0 when no
// helper is running. TempServerEntry, when set, forces the attempt to that
// server. Temporary connections, used only to complete one control plane
// request, set no Handshaker and disable CollectStats.
type ConnectParams struct {
	MeekListenPort      int
	SystemProxySettings SystemProxySettings
	StopInfo            StopInfo
	Synch               *WorkerThreadSynch
	Handshaker          Handshaker
	TempServerEntry     *protocol.ServerEntry
	SessionID           string
	CollectStats        bool
}

// transportBase holds the state shared by all transport implementations.
// Each implementation composes a transportBase.
type transportBase struct {
	config      *Config
	serverList  *ServerList
	mutex       sync.Mutex
	params      ConnectParams
	sessionInfo SessionInfo
	serverEntry *protocol.ServerEntry
}

func newTransportBase(config *Config, serverList *ServerList) transportBase {
	return transportBase{
		config:     config,
		serverList: serverList,
	}
}

// selectServer picks the server for this attempt: the forced temporary
// server when given, otherwise the next server in the owned list that
// passes filter. An exhausted list is a permanent failure for this pass.
func (base *transportBase) selectServer(
	params ConnectParams,
	filter func(*protocol.ServerEntry) bool) (*protocol.ServerEntry, error) {

	base.mutex.Lock()
	base.params = params
	base.mutex.Unlock()

	var serverEntry *protocol.ServerEntry

	if params.TempServerEntry != nil {
		if !filter(params.TempServerEntry) {
			return nil, NewTransportFailedError(
				false, errors.TraceNew("temporary server lacks capabilities"))
		}
		serverEntry = params.TempServerEntry
	} else {
		if base.serverList == nil {
			return nil, NewTransportFailedError(false, errors.TraceNew("no server list"))
		}
		var ok bool
		serverEntry, ok = base.serverList.GetNextServer(filter)
		if !ok {
			return nil, NewTransportFailedError(false, errors.TraceNew("no more servers"))
		}
	}

	base.mutex.Lock()
	base.serverEntry = serverEntry
	base.sessionInfo = SessionInfo{}
	base.sessionInfo.SetServerEntry(serverEntry)
	base.sessionInfo.SessionID = params.SessionID
	base.mutex.Unlock()

	return serverEntry, nil
}

// markFailed records a connect failure against the selected server, unless
// the server was forced.
func (base *transportBase) markFailed() {
	base.mutex.Lock()
	serverEntry := base.serverEntry
	temp := base.params.TempServerEntry != nil
	base.mutex.Unlock()

	if serverEntry != nil && !temp && base.serverList != nil {
		base.serverList.MarkServerFailed(serverEntry.IpAddress)
	}
}

func (base *transportBase) getParams() ConnectParams {
	base.mutex.Lock()
	defer base.mutex.Unlock()
	return base.params
}

func (base *transportBase) getServerEntry() *protocol.ServerEntry {
	base.mutex.Lock()
	defer base.mutex.Unlock()
	return base.serverEntry
}

func (base *transportBase) GetSessionInfo() SessionInfo {
	base.mutex.Lock()
	defer base.mutex.Unlock()
	return base.sessionInfo.Clone()
}

func (base *transportBase) updateSessionInfo(update func(sessionInfo *SessionInfo)) {
	base.mutex.Lock()
	defer base.mutex.Unlock()
	update(&base.sessionInfo)
}

// handshake runs the configured Handshaker against a working copy of the
// session info and publishes the result on success.
func (base *transportBase) handshake(
	ctx context.Context, transport Transport, level ServerRequestLevel) error {

	handshaker := base.getParams().Handshaker
	if handshaker == nil {
		return errors.TraceNew("no handshaker")
	}

	sessionInfo := base.GetSessionInfo()
	err := handshaker.DoHandshake(ctx, transport, &sessionInfo, level)
	if err != nil {
		return errors.Trace(err)
	}

	base.mutex.Lock()
	base.sessionInfo = sessionInfo
	base.mutex.Unlock()

	return nil
}
