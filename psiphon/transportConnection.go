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

// TransportConnection owns the workers of one connection through one
// transport: the optional obfuscation helper, the transport itself and the
// local proxy, plus the applied system proxy settings. Workers are started
// in that order and are always stopped in reverse order, with the system
// proxy settings reverted before any worker is stopped, so host traffic is
// never sent through a proxy with no tunnel behind it.
type TransportConnection struct {
	config              *Config
	transport           Transport
	handshaker          Handshaker
	splitTunnelRules    *SplitTunnelRules
	systemProxySettings SystemProxySettings
	sessionID           string
	synch               *WorkerThreadSynch

	mutex            sync.Mutex
	helperThread     *WorkerThread
	transportThread  *WorkerThread
	localProxy       *LocalProxy
	localProxyThread *WorkerThread
	preSessionInfo   SessionInfo
	sessionInfo      SessionInfo
}

// NewTransportConnection creates a connection for transport. handshaker
// and splitTunnelRules may be nil.
func NewTransportConnection(
	config *Config,
	transport Transport,
	handshaker Handshaker,
	splitTunnelRules *SplitTunnelRules,
	systemProxySettings SystemProxySettings,
	sessionID string) *TransportConnection {

	return &TransportConnection{
		config:              config,
		transport:           transport,
		handshaker:          handshaker,
		splitTunnelRules:    splitTunnelRules,
		systemProxySettings: systemProxySettings,
		sessionID:           sessionID,
		synch:               NewWorkerThreadSynch(),
	}
}

func (connection *TransportConnection) GetTransport() Transport {
	return connection.transport
}

// Connect establishes the connection, trying exactly one server:
// tempServerEntry when set, otherwise the next in the transport's list. On
// failure all workers have been stopped and the returned error is one of:
// a StopError, a SystemError, a TryNextServerError or a non-retryable
// TransportFailedError.
//
// The transport's Cleanup runs after every failed attempt, including one
// which failed before a server was selected, such as when the transport's
// server list has no eligible server. Transport.Cleanup must therefore be
// safe on a transport which never connected.
func (connection *TransportConnection) Connect(
	stopInfo StopInfo, tempServerEntry *protocol.ServerEntry) error {

	err := connection.connect(stopInfo, tempServerEntry)
	if err != nil {
		connection.Cleanup()
		if stopErr := stopInfo.Check(); stopErr != nil {
			return stopErr
		}
		return classifyConnectError(err)
	}
	return nil
}

func (connection *TransportConnection) connect(
	stopInfo StopInfo, tempServerEntry *protocol.ServerEntry) error {

	usesHelper := connection.transport.UsesObfuscationHelper()

	expected := 2
	if usesHelper {
		expected += 1
	}
	connection.synch.Reset(expected)

	meekListenPort := 0
	if usesHelper {
		helper := NewObfuscationHelper(connection.config)
		helperThread := NewWorkerThread("obfuscation helper", helper, 0)
		connection.mutex.Lock()
		connection.helperThread = helperThread
		connection.mutex.Unlock()

		// Start blocks until the helper reports ready or times out.
		err := helperThread.Start(stopInfo, connection.synch)
		if err != nil {
			return errors.Trace(err)
		}
		meekListenPort = helper.GetSocksPort()
	}

	params := ConnectParams{
		MeekListenPort:      meekListenPort,
		SystemProxySettings: connection.systemProxySettings,
		StopInfo:            stopInfo,
		Synch:               connection.synch,
		Handshaker:          connection.handshaker,
		TempServerEntry:     tempServerEntry,
		SessionID:           connection.sessionID,
		CollectStats:        connection.handshaker != nil,
	}

	transportThread := NewWorkerThread(
		connection.transport.GetTransportDisplayName(),
		&transportWorker{transport: connection.transport, params: params},
		0)
	connection.mutex.Lock()
	connection.transportThread = transportThread
	connection.mutex.Unlock()

	err := transportThread.Start(stopInfo, connection.synch)
	if err != nil {
		return errors.Trace(err)
	}

	preSessionInfo := connection.transport.GetSessionInfo()
	connection.mutex.Lock()
	connection.preSessionInfo = preSessionInfo
	connection.mutex.Unlock()

	localProxy := NewLocalProxy(
		connection.config, connection.transport, connection.splitTunnelRules, params.CollectStats)
	localProxyThread := NewWorkerThread("local proxy", localProxy, 0)
	connection.mutex.Lock()
	connection.localProxy = localProxy
	connection.localProxyThread = localProxyThread
	connection.mutex.Unlock()

	err = localProxyThread.Start(stopInfo, connection.synch)
	if err != nil {
		return errors.Trace(err)
	}

	if connection.systemProxySettings != nil {
		err = connection.systemProxySettings.Configure(
			localProxy.GetHttpProxyPort(), localProxy.GetSocksProxyPort())
		if err != nil {
			// The local proxy remains usable when configured manually.
			NoticeWarning("configure system proxy settings failed: %s", errors.Trace(err))
		}
	}

	ctx, cancelFunc := stopInfo.Context(context.Background())
	defer cancelFunc()

	err = connection.transport.ProxySetupComplete(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	sessionInfo := connection.transport.GetSessionInfo()
	localProxy.UpdateSessionInfo(sessionInfo)

	connection.mutex.Lock()
	connection.sessionInfo = sessionInfo
	connection.mutex.Unlock()

	return nil
}

// classifyConnectError maps a connect failure to the action to take.
// Failures not attributed to the transport are local and recoverable, so
// the next server is tried.
func classifyConnectError(err error) error {
	switch {
	case IsStopError(err), IsSystemError(err):
		return err
	case IsTransportRetryOkay(err):
		return &TryNextServerError{Err: err}
	case IsTransportFailed(err):
		return err
	}
	return &TryNextServerError{Err: err}
}

// WaitForDisconnect blocks until a worker stops running or a stop reason
// in stopInfo is signalled. The return value is a StopError for a
// signalled stop, and otherwise describes the disconnect. The connection
// is not cleaned up.
func (connection *TransportConnection) WaitForDisconnect(stopInfo StopInfo) error {

	connection.mutex.Lock()
	threads := []*WorkerThread{connection.transportThread, connection.localProxyThread}
	if connection.helperThread != nil {
		threads = append(threads, connection.helperThread)
	}
	connection.mutex.Unlock()

	var stopped <-chan struct{}
	if stopInfo.StopSignal != nil {
		stopped = stopInfo.StopSignal.Done(stopInfo.StopReasons)
		defer stopInfo.StopSignal.Release(stopped)
	}

	cases := make(chan *WorkerThread, len(threads))
	done := make(chan struct{})
	defer close(done)
	for _, thread := range threads {
		if thread == nil {
			continue
		}
		go func(thread *WorkerThread) {
			select {
			case <-thread.Stopped():
				cases <- thread
			case <-done:
			}
		}(thread)
	}

	select {
	case thread := <-cases:
		if stopErr := stopInfo.Check(); stopErr != nil {
			return stopErr
		}
		if err := thread.Err(); err != nil {
			return errors.TraceMsg(err, "disconnected")
		}
		return errors.Tracef("%s stopped", thread.Name())
	case <-stopped:
		return stopInfo.Check()
	}
}

// IsConnected checks that every worker is still running.
func (connection *TransportConnection) IsConnected() bool {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	for _, thread := range []*WorkerThread{
		connection.helperThread, connection.transportThread, connection.localProxyThread} {
		if thread != nil && !thread.IsRunning() {
			return false
		}
	}
	return connection.transportThread != nil && connection.localProxyThread != nil
}

// Cleanup reverts the system proxy settings and then stops the workers in
// reverse start order. Cleanup is idempotent. Revert failures are reported
// and otherwise ignored.
func (connection *TransportConnection) Cleanup() {

	if connection.systemProxySettings != nil && connection.systemProxySettings.IsApplied() {
		err := connection.systemProxySettings.Revert()
		if err != nil {
			NoticeWarning("revert system proxy settings failed: %s", errors.Trace(err))
		}
	}

	connection.mutex.Lock()
	threads := []*WorkerThread{
		connection.localProxyThread,
		connection.transportThread,
		connection.helperThread,
	}
	connection.mutex.Unlock()

	for _, thread := range threads {
		if thread != nil {
			thread.Stop()
		}
	}
}

// GetPreHandshakeSessionInfo returns the session info captured after the
// transport connected and before the post-proxy handshake.
func (connection *TransportConnection) GetPreHandshakeSessionInfo() SessionInfo {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.preSessionInfo.Clone()
}

// GetSessionInfo returns the session info captured once the connection was
// fully established.
func (connection *TransportConnection) GetSessionInfo() SessionInfo {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.sessionInfo.Clone()
}

// GetLocalProxy returns the connection's local proxy, or nil before one
// was started.
func (connection *TransportConnection) GetLocalProxy() *LocalProxy {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.localProxy
}

// transportWorker runs a Transport under a WorkerThread.
type transportWorker struct {
	transport Transport
	params    ConnectParams
}

func (worker *transportWorker) DoStart(ctx context.Context) error {
	return worker.transport.Connect(ctx, worker.params)
}

func (worker *transportWorker) DoPeriodicCheck() bool {
	return worker.transport.IsConnected()
}

func (worker *transportWorker) StopImminent() {
}

func (worker *transportWorker) DoStop(_ bool) {
	worker.transport.Cleanup()
}
