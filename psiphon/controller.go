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

// Package psiphon implements the circumvention client: transports that
// establish a tunnel to a relay, the server selection and failover policy,
// the relay control plane, and the local proxies which carry host
// traffic through the tunnel.
package psiphon

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"golang.org/x/time/rate"
)

const (
	CONNECTION_STATE_CONNECTING   = "Connecting"
	CONNECTION_STATE_CONNECTED    = "Connected"
	CONNECTION_STATE_WAITING      = "Waiting"
	CONNECTION_STATE_DISCONNECTED = "Disconnected"
	CONNECTION_STATE_STOPPED      = "Stopped"
)

// Controller is the top level client loop. It establishes a connection by
// trying each registered transport in priority order and, for each
// transport, each server in its list; maintains the connection and its
// control plane requests; and reconnects after an unexpected disconnect.
type Controller struct {
	config              *Config
	registry            *TransportRegistry
	stopSignal          *StopSignal
	sessionID           string
	serverAPI           *ServerAPI
	splitTunnelRules    *SplitTunnelRules
	systemProxySettings SystemProxySettings
	establishLimiter    *rate.Limiter
	statusPeriod        time.Duration

	mutex      sync.Mutex
	connection *TransportConnection
}

// NewController creates a controller using the pinned certificate HTTPS
// requester for relay API requests and the platform system proxy
// settings.
func NewController(
	config *Config, registry *TransportRegistry, stopSignal *StopSignal) (*Controller, error) {

	return NewControllerWithDependencies(
		config,
		registry,
		stopSignal,
		NewPinnedHTTPSRequester(PSIPHON_API_SERVER_TIMEOUT, MakePsiphonUserAgent(config)),
		NewSystemProxySettings(config))
}

func NewControllerWithDependencies(
	config *Config,
	registry *TransportRegistry,
	stopSignal *StopSignal,
	httpsRequester HTTPSRequester,
	systemProxySettings SystemProxySettings) (*Controller, error) {

	if !config.IsCommitted() {
		return nil, errors.TraceNew("uncommitted config")
	}

	sessionID, err := MakeSessionID()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Controller{
		config:              config,
		registry:            registry,
		stopSignal:          stopSignal,
		sessionID:           sessionID,
		serverAPI:           NewServerAPI(config, registry, httpsRequester, sessionID),
		splitTunnelRules:    NewSplitTunnelRules(config.SplitTunnelRulesFilename),
		systemProxySettings: systemProxySettings,
		establishLimiter:    rate.NewLimiter(rate.Every(config.GetEstablishPausePeriod()), 1),
		statusPeriod:        PSIPHON_API_STATUS_REQUEST_PERIOD,
	}, nil
}

func (controller *Controller) GetSessionID() string {
	return controller.sessionID
}

// Run connects and stays connected until STOP_REASON_EXIT or
// STOP_REASON_USER_DISCONNECT is signalled, or until a system error.
// STOP_REASON_CANCELLED_CONNECTION aborts a connection in progress and
// also ends Run. STOP_REASON_UNEXPECTED_DISCONNECT drops the current
// connection and reconnects.
func (controller *Controller) Run() error {

	runStopInfo := NewStopInfo(
		controller.stopSignal, STOP_REASON_EXIT|STOP_REASON_USER_DISCONNECT)
	connectStopInfo := NewStopInfo(
		controller.stopSignal,
		STOP_REASON_EXIT|STOP_REASON_USER_DISCONNECT|STOP_REASON_CANCELLED_CONNECTION)
	connectedStopInfo := NewStopInfo(
		controller.stopSignal,
		STOP_REASON_EXIT|STOP_REASON_USER_DISCONNECT|STOP_REASON_UNEXPECTED_DISCONNECT)

	ctx, cancelFunc := runStopInfo.Context(context.Background())
	defer cancelFunc()

	controller.importEmbeddedServerEntries()

	controller.splitTunnelRules.Start()
	defer controller.splitTunnelRules.Stop()

	defer NoticeConnectionState(CONNECTION_STATE_STOPPED)

	for {

		err := controller.establishLimiter.Wait(ctx)
		if err != nil {
			return nil
		}

		NoticeConnectionState(CONNECTION_STATE_CONNECTING)

		connection, err := controller.establish(connectStopInfo)
		if err != nil {
			if IsStopError(err) {
				return nil
			}
			if IsSystemError(err) {
				NoticeError("establish failed: %s", err)
				return errors.Trace(err)
			}
			NoticeConnectionState(CONNECTION_STATE_WAITING)
			NoticeInfo("no connection established: %s", err)
			continue
		}

		err = controller.runConnection(ctx, connectedStopInfo, connection)

		controller.setConnection(nil)
		connection.Cleanup()

		if stopErr := runStopInfo.Check(); stopErr != nil {
			return nil
		}

		NoticeConnectionState(CONNECTION_STATE_DISCONNECTED)
		NoticeInfo("reconnecting: %s", err)
		controller.stopSignal.ClearStopReasons(STOP_REASON_UNEXPECTED_DISCONNECT)
	}
}

func (controller *Controller) setConnection(connection *TransportConnection) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	controller.connection = connection
}

// GetConnection returns the established connection, or nil.
func (controller *Controller) GetConnection() *TransportConnection {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.connection
}

func (controller *Controller) importEmbeddedServerEntries() {

	filename := controller.config.EmbeddedServerEntryListFilename
	if filename == "" {
		return
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		NoticeWarning("read embedded server entries failed: %s", errors.Trace(err))
		return
	}

	controller.registry.AddServerEntries(string(data), protocol.SERVER_ENTRY_SOURCE_EMBEDDED)
}

// establish runs one round: every transport in priority order, and for
// each transport every server in its list, until a connection succeeds.
// With a configured target server entry, each transport tries only that
// server. A round with no connection returns an error that is neither a
// StopError nor a SystemError.
func (controller *Controller) establish(stopInfo StopInfo) (*TransportConnection, error) {

	targetServerEntry := controller.config.GetTargetServerEntry()

	for _, transport := range controller.registry.NewAll(nil) {

		for {
			if err := stopInfo.Check(); err != nil {
				return nil, err
			}

			connection := NewTransportConnection(
				controller.config,
				transport,
				controller.serverAPI,
				controller.splitTunnelRules,
				controller.systemProxySettings,
				controller.sessionID)

			err := connection.Connect(stopInfo, targetServerEntry)
			if err == nil {
				controller.connected(connection)
				return connection, nil
			}

			if IsStopError(err) || IsSystemError(err) {
				return nil, err
			}

			NoticeTransportFailed(
				transport.GetTransportProtocolName(),
				transport.GetSessionInfo().GetServerAddress(),
				IsTransportRetryOkay(err),
				err)

			if !IsTransportRetryOkay(err) || targetServerEntry != nil {
				break
			}
		}
	}

	return nil, errors.TraceNew("all transports failed")
}

func (controller *Controller) connected(connection *TransportConnection) {

	transport := connection.GetTransport()
	sessionInfo := connection.GetSessionInfo()
	ipAddress := sessionInfo.GetServerAddress()

	if controller.config.GetTargetServerEntry() == nil {
		registered := controller.registry.Get(transport.GetTransportProtocolName())
		if registered != nil {
			registered.ServerList.MarkServerSucceeded(ipAddress)
		}
	}

	if IsDataStoreOpen() {
		err := SetLastConnectedServer(ipAddress)
		if err != nil {
			NoticeWarning("store last connected server failed: %s", errors.Trace(err))
		}
	}

	controller.setConnection(connection)

	NoticeActiveTunnel(
		ipAddress, transport.GetTransportProtocolName(), transport.IsWholeSystemTunneled())
	if len(sessionInfo.Homepages) > 0 {
		NoticeHomepages(sessionInfo.Homepages)
	}
	NoticeConnectionState(CONNECTION_STATE_CONNECTED)
}

// runConnection makes the connected request, then makes periodic status
// requests until the connection drops or a stop is signalled.
func (controller *Controller) runConnection(
	ctx context.Context, stopInfo StopInfo, connection *TransportConnection) error {

	transport := connection.GetTransport()
	sessionInfo := connection.GetSessionInfo()

	// The core performs its own API requests.
	usesAPI := transport.GetTransportProtocolName() != protocol.TRANSPORT_PROTOCOL_CORE &&
		sessionInfo.ServerEntry.SupportsUntunneledWebRequests()

	if !usesAPI {
		return connection.WaitForDisconnect(stopInfo)
	}

	err := controller.serverAPI.DoConnectedRequest(ctx, transport)
	if err != nil {
		NoticeWarning("connected request failed: %s", errors.Trace(err))
	}

	statusCtx, cancelStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		controller.statusRequests(statusCtx, connection)
	}()

	err = connection.WaitForDisconnect(stopInfo)

	cancelStatus()
	<-statusDone

	return err
}

func (controller *Controller) statusRequests(ctx context.Context, connection *TransportConnection) {

	ticker := time.NewTicker(controller.statusPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		localProxy := connection.GetLocalProxy()
		if localProxy == nil {
			continue
		}

		stats := localProxy.TakeStats()
		if stats.IsEmpty() {
			continue
		}

		err := controller.serverAPI.DoStatusRequest(ctx, connection.GetTransport(), stats)
		if err != nil {
			NoticeWarning("status request failed: %s", errors.Trace(err))
			// Resend in the next request.
			localProxy.AddStats(stats)
		}
	}
}
