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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// coreTunnelState accumulates the facts reported by the core tunnel engine
// in its notices.
type coreTunnelState struct {
	tunnels        int
	socksProxyPort int
	httpProxyPort  int
	homepages      []string
	clientRegion   string
	upgradeVersion string
}

// applyCoreNotice updates state from one core notice. It returns false for
// notices that are not JSON notices, which are ignored.
func (state *coreTunnelState) applyCoreNotice(line string) bool {

	noticeType, payload, err := GetNotice([]byte(line))
	if err != nil {
		return false
	}

	switch noticeType {

	case "Tunnels":
		if count, ok := payload["count"].(float64); ok {
			state.tunnels = int(count)
		}

	case "ListeningSocksProxyPort":
		if port, ok := payload["port"].(float64); ok {
			state.socksProxyPort = int(port)
		}

	case "ListeningHttpProxyPort":
		if port, ok := payload["port"].(float64); ok {
			state.httpProxyPort = int(port)
		}

	case "Homepage":
		if url, ok := payload["url"].(string); ok && url != "" {
			state.homepages = append(state.homepages, url)
		}

	case "ClientRegion":
		if region, ok := payload["region"].(string); ok {
			state.clientRegion = region
		}

	case "ClientUpgradeAvailable":
		if version, ok := payload["version"].(string); ok {
			state.upgradeVersion = version
		}

	case "Error":
		if message, ok := payload["message"].(string); ok {
			NoticeWarning("core: %s", message)
		}
	}

	return true
}

func (state *coreTunnelState) isUp() bool {
	return state.tunnels > 0 && state.socksProxyPort > 0
}

// CoreTransport runs the core tunnel engine, an opaque subprocess which
// performs its own protocol selection and handshake and which reports its
// progress as JSON notices on stderr. Each connection attempt targets one
// server from the transport's list.
type CoreTransport struct {
	transportBase

	coreMutex   sync.Mutex
	subprocess  *Subprocess
	configPath  string
	state       coreTunnelState
	changed     chan struct{}
	stopPump    chan struct{}
	pumpStopped <-chan struct{}
}

func NewCoreTransport(config *Config, serverList *ServerList) Transport {
	return &CoreTransport{
		transportBase: newTransportBase(config, serverList),
	}
}

func (transport *CoreTransport) GetTransportProtocolName() string {
	return protocol.TRANSPORT_PROTOCOL_CORE
}

func (transport *CoreTransport) GetTransportDisplayName() string {
	return "Core"
}

func (transport *CoreTransport) GetTransportRequestName() string {
	return protocol.TRANSPORT_PROTOCOL_CORE
}

func (transport *CoreTransport) IsHandshakeRequired() bool {
	return false
}

func (transport *CoreTransport) IsWholeSystemTunneled() bool {
	return false
}

func (transport *CoreTransport) UsesObfuscationHelper() bool {
	return false
}

func (transport *CoreTransport) ServerHasCapabilities(serverEntry *protocol.ServerEntry) bool {
	return serverEntry.HasCapability(protocol.CAPABILITY_SSH) ||
		serverEntry.HasCapability(protocol.CAPABILITY_OBFUSCATED_SSH)
}

// makeCoreConfig generates the core configuration, which pins the core to
// serverEntry.
func (transport *CoreTransport) makeCoreConfig(serverEntry *protocol.ServerEntry) ([]byte, error) {

	encodedServerEntry, err := protocol.EncodeServerEntry(serverEntry)
	if err != nil {
		return nil, errors.Trace(err)
	}

	coreConfig := map[string]interface{}{
		"PropagationChannelId":           transport.config.PropagationChannelId,
		"SponsorId":                      transport.config.SponsorId,
		"ClientVersion":                  transport.config.ClientVersion,
		"ClientPlatform":                 transport.config.ClientPlatform,
		"DataRootDirectory":              filepath.Join(transport.config.DataStoreDirectory, "core"),
		"LocalHttpProxyPort":             0,
		"LocalSocksProxyPort":            0,
		"TargetServerEntry":              encodedServerEntry,
		"EmitDiagnosticNotices":          true,
		"DisableRemoteServerListFetcher": true,
	}

	if transport.getParams().TempServerEntry != nil {
		coreConfig["DisableApi"] = true
	}

	configJSON, err := json.Marshal(coreConfig)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return configJSON, nil
}

func (transport *CoreTransport) handleLine(line string) {

	transport.coreMutex.Lock()
	defer transport.coreMutex.Unlock()

	if !transport.state.applyCoreNotice(line) {
		NoticeSubprocessOutput("core", line)
		return
	}
	close(transport.changed)
	transport.changed = make(chan struct{})
}

func (transport *CoreTransport) getState() (coreTunnelState, chan struct{}) {
	transport.coreMutex.Lock()
	defer transport.coreMutex.Unlock()
	state := transport.state
	state.homepages = append([]string(nil), state.homepages...)
	return state, transport.changed
}

func (transport *CoreTransport) Connect(ctx context.Context, params ConnectParams) error {

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

func (transport *CoreTransport) connect(ctx context.Context, serverEntry *protocol.ServerEntry) error {

	configJSON, err := transport.makeCoreConfig(serverEntry)
	if err != nil {
		return NewTransportFailedError(true, errors.Trace(err))
	}

	err = os.MkdirAll(transport.config.DataStoreDirectory, 0700)
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}
	configFile, err := os.CreateTemp(transport.config.DataStoreDirectory, "core-config-*.json")
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}
	_, err = configFile.Write(configJSON)
	closeErr := configFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(configFile.Name())
		return NewSystemError(errors.Trace(err))
	}

	subprocess := NewSubprocess(
		"core",
		transport.config.TunnelCoreExecutable,
		[]string{"-config", configFile.Name()},
		nil,
		transport.handleLine)

	stopPump := make(chan struct{})

	transport.coreMutex.Lock()
	transport.subprocess = subprocess
	transport.configPath = configFile.Name()
	transport.state = coreTunnelState{}
	transport.changed = make(chan struct{})
	transport.stopPump = stopPump
	transport.coreMutex.Unlock()

	// Notices are written to stderr; stdout is the core's own console.
	err = subprocess.Spawn(SPAWN_CAPTURE_STDERR | SPAWN_STDIN_PIPE)
	if err != nil {
		return errors.Trace(err)
	}

	pumpStopped := subprocess.PumpOutput(stopPump)
	transport.coreMutex.Lock()
	transport.pumpStopped = pumpStopped
	transport.coreMutex.Unlock()

	timer := time.NewTimer(transport.config.GetCoreConnectTimeout())
	defer timer.Stop()

	for {
		state, changed := transport.getState()
		if state.isUp() {
			break
		}
		select {
		case <-changed:
		case <-subprocess.Exited():
			<-pumpStopped
			return NewTransportFailedError(true, errors.Tracef(
				"core exited with code %d", subprocess.ExitCode()))
		case <-timer.C:
			return NewTransportFailedError(true, errors.TraceNew("core connect timeout"))
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}

	return nil
}

func (transport *CoreTransport) IsConnected() bool {
	transport.coreMutex.Lock()
	subprocess := transport.subprocess
	isUp := transport.state.isUp()
	transport.coreMutex.Unlock()

	return isUp && subprocess != nil && subprocess.Status() == SUBPROCESS_RUNNING
}

func (transport *CoreTransport) GetLocalProxyParentPort() int {
	transport.coreMutex.Lock()
	defer transport.coreMutex.Unlock()
	return transport.state.socksProxyPort
}

// ProxySetupComplete publishes the session values the core reported. The
// core performs the relay handshake itself.
func (transport *CoreTransport) ProxySetupComplete(_ context.Context) error {

	state, _ := transport.getState()

	transport.updateSessionInfo(func(sessionInfo *SessionInfo) {
		sessionInfo.HandshakeComplete = true
		sessionInfo.Homepages = state.homepages
		sessionInfo.ClientRegion = state.clientRegion
		sessionInfo.UpgradeClientVersion = state.upgradeVersion
	})

	return nil
}

func (transport *CoreTransport) Cleanup() {

	transport.coreMutex.Lock()
	subprocess := transport.subprocess
	configPath := transport.configPath
	stopPump := transport.stopPump
	pumpStopped := transport.pumpStopped
	transport.subprocess = nil
	transport.configPath = ""
	transport.stopPump = nil
	transport.pumpStopped = nil
	transport.state = coreTunnelState{}
	transport.coreMutex.Unlock()

	if subprocess != nil {
		subprocess.Terminate()
	}
	if stopPump != nil {
		close(stopPump)
	}
	if pumpStopped != nil {
		<-pumpStopped
	}
	if configPath != "" {
		os.Remove(configPath)
	}
}
