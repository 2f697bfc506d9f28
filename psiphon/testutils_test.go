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
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	socks "github.com/Psiphon-Labs/goptlib"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"github.com/stretchr/testify/require"
)

func makeTestConfig(t *testing.T, modify func(config *Config)) *Config {
	config := &Config{
		PropagationChannelId:    "test-propagation-channel",
		SponsorId:               "test-sponsor",
		DataStoreDirectory:      t.TempDir(),
		SkipSystemProxySettings: true,
	}
	if modify != nil {
		modify(config)
	}
	require.NoError(t, config.Commit())
	return config
}

func makeTestServerEntry(ipAddress string, capabilities ...string) *protocol.ServerEntry {
	return &protocol.ServerEntry{
		IpAddress:         ipAddress,
		WebServerPort:     "8000",
		WebServerSecret:   "secret",
		SshPort:           22,
		SshUsername:       "user",
		SshPassword:       "password",
		SshHostKey:        "hostkey",
		SshObfuscatedPort: 443,
		SshObfuscatedKey:  "obfuscatedkey",
		Capabilities:      capabilities,
		Region:            "CA",
	}
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []string
}

func (recorder *eventRecorder) record(event string) {
	if recorder == nil {
		return
	}
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) get() []string {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]string(nil), recorder.events...)
}

// fakeTransport connects instantly, or fails as directed by connectFunc.
// A non-zero parentPort is reported as the local SOCKS endpoint.
type fakeTransport struct {
	transportBase
	protocolName      string
	capability        string
	wholeSystem       bool
	handshakeRequired bool
	parentPort        int
	connectFunc       func(serverEntry *protocol.ServerEntry) error
	proxySetupErr     error
	events            *eventRecorder
	connected         int32
	connectCount      int32
}

func newFakeTransport(
	config *Config, serverList *ServerList, protocolName string) *fakeTransport {

	return &fakeTransport{
		transportBase: newTransportBase(config, serverList),
		protocolName:  protocolName,
	}
}

func (transport *fakeTransport) GetTransportProtocolName() string {
	return transport.protocolName
}

func (transport *fakeTransport) GetTransportDisplayName() string {
	return transport.protocolName
}

func (transport *fakeTransport) GetTransportRequestName() string {
	return transport.protocolName
}

func (transport *fakeTransport) IsHandshakeRequired() bool {
	return transport.handshakeRequired
}

func (transport *fakeTransport) IsWholeSystemTunneled() bool {
	return transport.wholeSystem
}

func (transport *fakeTransport) UsesObfuscationHelper() bool {
	return false
}

func (transport *fakeTransport) ServerHasCapabilities(serverEntry *protocol.ServerEntry) bool {
	return transport.capability == "" || serverEntry.HasCapability(transport.capability)
}

func (transport *fakeTransport) Connect(ctx context.Context, params ConnectParams) error {

	serverEntry, err := transport.selectServer(params, transport.ServerHasCapabilities)
	if err != nil {
		return errors.Trace(err)
	}

	atomic.AddInt32(&transport.connectCount, 1)
	transport.events.record("connect " + serverEntry.IpAddress)

	if transport.connectFunc != nil {
		err := transport.connectFunc(serverEntry)
		if err != nil {
			transport.markFailed()
			return errors.Trace(err)
		}
	}

	atomic.StoreInt32(&transport.connected, 1)
	return nil
}

func (transport *fakeTransport) IsConnected() bool {
	return atomic.LoadInt32(&transport.connected) == 1
}

// disconnect simulates the tunnel dropping.
func (transport *fakeTransport) disconnect() {
	atomic.StoreInt32(&transport.connected, 0)
}

func (transport *fakeTransport) GetLocalProxyParentPort() int {
	return transport.parentPort
}

func (transport *fakeTransport) ProxySetupComplete(ctx context.Context) error {
	transport.events.record("proxy-setup")
	if transport.proxySetupErr != nil {
		return transport.proxySetupErr
	}
	if transport.getParams().Handshaker != nil {
		return transport.handshake(ctx, transport, SERVER_REQUEST_FULL)
	}
	return nil
}

func (transport *fakeTransport) Cleanup() {
	atomic.StoreInt32(&transport.connected, 0)
	transport.events.record("transport-cleanup")
}

// fakeHTTPSRequester answers requests with handler and records the port
// and path of each request.
type fakeHTTPSRequester struct {
	mutex    sync.Mutex
	requests []string
	handler  func(port, path string) ([]byte, error)
}

func (requester *fakeHTTPSRequester) Request(
	_ context.Context,
	_ DialFunc,
	_ *protocol.ServerEntry,
	port string,
	path string) ([]byte, error) {

	requester.mutex.Lock()
	requester.requests = append(requester.requests, port+" "+path)
	handler := requester.handler
	requester.mutex.Unlock()

	if handler == nil {
		return nil, errors.TraceNew("no handler")
	}
	return handler(port, path)
}

func (requester *fakeHTTPSRequester) getRequests() []string {
	requester.mutex.Lock()
	defer requester.mutex.Unlock()
	return append([]string(nil), requester.requests...)
}

type fakeSystemProxySettings struct {
	mutex        sync.Mutex
	applied      bool
	configureErr error
	events       *eventRecorder
}

func (settings *fakeSystemProxySettings) Configure(httpProxyPort, socksProxyPort int) error {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.events.record("configure")
	if settings.configureErr != nil {
		return settings.configureErr
	}
	settings.applied = true
	return nil
}

func (settings *fakeSystemProxySettings) Revert() error {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.events.record("revert")
	settings.applied = false
	return nil
}

func (settings *fakeSystemProxySettings) IsApplied() bool {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	return settings.applied
}

// startTestSocksServer runs a SOCKS server which dials each requested
// target directly. It returns the listening port and the count of
// requests served.
func startTestSocksServer(t *testing.T) (int, *int32) {

	listener, err := socks.ListenSocks("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var requests int32
	var conns common.Conns

	go func() {
		for {
			localConn, err := listener.AcceptSocks()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			atomic.AddInt32(&requests, 1)
			go func() {
				defer localConn.Close()
				if !conns.Add(localConn) {
					return
				}
				defer conns.Remove(localConn)
				remoteConn, err := net.Dial("tcp", localConn.Req.Target)
				if err != nil {
					localConn.Reject()
					return
				}
				err = localConn.Grant(&net.TCPAddr{IP: net.ParseIP("0.0.0.0"), Port: 0})
				if err != nil {
					remoteConn.Close()
					return
				}
				common.Relay(localConn, remoteConn)
			}()
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		conns.CloseAll()
	})

	return common.PortFromAddr(listener.Addr()), &requests
}

// startTestEchoServer runs a TCP server which echoes all input.
func startTestEchoServer(t *testing.T) string {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns common.Conns

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if !conns.Add(conn) {
				conn.Close()
				return
			}
			go func() {
				defer conns.Remove(conn)
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		conns.CloseAll()
	})

	return listener.Addr().String()
}

func testPortAddress(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// fakeHandshaker applies a canned handshake response.
type fakeHandshaker struct {
	mutex    sync.Mutex
	response *protocol.HandshakeResponse
	err      error
	levels   []ServerRequestLevel
}

func (handshaker *fakeHandshaker) DoHandshake(
	_ context.Context,
	_ Transport,
	sessionInfo *SessionInfo,
	level ServerRequestLevel) error {

	handshaker.mutex.Lock()
	defer handshaker.mutex.Unlock()
	handshaker.levels = append(handshaker.levels, level)
	if handshaker.err != nil {
		return handshaker.err
	}
	response := handshaker.response
	if response == nil {
		response = &protocol.HandshakeResponse{}
	}
	sessionInfo.ProcessHandshakeResponse(response)
	return nil
}

func (handshaker *fakeHandshaker) getCount() int {
	handshaker.mutex.Lock()
	defer handshaker.mutex.Unlock()
	return len(handshaker.levels)
}

func (handshaker *fakeHandshaker) getLevels() []ServerRequestLevel {
	handshaker.mutex.Lock()
	defer handshaker.mutex.Unlock()
	return append([]ServerRequestLevel(nil), handshaker.levels...)
}

// openTestDataStore opens the datastore in config's directory for the
// duration of the test.
func openTestDataStore(t *testing.T, config *Config) {
	require.NoError(t, OpenDataStore(config))
	t.Cleanup(CloseDataStore)
}

func encodeTestServerEntries(t *testing.T, entries ...*protocol.ServerEntry) string {
	encoded, err := protocol.EncodeServerEntryList(entries)
	require.NoError(t, err)
	return encoded
}
