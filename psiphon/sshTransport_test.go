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
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

func makeTestSSHHostKey(t *testing.T) (string, ssh.PublicKey) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sshPublicKey.Marshal()), sshPublicKey
}

func TestSSHHostKeyFingerprint(t *testing.T) {

	encodedHostKey, publicKey := makeTestSSHHostKey(t)

	fingerprint, err := sshHostKeyFingerprint(encodedHostKey)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintLegacyMD5(publicKey), fingerprint)
	assert.Len(t, fingerprint, 47)

	_, err = sshHostKeyFingerprint("not base64!")
	assert.Error(t, err)

	_, err = sshHostKeyFingerprint(base64.StdEncoding.EncodeToString([]byte("not a key")))
	assert.Error(t, err)
}

func TestMakeSSHClientArgs(t *testing.T) {

	serverEntry := makeTestServerEntry("192.168.0.1")

	args := makeSSHClientArgs(serverEntry, "192.168.0.1", 22, 1080, "aa:bb", false)
	assert.Equal(t, []string{
		"-ssh", "-C", "-N", "-batch", "-v",
		"-P", "22",
		"-l", "user",
		"-pw", "password",
		"-D", "1080",
		"-hostkey", "aa:bb",
		"192.168.0.1",
	}, args)

	args = makeSSHClientArgs(serverEntry, "127.0.0.1", 5000, 1080, "aa:bb", true)
	assert.Equal(t, []string{"-z", "-zk", "obfuscatedkey", "127.0.0.1"}, args[len(args)-4:])
	assert.Equal(t, "5000", args[6])
}

func TestSSHTransportCapabilities(t *testing.T) {

	config := makeTestConfig(t, nil)
	plain := NewSSHTransport(config, nil)
	obfuscated := NewOSSHTransport(config, nil)

	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_SSH, plain.GetTransportProtocolName())
	assert.Equal(t, "SSH+", obfuscated.GetTransportDisplayName())
	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH, obfuscated.GetTransportRequestName())
	assert.False(t, plain.IsHandshakeRequired())
	assert.False(t, obfuscated.IsWholeSystemTunneled())
	assert.False(t, plain.UsesObfuscationHelper())

	sshEntry := makeTestServerEntry("192.168.0.1", protocol.CAPABILITY_SSH)
	osshEntry := makeTestServerEntry("192.168.0.2", protocol.CAPABILITY_OBFUSCATED_SSH)
	assert.True(t, plain.ServerHasCapabilities(sshEntry))
	assert.False(t, obfuscated.ServerHasCapabilities(sshEntry))
	assert.True(t, obfuscated.ServerHasCapabilities(osshEntry))
	assert.False(t, plain.ServerHasCapabilities(osshEntry))

	osshEntry.SshObfuscatedKey = ""
	assert.False(t, obfuscated.ServerHasCapabilities(osshEntry))

	sshEntry.SshPassword = ""
	assert.False(t, plain.ServerHasCapabilities(sshEntry))

	helperConfig := makeTestConfig(t, func(config *Config) {
		config.ObfuscationHelperExecutable = "meek-client"
	})
	assert.True(t, NewOSSHTransport(helperConfig, nil).UsesObfuscationHelper())
}

func makeTestSSHTransport(t *testing.T, mode string) (Transport, *ServerList, *protocol.ServerEntry) {

	executable := setTestHelperMode(t, mode)
	config := makeTestConfig(t, func(config *Config) {
		config.SSHClientExecutable = executable
		config.SSHConnectTimeoutSeconds = 10
	})

	encodedHostKey, _ := makeTestSSHHostKey(t)
	serverEntry := makeTestServerEntry(
		"127.0.0.1", protocol.CAPABILITY_SSH, protocol.CAPABILITY_UNTUNNELED_WEB_API_REQUESTS)
	serverEntry.SshHostKey = encodedHostKey

	serverList := NewServerList("TEST")
	serverList.AddEntries([]*protocol.ServerEntry{serverEntry}, false)

	transport := NewSSHTransport(config, serverList)
	t.Cleanup(transport.Cleanup)

	return transport, serverList, serverEntry
}

func TestCheckSocksListener(t *testing.T) {

	socksPort, _ := startTestSocksServer(t)
	echoAddress := startTestEchoServer(t)

	// Repeated checks leave the SOCKS server serving.
	for i := 0; i < 3; i++ {
		require.NoError(t, checkSocksListener(testPortAddress(socksPort)))
	}
	conn, err := SOCKSDialer(socksPort, nil)(context.Background(), "tcp", echoAddress)
	require.NoError(t, err)
	echoRoundTrip(t, conn, "after check")
	conn.Close()

	// An echo server answers the greeting with the wrong method.
	assert.Error(t, checkSocksListener(echoAddress))

	port, err := common.GetFreeLocalPort()
	require.NoError(t, err)
	assert.Error(t, checkSocksListener(testPortAddress(port)))
}

func TestSSHTransportConnect(t *testing.T) {

	transport, serverList, _ := makeTestSSHTransport(t, "ssh")
	handshaker := &fakeHandshaker{
		response: &protocol.HandshakeResponse{SSHSessionID: "ssh-session"},
	}

	err := transport.Connect(
		context.Background(), ConnectParams{Handshaker: handshaker, SessionID: "session"})
	require.NoError(t, err)
	assert.True(t, transport.IsConnected())
	assert.False(t, serverList.IsServerFailed("127.0.0.1"))

	parentPort := transport.GetLocalProxyParentPort()
	require.Greater(t, parentPort, 0)

	dialer, err := proxy.SOCKS5("tcp", testPortAddress(parentPort), nil, proxy.Direct)
	require.NoError(t, err)
	conn, err := dialer.Dial("tcp", startTestEchoServer(t))
	require.NoError(t, err)
	echoRoundTrip(t, conn, "through the SSH client")
	conn.Close()

	require.NoError(t, transport.ProxySetupComplete(context.Background()))
	assert.Equal(t, []ServerRequestLevel{SERVER_REQUEST_FULL}, handshaker.getLevels())
	sessionInfo := transport.GetSessionInfo()
	assert.Equal(t, "ssh-session", sessionInfo.SSHSessionID)
	assert.Equal(t, "session", sessionInfo.SessionID)

	transport.Cleanup()
	assert.False(t, transport.IsConnected())
	assert.Equal(t, 0, transport.GetLocalProxyParentPort())
	transport.Cleanup()
}

func TestSSHTransportHandshakeFailureKeepsConnection(t *testing.T) {

	transport, _, _ := makeTestSSHTransport(t, "ssh")
	handshaker := &fakeHandshaker{err: errors.New("handshake failed")}

	require.NoError(t, transport.Connect(
		context.Background(), ConnectParams{Handshaker: handshaker}))
	require.NoError(t, transport.ProxySetupComplete(context.Background()))
	assert.Equal(t, 1, handshaker.getCount())
	assert.True(t, transport.IsConnected())
}

func TestSSHTransportFatalError(t *testing.T) {

	transport, serverList, _ := makeTestSSHTransport(t, "ssh-fatal")

	err := transport.Connect(context.Background(), ConnectParams{})
	require.Error(t, err)
	assert.True(t, IsTransportRetryOkay(err))
	assert.False(t, transport.IsConnected())
	assert.True(t, serverList.IsServerFailed("127.0.0.1"))
}

func TestSSHTransportInvalidServer(t *testing.T) {

	transport, _, serverEntry := makeTestSSHTransport(t, "ssh")

	tempEntry := *serverEntry
	tempEntry.SshHostKey = "invalid"
	err := transport.Connect(context.Background(), ConnectParams{TempServerEntry: &tempEntry})
	require.Error(t, err)
	assert.True(t, IsTransportRetryOkay(err))

	tempEntry = *serverEntry
	tempEntry.Capabilities = []string{protocol.CAPABILITY_VPN}
	err = transport.Connect(context.Background(), ConnectParams{TempServerEntry: &tempEntry})
	require.Error(t, err)
	assert.True(t, IsTransportFailed(err))
	assert.False(t, IsTransportRetryOkay(err))
}

func TestSSHTransportCancelled(t *testing.T) {

	transport, serverList, _ := makeTestSSHTransport(t, "sleep")

	ctx, cancelFunc := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelFunc()

	err := transport.Connect(ctx, ConnectParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, serverList.IsServerFailed("127.0.0.1"))
}

func TestObfuscationRelay(t *testing.T) {

	helperPort, helperRequests := startTestSocksServer(t)
	target := startTestEchoServer(t)

	relay, err := newObfuscationRelay(helperPort, nil, target)
	require.NoError(t, err)
	defer relay.close()

	conn, err := net.Dial("tcp", testPortAddress(relay.port))
	require.NoError(t, err)
	echoRoundTrip(t, conn, "through the obfuscation helper")
	conn.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(helperRequests))
}
