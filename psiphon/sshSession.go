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
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

const (
	SSH_SESSION_ACCESS_GRANTED_LINE = "Access granted"
	SSH_SESSION_FATAL_ERROR_LINE    = "FATAL ERROR"
	SSH_SESSION_SOCKS_POLL_PERIOD   = 100 * time.Millisecond
	SSH_SESSION_SOCKS_CHECK_TIMEOUT = 1 * time.Second

	socks5Version  = 0x05
	socks5AuthNone = 0x00
)

// sshHostKeyFingerprint returns the legacy MD5 fingerprint, in the
// "aa:bb:..." form the SSH client expects for its -hostkey option, of the
// base64 encoded host public key in a server entry.
func sshHostKeyFingerprint(encodedHostKey string) (string, error) {
	hostKey, err := base64.StdEncoding.DecodeString(encodedHostKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	publicKey, err := ssh.ParsePublicKey(hostKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	return ssh.FingerprintLegacyMD5(publicKey), nil
}

// makeSSHClientArgs builds the plink compatible command line for a dynamic
// port forwarding session to host:port, offering a SOCKS proxy on the local
// socksPort.
func makeSSHClientArgs(
	serverEntry *protocol.ServerEntry,
	host string,
	port int,
	socksPort int,
	hostKeyFingerprint string,
	obfuscated bool) []string {

	args := []string{
		"-ssh", "-C", "-N", "-batch", "-v",
		"-P", strconv.Itoa(port),
		"-l", serverEntry.SshUsername,
		"-pw", serverEntry.SshPassword,
		"-D", strconv.Itoa(socksPort),
		"-hostkey", hostKeyFingerprint,
	}
	if obfuscated {
		args = append(args, "-z", "-zk", serverEntry.SshObfuscatedKey)
	}
	return append(args, host)
}

// sshSession supervises one SSH client process on behalf of the SSH family
// transports. The session is connected once the client reports successful
// authentication and its local SOCKS port accepts connections.
type sshSession struct {
	config     *Config
	name       string
	obfuscated bool

	mutex         sync.Mutex
	subprocess    *Subprocess
	relay         *obfuscationRelay
	socksPort     int
	accessGranted chan struct{}
	grantedOnce   sync.Once
	fatalLine     string
	connected     int32
	stopPump      chan struct{}
	pumpStopped   <-chan struct{}
}

func newSSHSession(config *Config, name string, obfuscated bool) *sshSession {
	return &sshSession{
		config:     config,
		name:       name,
		obfuscated: obfuscated,
	}
}

func (session *sshSession) handleLine(line string) {

	NoticeSubprocessOutput(session.name, line)

	if strings.Contains(line, SSH_SESSION_ACCESS_GRANTED_LINE) {
		session.grantedOnce.Do(func() { close(session.accessGranted) })
	}
	if strings.Contains(line, SSH_SESSION_FATAL_ERROR_LINE) {
		session.mutex.Lock()
		if session.fatalLine == "" {
			session.fatalLine = line
		}
		session.mutex.Unlock()
	}
}

func (session *sshSession) getFatalError() string {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.fatalLine
}

// connect runs the SSH client against serverEntry and blocks until the
// session is connected or has failed. When meekListenPort is set and the
// server has a meek endpoint, the client connects through the obfuscation
// helper. All failures other than an inability to launch the client are
// retryable.
func (session *sshSession) connect(
	ctx context.Context,
	serverEntry *protocol.ServerEntry,
	meekListenPort int) error {

	if !serverEntry.HasSSHCredentials() {
		return NewTransportFailedError(true, errors.TraceNew("missing SSH credentials"))
	}

	fingerprint, err := sshHostKeyFingerprint(serverEntry.SshHostKey)
	if err != nil {
		return NewTransportFailedError(true, errors.TraceMsg(err, "invalid SSH host key"))
	}

	port := serverEntry.SshPort
	if session.obfuscated {
		port = serverEntry.SshObfuscatedPort
	}
	if port <= 0 {
		return NewTransportFailedError(true, errors.TraceNew("missing SSH port"))
	}
	host := serverEntry.IpAddress

	if meekListenPort > 0 && serverEntry.SupportsMeek() {
		relay, err := newObfuscationRelay(
			meekListenPort,
			MakeObfuscationHelperAuth(serverEntry),
			net.JoinHostPort(serverEntry.IpAddress, strconv.Itoa(port)))
		if err != nil {
			return NewTransportFailedError(true, errors.Trace(err))
		}
		session.mutex.Lock()
		session.relay = relay
		session.mutex.Unlock()
		host = "127.0.0.1"
		port = relay.port
	}

	socksPort, err := common.GetFreeLocalPort()
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}

	subprocess := NewSubprocess(
		session.name,
		session.config.SSHClientExecutable,
		makeSSHClientArgs(serverEntry, host, port, socksPort, fingerprint, session.obfuscated),
		nil,
		session.handleLine)

	session.mutex.Lock()
	session.subprocess = subprocess
	session.socksPort = socksPort
	session.accessGranted = make(chan struct{})
	session.grantedOnce = sync.Once{}
	session.fatalLine = ""
	session.stopPump = make(chan struct{})
	session.mutex.Unlock()

	// plink writes its verbose log to stderr.
	err = subprocess.Spawn(SPAWN_CAPTURE_STDERR | SPAWN_STDIN_PIPE)
	if err != nil {
		return errors.Trace(err)
	}

	pumpStopped := subprocess.PumpOutput(session.stopPump)
	session.mutex.Lock()
	session.pumpStopped = pumpStopped
	session.mutex.Unlock()

	err = subprocess.WaitForLaunchIdle(SUBPROCESS_LAUNCH_IDLE_TIMEOUT)
	if err != nil {
		return NewTransportFailedError(true, errors.Trace(err))
	}

	timer := time.NewTimer(session.config.GetSSHConnectTimeout())
	defer timer.Stop()

	select {
	case <-session.accessGranted:
	case <-subprocess.Exited():
		<-pumpStopped
		return NewTransportFailedError(true, session.exitError(subprocess))
	case <-timer.C:
		return NewTransportFailedError(true, errors.TraceNew("SSH authentication timeout"))
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	if line := session.getFatalError(); line != "" {
		return NewTransportFailedError(true, errors.Tracef("SSH client: %s", line))
	}

	// The SOCKS listener may be bound shortly after authentication.
	socksAddress := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
	ticker := time.NewTicker(SSH_SESSION_SOCKS_POLL_PERIOD)
	defer ticker.Stop()

	for {
		if checkSocksListener(socksAddress) == nil {
			break
		}
		select {
		case <-ticker.C:
		case <-subprocess.Exited():
			<-pumpStopped
			return NewTransportFailedError(true, session.exitError(subprocess))
		case <-timer.C:
			return NewTransportFailedError(true, errors.TraceNew("SSH SOCKS port timeout"))
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}

	atomic.StoreInt32(&session.connected, 1)

	return nil
}

// checkSocksListener completes a SOCKS5 method negotiation with the
// listener at address, offering no authentication, and then disconnects
// without sending a request.
func checkSocksListener(address string) error {

	conn, err := net.DialTimeout("tcp", address, SSH_SESSION_SOCKS_CHECK_TIMEOUT)
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	err = conn.SetDeadline(time.Now().Add(SSH_SESSION_SOCKS_CHECK_TIMEOUT))
	if err != nil {
		return errors.Trace(err)
	}

	_, err = conn.Write([]byte{socks5Version, 1, socks5AuthNone})
	if err != nil {
		return errors.Trace(err)
	}

	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	if err != nil {
		return errors.Trace(err)
	}
	if reply[0] != socks5Version || reply[1] != socks5AuthNone {
		return errors.Tracef("unexpected SOCKS method reply: %x", reply)
	}

	return nil
}

func (session *sshSession) exitError(subprocess *Subprocess) error {
	if line := session.getFatalError(); line != "" {
		return errors.Tracef("SSH client: %s", line)
	}
	return errors.Tracef("SSH client exited with code %d", subprocess.ExitCode())
}

func (session *sshSession) isConnected() bool {
	session.mutex.Lock()
	subprocess := session.subprocess
	session.mutex.Unlock()

	return atomic.LoadInt32(&session.connected) == 1 &&
		subprocess != nil &&
		subprocess.Status() == SUBPROCESS_RUNNING
}

func (session *sshSession) getSocksPort() int {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.socksPort
}

// cleanup terminates the client and the relay. It is safe to call at any
// time and any number of times.
func (session *sshSession) cleanup() {

	atomic.StoreInt32(&session.connected, 0)

	session.mutex.Lock()
	subprocess := session.subprocess
	relay := session.relay
	stopPump := session.stopPump
	pumpStopped := session.pumpStopped
	session.subprocess = nil
	session.relay = nil
	session.stopPump = nil
	session.pumpStopped = nil
	session.socksPort = 0
	session.mutex.Unlock()

	if subprocess != nil {
		subprocess.Terminate()
	}
	if stopPump != nil {
		close(stopPump)
	}
	if pumpStopped != nil {
		<-pumpStopped
	}
	if relay != nil {
		relay.close()
	}
}

// obfuscationRelay is a local TCP listener which forwards each accepted
// connection through the obfuscation helper's SOCKS5 port to target. The
// SSH client, which cannot speak SOCKS itself, connects to the relay.
type obfuscationRelay struct {
	listener  net.Listener
	port      int
	dial      DialFunc
	target    string
	conns     common.Conns
	waitGroup sync.WaitGroup
}

func newObfuscationRelay(helperPort int, auth *proxy.Auth, target string) (*obfuscationRelay, error) {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Trace(err)
	}

	relay := &obfuscationRelay{
		listener: listener,
		port:     common.PortFromAddr(listener.Addr()),
		dial:     SOCKSDialer(helperPort, auth),
		target:   target,
	}

	relay.waitGroup.Add(1)
	go relay.acceptConnections()

	return relay, nil
}

func (relay *obfuscationRelay) acceptConnections() {
	defer relay.waitGroup.Done()
	for {
		conn, err := relay.listener.Accept()
		if err != nil {
			return
		}
		relay.waitGroup.Add(1)
		go func() {
			defer relay.waitGroup.Done()
			relay.relayConnection(conn)
		}()
	}
}

func (relay *obfuscationRelay) relayConnection(conn net.Conn) {

	if !relay.conns.Add(conn) {
		conn.Close()
		return
	}
	defer relay.conns.Remove(conn)

	ctx, cancelFunc := context.WithTimeout(context.Background(), LOCAL_PROXY_UPSTREAM_DIAL_TIMEOUT)
	upstream, err := relay.dial(ctx, "tcp", relay.target)
	cancelFunc()
	if err != nil {
		NoticeWarning("obfuscation relay dial failed: %s", errors.Trace(err))
		conn.Close()
		return
	}

	if !relay.conns.Add(upstream) {
		upstream.Close()
		conn.Close()
		return
	}
	defer relay.conns.Remove(upstream)

	common.Relay(conn, upstream)
}

func (relay *obfuscationRelay) close() {
	relay.listener.Close()
	relay.conns.CloseAll()
	relay.waitGroup.Wait()
}
