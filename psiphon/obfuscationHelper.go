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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"golang.org/x/net/proxy"
)

const (
	OBFUSCATION_HELPER_METHOD_NAME = "meek"
)

type obfuscationHelperEventType int

const (
	OBFUSCATION_HELPER_EVENT_IGNORED obfuscationHelperEventType = iota
	OBFUSCATION_HELPER_EVENT_VERSION
	OBFUSCATION_HELPER_EVENT_METHOD
	OBFUSCATION_HELPER_EVENT_METHOD_ERROR
	OBFUSCATION_HELPER_EVENT_METHODS_DONE
	OBFUSCATION_HELPER_EVENT_ENV_ERROR
	OBFUSCATION_HELPER_EVENT_VERSION_ERROR
)

type obfuscationHelperEvent struct {
	eventType obfuscationHelperEventType
	port      int
	message   string
}

// parseObfuscationHelperLine interprets one line of the pluggable transport
// managed proxy protocol output. Lines which are not part of the protocol,
// or which are malformed, are ignored.
func parseObfuscationHelperLine(line string) obfuscationHelperEvent {

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_IGNORED}
	}

	rest := func(n int) string {
		if len(fields) <= n {
			return ""
		}
		return strings.Join(fields[n:], " ")
	}

	switch fields[0] {

	case "VERSION":
		return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_VERSION, message: rest(1)}

	case "CMETHOD":
		// CMETHOD <name> <socks4|socks5> <address>
		if len(fields) < 4 || fields[2] != "socks5" {
			break
		}
		_, portString, err := net.SplitHostPort(fields[3])
		if err != nil {
			break
		}
		port, err := strconv.Atoi(portString)
		if err != nil || port <= 0 || port > 65535 {
			break
		}
		return obfuscationHelperEvent{
			eventType: OBFUSCATION_HELPER_EVENT_METHOD,
			port:      port,
			message:   fields[1],
		}

	case "CMETHOD-ERROR":
		return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_METHOD_ERROR, message: rest(1)}

	case "CMETHODS":
		if len(fields) == 2 && fields[1] == "DONE" {
			return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_METHODS_DONE}
		}

	case "ENV-ERROR":
		return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_ENV_ERROR, message: rest(1)}

	case "VERSION-ERROR":
		return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_VERSION_ERROR, message: rest(1)}
	}

	return obfuscationHelperEvent{eventType: OBFUSCATION_HELPER_EVENT_IGNORED}
}

// ObfuscationHelper is a Worker supervising a pluggable transport client
// process, such as meek-client, which exposes a local SOCKS5 port that the
// SSH family transports relay through. The helper is ready once it
// announces its method; it must do so within the configured ready timeout.
type ObfuscationHelper struct {
	config     *Config
	subprocess *Subprocess

	mutex       sync.Mutex
	socksPort   int
	failure     error
	methodSeen  bool
	ready       chan struct{}
	readyOnce   sync.Once
	stopPump    chan struct{}
	pumpStopped <-chan struct{}
}

func NewObfuscationHelper(config *Config) *ObfuscationHelper {
	return &ObfuscationHelper{config: config}
}

// GetSocksPort returns the helper's local SOCKS5 port, or 0 when the helper
// is not ready.
func (helper *ObfuscationHelper) GetSocksPort() int {
	helper.mutex.Lock()
	defer helper.mutex.Unlock()
	if helper.failure != nil {
		return 0
	}
	return helper.socksPort
}

func (helper *ObfuscationHelper) signalReady() {
	helper.readyOnce.Do(func() { close(helper.ready) })
}

func (helper *ObfuscationHelper) handleLine(line string) {

	NoticeSubprocessOutput("obfuscation-helper", line)

	event := parseObfuscationHelperLine(line)

	helper.mutex.Lock()
	defer helper.mutex.Unlock()

	switch event.eventType {

	case OBFUSCATION_HELPER_EVENT_METHOD:
		if helper.methodSeen {
			return
		}
		helper.methodSeen = true
		helper.socksPort = event.port
		helper.signalReady()

	case OBFUSCATION_HELPER_EVENT_METHOD_ERROR,
		OBFUSCATION_HELPER_EVENT_ENV_ERROR,
		OBFUSCATION_HELPER_EVENT_VERSION_ERROR:
		if helper.failure == nil && !helper.methodSeen {
			helper.failure = errors.Tracef("obfuscation helper: %s", line)
		}
		helper.signalReady()

	case OBFUSCATION_HELPER_EVENT_METHODS_DONE:
		if !helper.methodSeen && helper.failure == nil {
			helper.failure = errors.TraceNew("obfuscation helper: no method")
		}
		helper.signalReady()

	case OBFUSCATION_HELPER_EVENT_IGNORED:
		if strings.TrimSpace(line) != "" {
			NoticeInfo("obfuscation helper: ignored line: %s", line)
		}
	}
}

// DoStart launches the helper and blocks until it reports its SOCKS port.
// Failure to become ready, for any reason other than an inability to launch
// the executable, is a retryable transport failure.
func (helper *ObfuscationHelper) DoStart(ctx context.Context) error {

	stateLocation := filepath.Join(helper.config.DataStoreDirectory, "obfuscation-helper")
	err := os.MkdirAll(stateLocation, 0700)
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}

	helper.mutex.Lock()
	helper.socksPort = 0
	helper.failure = nil
	helper.methodSeen = false
	helper.ready = make(chan struct{})
	helper.readyOnce = sync.Once{}
	helper.stopPump = make(chan struct{})
	helper.pumpStopped = nil
	helper.mutex.Unlock()

	env := []string{
		"TOR_PT_MANAGED_TRANSPORT_VER=1",
		"TOR_PT_CLIENT_TRANSPORTS=" + OBFUSCATION_HELPER_METHOD_NAME,
		"TOR_PT_STATE_LOCATION=" + stateLocation,
		"TOR_PT_EXIT_ON_STDIN_CLOSE=1",
	}

	helper.subprocess = NewSubprocess(
		"obfuscation-helper",
		helper.config.ObfuscationHelperExecutable,
		helper.config.ObfuscationHelperArgs,
		env,
		helper.handleLine)

	err = helper.subprocess.Spawn(SPAWN_STDIN_PIPE)
	if err != nil {
		return errors.Trace(err)
	}

	helper.pumpStopped = helper.subprocess.PumpOutput(helper.stopPump)

	timer := time.NewTimer(helper.config.GetObfuscationHelperReadyTimeout())
	defer timer.Stop()

	select {
	case <-helper.ready:
	case <-helper.subprocess.Exited():
		// Output may still be in flight.
		<-helper.pumpStopped
		helper.signalReady()
	case <-timer.C:
		return NewTransportFailedError(true, errors.TraceNew("obfuscation helper ready timeout"))
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	helper.mutex.Lock()
	failure := helper.failure
	methodSeen := helper.methodSeen
	helper.mutex.Unlock()

	if failure != nil {
		return NewTransportFailedError(true, failure)
	}
	if !methodSeen {
		return NewTransportFailedError(true, errors.Tracef(
			"obfuscation helper exited with code %d", helper.subprocess.ExitCode()))
	}

	NoticeInfo("obfuscation helper listening on port %d", helper.GetSocksPort())

	return nil
}

func (helper *ObfuscationHelper) DoPeriodicCheck() bool {
	return helper.subprocess != nil && helper.subprocess.Status() == SUBPROCESS_RUNNING
}

func (helper *ObfuscationHelper) StopImminent() {
}

func (helper *ObfuscationHelper) DoStop(_ bool) {
	if helper.subprocess == nil {
		return
	}
	helper.subprocess.Terminate()
	close(helper.stopPump)
	if helper.pumpStopped != nil {
		<-helper.pumpStopped
	}
	helper.subprocess = nil
}

// MakeObfuscationHelperAuth encodes the per connection pluggable transport
// arguments for serverEntry, which are passed to the helper in the SOCKS5
// username. Returns nil when the server has no meek endpoint.
func MakeObfuscationHelperAuth(serverEntry *protocol.ServerEntry) *proxy.Auth {

	var args [][2]string

	if serverEntry.HasCapability(protocol.CAPABILITY_FRONTED_MEEK) &&
		serverEntry.MeekFrontingDomain != "" {

		host := serverEntry.MeekFrontingHost
		if host == "" {
			host = serverEntry.MeekFrontingDomain
		}
		args = append(args,
			[2]string{"url", fmt.Sprintf("https://%s/", host)},
			[2]string{"front", serverEntry.MeekFrontingDomain})

	} else if serverEntry.HasCapability(protocol.CAPABILITY_UNFRONTED_MEEK) &&
		serverEntry.MeekServerPort > 0 {

		args = append(args,
			[2]string{"url", fmt.Sprintf("http://%s/",
				net.JoinHostPort(serverEntry.IpAddress, strconv.Itoa(serverEntry.MeekServerPort)))})

	} else {
		return nil
	}

	if serverEntry.MeekCookieEncryptionPublicKey != "" {
		args = append(args, [2]string{"key", serverEntry.MeekCookieEncryptionPublicKey})
	}
	if serverEntry.MeekObfuscatedKey != "" {
		args = append(args, [2]string{"okey", serverEntry.MeekObfuscatedKey})
	}

	encodedArgs := make([]string, len(args))
	for i, arg := range args {
		encodedArgs[i] = escapePluggableTransportArg(arg[0]) + "=" + escapePluggableTransportArg(arg[1])
	}

	// An empty password is not permitted by SOCKS5 username/password
	// authentication, so a single NUL is sent.
	return &proxy.Auth{
		User:     strings.Join(encodedArgs, ";"),
		Password: "\x00",
	}
}

func escapePluggableTransportArg(value string) string {
	var builder strings.Builder
	for _, r := range value {
		if r == '\\' || r == '=' || r == ';' {
			builder.WriteRune('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
