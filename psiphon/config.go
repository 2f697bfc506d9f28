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
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

const (
	VERSION                                     = "1.0.0"
	DEFAULT_LISTEN_INTERFACE                    = "127.0.0.1"
	DEFAULT_SSH_CLIENT_EXECUTABLE               = "plink"
	DEFAULT_TUNNEL_CORE_EXECUTABLE              = "psiphon-tunnel-core"
	DEFAULT_VPN_CLIENT_EXECUTABLE               = "psiphon-vpn-dial"
	DEFAULT_SPLIT_TUNNEL_DNS_SERVER             = "8.8.8.8:53"
	OBFUSCATION_HELPER_READY_TIMEOUT_SECONDS    = 20
	VPN_CONNECT_TIMEOUT_SECONDS                 = 30
	SSH_CONNECT_TIMEOUT_SECONDS                 = 30
	CORE_CONNECT_TIMEOUT_SECONDS                = 60
	SERVER_LIST_REORDER_PERIOD_SECONDS          = 60 * 60
	ESTABLISH_PAUSE_PERIOD_SECONDS              = 5
	SPLIT_TUNNEL_RULES_POLL_PERIOD              = 5 * time.Second
	SPLIT_TUNNEL_CLASSIFICATION_TTL             = 1 * time.Hour
	SPLIT_TUNNEL_CLASSIFICATION_MAX_ENTRIES     = 4096
	SPLIT_TUNNEL_DNS_TIMEOUT                    = 10 * time.Second
	LOCAL_PROXY_UPSTREAM_DIAL_TIMEOUT           = 20 * time.Second
	PSIPHON_API_SERVER_TIMEOUT                  = 20 * time.Second
	PSIPHON_API_CLIENT_SESSION_ID_LENGTH        = 16
	PSIPHON_API_STATUS_REQUEST_PERIOD           = 5 * time.Minute
	SERVER_LIST_REORDER_PROBE_TIMEOUT           = 5 * time.Second
	SERVER_LIST_REORDER_PROBE_CONCURRENCY       = 10
	TRANSPORT_CONNECTION_DISCONNECT_POLL_PERIOD = 500 * time.Millisecond
)

// Config is the client configuration, loaded from a JSON file. Call
// Commit after loading and after any programmatic changes; a committed
// Config must not be modified.
type Config struct {

	// DataStoreDirectory is the directory in which to store the persistent
	// database, which contains the server lists and other state. When
	// blank, the current working directory is used.
	DataStoreDirectory string

	// PropagationChannelId and SponsorId are required and are sent to the
	// relay in each API request.
	PropagationChannelId string
	SponsorId            string

	// ClientVersion is the client version number that the client reports
	// to the server. Defaults to "0".
	ClientVersion string

	// ClientPlatform is the client platform ("Windows", "Android", etc.)
	// that the client reports to the server.
	ClientPlatform string

	// EmitDiagnosticNotices indicates whether to output notices containing
	// detailed information about the relay network. Diagnostics are
	// potentially sensitive; see SetEmitDiagnosticNotices.
	EmitDiagnosticNotices bool

	// LocalHttpProxyPort and LocalSocksProxyPort specify fixed ports for the
	// local proxies. When 0, or when the requested port is in use, a
	// system assigned port is used.
	LocalHttpProxyPort  int
	LocalSocksProxyPort int

	// ListenInterface is the IP address the local proxies listen on.
	// Defaults to loopback.
	ListenInterface string

	// TransportProtocols selects and orders the registered transports. When
	// empty, every registered transport is used in registration order.
	TransportProtocols []string

	// TargetServerEntry is an encoded server entry. When set, only this
	// server is used.
	TargetServerEntry string

	// EmbeddedServerEntryListFilename is a file containing an encoded
	// server entry list to import at start up.
	EmbeddedServerEntryListFilename string

	// SplitTunnelRulesFilename is polled for split tunnel rules. Absence of
	// the file disables split tunneling.
	SplitTunnelRulesFilename string

	// SplitTunnelDNSServer is the DNS server, host:port, queried over TCP
	// through the tunnel when classifying destinations.
	SplitTunnelDNSServer string

	SSHClientExecutable string

	// ObfuscationHelperExecutable is a pluggable transport client, such as
	// meek-client, run in front of the SSH family transports. When blank,
	// no helper is run and SSH connects directly.
	ObfuscationHelperExecutable string
	ObfuscationHelperArgs       []string

	TunnelCoreExecutable string
	VPNClientExecutable  string

	// SkipSystemProxySettings disables modifying the host proxy settings.
	SkipSystemProxySettings bool

	ObfuscationHelperReadyTimeoutSeconds int
	VPNConnectTimeoutSeconds             int
	SSHConnectTimeoutSeconds             int
	CoreConnectTimeoutSeconds            int
	ServerListReorderPeriodSeconds       int
	EstablishPausePeriodSeconds          int

	committed         bool
	targetServerEntry *protocol.ServerEntry
}

// LoadConfig parses a JSON format client configuration. LoadConfig does
// not apply defaults or validate; call Commit.
func LoadConfig(configJson []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJson, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// IsCommitted checks if Commit was called.
func (config *Config) IsCommitted() bool {
	return config.committed
}

// Commit validates the config and fills in defaults.
func (config *Config) Commit() error {

	if config.committed {
		return errors.TraceNew("config already committed")
	}

	// These fields are required; the rest are optional
	if config.PropagationChannelId == "" {
		return errors.TraceNew("propagation channel ID is missing from the configuration file")
	}
	if config.SponsorId == "" {
		return errors.TraceNew("sponsor ID is missing from the configuration file")
	}

	if config.DataStoreDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errors.Trace(err)
		}
		config.DataStoreDirectory = wd
	}

	config.ClientVersion = common.ValueOrDefault(config.ClientVersion, "0")

	config.ListenInterface = common.ValueOrDefault(config.ListenInterface, DEFAULT_LISTEN_INTERFACE)
	if net.ParseIP(config.ListenInterface) == nil {
		return errors.Tracef("invalid listen interface: %s", config.ListenInterface)
	}

	for _, port := range []int{config.LocalHttpProxyPort, config.LocalSocksProxyPort} {
		if port < 0 || port > 65535 {
			return errors.Tracef("invalid local proxy port: %d", port)
		}
	}

	for _, transportProtocol := range config.TransportProtocols {
		if !common.Contains(protocol.SupportedTransportProtocols, transportProtocol) {
			return errors.Tracef("invalid transport protocol: %s", transportProtocol)
		}
	}

	if config.TargetServerEntry != "" {
		serverEntry, err := protocol.DecodeServerEntry(
			config.TargetServerEntry,
			common.GetCurrentTimestamp(),
			protocol.SERVER_ENTRY_SOURCE_TARGET)
		if err == nil {
			err = protocol.ValidateServerEntry(serverEntry)
		}
		if err != nil {
			return errors.TraceMsg(err, "invalid target server entry")
		}
		config.targetServerEntry = serverEntry
	}

	if config.SplitTunnelDNSServer == "" {
		config.SplitTunnelDNSServer = DEFAULT_SPLIT_TUNNEL_DNS_SERVER
	}
	if _, _, err := net.SplitHostPort(config.SplitTunnelDNSServer); err != nil {
		return errors.TraceMsg(err, "invalid split tunnel DNS server")
	}

	config.SSHClientExecutable = common.ValueOrDefault(
		config.SSHClientExecutable, DEFAULT_SSH_CLIENT_EXECUTABLE)
	config.TunnelCoreExecutable = common.ValueOrDefault(
		config.TunnelCoreExecutable, DEFAULT_TUNNEL_CORE_EXECUTABLE)
	config.VPNClientExecutable = common.ValueOrDefault(
		config.VPNClientExecutable, DEFAULT_VPN_CLIENT_EXECUTABLE)

	timeouts := []struct {
		value        *int
		defaultValue int
	}{
		{&config.ObfuscationHelperReadyTimeoutSeconds, OBFUSCATION_HELPER_READY_TIMEOUT_SECONDS},
		{&config.VPNConnectTimeoutSeconds, VPN_CONNECT_TIMEOUT_SECONDS},
		{&config.SSHConnectTimeoutSeconds, SSH_CONNECT_TIMEOUT_SECONDS},
		{&config.CoreConnectTimeoutSeconds, CORE_CONNECT_TIMEOUT_SECONDS},
		{&config.ServerListReorderPeriodSeconds, SERVER_LIST_REORDER_PERIOD_SECONDS},
		{&config.EstablishPausePeriodSeconds, ESTABLISH_PAUSE_PERIOD_SECONDS},
	}
	for _, timeout := range timeouts {
		if *timeout.value < 0 {
			return errors.Tracef("invalid negative timeout: %d", *timeout.value)
		}
		*timeout.value = common.ValueOrDefault(*timeout.value, timeout.defaultValue)
	}

	config.committed = true

	return nil
}

// GetTargetServerEntry returns the decoded TargetServerEntry, or nil.
func (config *Config) GetTargetServerEntry() *protocol.ServerEntry {
	return config.targetServerEntry
}

func (config *Config) GetObfuscationHelperReadyTimeout() time.Duration {
	return time.Duration(config.ObfuscationHelperReadyTimeoutSeconds) * time.Second
}

func (config *Config) GetVPNConnectTimeout() time.Duration {
	return time.Duration(config.VPNConnectTimeoutSeconds) * time.Second
}

func (config *Config) GetSSHConnectTimeout() time.Duration {
	return time.Duration(config.SSHConnectTimeoutSeconds) * time.Second
}

func (config *Config) GetCoreConnectTimeout() time.Duration {
	return time.Duration(config.CoreConnectTimeoutSeconds) * time.Second
}

func (config *Config) GetServerListReorderPeriod() time.Duration {
	return time.Duration(config.ServerListReorderPeriodSeconds) * time.Second
}

func (config *Config) GetEstablishPausePeriod() time.Duration {
	return time.Duration(config.EstablishPausePeriodSeconds) * time.Second
}
