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

package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

const (
	TRANSPORT_PROTOCOL_SSH            = "SSH"
	TRANSPORT_PROTOCOL_OBFUSCATED_SSH = "OSSH"
	TRANSPORT_PROTOCOL_VPN            = "VPN"
	TRANSPORT_PROTOCOL_CORE           = "CORE"

	CAPABILITY_UNTUNNELED_WEB_API_REQUESTS = "handshake"
	CAPABILITY_SSH                         = "SSH"
	CAPABILITY_OBFUSCATED_SSH              = "OSSH"
	CAPABILITY_VPN                         = "VPN"
	CAPABILITY_FRONTED_MEEK                = "FRONTED-MEEK"
	CAPABILITY_UNFRONTED_MEEK              = "UNFRONTED-MEEK"

	SERVER_ENTRY_SOURCE_EMBEDDED  = "EMBEDDED"
	SERVER_ENTRY_SOURCE_DISCOVERY = "DISCOVERY"
	SERVER_ENTRY_SOURCE_TARGET    = "TARGET"

	PSIPHON_API_HANDSHAKE_REQUEST_NAME = "handshake"
	PSIPHON_API_CONNECTED_REQUEST_NAME = "connected"
	PSIPHON_API_STATUS_REQUEST_NAME    = "status"

	// PSIPHON_API_HANDSHAKE_CONFIG_PREFIX marks the line of a handshake
	// response body that carries the JSON encoded HandshakeResponse.
	PSIPHON_API_HANDSHAKE_CONFIG_PREFIX = "Config: "

	DEFAULT_UNTUNNELED_WEB_API_PORT = "443"
)

var SupportedTransportProtocols = []string{
	TRANSPORT_PROTOCOL_SSH,
	TRANSPORT_PROTOCOL_OBFUSCATED_SSH,
	TRANSPORT_PROTOCOL_VPN,
	TRANSPORT_PROTOCOL_CORE,
}

var SupportedServerEntrySources = []string{
	SERVER_ENTRY_SOURCE_EMBEDDED,
	SERVER_ENTRY_SOURCE_DISCOVERY,
	SERVER_ENTRY_SOURCE_TARGET,
}

// HandshakeResponse is the server's reply to the handshake request. The
// reply body may contain other lines; only the "Config: " line is parsed.
type HandshakeResponse struct {
	Homepages            []string            `json:"homepages,omitempty"`
	UpgradeClientVersion string              `json:"upgrade_client_version,omitempty"`
	PageViewRegexes      []map[string]string `json:"page_view_regexes,omitempty"`
	HttpsRequestRegexes  []map[string]string `json:"https_request_regexes,omitempty"`
	EncodedServerList    []string            `json:"encoded_server_list,omitempty"`
	ClientRegion         string              `json:"client_region,omitempty"`
	SSHSessionID         string              `json:"ssh_session_id,omitempty"`
	VPNPreSharedKey      string              `json:"vpn_psk,omitempty"`
	ServerTimestamp      string              `json:"server_timestamp,omitempty"`
}

// ParseHandshakeResponse locates and decodes the "Config: " line of a
// handshake response body.
func ParseHandshakeResponse(body []byte) (*HandshakeResponse, error) {

	prefix := []byte(PSIPHON_API_HANDSHAKE_CONFIG_PREFIX)

	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, prefix) {
			continue
		}
		var response HandshakeResponse
		err := json.Unmarshal(line[len(prefix):], &response)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &response, nil
	}

	return nil, errors.TraceNew("handshake response missing config line")
}

type ConnectedResponse struct {
	ConnectedTimestamp string `json:"connected_timestamp,omitempty"`
}
