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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// APIParameters is a set of relay API request parameters. Values are
// string or []string.
type APIParameters map[string]interface{}

// ServerAPI implements the relay control plane: the handshake, connected
// and status requests. Requests are routed through a ServerRequester, so
// each may be tunneled, direct, or made through a temporary tunnel, as the
// request level permits.
type ServerAPI struct {
	config    *Config
	registry  *TransportRegistry
	requester *ServerRequester
	sessionID string
}

func NewServerAPI(
	config *Config,
	registry *TransportRegistry,
	httpsRequester HTTPSRequester,
	sessionID string) *ServerAPI {

	return &ServerAPI{
		config:    config,
		registry:  registry,
		requester: NewServerRequester(registry, httpsRequester, sessionID),
		sessionID: sessionID,
	}
}

func (api *ServerAPI) getBaseAPIParameters(
	transport Transport, serverEntry *protocol.ServerEntry) APIParameters {

	params := make(APIParameters)

	params["server_secret"] = serverEntry.WebServerSecret
	params["propagation_channel_id"] = api.config.PropagationChannelId
	params["sponsor_id"] = api.config.SponsorId
	params["client_version"] = api.config.ClientVersion
	params["client_platform"] = api.config.ClientPlatform
	params["client_session_id"] = api.sessionID

	relayProtocol := "none"
	if transport != nil {
		relayProtocol = transport.GetTransportRequestName()
	}
	params["relay_protocol"] = relayProtocol

	return params
}

// DoHandshake implements Handshaker. On success, sessionInfo holds the
// post-handshake facts and any discovered server entries have been added
// to the registry.
func (api *ServerAPI) DoHandshake(
	ctx context.Context,
	transport Transport,
	sessionInfo *SessionInfo,
	level ServerRequestLevel) error {

	serverEntry := sessionInfo.ServerEntry

	params := api.getBaseAPIParameters(transport, &serverEntry)
	if api.registry != nil {
		params["known_servers"] = api.knownServers()
	}

	response, err := api.requester.MakeRequest(
		ctx,
		level,
		transport,
		&serverEntry,
		makeRequestPath(protocol.PSIPHON_API_HANDSHAKE_REQUEST_NAME, params))
	if err != nil {
		return errors.Trace(err)
	}

	handshakeResponse, err := protocol.ParseHandshakeResponse(response)
	if err != nil {
		return errors.Trace(err)
	}

	sessionInfo.ProcessHandshakeResponse(handshakeResponse)

	if handshakeResponse.ClientRegion != "" {
		NoticeClientRegion(handshakeResponse.ClientRegion)
	}
	if handshakeResponse.UpgradeClientVersion != "" {
		NoticeClientUpgradeAvailable(handshakeResponse.UpgradeClientVersion)
	}

	if api.registry != nil && len(handshakeResponse.EncodedServerList) > 0 {
		api.registry.AddServerEntries(
			strings.Join(handshakeResponse.EncodedServerList, "\n"),
			protocol.SERVER_ENTRY_SOURCE_DISCOVERY)
	}

	return nil
}

func (api *ServerAPI) knownServers() []string {
	var knownServers []string
	seen := make(map[string]bool)
	for _, registered := range api.registry.GetAll() {
		for _, ipAddress := range registered.ServerList.ServerAddresses() {
			if !seen[ipAddress] {
				seen[ipAddress] = true
				knownServers = append(knownServers, ipAddress)
			}
		}
	}
	sort.Strings(knownServers)
	return knownServers
}

// DoConnectedRequest reports a successful connection through transport
// and records the relay's connected timestamp, which is reported back in
// the next connected request.
func (api *ServerAPI) DoConnectedRequest(ctx context.Context, transport Transport) error {

	sessionInfo := transport.GetSessionInfo()
	serverEntry := sessionInfo.ServerEntry

	lastConnected := "None"
	if IsDataStoreOpen() {
		value, err := GetKeyValue(datastoreLastConnectedTimestampKey)
		if err != nil {
			return errors.Trace(err)
		}
		if value != "" {
			lastConnected = value
		}
	}

	params := api.getBaseAPIParameters(transport, &serverEntry)
	params["last_connected"] = lastConnected

	response, err := api.requester.MakeRequest(
		ctx,
		SERVER_REQUEST_FULL,
		transport,
		&serverEntry,
		makeRequestPath(protocol.PSIPHON_API_CONNECTED_REQUEST_NAME, params))
	if err != nil {
		return errors.Trace(err)
	}

	var connectedResponse protocol.ConnectedResponse
	err = json.Unmarshal(response, &connectedResponse)
	if err != nil {
		return errors.Trace(err)
	}

	if IsDataStoreOpen() && connectedResponse.ConnectedTimestamp != "" {
		err = SetKeyValue(
			datastoreLastConnectedTimestampKey, connectedResponse.ConnectedTimestamp)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// DoStatusRequest reports transfer stats through transport. The caller
// retains stats on failure, to resend in a later request.
func (api *ServerAPI) DoStatusRequest(
	ctx context.Context, transport Transport, stats LocalProxyStats) error {

	sessionInfo := transport.GetSessionInfo()
	serverEntry := sessionInfo.ServerEntry

	statusData, err := json.Marshal(map[string]interface{}{
		"bytes_transferred": stats.BytesSent + stats.BytesReceived,
		"host_bytes":        stats.HostBytes,
	})
	if err != nil {
		return errors.Trace(err)
	}

	params := api.getBaseAPIParameters(transport, &serverEntry)
	params["statusData"] = string(statusData)
	if sessionInfo.SSHSessionID != "" {
		params["ssh_session_id"] = sessionInfo.SSHSessionID
	}

	_, err = api.requester.MakeRequest(
		ctx,
		SERVER_REQUEST_FULL,
		transport,
		&serverEntry,
		makeRequestPath(protocol.PSIPHON_API_STATUS_REQUEST_NAME, params))
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// makeRequestPath makes the path and query for a web service API request.
func makeRequestPath(path string, params APIParameters) string {
	var requestPath bytes.Buffer

	requestPath.WriteString(path)

	if len(params) > 0 {

		queryParams := url.Values{}

		for name, value := range params {
			switch v := value.(type) {
			case string:
				queryParams.Set(name, v)
			case []string:
				// String array param encoded as JSON
				jsonValue, err := json.Marshal(v)
				if err != nil {
					break
				}
				queryParams.Set(name, string(jsonValue))
			default:
				queryParams.Set(name, fmt.Sprintf("%v", v))
			}
		}

		requestPath.WriteString("?")
		requestPath.WriteString(queryParams.Encode())
	}

	return requestPath.String()
}
