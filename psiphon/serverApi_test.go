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
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseTestRequest splits a recorded "port path" request into its API
// request name and query parameters.
func parseTestRequest(t *testing.T, request string) (string, url.Values) {
	fields := strings.SplitN(request, " ", 2)
	require.Len(t, fields, 2)
	parsed, err := url.Parse(fields[1])
	require.NoError(t, err)
	return parsed.Path, parsed.Query()
}

// startConnectedTestTransport returns a connected fake transport for
// serverEntry, so API requests take the tunneled path.
func startConnectedTestTransport(
	t *testing.T, config *Config, serverEntry *protocol.ServerEntry) *fakeTransport {

	transport := newFakeTransport(config, nil, "FAKE")
	require.NoError(t, transport.Connect(
		context.Background(), ConnectParams{TempServerEntry: serverEntry, SessionID: "session"}))
	return transport
}

func TestMakeRequestPath(t *testing.T) {

	assert.Equal(t, "status", makeRequestPath("status", nil))

	path := makeRequestPath("handshake", APIParameters{
		"string": "a b&c",
		"list":   []string{"x", "y"},
		"other":  42,
	})

	parsed, err := url.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "handshake", parsed.Path)
	assert.Equal(t, "a b&c", parsed.Query().Get("string"))
	assert.Equal(t, `["x","y"]`, parsed.Query().Get("list"))
	assert.Equal(t, "42", parsed.Query().Get("other"))
}

func TestServerAPIHandshake(t *testing.T) {

	config := makeTestConfig(t, func(config *Config) {
		config.ClientVersion = "42"
		config.ClientPlatform = "linux"
	})

	registry := NewTransportRegistry(config)
	registered, err := registry.Register("Fake", "FAKE",
		func(config *Config, serverList *ServerList) Transport {
			return newFakeTransport(config, serverList, "FAKE")
		}, nil)
	require.NoError(t, err)
	registered.ServerList.AddEntries(
		[]*protocol.ServerEntry{makeTestServerEntry("10.0.0.2"), makeTestServerEntry("10.0.0.1")}, false)

	discovered := encodeTestServerEntries(t, makeTestServerEntry("10.0.0.3"))

	handshakeResponse, err := json.Marshal(protocol.HandshakeResponse{
		Homepages:         []string{"https://example.com/"},
		ClientRegion:      "CA",
		SSHSessionID:      "ssh-session",
		VPNPreSharedKey:   "psk",
		EncodedServerList: []string{discovered},
		HttpsRequestRegexes: []map[string]string{
			{"regex": "^.*$", "replace": "all"},
		},
	})
	require.NoError(t, err)

	httpsRequester := &fakeHTTPSRequester{
		handler: func(port, path string) ([]byte, error) {
			return []byte(fmt.Sprintf("Other: line\nConfig: %s\n", handshakeResponse)), nil
		},
	}
	api := NewServerAPI(config, registry, httpsRequester, "session")

	serverEntry := makeTestServerEntry("10.0.0.1", protocol.CAPABILITY_UNTUNNELED_WEB_API_REQUESTS)
	transport := startConnectedTestTransport(t, config, serverEntry)

	sessionInfo := transport.GetSessionInfo()
	err = api.DoHandshake(context.Background(), transport, &sessionInfo, SERVER_REQUEST_FULL)
	require.NoError(t, err)

	assert.True(t, sessionInfo.HandshakeComplete)
	assert.Equal(t, []string{"https://example.com/"}, sessionInfo.Homepages)
	assert.Equal(t, "CA", sessionInfo.ClientRegion)
	assert.Equal(t, "ssh-session", sessionInfo.SSHSessionID)
	assert.Equal(t, "psk", sessionInfo.VPNPreSharedKey)
	assert.Len(t, sessionInfo.HttpsRequestRegexes, 1)

	// Discovered entries are added at the front of the server list.
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.2", "10.0.0.1"}, registered.ServerList.ServerAddresses())
	assert.Equal(t, protocol.SERVER_ENTRY_SOURCE_DISCOVERY, registered.ServerList.GetList()[0].LocalSource)

	requests := httpsRequester.getRequests()
	require.Len(t, requests, 1)
	assert.True(t, strings.HasPrefix(requests[0], "8000 "))

	name, params := parseTestRequest(t, requests[0])
	assert.Equal(t, protocol.PSIPHON_API_HANDSHAKE_REQUEST_NAME, name)
	assert.Equal(t, "test-propagation-channel", params.Get("propagation_channel_id"))
	assert.Equal(t, "test-sponsor", params.Get("sponsor_id"))
	assert.Equal(t, "42", params.Get("client_version"))
	assert.Equal(t, "linux", params.Get("client_platform"))
	assert.Equal(t, "session", params.Get("client_session_id"))
	assert.Equal(t, "FAKE", params.Get("relay_protocol"))
	assert.Equal(t, serverEntry.WebServerSecret, params.Get("server_secret"))
	assert.Equal(t, `["10.0.0.1","10.0.0.2"]`, params.Get("known_servers"))
}

func TestServerAPIHandshakeFailure(t *testing.T) {

	config := makeTestConfig(t, nil)
	serverEntry := makeTestServerEntry("10.0.0.1", protocol.CAPABILITY_UNTUNNELED_WEB_API_REQUESTS)
	transport := startConnectedTestTransport(t, config, serverEntry)

	for _, handler := range []func(port, path string) ([]byte, error){
		func(port, path string) ([]byte, error) { return nil, errors.TraceNew("request failed") },
		func(port, path string) ([]byte, error) { return []byte("no config line"), nil },
		func(port, path string) ([]byte, error) { return []byte("Config: {invalid"), nil },
	} {
		api := NewServerAPI(config, nil, &fakeHTTPSRequester{handler: handler}, "session")
		sessionInfo := transport.GetSessionInfo()
		err := api.DoHandshake(context.Background(), transport, &sessionInfo, SERVER_REQUEST_FULL)
		assert.Error(t, err)
		assert.False(t, sessionInfo.HandshakeComplete)
	}
}

func TestServerAPIConnectedRequest(t *testing.T) {

	config := makeTestConfig(t, nil)
	openTestDataStore(t, config)

	httpsRequester := &fakeHTTPSRequester{
		handler: func(port, path string) ([]byte, error) {
			return []byte(`{"connected_timestamp":"2026-10-14T00:00:00Z"}`), nil
		},
	}
	api := NewServerAPI(config, nil, httpsRequester, "session")

	serverEntry := makeTestServerEntry("10.0.0.1", protocol.CAPABILITY_UNTUNNELED_WEB_API_REQUESTS)
	transport := startConnectedTestTransport(t, config, serverEntry)

	require.NoError(t, api.DoConnectedRequest(context.Background(), transport))
	require.NoError(t, api.DoConnectedRequest(context.Background(), transport))

	requests := httpsRequester.getRequests()
	require.Len(t, requests, 2)

	name, params := parseTestRequest(t, requests[0])
	assert.Equal(t, protocol.PSIPHON_API_CONNECTED_REQUEST_NAME, name)
	assert.Equal(t, "None", params.Get("last_connected"))

	_, params = parseTestRequest(t, requests[1])
	assert.Equal(t, "2026-10-14T00:00:00Z", params.Get("last_connected"))

	value, err := GetKeyValue(datastoreLastConnectedTimestampKey)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-14T00:00:00Z", value)

	// Connected requests are only made through a connected transport.
	transport.disconnect()
	assert.Error(t, api.DoConnectedRequest(context.Background(), transport))
}

func TestServerAPIStatusRequest(t *testing.T) {

	config := makeTestConfig(t, nil)
	httpsRequester := &fakeHTTPSRequester{
		handler: func(port, path string) ([]byte, error) { return nil, nil },
	}
	api := NewServerAPI(config, nil, httpsRequester, "session")

	serverEntry := makeTestServerEntry("10.0.0.1", protocol.CAPABILITY_UNTUNNELED_WEB_API_REQUESTS)
	transport := startConnectedTestTransport(t, config, serverEntry)
	transport.updateSessionInfo(func(sessionInfo *SessionInfo) {
		sessionInfo.SSHSessionID = "ssh-session"
	})

	stats := LocalProxyStats{
		BytesSent:     10,
		BytesReceived: 20,
		HostBytes:     map[string]int64{"example.com": 30},
	}
	require.NoError(t, api.DoStatusRequest(context.Background(), transport, stats))

	requests := httpsRequester.getRequests()
	require.Len(t, requests, 1)
	name, params := parseTestRequest(t, requests[0])
	assert.Equal(t, protocol.PSIPHON_API_STATUS_REQUEST_NAME, name)
	assert.Equal(t, "ssh-session", params.Get("ssh_session_id"))

	var statusData struct {
		BytesTransferred int64            `json:"bytes_transferred"`
		HostBytes        map[string]int64 `json:"host_bytes"`
	}
	require.NoError(t, json.Unmarshal([]byte(params.Get("statusData")), &statusData))
	assert.Equal(t, int64(30), statusData.BytesTransferred)
	assert.Equal(t, map[string]int64{"example.com": 30}, statusData.HostBytes)
}
