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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	mapset "github.com/deckarep/golang-set"
)

// ServerEntry represents a Psiphon relay. It contains information
// about how to establish a tunnel connection to the relay through
// several transports. Server entries are JSON records embedded in
// the client or fetched in handshake responses. A ServerEntry is
// not modified after it is decoded.
type ServerEntry struct {
	IpAddress                     string   `json:"ipAddress"`
	WebServerPort                 string   `json:"webServerPort"`
	WebServerSecret               string   `json:"webServerSecret"`
	WebServerCertificate          string   `json:"webServerCertificate"`
	SshPort                       int      `json:"sshPort"`
	SshUsername                   string   `json:"sshUsername"`
	SshPassword                   string   `json:"sshPassword"`
	SshHostKey                    string   `json:"sshHostKey"`
	SshObfuscatedPort             int      `json:"sshObfuscatedPort"`
	SshObfuscatedKey              string   `json:"sshObfuscatedKey"`
	Capabilities                  []string `json:"capabilities"`
	Region                        string   `json:"region"`
	MeekServerPort                int      `json:"meekServerPort"`
	MeekCookieEncryptionPublicKey string   `json:"meekCookieEncryptionPublicKey"`
	MeekObfuscatedKey             string   `json:"meekObfuscatedKey"`
	MeekFrontingDomain            string   `json:"meekFrontingDomain"`
	MeekFrontingHost              string   `json:"meekFrontingHost"`

	// These local fields are not expected to be present in downloaded server
	// entries. They are added by the client to record and report stats about
	// how and when server entries are obtained.
	LocalSource    string `json:"localSource,omitempty"`
	LocalTimestamp string `json:"localTimestamp,omitempty"`
}

// CapabilitySet returns the server entry capabilities as a set.
func (serverEntry *ServerEntry) CapabilitySet() mapset.Set {
	capabilities := make([]interface{}, len(serverEntry.Capabilities))
	for i, capability := range serverEntry.Capabilities {
		capabilities[i] = capability
	}
	return mapset.NewSetFromSlice(capabilities)
}

// HasCapability returns true if the server entry lists the capability.
func (serverEntry *ServerEntry) HasCapability(capability string) bool {
	return serverEntry.CapabilitySet().Contains(capability)
}

// HasCapabilities returns true if the server entry lists every one of the
// required capabilities. An empty requirement is always satisfied.
func (serverEntry *ServerEntry) HasCapabilities(required ...string) bool {
	requiredSet := mapset.NewSet()
	for _, capability := range required {
		requiredSet.Add(capability)
	}
	return requiredSet.IsSubset(serverEntry.CapabilitySet())
}

// SupportsUntunneledWebRequests indicates that the relay's web server may be
// reached directly, without a tunnel.
func (serverEntry *ServerEntry) SupportsUntunneledWebRequests() bool {
	return serverEntry.HasCapability(CAPABILITY_UNTUNNELED_WEB_API_REQUESTS)
}

// SupportsMeek indicates a fronted or unfronted meek endpoint, which the
// obfuscation helper may relay through.
func (serverEntry *ServerEntry) SupportsMeek() bool {
	return serverEntry.HasCapability(CAPABILITY_FRONTED_MEEK) ||
		serverEntry.HasCapability(CAPABILITY_UNFRONTED_MEEK)
}

// HasSSHCredentials indicates the entry embeds what an SSH client needs to
// connect without a prior handshake.
func (serverEntry *ServerEntry) HasSSHCredentials() bool {
	return serverEntry.SshUsername != "" &&
		serverEntry.SshPassword != "" &&
		serverEntry.SshHostKey != ""
}

// GetWebServerPort returns the web server port, parsed.
func (serverEntry *ServerEntry) GetWebServerPort() (int, error) {
	port, err := strconv.Atoi(serverEntry.WebServerPort)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Tracef("invalid web server port: %s", serverEntry.WebServerPort)
	}
	return port, nil
}

// GetDiagnosticID returns a short, non-sensitive identifier for the entry,
// for use in notices.
func (serverEntry *ServerEntry) GetDiagnosticID() string {
	if serverEntry.Region == "" {
		return serverEntry.IpAddress
	}
	return fmt.Sprintf("%s (%s)", serverEntry.IpAddress, serverEntry.Region)
}

// EncodeServerEntry returns a string containing the encoding of
// a ServerEntry following Psiphon conventions.
func EncodeServerEntry(serverEntry *ServerEntry) (string, error) {

	serverEntryJSON, err := json.Marshal(serverEntry)
	if err != nil {
		return "", errors.Trace(err)
	}

	return hex.EncodeToString([]byte(fmt.Sprintf(
		"%s %s %s %s %s",
		serverEntry.IpAddress,
		serverEntry.WebServerPort,
		serverEntry.WebServerSecret,
		serverEntry.WebServerCertificate,
		serverEntryJSON))), nil
}

// EncodeServerEntryList encodes each entry and joins them, one per line.
func EncodeServerEntryList(serverEntries []*ServerEntry) (string, error) {
	encodedServerEntries := make([]string, 0, len(serverEntries))
	for _, serverEntry := range serverEntries {
		encodedServerEntry, err := EncodeServerEntry(serverEntry)
		if err != nil {
			return "", errors.Trace(err)
		}
		encodedServerEntries = append(encodedServerEntries, encodedServerEntry)
	}
	return strings.Join(encodedServerEntries, "\n"), nil
}

// DecodeServerEntry extracts a server entry from the encoding used by
// embedded server lists and handshake responses. The fields prefix is
// parsed only to skip over it; the JSON record is authoritative.
//
// LocalSource and LocalTimestamp are set from the inputs, clobbering any
// values present in the JSON.
func DecodeServerEntry(
	encodedServerEntry, timestamp, serverEntrySource string) (*ServerEntry, error) {

	hexDecodedServerEntry, err := hex.DecodeString(strings.TrimSpace(encodedServerEntry))
	if err != nil {
		return nil, errors.Trace(err)
	}

	fields := bytes.SplitN(hexDecodedServerEntry, []byte(" "), 5)
	if len(fields) != 5 {
		return nil, errors.TraceNew("invalid encoded server entry")
	}

	serverEntry := new(ServerEntry)
	err = json.Unmarshal(fields[4], serverEntry)
	if err != nil {
		return nil, errors.Trace(err)
	}

	serverEntry.LocalSource = serverEntrySource
	serverEntry.LocalTimestamp = timestamp

	return serverEntry, nil
}

// ValidateServerEntry checks for malformed server entries.
func ValidateServerEntry(serverEntry *ServerEntry) error {

	// The IP address is the key used to store and look up server entries.
	if net.ParseIP(serverEntry.IpAddress) == nil {
		return errors.Tracef("server entry has invalid ipAddress: %s", serverEntry.IpAddress)
	}

	if serverEntry.WebServerPort != "" {
		_, err := serverEntry.GetWebServerPort()
		if err != nil {
			return errors.Trace(err)
		}
	}

	for _, port := range []int{
		serverEntry.SshPort, serverEntry.SshObfuscatedPort, serverEntry.MeekServerPort} {
		if port < 0 || port > 65535 {
			return errors.Tracef("server entry has invalid port: %d", port)
		}
	}

	return nil
}

// DecodeServerEntryList extracts server entries from the list encoding
// used by embedded server lists and handshake responses. Each server entry
// is validated and undecodable or invalid entries are skipped; the count of
// skipped entries is returned for diagnostics.
func DecodeServerEntryList(
	encodedServerEntryList, timestamp,
	serverEntrySource string) ([]*ServerEntry, int, error) {

	serverEntries := make([]*ServerEntry, 0)
	skipped := 0

	for _, encodedServerEntry := range strings.Split(encodedServerEntryList, "\n") {
		encodedServerEntry = strings.TrimSpace(encodedServerEntry)
		if len(encodedServerEntry) == 0 {
			continue
		}

		serverEntry, err := DecodeServerEntry(encodedServerEntry, timestamp, serverEntrySource)
		if err != nil {
			skipped += 1
			continue
		}

		if ValidateServerEntry(serverEntry) != nil {
			skipped += 1
			continue
		}

		serverEntries = append(serverEntries, serverEntry)
	}

	if len(serverEntries) == 0 && skipped > 0 {
		return nil, skipped, errors.TraceNew("no valid server entries")
	}

	return serverEntries, skipped, nil
}
