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
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// SessionInfo holds the facts about one connection. It is built in two
// phases: before the handshake from the server entry, and after the
// handshake from the server's response. SessionInfo values are exchanged
// by copy; use Clone to obtain an independent copy.
type SessionInfo struct {
	ServerEntry protocol.ServerEntry
	SessionID   string

	HandshakeComplete       bool
	Homepages               []string
	UpgradeClientVersion    string
	PageViewRegexes         []map[string]string
	HttpsRequestRegexes     []map[string]string
	DiscoveredServerEntries []string
	ClientRegion            string
	SSHSessionID            string
	VPNPreSharedKey         string
	ServerTimestamp         string
}

// MakeSessionID creates a new client session ID, which is reported to the
// relay in all API requests of a run.
func MakeSessionID() (string, error) {
	sessionID, err := common.MakeRandomHexString(PSIPHON_API_CLIENT_SESSION_ID_LENGTH)
	if err != nil {
		return "", errors.Trace(err)
	}
	return sessionID, nil
}

// SetServerEntry sets the pre-handshake facts.
func (info *SessionInfo) SetServerEntry(serverEntry *protocol.ServerEntry) {
	info.ServerEntry = *serverEntry
	info.ServerEntry.Capabilities = append([]string(nil), serverEntry.Capabilities...)
}

func (info SessionInfo) GetServerAddress() string {
	return info.ServerEntry.IpAddress
}

// ProcessHandshakeResponse sets the post-handshake facts.
func (info *SessionInfo) ProcessHandshakeResponse(response *protocol.HandshakeResponse) {
	info.HandshakeComplete = true
	info.Homepages = append([]string(nil), response.Homepages...)
	info.UpgradeClientVersion = response.UpgradeClientVersion
	info.PageViewRegexes = cloneRegexes(response.PageViewRegexes)
	info.HttpsRequestRegexes = cloneRegexes(response.HttpsRequestRegexes)
	info.DiscoveredServerEntries = append([]string(nil), response.EncodedServerList...)
	info.ClientRegion = response.ClientRegion
	info.SSHSessionID = response.SSHSessionID
	info.VPNPreSharedKey = response.VPNPreSharedKey
	info.ServerTimestamp = response.ServerTimestamp
}

// Clone returns a deep copy.
func (info SessionInfo) Clone() SessionInfo {
	clone := info
	clone.ServerEntry.Capabilities = append([]string(nil), info.ServerEntry.Capabilities...)
	clone.Homepages = append([]string(nil), info.Homepages...)
	clone.PageViewRegexes = cloneRegexes(info.PageViewRegexes)
	clone.HttpsRequestRegexes = cloneRegexes(info.HttpsRequestRegexes)
	clone.DiscoveredServerEntries = append([]string(nil), info.DiscoveredServerEntries...)
	return clone
}

func cloneRegexes(regexes []map[string]string) []map[string]string {
	if regexes == nil {
		return nil
	}
	clone := make([]map[string]string, len(regexes))
	for i, regex := range regexes {
		clone[i] = make(map[string]string, len(regex))
		for k, v := range regex {
			clone[i][k] = v
		}
	}
	return clone
}
