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
	"sync"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
)

// ServerList is an ordered list of server entries for one transport, with
// per pass selection state. Within a pass, GetNextServer returns each
// entry at most once, in list order; once every entry has been returned
// the pass is exhausted and the next call starts a new pass from the
// front. The list is accessed concurrently by connection attempts and by
// the reorder task, so all state is guarded by one lock.
//
// When the datastore is open, the list is loaded from and persisted to it
// under listName.
type ServerList struct {
	listName  string
	mutex     sync.Mutex
	entries   []*protocol.ServerEntry
	attempted map[string]bool
	failed    map[string]bool
	current   string
}

func NewServerList(listName string) *ServerList {
	serverList := &ServerList{
		listName:  listName,
		attempted: make(map[string]bool),
		failed:    make(map[string]bool),
	}
	serverList.load()
	return serverList
}

func (serverList *ServerList) Name() string {
	return serverList.listName
}

func (serverList *ServerList) load() {

	if !IsDataStoreOpen() {
		return
	}

	encodedServerList, err := GetServerList(serverList.listName)
	if err != nil {
		NoticeWarning("load server list %s failed: %s", serverList.listName, errors.Trace(err))
		return
	}
	if encodedServerList == "" {
		return
	}

	entries, skipped, err := protocol.DecodeServerEntryList(
		encodedServerList, "", protocol.SERVER_ENTRY_SOURCE_EMBEDDED)
	if err != nil {
		NoticeWarning("decode server list %s failed: %s", serverList.listName, errors.Trace(err))
		return
	}
	if skipped > 0 {
		NoticeWarning("server list %s: skipped %d invalid entries", serverList.listName, skipped)
	}

	serverList.entries = entries
}

// persist must be called with the lock held.
func (serverList *ServerList) persist() {

	if !IsDataStoreOpen() {
		return
	}

	encodedServerList, err := protocol.EncodeServerEntryList(serverList.entries)
	if err == nil {
		err = StoreServerList(serverList.listName, encodedServerList)
	}
	if err != nil {
		NoticeWarning("store server list %s failed: %s", serverList.listName, errors.Trace(err))
	}
}

// GetList returns a copy of the ordered entries.
func (serverList *ServerList) GetList() []*protocol.ServerEntry {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	return append([]*protocol.ServerEntry(nil), serverList.entries...)
}

func (serverList *ServerList) Count() int {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	return len(serverList.entries)
}

// GetNextServer returns the first entry, in list order, which has not yet
// been returned in the current pass and which satisfies filter; filter may
// be nil. When no such entry remains, the pass is reset and ok is false.
func (serverList *ServerList) GetNextServer(
	filter func(*protocol.ServerEntry) bool) (serverEntry *protocol.ServerEntry, ok bool) {

	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()

	for _, entry := range serverList.entries {
		if serverList.attempted[entry.IpAddress] {
			continue
		}
		if filter != nil && !filter(entry) {
			continue
		}
		serverList.attempted[entry.IpAddress] = true
		serverList.current = entry.IpAddress
		return entry, true
	}

	serverList.resetPass()
	return nil, false
}

// ResetPass starts a new pass: all entries become eligible again and
// failure flags are cleared.
func (serverList *ServerList) ResetPass() {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	serverList.resetPass()
}

func (serverList *ServerList) resetPass() {
	serverList.attempted = make(map[string]bool)
	serverList.failed = make(map[string]bool)
	serverList.current = ""
}

// MarkCurrentServerFailed flags the entry most recently returned by
// GetNextServer as failed for this pass.
func (serverList *ServerList) MarkCurrentServerFailed() {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	if serverList.current != "" {
		serverList.failed[serverList.current] = true
	}
}

// MarkServerFailed flags the entry for ipAddress as failed for this pass.
// A failed entry is not returned again until the next pass.
func (serverList *ServerList) MarkServerFailed(ipAddress string) {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	serverList.failed[ipAddress] = true
	serverList.attempted[ipAddress] = true
}

func (serverList *ServerList) IsServerFailed(ipAddress string) bool {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	return serverList.failed[ipAddress]
}

// MarkServerSucceeded moves the entry for ipAddress to the front of the
// list, so that the last working server is tried first.
func (serverList *ServerList) MarkServerSucceeded(ipAddress string) {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	delete(serverList.failed, ipAddress)
	if serverList.moveToFront([]string{ipAddress}) {
		serverList.persist()
	}
}

// MoveEntriesToFront moves the entries for ipAddresses to the front of the
// list in the given order. Addresses not in the list are ignored.
func (serverList *ServerList) MoveEntriesToFront(ipAddresses []string) {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	if serverList.moveToFront(ipAddresses) {
		serverList.persist()
	}
}

func (serverList *ServerList) moveToFront(ipAddresses []string) bool {

	byAddress := make(map[string]*protocol.ServerEntry)
	for _, entry := range serverList.entries {
		byAddress[entry.IpAddress] = entry
	}

	front := make([]*protocol.ServerEntry, 0, len(ipAddresses))
	moved := make(map[string]bool)
	for _, ipAddress := range ipAddresses {
		entry, ok := byAddress[ipAddress]
		if !ok || moved[ipAddress] {
			continue
		}
		front = append(front, entry)
		moved[ipAddress] = true
	}
	if len(front) == 0 {
		return false
	}

	entries := front
	for _, entry := range serverList.entries {
		if !moved[entry.IpAddress] {
			entries = append(entries, entry)
		}
	}
	serverList.entries = entries

	return true
}

// AddEntries merges entries into the list and returns the number of entries
// which were not already present. Present entries are replaced in place.
// New discovered entries are placed at the front of the list; others are
// appended.
func (serverList *ServerList) AddEntries(entries []*protocol.ServerEntry, discovered bool) int {

	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()

	index := make(map[string]int)
	for i, entry := range serverList.entries {
		index[entry.IpAddress] = i
	}

	var newEntries []*protocol.ServerEntry
	changed := false
	for _, entry := range entries {
		if i, ok := index[entry.IpAddress]; ok {
			if i < 0 {
				// Duplicate within the new entries.
				continue
			}
			serverList.entries[i] = entry
			changed = true
			continue
		}
		index[entry.IpAddress] = -1
		newEntries = append(newEntries, entry)
	}

	if len(newEntries) > 0 {
		if discovered {
			serverList.entries = append(newEntries, serverList.entries...)
		} else {
			serverList.entries = append(serverList.entries, newEntries...)
		}
		changed = true
	}

	if changed {
		serverList.persist()
	}

	return len(newEntries)
}

// HasServer reports whether the list contains an entry for ipAddress.
func (serverList *ServerList) HasServer(ipAddress string) bool {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	for _, entry := range serverList.entries {
		if entry.IpAddress == ipAddress {
			return true
		}
	}
	return false
}

// ServerAddresses returns the entry addresses in list order.
func (serverList *ServerList) ServerAddresses() []string {
	serverList.mutex.Lock()
	defer serverList.mutex.Unlock()
	addresses := make([]string, 0, len(serverList.entries))
	for _, entry := range serverList.entries {
		if !common.Contains(addresses, entry.IpAddress) {
			addresses = append(addresses, entry.IpAddress)
		}
	}
	return addresses
}
