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

// TransportFactory creates a new, unconnected Transport bound to the given
// server list.
type TransportFactory func(config *Config, serverList *ServerList) Transport

// RegisteredTransport describes one transport type. Each type owns one
// server list, shared by every instance the factory creates.
type RegisteredTransport struct {
	DisplayName      string
	ProtocolName     string
	Factory          TransportFactory
	CapabilityFilter func(*protocol.ServerEntry) bool
	ServerList       *ServerList
}

// TransportRegistry holds the registered transport types. Registration
// order is priority order. Registration happens once at start up, before
// any concurrent use.
type TransportRegistry struct {
	config     *Config
	mutex      sync.Mutex
	transports []*RegisteredTransport
	reorders   []*ServerListReorder
}

func NewTransportRegistry(config *Config) *TransportRegistry {
	return &TransportRegistry{config: config}
}

// Register adds a transport type at the lowest priority. A nil
// capabilityFilter is derived from an instance of the transport.
func (registry *TransportRegistry) Register(
	displayName, protocolName string,
	factory TransportFactory,
	capabilityFilter func(*protocol.ServerEntry) bool) (*RegisteredTransport, error) {

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for _, registered := range registry.transports {
		if registered.ProtocolName == protocolName {
			return nil, errors.Tracef("transport already registered: %s", protocolName)
		}
	}

	serverList := NewServerList(protocolName)

	if capabilityFilter == nil {
		capabilityFilter = factory(registry.config, serverList).ServerHasCapabilities
	}

	registered := &RegisteredTransport{
		DisplayName:      displayName,
		ProtocolName:     protocolName,
		Factory:          factory,
		CapabilityFilter: capabilityFilter,
		ServerList:       serverList,
	}
	registry.transports = append(registry.transports, registered)

	return registered, nil
}

// RegisterTransports registers the built in transports, in priority order,
// limited to and ordered by Config.TransportProtocols when set. The VPN
// server list reorder task is started here and stopped by Shutdown.
func RegisterTransports(config *Config) (*TransportRegistry, error) {

	registry := NewTransportRegistry(config)

	builtins := []struct {
		displayName  string
		protocolName string
		factory      TransportFactory
	}{
		{"VPN", protocol.TRANSPORT_PROTOCOL_VPN, NewVPNTransport},
		{"SSH+", protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH, NewOSSHTransport},
		{"SSH", protocol.TRANSPORT_PROTOCOL_SSH, NewSSHTransport},
		{"Core", protocol.TRANSPORT_PROTOCOL_CORE, NewCoreTransport},
	}

	protocolNames := config.TransportProtocols
	if len(protocolNames) == 0 {
		for _, builtin := range builtins {
			protocolNames = append(protocolNames, builtin.protocolName)
		}
	}

	for _, protocolName := range protocolNames {
		for _, builtin := range builtins {
			if builtin.protocolName != protocolName {
				continue
			}
			registered, err := registry.Register(
				builtin.displayName, builtin.protocolName, builtin.factory, nil)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if protocolName == protocol.TRANSPORT_PROTOCOL_VPN {
				registry.StartServerListReorder(registered)
			}
		}
	}

	if len(registry.GetAll()) == 0 {
		return nil, errors.TraceNew("no transports registered")
	}

	return registry, nil
}

// StartServerListReorder starts the periodic reorder task on registered's
// server list. The task runs until Shutdown.
func (registry *TransportRegistry) StartServerListReorder(registered *RegisteredTransport) {
	reorder := NewServerListReorder(registry.config, registered.ServerList)
	registry.mutex.Lock()
	registry.reorders = append(registry.reorders, reorder)
	registry.mutex.Unlock()
	reorder.Start()
}

// GetAll returns the registered transports in priority order.
func (registry *TransportRegistry) GetAll() []*RegisteredTransport {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return append([]*RegisteredTransport(nil), registry.transports...)
}

// Get returns the registered transport for protocolName, or nil.
func (registry *TransportRegistry) Get(protocolName string) *RegisteredTransport {
	for _, registered := range registry.GetAll() {
		if registered.ProtocolName == protocolName {
			return registered
		}
	}
	return nil
}

// New creates a new instance of the transport for protocolName.
func (registry *TransportRegistry) New(protocolName string) (Transport, error) {
	registered := registry.Get(protocolName)
	if registered == nil {
		return nil, errors.Tracef("unknown transport: %s", protocolName)
	}
	return registered.Factory(registry.config, registered.ServerList), nil
}

// NewAll creates one new instance of each registered transport, in
// priority order. When protocolNames is not nil, only those transports are
// created, still in priority order.
func (registry *TransportRegistry) NewAll(protocolNames []string) []Transport {
	var transports []Transport
	for _, registered := range registry.GetAll() {
		if protocolNames != nil && !common.Contains(protocolNames, registered.ProtocolName) {
			continue
		}
		transports = append(transports,
			registered.Factory(registry.config, registered.ServerList))
	}
	return transports
}

// AddServerEntries decodes encodedServerList and adds each entry to the
// server list of every transport whose capability filter it passes. It
// returns, per transport protocol, the number of entries that were not
// already present.
func (registry *TransportRegistry) AddServerEntries(
	encodedServerList string, source string) map[string]int {

	added := make(map[string]int)

	serverEntries, skipped, err := protocol.DecodeServerEntryList(
		encodedServerList, common.GetCurrentTimestamp(), source)
	if err != nil {
		NoticeWarning("decode server entries failed: %s", errors.Trace(err))
		return added
	}
	if skipped > 0 {
		NoticeWarning("skipped %d invalid server entries", skipped)
	}

	return registry.AddDecodedServerEntries(serverEntries, source == protocol.SERVER_ENTRY_SOURCE_DISCOVERY)
}

// AddDecodedServerEntries is AddServerEntries for already decoded entries.
func (registry *TransportRegistry) AddDecodedServerEntries(
	serverEntries []*protocol.ServerEntry, discovered bool) map[string]int {

	added := make(map[string]int)

	for _, registered := range registry.GetAll() {
		var matching []*protocol.ServerEntry
		for _, serverEntry := range serverEntries {
			if registered.CapabilityFilter(serverEntry) {
				matching = append(matching, serverEntry)
			}
		}
		count := registered.ServerList.AddEntries(matching, discovered)
		added[registered.ProtocolName] = count
		if count > 0 {
			NoticeServerEntriesAdded(registered.ProtocolName, count)
		}
	}

	return added
}

// Shutdown stops background tasks owned by the registry. It is idempotent.
func (registry *TransportRegistry) Shutdown() {
	registry.mutex.Lock()
	reorders := registry.reorders
	registry.reorders = nil
	registry.mutex.Unlock()

	for _, reorder := range reorders {
		reorder.Stop()
	}
}
