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
	"strings"
	"testing"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTransports(t *testing.T) {

	config := makeTestConfig(t, nil)

	registry, err := RegisterTransports(config)
	require.NoError(t, err)
	defer registry.Shutdown()

	var protocolNames []string
	for _, registered := range registry.GetAll() {
		protocolNames = append(protocolNames, registered.ProtocolName)
	}
	assert.Equal(t,
		[]string{
			protocol.TRANSPORT_PROTOCOL_VPN,
			protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH,
			protocol.TRANSPORT_PROTOCOL_SSH,
			protocol.TRANSPORT_PROTOCOL_CORE,
		},
		protocolNames)

	transport, err := registry.New(protocol.TRANSPORT_PROTOCOL_SSH)
	require.NoError(t, err)
	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_SSH, transport.GetTransportProtocolName())
	assert.False(t, transport.IsConnected())

	_, err = registry.New("UNKNOWN")
	assert.Error(t, err)
	assert.Nil(t, registry.Get("UNKNOWN"))

	transports := registry.NewAll([]string{
		protocol.TRANSPORT_PROTOCOL_CORE, protocol.TRANSPORT_PROTOCOL_VPN})
	require.Len(t, transports, 2)
	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_VPN, transports[0].GetTransportProtocolName())
	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_CORE, transports[1].GetTransportProtocolName())

	assert.Len(t, registry.NewAll(nil), 4)

	registry.Shutdown()
	registry.Shutdown()
}

func TestRegisterTransportsOrdered(t *testing.T) {

	config := makeTestConfig(t, func(config *Config) {
		config.TransportProtocols = []string{
			protocol.TRANSPORT_PROTOCOL_SSH,
			protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH,
		}
	})

	registry, err := RegisterTransports(config)
	require.NoError(t, err)
	defer registry.Shutdown()

	all := registry.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_SSH, all[0].ProtocolName)
	assert.Equal(t, protocol.TRANSPORT_PROTOCOL_OBFUSCATED_SSH, all[1].ProtocolName)
	assert.Equal(t, "SSH+", all[1].DisplayName)
}

func TestTransportRegistryRegister(t *testing.T) {

	config := makeTestConfig(t, nil)
	registry := NewTransportRegistry(config)

	factory := func(config *Config, serverList *ServerList) Transport {
		transport := newFakeTransport(config, serverList, "FAKE")
		transport.capability = "FAKE"
		return transport
	}

	registered, err := registry.Register("Fake", "FAKE", factory, nil)
	require.NoError(t, err)
	assert.Equal(t, "FAKE", registered.ServerList.Name())

	_, err = registry.Register("Fake", "FAKE", factory, nil)
	assert.Error(t, err)

	// The derived capability filter is the transport's own.
	assert.True(t, registered.CapabilityFilter(makeTestServerEntry("10.0.0.1", "FAKE")))
	assert.False(t, registered.CapabilityFilter(makeTestServerEntry("10.0.0.1", "OTHER")))

	// Instances share the type's server list.
	first, err := registry.New("FAKE")
	require.NoError(t, err)
	second, err := registry.New("FAKE")
	require.NoError(t, err)
	assert.Same(t, first.(*fakeTransport).serverList, second.(*fakeTransport).serverList)
}

func TestTransportRegistryAddServerEntries(t *testing.T) {

	config := makeTestConfig(t, nil)
	registry := NewTransportRegistry(config)

	for _, name := range []string{"ONE", "TWO"} {
		name := name
		_, err := registry.Register(name, name,
			func(config *Config, serverList *ServerList) Transport {
				transport := newFakeTransport(config, serverList, name)
				transport.capability = name
				return transport
			}, nil)
		require.NoError(t, err)
	}

	encoded := encodeTestServerEntries(t,
		makeTestServerEntry("10.0.0.1", "ONE"),
		makeTestServerEntry("10.0.0.2", "ONE", "TWO"),
		makeTestServerEntry("10.0.0.3", "TWO"))

	added := registry.AddServerEntries(
		encoded+"\ninvalid", protocol.SERVER_ENTRY_SOURCE_EMBEDDED)
	assert.Equal(t, map[string]int{"ONE": 2, "TWO": 2}, added)

	one := registry.Get("ONE").ServerList
	two := registry.Get("TWO").ServerList
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, one.ServerAddresses())
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, two.ServerAddresses())
	assert.Equal(t, protocol.SERVER_ENTRY_SOURCE_EMBEDDED, one.GetList()[0].LocalSource)

	// Discovered entries go to the front.
	encoded = encodeTestServerEntries(t,
		makeTestServerEntry("10.0.0.4", "TWO"),
		makeTestServerEntry("10.0.0.3", "TWO"))
	added = registry.AddServerEntries(encoded, protocol.SERVER_ENTRY_SOURCE_DISCOVERY)
	assert.Equal(t, map[string]int{"ONE": 0, "TWO": 1}, added)
	assert.Equal(t, []string{"10.0.0.4", "10.0.0.2", "10.0.0.3"}, two.ServerAddresses())

	added = registry.AddServerEntries(
		strings.Repeat("invalid\n", 2), protocol.SERVER_ENTRY_SOURCE_EMBEDDED)
	assert.Empty(t, added)
}
