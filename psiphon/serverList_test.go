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
	"net"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestServerList(ipAddresses ...string) *ServerList {
	serverList := NewServerList("TEST")
	var entries []*protocol.ServerEntry
	for _, ipAddress := range ipAddresses {
		entries = append(entries, makeTestServerEntry(ipAddress))
	}
	serverList.AddEntries(entries, false)
	return serverList
}

func nextServers(serverList *ServerList, filter func(*protocol.ServerEntry) bool) []string {
	var ipAddresses []string
	for {
		serverEntry, ok := serverList.GetNextServer(filter)
		if !ok {
			return ipAddresses
		}
		ipAddresses = append(ipAddresses, serverEntry.IpAddress)
	}
}

func TestServerListPasses(t *testing.T) {

	serverList := makeTestServerList("10.0.0.1", "10.0.0.2", "10.0.0.3")

	assert.Equal(t, "TEST", serverList.Name())
	assert.Equal(t, 3, serverList.Count())

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, nextServers(serverList, nil))

	// The exhausted pass was reset.
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, nextServers(serverList, nil))

	serverEntry, ok := serverList.GetNextServer(nil)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", serverEntry.IpAddress)
	serverList.MarkCurrentServerFailed()
	assert.True(t, serverList.IsServerFailed("10.0.0.1"))

	serverList.MarkServerFailed("10.0.0.2")
	assert.Equal(t, []string{"10.0.0.3"}, nextServers(serverList, nil))
	assert.False(t, serverList.IsServerFailed("10.0.0.1"))

	serverList.GetNextServer(nil)
	serverList.ResetPass()
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, nextServers(serverList, nil))

	filter := func(serverEntry *protocol.ServerEntry) bool {
		return serverEntry.IpAddress != "10.0.0.2"
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, nextServers(serverList, filter))

	empty := NewServerList("EMPTY")
	_, ok = empty.GetNextServer(nil)
	assert.False(t, ok)
}

func TestServerListOrdering(t *testing.T) {

	serverList := makeTestServerList("10.0.0.1", "10.0.0.2", "10.0.0.3")

	serverList.MarkServerFailed("10.0.0.3")
	serverList.MarkServerSucceeded("10.0.0.3")
	assert.False(t, serverList.IsServerFailed("10.0.0.3"))
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"}, serverList.ServerAddresses())

	serverList.MoveEntriesToFront([]string{"10.0.0.2", "10.0.0.9", "10.0.0.1", "10.0.0.2"})
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1", "10.0.0.3"}, serverList.ServerAddresses())

	serverList.MarkServerSucceeded("10.0.0.9")
	assert.Equal(t, 3, serverList.Count())
}

func TestServerListAddEntries(t *testing.T) {

	serverList := makeTestServerList("10.0.0.1", "10.0.0.2")

	replacement := makeTestServerEntry("10.0.0.2")
	replacement.Region = "US"

	added := serverList.AddEntries(
		[]*protocol.ServerEntry{
			makeTestServerEntry("10.0.0.3"),
			replacement,
			makeTestServerEntry("10.0.0.3"),
		},
		false)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, serverList.ServerAddresses())
	assert.Equal(t, "US", serverList.GetList()[1].Region)

	added = serverList.AddEntries(
		[]*protocol.ServerEntry{makeTestServerEntry("10.0.0.4"), makeTestServerEntry("10.0.0.5")},
		true)
	assert.Equal(t, 2, added)
	assert.Equal(t,
		[]string{"10.0.0.4", "10.0.0.5", "10.0.0.1", "10.0.0.2", "10.0.0.3"},
		serverList.ServerAddresses())

	assert.True(t, serverList.HasServer("10.0.0.5"))
	assert.False(t, serverList.HasServer("10.0.0.6"))

	// GetList returns a copy.
	list := serverList.GetList()
	list[0] = nil
	assert.NotNil(t, serverList.GetList()[0])
}

func TestServerListPersistence(t *testing.T) {

	config := makeTestConfig(t, nil)
	openTestDataStore(t, config)

	serverList := makeTestServerList("10.0.0.1", "10.0.0.2")
	serverList.MarkServerSucceeded("10.0.0.2")

	loaded := NewServerList("TEST")
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1"}, loaded.ServerAddresses())

	other := NewServerList("OTHER")
	assert.Equal(t, 0, other.Count())
}

func TestServerListReorder(t *testing.T) {

	config := makeTestConfig(t, nil)
	serverList := makeTestServerList("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")

	delays := map[string]time.Duration{
		"10.0.0.2": 100 * time.Millisecond,
		"10.0.0.3": 10 * time.Millisecond,
		"10.0.0.4": 0,
	}

	reorder := NewServerListReorder(config, serverList)
	reorder.dialer = func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, _ := net.SplitHostPort(address)
		delay, ok := delays[host]
		if !ok {
			return nil, errors.TraceNew("unreachable")
		}
		time.Sleep(delay)
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	reorder.Reorder(context.Background())

	assert.Equal(t,
		[]string{"10.0.0.4", "10.0.0.3", "10.0.0.2", "10.0.0.1"},
		serverList.ServerAddresses())

	// A cancelled round leaves the order unchanged.
	serverList.MoveEntriesToFront([]string{"10.0.0.1"})
	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelFunc()
	reorder.Reorder(ctx)
	assert.Equal(t, "10.0.0.1", serverList.ServerAddresses()[0])
}

func TestServerListReorderTask(t *testing.T) {

	config := makeTestConfig(t, nil)
	serverList := makeTestServerList("10.0.0.1", "10.0.0.2")

	reorder := NewServerListReorder(config, serverList)
	reorder.dialer = func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, _ := net.SplitHostPort(address)
		if host != "10.0.0.2" {
			return nil, errors.TraceNew("unreachable")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	reorder.Start()
	reorder.Start()

	require.Eventually(t, func() bool {
		return serverList.ServerAddresses()[0] == "10.0.0.2"
	}, 5*time.Second, 10*time.Millisecond)

	reorder.Stop()
	reorder.Stop()
}
