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

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestDNSServer runs a DNS over TCP server answering A queries from
// records. Names not in records get NXDOMAIN.
func startTestDNSServer(t *testing.T, records map[string][]string) string {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, request *dns.Msg) {
		response := new(dns.Msg)
		response.SetReply(request)
		name := request.Question[0].Name
		addresses, ok := records[name]
		if !ok {
			response.SetRcode(request, dns.RcodeNameError)
		}
		for _, address := range addresses {
			response.Answer = append(response.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(address),
			})
		}
		_ = w.WriteMsg(response)
	})

	server := &dns.Server{Listener: listener, Handler: handler}
	go func() {
		_ = server.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})

	return listener.Addr().String()
}

func TestSplitTunnelResolver(t *testing.T) {

	dnsServer := startTestDNSServer(t, map[string][]string{
		"example.com.":   {"10.0.0.1", "10.0.0.2"},
		"noanswer.test.": {},
	})

	dialer := &net.Dialer{}
	resolver := NewSplitTunnelResolver(dnsServer, dialer.DialContext)

	IPs, err := resolver.ResolveIP(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, IPs, 2)
	assert.True(t, IPs[0].Equal(net.ParseIP("10.0.0.1")))
	assert.True(t, IPs[1].Equal(net.ParseIP("10.0.0.2")))

	_, err = resolver.ResolveIP(context.Background(), "missing.test")
	assert.Error(t, err)

	_, err = resolver.ResolveIP(context.Background(), "noanswer.test")
	assert.Error(t, err)

	// IP literals are not queried.
	failingResolver := NewSplitTunnelResolver(
		dnsServer,
		func(context.Context, string, string) (net.Conn, error) {
			t.Fatal("unexpected dial")
			return nil, nil
		})
	IPs, err = failingResolver.ResolveIP(context.Background(), "192.168.0.1")
	require.NoError(t, err)
	require.Len(t, IPs, 1)
	assert.True(t, IPs[0].Equal(net.ParseIP("192.168.0.1")))
}

func TestSplitTunnelResolverCancelled(t *testing.T) {

	dnsServer := startTestDNSServer(t, map[string][]string{})

	dialer := &net.Dialer{}
	resolver := NewSplitTunnelResolver(dnsServer, dialer.DialContext)

	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelFunc()

	_, err := resolver.ResolveIP(ctx, "example.com")
	assert.Error(t, err)
}
