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
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/miekg/dns"
)

// SplitTunnelResolver resolves destination hostnames so they may be
// classified against the split tunnel rules. Queries are DNS over TCP and
// are dialed through the tunnel, so the untunneled network observes no
// hostname lookups and can't poison the answers.
type SplitTunnelResolver struct {
	dnsServer string
	dial      DialFunc
	timeout   time.Duration
}

func NewSplitTunnelResolver(dnsServer string, dial DialFunc) *SplitTunnelResolver {
	return &SplitTunnelResolver{
		dnsServer: dnsServer,
		dial:      dial,
		timeout:   SPLIT_TUNNEL_DNS_TIMEOUT,
	}
}

// ResolveIP returns the IPv4 addresses for hostname. IP address literals
// are returned as is, without a query.
func (resolver *SplitTunnelResolver) ResolveIP(ctx context.Context, hostname string) ([]net.IP, error) {

	if IP := net.ParseIP(hostname); IP != nil {
		return []net.IP{IP}, nil
	}

	ctx, cancelFunc := context.WithTimeout(ctx, resolver.timeout)
	defer cancelFunc()

	conn, err := resolver.dial(ctx, "tcp", resolver.dnsServer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Interrupt blocking reads and writes when ctx is done.
	stopInterrupt := make(chan struct{})
	defer close(stopInterrupt)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopInterrupt:
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	dnsConn := &dns.Conn{Conn: conn}
	defer dnsConn.Close()

	// SetQuestion initializes request.MsgHdr.Id to a random value
	request := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	request.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	err = dnsConn.WriteMsg(request)
	if err != nil {
		return nil, errors.Trace(err)
	}

	response, err := dnsConn.ReadMsg()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if response.MsgHdr.Id != request.MsgHdr.Id {
		return nil, errors.Trace(dns.ErrId)
	}
	if len(response.Question) != 1 || response.Question[0].Name != dns.Fqdn(hostname) {
		return nil, errors.TraceNew("unexpected QName")
	}
	if response.MsgHdr.Rcode != dns.RcodeSuccess {
		return nil, errors.Tracef("unexpected RCode: %s", dns.RcodeToString[response.MsgHdr.Rcode])
	}

	var IPs []net.IP
	for _, answer := range response.Answer {
		if a, ok := answer.(*dns.A); ok {
			IPs = append(IPs, a.A)
		}
	}
	if len(IPs) == 0 {
		return nil, errors.TraceNew("no IP address")
	}

	return IPs, nil
}
