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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/protocol"
	"golang.org/x/net/proxy"
)

// ServerRequestLevel limits which paths a control plane request may take.
type ServerRequestLevel int

const (
	// SERVER_REQUEST_FULL requires an already connected transport.
	SERVER_REQUEST_FULL ServerRequestLevel = iota

	// SERVER_REQUEST_ALLOW_TEMP_TUNNEL permits direct requests and, failing
	// those, temporary tunnels.
	SERVER_REQUEST_ALLOW_TEMP_TUNNEL

	// SERVER_REQUEST_NO_TEMP_TUNNEL permits direct requests only.
	SERVER_REQUEST_NO_TEMP_TUNNEL
)

func (level ServerRequestLevel) String() string {
	switch level {
	case SERVER_REQUEST_FULL:
		return "full"
	case SERVER_REQUEST_ALLOW_TEMP_TUNNEL:
		return "allow-temp-tunnel"
	case SERVER_REQUEST_NO_TEMP_TUNNEL:
		return "no-temp-tunnel"
	}
	return "unknown"
}

const (
	SERVER_REQUEST_MAX_RESPONSE_BYTES = 1 << 20
)

// DialFunc dials a TCP connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// HTTPSRequester sends one HTTPS GET request to the relay's web server on
// port, using dial for the underlying connection, and returns the response
// body.
type HTTPSRequester interface {
	Request(
		ctx context.Context,
		dial DialFunc,
		serverEntry *protocol.ServerEntry,
		port string,
		path string) ([]byte, error)
}

// ServerRequester dispatches control plane requests to a relay through
// whichever path is available: an already connected transport, a direct
// connection, or a temporary tunnel. Requests are independent; the
// requester holds no per request state.
type ServerRequester struct {
	registry  *TransportRegistry
	requester HTTPSRequester
	sessionID string
}

func NewServerRequester(
	registry *TransportRegistry,
	requester HTTPSRequester,
	sessionID string) *ServerRequester {

	return &ServerRequester{
		registry:  registry,
		requester: requester,
		sessionID: sessionID,
	}
}

// MakeRequest issues the request for path to serverEntry's web server.
// transport is the currently connected transport, or nil. The methods
// below are applied in order and the first success wins:
//
// 1. Through the connected transport. The server must support web
// requests; when it does not, the request fails immediately. While a
// transport is connected, this is the only method tried: its result is
// returned as is and no request leaves the tunnel.
// 2. With SERVER_REQUEST_FULL, no other method is permitted.
// 3. Directly, on the web server port and then on port 443, when the
// server supports untunneled web requests.
// 4. With SERVER_REQUEST_NO_TEMP_TUNNEL, no other method is permitted.
// 5. Through a temporary tunnel for each registered transport which needs
// no handshake and matches the server, in registration order.
func (requester *ServerRequester) MakeRequest(
	ctx context.Context,
	level ServerRequestLevel,
	transport Transport,
	serverEntry *protocol.ServerEntry,
	path string) ([]byte, error) {

	if transport != nil && transport.IsConnected() {

		if !serverEntry.SupportsUntunneledWebRequests() {
			return nil, errors.TraceNew("server does not support web requests")
		}

		response, err := requester.requester.Request(
			ctx, TransportDialer(transport), serverEntry, serverEntry.WebServerPort, path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return response, nil
	}

	if level == SERVER_REQUEST_FULL {
		return nil, errors.TraceNew("request requires a connected transport")
	}

	if serverEntry.SupportsUntunneledWebRequests() {

		ports := []string{serverEntry.WebServerPort}
		if serverEntry.WebServerPort != protocol.DEFAULT_UNTUNNELED_WEB_API_PORT {
			ports = append(ports, protocol.DEFAULT_UNTUNNELED_WEB_API_PORT)
		}

		dialer := &net.Dialer{Timeout: PSIPHON_API_SERVER_TIMEOUT}

		for _, port := range ports {
			response, err := requester.requester.Request(
				ctx, dialer.DialContext, serverEntry, port, path)
			if err == nil {
				return response, nil
			}
			NoticeWarning("untunneled request on port %s failed: %s", port, errors.Trace(err))
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
		}
	}

	if level == SERVER_REQUEST_NO_TEMP_TUNNEL {
		return nil, errors.TraceNew("direct requests failed and temporary tunnels are not permitted")
	}

	response, err := requester.makeTempTunnelRequest(ctx, serverEntry, path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return response, nil
}

func (requester *ServerRequester) makeTempTunnelRequest(
	ctx context.Context,
	serverEntry *protocol.ServerEntry,
	path string) ([]byte, error) {

	if requester.registry == nil {
		return nil, errors.TraceNew("no transports registered")
	}

	// All temporary transports are torn down before returning, including
	// any not used.
	transports := requester.registry.NewAll(nil)
	defer func() {
		for _, transport := range transports {
			transport.Cleanup()
		}
	}()

	for _, transport := range transports {

		if transport.IsHandshakeRequired() || !transport.ServerHasCapabilities(serverEntry) {
			continue
		}

		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}

		err := transport.Connect(ctx, ConnectParams{
			TempServerEntry: serverEntry,
			SessionID:       requester.sessionID,
			CollectStats:    false,
		})
		if err != nil {
			NoticeWarning("temporary %s tunnel failed: %s",
				transport.GetTransportProtocolName(), errors.Trace(err))
			transport.Cleanup()
			continue
		}

		response, err := requester.requester.Request(
			ctx, TransportDialer(transport), serverEntry, serverEntry.WebServerPort, path)
		transport.Cleanup()
		if err == nil {
			return response, nil
		}
		NoticeWarning("request through temporary %s tunnel failed: %s",
			transport.GetTransportProtocolName(), errors.Trace(err))
	}

	return nil, errors.TraceNew("all request methods failed")
}

// TransportDialer returns a DialFunc which connects through transport:
// directly for whole system tunneled transports, otherwise via the
// transport's local SOCKS endpoint.
func TransportDialer(transport Transport) DialFunc {

	direct := &net.Dialer{Timeout: LOCAL_PROXY_UPSTREAM_DIAL_TIMEOUT}

	if transport.IsWholeSystemTunneled() {
		return direct.DialContext
	}

	return SOCKSDialer(transport.GetLocalProxyParentPort(), nil)
}

// SOCKSDialer returns a DialFunc which connects through the local SOCKS5
// endpoint on port. auth may be nil.
func SOCKSDialer(port int, auth *proxy.Auth) DialFunc {

	direct := &net.Dialer{Timeout: LOCAL_PROXY_UPSTREAM_DIAL_TIMEOUT}

	return func(ctx context.Context, network, address string) (net.Conn, error) {

		if port <= 0 {
			return nil, errors.TraceNew("no SOCKS port")
		}

		dialer, err := proxy.SOCKS5(
			"tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), auth, direct)
		if err != nil {
			return nil, errors.Trace(err)
		}

		var conn net.Conn
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			conn, err = contextDialer.DialContext(ctx, network, address)
		} else {
			conn, err = dialer.Dial(network, address)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		return conn, nil
	}
}

// pinnedHTTPSRequester makes HTTPS requests which validate the relay's web
// server using the server entry web server certificate rather than a CA.
type pinnedHTTPSRequester struct {
	timeout   time.Duration
	userAgent string
}

func NewPinnedHTTPSRequester(timeout time.Duration, userAgent string) HTTPSRequester {
	return &pinnedHTTPSRequester{
		timeout:   timeout,
		userAgent: userAgent,
	}
}

func (requester *pinnedHTTPSRequester) Request(
	ctx context.Context,
	dial DialFunc,
	serverEntry *protocol.ServerEntry,
	port string,
	path string) ([]byte, error) {

	certificate, err := DecodeCertificate(serverEntry.WebServerCertificate)
	if err != nil {
		return nil, errors.Trace(err)
	}

	httpTransport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			// The relay presents a self-signed certificate, which is
			// verified against the pinned certificate below.
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) < 1 {
					return errors.TraceNew("no certificate")
				}
				if !bytes.Equal(rawCerts[0], certificate.Raw) {
					return errors.TraceNew("unexpected certificate")
				}
				return nil
			},
		},
		DisableKeepAlives: true,
	}
	defer httpTransport.CloseIdleConnections()

	client := &http.Client{
		Transport: httpTransport,
		Timeout:   requester.timeout,
	}

	requestUrl := fmt.Sprintf("https://%s/%s",
		net.JoinHostPort(serverEntry.IpAddress, port), path)

	request, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if requester.userAgent != "" {
		request.Header.Set("User-Agent", requester.userAgent)
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, errors.Trace(FilterUrlError(err))
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Tracef("unexpected response status code: %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, SERVER_REQUEST_MAX_RESPONSE_BYTES))
	if err != nil {
		return nil, errors.Trace(err)
	}

	return body, nil
}
