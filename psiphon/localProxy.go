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
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	socks "github.com/Psiphon-Labs/goptlib"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/elazarl/goproxy"
)

// LocalProxyStats are the transfer stats reported in the status request.
// HostBytes is keyed by the coarse hostname produced by the handshake's
// https_request_regexes.
type LocalProxyStats struct {
	BytesSent     int64
	BytesReceived int64
	HostBytes     map[string]int64
}

// IsEmpty checks if no bytes have been recorded.
func (stats LocalProxyStats) IsEmpty() bool {
	return stats.BytesSent == 0 && stats.BytesReceived == 0
}

// LocalProxy is the local HTTP and SOCKS proxy for host traffic. Each
// accepted connection is forwarded upstream: through the transport's local
// SOCKS endpoint, or directly when the transport tunnels the whole system
// or when split tunneling classifies the destination as local.
//
// LocalProxy is a Worker.
type LocalProxy struct {
	config           *Config
	transport        Transport
	splitTunnelRules *SplitTunnelRules
	collectStats     bool

	mutex        sync.Mutex
	hostNames    HostStatsNames
	relayAddress string
	stats        LocalProxyStats

	resolver       *SplitTunnelResolver
	resolvedHosts  *lrucache.Cache
	httpListener   net.Listener
	httpServer     *http.Server
	socksListener  *socks.SocksListener
	openConns      common.Conns
	waitGroup      *sync.WaitGroup
	stopContext    context.Context
	stopFunc       context.CancelFunc
	httpProxyPort  int32
	socksProxyPort int32
	failed         int32
}

// NewLocalProxy creates a local proxy which forwards through transport.
// splitTunnelRules may be nil.
func NewLocalProxy(
	config *Config,
	transport Transport,
	splitTunnelRules *SplitTunnelRules,
	collectStats bool) *LocalProxy {

	proxy := &LocalProxy{
		config:           config,
		transport:        transport,
		splitTunnelRules: splitTunnelRules,
		collectStats:     collectStats,
		resolvedHosts: lrucache.NewWithLRU(
			SPLIT_TUNNEL_CLASSIFICATION_TTL,
			1*time.Minute,
			SPLIT_TUNNEL_CLASSIFICATION_MAX_ENTRIES),
		stats: LocalProxyStats{HostBytes: make(map[string]int64)},
	}

	proxy.resolver = NewSplitTunnelResolver(
		config.SplitTunnelDNSServer, proxy.dialTunneled)

	proxy.UpdateSessionInfo(transport.GetSessionInfo())

	return proxy
}

// UpdateSessionInfo applies the post-handshake session values: the host
// stats naming rules and the relay address, which is never split tunneled.
func (proxy *LocalProxy) UpdateSessionInfo(sessionInfo SessionInfo) {
	hostNames := NewHostStatsNames(sessionInfo)

	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.hostNames = hostNames
	proxy.relayAddress = sessionInfo.GetServerAddress()
}

func (proxy *LocalProxy) GetHttpProxyPort() int {
	return int(atomic.LoadInt32(&proxy.httpProxyPort))
}

func (proxy *LocalProxy) GetSocksProxyPort() int {
	return int(atomic.LoadInt32(&proxy.socksProxyPort))
}

// TakeStats returns the stats accumulated since the last TakeStats and
// resets them.
func (proxy *LocalProxy) TakeStats() LocalProxyStats {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	stats := proxy.stats
	proxy.stats = LocalProxyStats{HostBytes: make(map[string]int64)}
	return stats
}

// AddStats merges stats back in, as when a status request fails and the
// stats are to be resent.
func (proxy *LocalProxy) AddStats(stats LocalProxyStats) {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.stats.BytesSent += stats.BytesSent
	proxy.stats.BytesReceived += stats.BytesReceived
	for hostname, count := range stats.HostBytes {
		proxy.stats.HostBytes[hostname] += count
	}
}

func (proxy *LocalProxy) recordStats(hostname string, sent, received int64) {
	if !proxy.collectStats {
		return
	}
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.stats.BytesSent += sent
	proxy.stats.BytesReceived += received
	proxy.stats.HostBytes[proxy.hostNames.Name(hostname)] += sent + received
}

func (proxy *LocalProxy) DoStart(ctx context.Context) error {

	proxy.openConns.Reset()
	atomic.StoreInt32(&proxy.failed, 0)
	proxy.waitGroup = new(sync.WaitGroup)
	proxy.stopContext, proxy.stopFunc = context.WithCancel(context.Background())

	httpListener, httpPort, err := listenWithFallback(
		proxy.config.ListenInterface,
		proxy.config.LocalHttpProxyPort,
		NoticeHttpProxyPortInUse,
		func(address string) (net.Listener, error) {
			return net.Listen("tcp", address)
		})
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}
	proxy.httpListener = httpListener

	socksListener, socksPort, err := listenWithFallback(
		proxy.config.ListenInterface,
		proxy.config.LocalSocksProxyPort,
		NoticeSocksProxyPortInUse,
		func(address string) (*socks.SocksListener, error) {
			return socks.ListenSocks("tcp", address)
		})
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}
	proxy.socksListener = socksListener

	httpProxy := goproxy.NewProxyHttpServer()
	httpProxy.Tr = &http.Transport{
		DialContext:         proxy.dialUpstream,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpProxy.ConnectDial = func(network, address string) (net.Conn, error) {
		return proxy.dialUpstream(proxy.stopContext, network, address)
	}
	proxy.httpServer = &http.Server{
		Handler: httpProxy,
		ConnState: func(conn net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				proxy.openConns.Add(conn)
			case http.StateHijacked, http.StateClosed:
				proxy.openConns.Remove(conn)
			}
		},
	}

	atomic.StoreInt32(&proxy.httpProxyPort, int32(httpPort))
	atomic.StoreInt32(&proxy.socksProxyPort, int32(socksPort))

	proxy.waitGroup.Add(2)
	go proxy.serveHttp()
	go proxy.acceptSocksConnections()

	NoticeListeningHttpProxyPort(httpPort)
	NoticeListeningSocksProxyPort(socksPort)

	return nil
}

// listenWithFallback listens on the requested port, or on a system
// assigned port when the requested port is in use.
func listenWithFallback[L net.Listener](
	listenInterface string,
	port int,
	noticePortInUse func(int),
	listen func(address string) (L, error)) (L, int, error) {

	listener, err := listen(net.JoinHostPort(listenInterface, strconv.Itoa(port)))
	if err != nil && port != 0 && IsAddressInUseError(err) {
		noticePortInUse(port)
		listener, err = listen(net.JoinHostPort(listenInterface, "0"))
	}
	if err != nil {
		var zero L
		return zero, 0, errors.Trace(err)
	}
	return listener, common.PortFromAddr(listener.Addr()), nil
}

func (proxy *LocalProxy) serveHttp() {
	defer proxy.waitGroup.Done()

	// Serve returns when the listener is closed by DoStop.
	err := proxy.httpServer.Serve(proxy.httpListener)
	if err != nil && err != http.ErrServerClosed && proxy.stopContext.Err() == nil {
		NoticeLocalProxyError("HTTP", errors.Trace(err))
		atomic.StoreInt32(&proxy.failed, 1)
	}
}

func (proxy *LocalProxy) acceptSocksConnections() {
	defer proxy.waitGroup.Done()

	for {
		// Interrupted by listener.Close in DoStop
		socksConnection, err := proxy.socksListener.AcceptSocks()
		if err != nil {
			if proxy.stopContext.Err() != nil {
				return
			}
			NoticeLocalProxyError("SOCKS", errors.Trace(err))
			if errors.Is(err, net.ErrClosed) {
				// The listener is gone, stop the proxy
				atomic.StoreInt32(&proxy.failed, 1)
				return
			}
			// A failed SOCKS handshake affects only that client
			continue
		}

		proxy.waitGroup.Add(1)
		go func() {
			defer proxy.waitGroup.Done()
			err := proxy.socksConnectionHandler(socksConnection)
			if err != nil {
				NoticeLocalProxyError("SOCKS", errors.Trace(err))
			}
		}()
	}
}

func (proxy *LocalProxy) socksConnectionHandler(localConn *socks.SocksConn) error {
	defer localConn.Close()

	if !proxy.openConns.Add(localConn) {
		return errors.TraceNew("proxy stopping")
	}
	defer proxy.openConns.Remove(localConn)

	remoteConn, err := proxy.dialUpstream(proxy.stopContext, "tcp", localConn.Req.Target)
	if err != nil {
		localConn.Reject()
		return errors.Trace(err)
	}
	defer remoteConn.Close()

	err = localConn.Grant(&net.TCPAddr{IP: net.ParseIP("0.0.0.0"), Port: 0})
	if err != nil {
		return errors.Trace(err)
	}

	common.Relay(localConn, remoteConn)

	return nil
}

// dialUpstream connects to the destination address, choosing the route.
// The returned conn is tracked for DoStop and records transfer stats.
func (proxy *LocalProxy) dialUpstream(
	ctx context.Context, network, address string) (net.Conn, error) {

	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var conn net.Conn
	if proxy.transport.IsWholeSystemTunneled() || proxy.isUntunneled(ctx, host) {
		if !proxy.transport.IsWholeSystemTunneled() {
			NoticeUntunneled(host)
		}
		dialer := &net.Dialer{Timeout: LOCAL_PROXY_UPSTREAM_DIAL_TIMEOUT}
		conn, err = dialer.DialContext(ctx, network, address)
	} else {
		conn, err = proxy.dialTunneled(ctx, network, address)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	statsConn := &localProxyConn{Conn: conn, proxy: proxy, hostname: host}
	if !proxy.openConns.Add(statsConn) {
		conn.Close()
		return nil, errors.TraceNew("proxy stopping")
	}

	return statsConn, nil
}

// dialTunneled connects through the transport's local SOCKS endpoint.
func (proxy *LocalProxy) dialTunneled(
	ctx context.Context, network, address string) (net.Conn, error) {

	conn, err := SOCKSDialer(proxy.transport.GetLocalProxyParentPort(), nil)(ctx, network, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// isUntunneled classifies host against the split tunnel rules. Hostnames
// are resolved through the tunnel; a resolution failure classifies the
// host as tunneled.
func (proxy *LocalProxy) isUntunneled(ctx context.Context, host string) bool {

	if !IsSplitTunnelingActive() || proxy.splitTunnelRules == nil {
		return false
	}

	proxy.mutex.Lock()
	relayAddress := proxy.relayAddress
	proxy.mutex.Unlock()

	var IPs []net.IP
	if cached, ok := proxy.resolvedHosts.Get(host); ok {
		IPs = cached.([]net.IP)
	} else {
		var err error
		IPs, err = proxy.resolver.ResolveIP(ctx, host)
		if err != nil {
			NoticeWarning("split tunnel resolve failed: %s", errors.Trace(err))
			return false
		}
		proxy.resolvedHosts.Set(host, IPs, 0)
	}

	for _, IP := range IPs {
		if !proxy.splitTunnelRules.IsLocalAddress(IP, relayAddress) {
			return false
		}
	}
	return len(IPs) > 0
}

func (proxy *LocalProxy) DoPeriodicCheck() bool {
	return atomic.LoadInt32(&proxy.failed) == 0
}

func (proxy *LocalProxy) StopImminent() {
}

func (proxy *LocalProxy) DoStop(_ bool) {

	if proxy.stopFunc != nil {
		proxy.stopFunc()
	}
	if proxy.httpListener != nil {
		proxy.httpListener.Close()
	}
	if proxy.httpServer != nil {
		proxy.httpServer.Close()
	}
	if proxy.socksListener != nil {
		proxy.socksListener.Close()
	}
	proxy.openConns.CloseAll()
	if proxy.waitGroup != nil {
		proxy.waitGroup.Wait()
	}

	proxy.httpListener = nil
	proxy.httpServer = nil
	proxy.socksListener = nil
	atomic.StoreInt32(&proxy.httpProxyPort, 0)
	atomic.StoreInt32(&proxy.socksProxyPort, 0)
}

// localProxyConn is an upstream conn which records transfer stats.
type localProxyConn struct {
	net.Conn
	proxy     *LocalProxy
	hostname  string
	closeOnce sync.Once
}

func (conn *localProxyConn) Read(buffer []byte) (int, error) {
	n, err := conn.Conn.Read(buffer)
	if n > 0 {
		conn.proxy.recordStats(conn.hostname, 0, int64(n))
	}
	return n, err
}

func (conn *localProxyConn) Write(buffer []byte) (int, error) {
	n, err := conn.Conn.Write(buffer)
	if n > 0 {
		conn.proxy.recordStats(conn.hostname, int64(n), 0)
	}
	return n, err
}

func (conn *localProxyConn) Close() error {
	err := conn.Conn.Close()
	conn.closeOnce.Do(func() {
		conn.proxy.openConns.Remove(conn)
	})
	return err
}
