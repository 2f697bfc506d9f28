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
	"sort"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"golang.org/x/sync/errgroup"
)

// ServerListReorder periodically probes the TCP reachability of each
// server's web port and moves responding servers to the front of the list,
// fastest first. It runs independently of any connection attempt.
type ServerListReorder struct {
	serverList  *ServerList
	period      time.Duration
	timeout     time.Duration
	concurrency int
	dialer      func(ctx context.Context, network, address string) (net.Conn, error)

	mutex      sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

func NewServerListReorder(config *Config, serverList *ServerList) *ServerListReorder {
	dialer := &net.Dialer{}
	return &ServerListReorder{
		serverList:  serverList,
		period:      config.GetServerListReorderPeriod(),
		timeout:     SERVER_LIST_REORDER_PROBE_TIMEOUT,
		concurrency: SERVER_LIST_REORDER_PROBE_CONCURRENCY,
		dialer:      dialer.DialContext,
	}
}

// Start launches the periodic reorder task. The first reorder runs
// immediately. Start is a no-op if already started.
func (reorder *ServerListReorder) Start() {

	reorder.mutex.Lock()
	defer reorder.mutex.Unlock()

	if reorder.cancelFunc != nil {
		return
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	reorder.cancelFunc = cancelFunc
	reorder.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			reorder.Reorder(ctx)
			timer := time.NewTimer(reorder.period)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}(reorder.done)
}

// Stop halts the reorder task and waits for it to exit.
func (reorder *ServerListReorder) Stop() {

	reorder.mutex.Lock()
	cancelFunc := reorder.cancelFunc
	done := reorder.done
	reorder.cancelFunc = nil
	reorder.done = nil
	reorder.mutex.Unlock()

	if cancelFunc == nil {
		return
	}
	cancelFunc()
	<-done
}

type reorderProbeResult struct {
	ipAddress    string
	responseTime time.Duration
}

// Reorder runs one round of probes and applies the new order.
func (reorder *ServerListReorder) Reorder(ctx context.Context) {

	entries := reorder.serverList.GetList()
	if len(entries) == 0 {
		return
	}

	var resultsMutex sync.Mutex
	var results []reorderProbeResult

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(reorder.concurrency)

	for _, entry := range entries {
		entry := entry
		group.Go(func() error {

			port := entry.WebServerPort
			if port == "" {
				return nil
			}

			probeCtx, cancelFunc := context.WithTimeout(groupCtx, reorder.timeout)
			defer cancelFunc()

			start := time.Now()
			conn, err := reorder.dialer(probeCtx, "tcp", net.JoinHostPort(entry.IpAddress, port))
			if err != nil {
				return nil
			}
			conn.Close()

			resultsMutex.Lock()
			results = append(results, reorderProbeResult{
				ipAddress:    entry.IpAddress,
				responseTime: time.Since(start),
			})
			resultsMutex.Unlock()
			return nil
		})
	}

	_ = group.Wait()

	if ctx.Err() != nil || len(results) == 0 {
		return
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].responseTime < results[j].responseTime
	})

	ipAddresses := make([]string, 0, len(results))
	for _, result := range results {
		if !common.Contains(ipAddresses, result.ipAddress) {
			ipAddresses = append(ipAddresses, result.ipAddress)
		}
	}

	reorder.serverList.MoveEntriesToFront(ipAddresses)

	NoticeInfo("reordered server list %s: %d of %d responded",
		reorder.serverList.Name(), len(ipAddresses), len(entries))
}
