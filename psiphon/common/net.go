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

package common

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Conns is a tracked set of open connections. A local proxy adds each
// accepted and each upstream connection, so that all of them can be
// interrupted at once when the proxy stops. Once closed, no more
// connections may be added until Reset.
type Conns struct {
	mutex    sync.Mutex
	isClosed bool
	conns    map[net.Conn]bool
}

func (conns *Conns) Reset() {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	conns.isClosed = false
	conns.conns = make(map[net.Conn]bool)
}

func (conns *Conns) Add(conn net.Conn) bool {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	if conns.isClosed {
		return false
	}
	if conns.conns == nil {
		conns.conns = make(map[net.Conn]bool)
	}
	conns.conns[conn] = true
	return true
}

func (conns *Conns) Remove(conn net.Conn) {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	delete(conns.conns, conn)
}

func (conns *Conns) Count() int {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	return len(conns.conns)
}

// CloseAll closes every tracked conn. Conns may call Remove from their
// Close.
func (conns *Conns) CloseAll() {
	conns.mutex.Lock()
	conns.isClosed = true
	closing := conns.conns
	conns.conns = make(map[net.Conn]bool)
	conns.mutex.Unlock()

	for conn := range closing {
		conn.Close()
	}
}

// Relay copies data in both directions between two connections until
// either side closes, then closes both. The returned counts are bytes
// sent from a to b and from b to a.
func Relay(a, b net.Conn) (int64, int64) {
	var aToB, bToA int64
	var waitGroup sync.WaitGroup
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		n, _ := io.Copy(a, b)
		atomic.StoreInt64(&bToA, n)
		a.Close()
		b.Close()
	}()
	n, _ := io.Copy(b, a)
	atomic.StoreInt64(&aToB, n)
	a.Close()
	b.Close()
	waitGroup.Wait()
	return atomic.LoadInt64(&aToB), atomic.LoadInt64(&bToA)
}
