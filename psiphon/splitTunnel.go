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
	"bufio"
	"bytes"
	"encoding/binary"
	"math/bits"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

// NetworkRec is one IPv4 network from the split tunnel rules.
type NetworkRec struct {
	Network  uint32
	Netmask  uint32
	MaskBits int
}

// Contains checks if ip, in host byte order, is in the network.
func (rec NetworkRec) Contains(ip uint32) bool {
	return ip&rec.Netmask == rec.Network
}

// ParseNetworkRec parses a rules line, "<network> <netmask>", with fields
// separated by any whitespace. The netmask must be contiguous. Host bits set
// in the network are cleared.
func ParseNetworkRec(line string) (NetworkRec, error) {

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return NetworkRec{}, errors.Tracef("invalid rule: %q", line)
	}

	network, ok := parseIPv4Uint32(fields[0])
	if !ok {
		return NetworkRec{}, errors.Tracef("invalid network: %q", fields[0])
	}

	netmask, ok := parseIPv4Uint32(fields[1])
	if !ok {
		return NetworkRec{}, errors.Tracef("invalid netmask: %q", fields[1])
	}

	maskBits := bits.LeadingZeros32(^netmask)
	if netmask<<uint(maskBits) != 0 {
		return NetworkRec{}, errors.Tracef("non-contiguous netmask: %q", fields[1])
	}

	return NetworkRec{
		Network:  network & netmask,
		Netmask:  netmask,
		MaskBits: maskBits,
	}, nil
}

func parseIPv4Uint32(s string) (uint32, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, false
	}
	ip = ip.To4()
	if ip == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip), true
}

// NetworkList is a sorted, deduplicated list of networks supporting binary
// search containment checks. A NetworkList is not modified once published.
type NetworkList []NetworkRec

// NewNetworkList parses rules data, one network per line. Invalid lines are
// skipped and counted. The result is reduced by SortAndDedup, so besides
// exact duplicates, a network nested within another listed network is
// dropped. Every address contained by the input rules is still contained
// by the result.
func NewNetworkList(data []byte) (NetworkList, int) {

	var list NetworkList
	skipped := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseNetworkRec(line)
		if err != nil {
			skipped++
			continue
		}
		list = append(list, rec)
	}

	return list.SortAndDedup(), skipped
}

// SortAndDedup returns the list sorted ascending by network with duplicate
// networks, and networks nested within an earlier network, removed. For a
// shared network address, the widest mask is kept.
func (list NetworkList) SortAndDedup() NetworkList {

	sorted := append(NetworkList(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Network != sorted[j].Network {
			return sorted[i].Network < sorted[j].Network
		}
		return sorted[i].MaskBits < sorted[j].MaskBits
	})

	result := sorted[:0]
	for _, rec := range sorted {
		if len(result) > 0 && result[len(result)-1].Contains(rec.Network) {
			continue
		}
		result = append(result, rec)
	}

	return result
}

// Contains performs a binary search for the network containing ip. Non-IPv4
// addresses are never contained.
func (list NetworkList) Contains(ip net.IP) bool {

	ipv4 := ip.To4()
	if ipv4 == nil || len(list) == 0 {
		return false
	}
	value := binary.BigEndian.Uint32(ipv4)

	// sort.Search finds the first network greater than value; the only
	// candidate is the network immediately before it, as networks do not
	// overlap.
	index := sort.Search(len(list), func(i int) bool {
		return list[i].Network > value
	})
	if index == 0 {
		return false
	}

	return list[index-1].Contains(value)
}

var splitTunnelingActive int32

// IsSplitTunnelingActive reports whether split tunnel rules are currently
// loaded. This is process wide state, shared by the local proxies and the
// split tunnel resolver.
func IsSplitTunnelingActive() bool {
	return atomic.LoadInt32(&splitTunnelingActive) == 1
}

func setSplitTunnelingActive(active bool) {
	value := int32(0)
	if active {
		value = 1
	}
	atomic.StoreInt32(&splitTunnelingActive, value)
}

// SplitTunnelRules observes the split tunnel rules file. The network list
// is rebuilt wholesale when the file's existence changes and is published
// by pointer swap, so readers never observe a partially built list.
type SplitTunnelRules struct {
	filename      string
	pollPeriod    time.Duration
	networks      atomic.Pointer[NetworkList]
	mutex         sync.Mutex
	fileExists    bool
	stopBroadcast chan struct{}
	waitGroup     *sync.WaitGroup
}

func NewSplitTunnelRules(filename string) *SplitTunnelRules {
	return &SplitTunnelRules{
		filename:   filename,
		pollPeriod: SPLIT_TUNNEL_RULES_POLL_PERIOD,
	}
}

// Start checks the rules file once and then polls it until Stop. Start is a
// no-op when already started or when no rules file is configured.
func (rules *SplitTunnelRules) Start() {

	rules.mutex.Lock()
	defer rules.mutex.Unlock()

	if rules.filename == "" || rules.stopBroadcast != nil {
		return
	}

	rules.fileExists = false
	rules.check()

	rules.stopBroadcast = make(chan struct{})
	rules.waitGroup = new(sync.WaitGroup)
	rules.waitGroup.Add(1)
	go rules.pollRules(rules.stopBroadcast, rules.waitGroup)
}

// Stop halts polling and deactivates split tunneling.
func (rules *SplitTunnelRules) Stop() {

	rules.mutex.Lock()
	stopBroadcast := rules.stopBroadcast
	waitGroup := rules.waitGroup
	rules.stopBroadcast = nil
	rules.waitGroup = nil
	rules.mutex.Unlock()

	if stopBroadcast == nil {
		return
	}
	close(stopBroadcast)
	waitGroup.Wait()

	rules.mutex.Lock()
	rules.publish(nil)
	rules.fileExists = false
	rules.mutex.Unlock()
}

func (rules *SplitTunnelRules) pollRules(stopBroadcast <-chan struct{}, waitGroup *sync.WaitGroup) {
	defer waitGroup.Done()

	ticker := time.NewTicker(rules.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rules.mutex.Lock()
			rules.check()
			rules.mutex.Unlock()
		case <-stopBroadcast:
			return
		}
	}
}

// check must be called with the mutex held.
func (rules *SplitTunnelRules) check() {

	exists := common.FileExists(rules.filename)
	if exists == rules.fileExists {
		return
	}
	rules.fileExists = exists

	if !exists {
		rules.publish(nil)
		return
	}

	data, err := os.ReadFile(rules.filename)
	if err != nil {
		NoticeWarning("read split tunnel rules failed: %s", errors.Trace(err))
		rules.publish(nil)
		return
	}

	list, skipped := NewNetworkList(data)
	if skipped > 0 {
		NoticeWarning("skipped %d invalid split tunnel rules", skipped)
	}
	if list == nil {
		list = NetworkList{}
	}
	rules.publish(list)
}

func (rules *SplitTunnelRules) publish(list NetworkList) {

	if list == nil {
		rules.networks.Store(nil)
	} else {
		rules.networks.Store(&list)
	}

	active := list != nil
	if active != IsSplitTunnelingActive() {
		NoticeSplitTunnelActive(active, len(list))
	}
	setSplitTunnelingActive(active)
}

// GetNetworks returns the current network list, or nil when split
// tunneling is inactive.
func (rules *SplitTunnelRules) GetNetworks() NetworkList {
	list := rules.networks.Load()
	if list == nil {
		return nil
	}
	return *list
}

// IsLocalAddress checks if ip is in a split tunnel local network. The relay
// server's own address is never local, so relay traffic is never sent
// untunneled.
func (rules *SplitTunnelRules) IsLocalAddress(ip net.IP, relayAddress string) bool {

	if rules == nil {
		return false
	}

	if relayIP := net.ParseIP(relayAddress); relayIP != nil && relayIP.Equal(ip) {
		return false
	}

	return rules.GetNetworks().Contains(ip)
}
