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
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

// Contains is a helper function that returns true
// if the target string is in the list.
func Contains(list []string, target string) bool {
	for _, listItem := range list {
		if listItem == target {
			return true
		}
	}
	return false
}

// ContainsAll returns true if every string in targets
// is present in the list.
func ContainsAll(list, targets []string) bool {
	for _, target := range targets {
		if !Contains(list, target) {
			return false
		}
	}
	return true
}

// MakeSecureRandomBytes is a helper function that wraps
// crypto/rand.Read.
func MakeSecureRandomBytes(length int) ([]byte, error) {
	randomBytes := make([]byte, length)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return randomBytes, nil
}

// MakeRandomHexString returns a hex encoded string of byteLength random
// bytes.
func MakeRandomHexString(byteLength int) (string, error) {
	randomBytes, err := MakeSecureRandomBytes(byteLength)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(randomBytes), nil
}

// GetCurrentTimestamp returns the current time in UTC as
// an RFC 3339 formatted string.
func GetCurrentTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// FileExists returns true if a file, or directory, exists at the given path.
func FileExists(filePath string) bool {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return false
	}
	return true
}

// SleepWithContext returns after the specified duration or once the input ctx
// is done, whichever is first.
func SleepWithContext(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// ValueOrDefault returns the input value, or the defaultValue when value is
// the zero value of its type.
func ValueOrDefault[T comparable](value, defaultValue T) T {
	var zero T
	if value == zero {
		return defaultValue
	}
	return value
}

// PortFromAddr returns the port value of a TCP or UDP net.Addr, or 0.
func PortFromAddr(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// GetFreeLocalPort asks the OS for an available loopback TCP port. The port
// is released before returning, so a subprocess may bind it; the usual race
// applies and callers must handle a subsequent bind failure.
func GetFreeLocalPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Trace(err)
	}
	port := PortFromAddr(listener.Addr())
	listener.Close()
	return port, nil
}
