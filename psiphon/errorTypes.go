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
	"fmt"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

// TransportFailedError is returned when a transport fails to connect.
// ConnectRetryOkay indicates that the same transport may be tried again
// with a different server; otherwise the transport should be abandoned
// for the remainder of the session.
type TransportFailedError struct {
	ConnectRetryOkay bool
	Err              error
}

func NewTransportFailedError(connectRetryOkay bool, err error) *TransportFailedError {
	return &TransportFailedError{ConnectRetryOkay: connectRetryOkay, Err: err}
}

func (e *TransportFailedError) Error() string {
	return fmt.Sprintf("transport failed (retry okay: %v): %v", e.ConnectRetryOkay, e.Err)
}

func (e *TransportFailedError) Unwrap() error {
	return e.Err
}

// StopError is returned when a stop signal with a matching reason is
// observed. It is a cooperative abort, not a failure.
type StopError struct {
	Reason StopReason
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop signalled: %s", e.Reason)
}

// SystemError is an unexpected operating system or resource failure, such
// as failing to spawn a subprocess or to create a pipe. It is fatal to the
// current connection attempt and is not retried.
type SystemError struct {
	Err error
}

func NewSystemError(err error) *SystemError {
	return &SystemError{Err: err}
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error: %v", e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

// TryNextServerError is returned by a transport connection attempt when the
// transport failed in a way that permits trying another server with the
// same transport. All workers owned by the attempt have been stopped.
type TryNextServerError struct {
	Err error
}

func (e *TryNextServerError) Error() string {
	return fmt.Sprintf("try next server: %v", e.Err)
}

func (e *TryNextServerError) Unwrap() error {
	return e.Err
}

// IsTransportRetryOkay returns true when err is a TransportFailedError with
// ConnectRetryOkay, or a TryNextServerError.
func IsTransportRetryOkay(err error) bool {
	var tryNext *TryNextServerError
	if errors.As(err, &tryNext) {
		return true
	}
	var transportFailed *TransportFailedError
	if errors.As(err, &transportFailed) {
		return transportFailed.ConnectRetryOkay
	}
	return false
}

// IsTransportFailed returns true when err carries a TransportFailedError,
// regardless of ConnectRetryOkay.
func IsTransportFailed(err error) bool {
	var transportFailed *TransportFailedError
	return errors.As(err, &transportFailed)
}

func IsStopError(err error) bool {
	var stopError *StopError
	return errors.As(err, &stopError)
}

func IsSystemError(err error) bool {
	var systemError *SystemError
	return errors.As(err, &systemError)
}
