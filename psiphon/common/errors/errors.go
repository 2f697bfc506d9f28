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

/*

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages. Wrapped errors retain the
original error, so the standard errors.Is and errors.As may be used to
inspect tagged error values through any number of Trace calls.

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"
	"strings"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	return fmt.Errorf("%s: %w", callerFrame(2), std_errors.New(message))
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", callerFrame(2), fmt.Errorf(format, args...))
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", callerFrame(2), err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", callerFrame(2), message, err)
}

// Is is errors.Is, re-exported so callers need not import both packages.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

// As is errors.As, re-exported so callers need not import both packages.
func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}

// callerFrame formats the "pkg.func#line" of the function skip frames up
// the stack, stripping the package path to declutter messages.
func callerFrame(skip int) string {
	pc, _, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown#0"
	}
	funcName := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		funcName = f.Name()
		if index := strings.LastIndex(funcName, "/"); index != -1 {
			funcName = funcName[index+1:]
		}
	}
	return fmt.Sprintf("%s#%d", funcName, line)
}
