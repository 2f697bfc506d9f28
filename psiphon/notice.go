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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

type noticeLogger struct {
	emitDiagnostics int32
	mutex           sync.Mutex
	writer          io.Writer
	rotatingFile    *rotatingNoticeFile
}

var singletonNoticeLogger = noticeLogger{
	writer: os.Stderr,
}

// SetEmitDiagnosticNotices toggles whether diagnostic notices are emitted.
// Diagnostic notices contain potentially sensitive circumvention network
// information; only enable this in environments where notices are handled
// securely (for example, don't include these notices in log files which
// users could post to public forums).
func SetEmitDiagnosticNotices(enable bool) {
	if enable {
		atomic.StoreInt32(&singletonNoticeLogger.emitDiagnostics, 1)
	} else {
		atomic.StoreInt32(&singletonNoticeLogger.emitDiagnostics, 0)
	}
}

// GetEmitDiagnosticNotices returns the current state
// of emitting diagnostic notices.
func GetEmitDiagnosticNotices() bool {
	return atomic.LoadInt32(&singletonNoticeLogger.emitDiagnostics) == 1
}

// SetNoticeWriter sets a target writer to receive notices. By default,
// notices are written to stderr. Notices are newline delimited.
//
// Notices are encoded in JSON. Here's an example:
//
// {"data":{"message":"shutdown operate tunnel"},"noticeType":"Info","showUser":false,"timestamp":"2026-01-28T17:35:13Z"}
//
// All notices have the following fields:
// - "noticeType": the type of notice, which indicates the meaning of the notice along with what's in the data payload.
// - "data": additional structured data payload. For example, the "ListeningSocksProxyPort" notice type has a "port" integer
// data in its payload.
// - "showUser": whether the information should be displayed to the user. For example, this flag is set for "SocksProxyPortInUse"
// as the user should be informed that their configured choice of listening port could not be used.
// - "timestamp": UTC timezone, RFC3339 format timestamp for notice event
//
// See the Notice* functions for details on each notice meaning and payload.
func SetNoticeWriter(writer io.Writer) {
	singletonNoticeLogger.mutex.Lock()
	defer singletonNoticeLogger.mutex.Unlock()
	singletonNoticeLogger.writer = writer
}

// SetNoticeFiles configures notices to also be written to a file which is
// rotated once it reaches rotatingFileSize bytes. The previous file is kept
// with a ".1" suffix. A rotatingFileSize of 0 selects the default size.
func SetNoticeFiles(rotatingFilename string, rotatingFileSize int) error {

	singletonNoticeLogger.mutex.Lock()
	defer singletonNoticeLogger.mutex.Unlock()

	if singletonNoticeLogger.rotatingFile != nil {
		singletonNoticeLogger.rotatingFile.close()
		singletonNoticeLogger.rotatingFile = nil
	}

	if rotatingFilename == "" {
		return nil
	}

	if rotatingFileSize <= 0 {
		rotatingFileSize = NOTICE_FILE_DEFAULT_ROTATING_SIZE
	}

	file, err := newRotatingNoticeFile(rotatingFilename, int64(rotatingFileSize))
	if err != nil {
		return errors.Trace(err)
	}
	singletonNoticeLogger.rotatingFile = file

	return nil
}

const (
	noticeIsDiagnostic = 1
	noticeShowUser     = 2

	NOTICE_FILE_DEFAULT_ROTATING_SIZE = 1 << 20
)

// outputNotice encodes a notice in JSON and writes it to the output writer.
func outputNotice(noticeType string, noticeFlags uint32, args ...interface{}) {

	if (noticeFlags&noticeIsDiagnostic != 0) && !GetEmitDiagnosticNotices() {
		return
	}

	obj := make(map[string]interface{})
	noticeData := make(map[string]interface{})
	obj["noticeType"] = noticeType
	obj["showUser"] = (noticeFlags&noticeShowUser != 0)
	obj["data"] = noticeData
	obj["timestamp"] = common.GetCurrentTimestamp()
	for i := 0; i < len(args)-1; i += 2 {
		name, ok := args[i].(string)
		value := args[i+1]
		if ok {
			noticeData[name] = value
		}
	}

	encodedJson, err := json.Marshal(obj)
	if err != nil {
		// Try to emit a properly formatted notice that the outer client can
		// report, including when the args contain values that don't marshal.
		obj := map[string]interface{}{
			"noticeType": "Warning",
			"showUser":   false,
			"data": map[string]interface{}{
				"message": fmt.Sprintf("marshal notice failed: %s", errors.Trace(err)),
			},
			"timestamp": common.GetCurrentTimestamp(),
		}
		encodedJson, _ = json.Marshal(obj)
	}
	encodedJson = append(encodedJson, '\n')

	singletonNoticeLogger.mutex.Lock()
	defer singletonNoticeLogger.mutex.Unlock()

	if singletonNoticeLogger.writer != nil {
		_, _ = singletonNoticeLogger.writer.Write(encodedJson)
	}
	if singletonNoticeLogger.rotatingFile != nil {
		singletonNoticeLogger.rotatingFile.write(encodedJson)
	}
}

// rotatingNoticeFile is a size capped notice file. The underlying
// RotatableFileWriter reopens the file by name, which lets rotation
// rename the current file away and continue with a fresh one.
type rotatingNoticeFile struct {
	filename string
	maxSize  int64
	size     int64
	writer   *rotate.RotatableFileWriter
}

func newRotatingNoticeFile(filename string, maxSize int64) (*rotatingNoticeFile, error) {

	size := int64(0)
	if fileInfo, err := os.Stat(filename); err == nil {
		size = fileInfo.Size()
	}

	writer, err := rotate.NewRotatableFileWriter(filename, 1, true, 0600)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &rotatingNoticeFile{
		filename: filename,
		maxSize:  maxSize,
		size:     size,
		writer:   writer,
	}, nil
}

func (file *rotatingNoticeFile) write(p []byte) {

	if file.size+int64(len(p)) > file.maxSize && file.size > 0 {
		err := os.Rename(file.filename, file.filename+".1")
		if err == nil {
			err = file.writer.Reopen()
		}
		if err == nil {
			file.size = 0
		}
	}

	n, _ := file.writer.Write(p)
	file.size += int64(n)
}

func (file *rotatingNoticeFile) close() {
	_ = file.writer.Close()
}

// NoticeInfo is an informational message
func NoticeInfo(format string, args ...interface{}) {
	outputNotice("Info", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeWarning is a warning message; typically a recoverable error condition
func NoticeWarning(format string, args ...interface{}) {
	outputNotice("Warning", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeError is an error message; typically an unrecoverable error condition
func NoticeError(format string, args ...interface{}) {
	outputNotice("Error", noticeIsDiagnostic, "message", fmt.Sprintf(format, args...))
}

// NoticeConnectingServer reports a connection attempt to a server
func NoticeConnectingServer(ipAddress, region, transportProtocol string) {
	outputNotice("ConnectingServer", noticeIsDiagnostic,
		"ipAddress", ipAddress,
		"region", region,
		"protocol", transportProtocol)
}

// NoticeActiveTunnel is a successful connection that is in use
func NoticeActiveTunnel(ipAddress, transportProtocol string, isWholeSystem bool) {
	outputNotice("ActiveTunnel", noticeIsDiagnostic,
		"ipAddress", ipAddress,
		"protocol", transportProtocol,
		"isWholeSystem", isWholeSystem)
}

// NoticeSocksProxyPortInUse is a failure to use the configured LocalSocksProxyPort
func NoticeSocksProxyPortInUse(port int) {
	outputNotice("SocksProxyPortInUse", noticeShowUser, "port", port)
}

// NoticeListeningSocksProxyPort is the selected port for the listening local SOCKS proxy
func NoticeListeningSocksProxyPort(port int) {
	outputNotice("ListeningSocksProxyPort", 0, "port", port)
}

// NoticeHttpProxyPortInUse is a failure to use the configured LocalHttpProxyPort
func NoticeHttpProxyPortInUse(port int) {
	outputNotice("HttpProxyPortInUse", noticeShowUser, "port", port)
}

// NoticeListeningHttpProxyPort is the selected port for the listening local HTTP proxy
func NoticeListeningHttpProxyPort(port int) {
	outputNotice("ListeningHttpProxyPort", 0, "port", port)
}

// NoticeHomepages lists the home pages the server wants the client to open
func NoticeHomepages(urls []string) {
	for _, url := range urls {
		outputNotice("Homepage", 0, "url", url)
	}
}

// NoticeClientUpgradeAvailable is an available client upgrade, as per the
// handshake. The client should download and install an upgrade.
func NoticeClientUpgradeAvailable(version string) {
	outputNotice("ClientUpgradeAvailable", 0, "version", version)
}

// NoticeClientRegion is the client's region, as determined by the server and
// reported to the client in the handshake.
func NoticeClientRegion(region string) {
	outputNotice("ClientRegion", 0, "region", region)
}

// NoticeSplitTunnelActive reports when split tunnel rules are loaded or
// discarded.
func NoticeSplitTunnelActive(active bool, networkCount int) {
	outputNotice("SplitTunnelActive", 0, "active", active, "networks", networkCount)
}

// NoticeUntunneled indicates than an address has been classified as untunneled and is being
// accessed directly.
//
// Note: "address" should remain private; this notice should only be used for alerting
// users, not for diagnostics logs.
func NoticeUntunneled(address string) {
	outputNotice("Untunneled", noticeShowUser, "address", address)
}

// NoticeTransportFailed reports a failed connection attempt.
func NoticeTransportFailed(transportProtocol, ipAddress string, retryOkay bool, err error) {
	outputNotice("TransportFailed", noticeIsDiagnostic,
		"protocol", transportProtocol,
		"ipAddress", ipAddress,
		"connectRetryOkay", retryOkay,
		"error", err.Error())
}

// NoticeServerEntriesAdded reports newly discovered server entries, per
// transport.
func NoticeServerEntriesAdded(transportProtocol string, count int) {
	outputNotice("ServerEntriesAdded", 0, "protocol", transportProtocol, "count", count)
}

// NoticeConnectionState reports state changes of the overall connection,
// for example "Connecting", "Connected", "Disconnected".
func NoticeConnectionState(state string) {
	outputNotice("ConnectionState", 0, "state", state)
}

// NoticeSubprocessOutput relays an output line from a supervised
// subprocess.
func NoticeSubprocessOutput(name, line string) {
	outputNotice("SubprocessOutput", noticeIsDiagnostic, "name", name, "line", line)
}

// NoticeLocalProxyError reports a local proxy error message. Repetitive
// errors for a given proxy type are suppressed.
func NoticeLocalProxyError(proxyType string, err error) {

	// For repeats, only consider the base error message, which is
	// the root error that repeats (the full error often contains
	// different specific values, e.g., local port numbers, but
	// the same repeating root).
	// Assumes error format of errors.Trace.
	repetitionMessage := err.Error()
	index := strings.LastIndex(repetitionMessage, ": ")
	if index != -1 {
		repetitionMessage = repetitionMessage[index+2:]
	}

	outputRepetitiveNotice(
		"LocalProxyError"+proxyType, repetitionMessage, 1,
		"LocalProxyError", noticeIsDiagnostic, "message", err.Error())
}

// NoticeExiting indicates that the client is exiting imminently.
func NoticeExiting() {
	outputNotice("Exiting", 0)
}

type repetitiveNoticeState struct {
	message string
	repeats int
}

var repetitiveNoticeMutex sync.Mutex
var repetitiveNoticeStates = make(map[string]*repetitiveNoticeState)

// outputRepetitiveNotice conditionally outputs a notice. Used for notices which
// often repeat in noisy bursts. For a repeat limit of N, the notice is emitted
// with a "repeats" count on consecutive repeats up to the limit and then suppressed
// until the repetitionMessage differs.
func outputRepetitiveNotice(
	repetitionKey, repetitionMessage string, repeatLimit int,
	noticeType string, noticeFlags uint32, args ...interface{}) {

	repetitiveNoticeMutex.Lock()
	defer repetitiveNoticeMutex.Unlock()

	state, ok := repetitiveNoticeStates[repetitionKey]
	if !ok {
		state = new(repetitiveNoticeState)
		repetitiveNoticeStates[repetitionKey] = state
	}

	emit := true
	if repetitionMessage != state.message {
		state.message = repetitionMessage
		state.repeats = 0
	} else {
		state.repeats += 1
		if state.repeats > repeatLimit {
			emit = false
		}
	}

	if emit {
		if state.repeats > 0 {
			args = append(args, "repeats", state.repeats)
		}
		outputNotice(noticeType, noticeFlags, args...)
	}
}

type noticeObject struct {
	NoticeType string          `json:"noticeType"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
}

// GetNotice receives a JSON encoded object and attempts to parse it as a Notice.
// The type is returned as a string and the payload as a generic map.
func GetNotice(notice []byte) (
	noticeType string, payload map[string]interface{}, err error) {

	var object noticeObject
	err = json.Unmarshal(notice, &object)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if object.NoticeType == "" {
		return "", nil, errors.TraceNew("missing notice type")
	}

	payload = make(map[string]interface{})
	if len(object.Data) > 0 {
		err = json.Unmarshal(object.Data, &payload)
		if err != nil {
			return "", nil, errors.Trace(err)
		}
	}

	return object.NoticeType, payload, nil
}

// NoticeReceiver consumes a notice input stream and invokes a callback function
// for each discrete JSON notice object byte sequence.
type NoticeReceiver struct {
	mutex    sync.Mutex
	buffer   []byte
	callback func([]byte)
}

// NewNoticeReceiver initializes a new NoticeReceiver
func NewNoticeReceiver(callback func([]byte)) *NoticeReceiver {
	return &NoticeReceiver{callback: callback}
}

// Write implements io.Writer.
func (receiver *NoticeReceiver) Write(p []byte) (n int, err error) {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()

	receiver.buffer = append(receiver.buffer, p...)

	for {
		index := bytes.IndexByte(receiver.buffer, '\n')
		if index == -1 {
			break
		}
		notice := receiver.buffer[:index]
		receiver.buffer = receiver.buffer[index+1:]
		receiver.callback(notice)
	}

	return len(p), nil
}

// NewNoticeConsoleRewriter consumes JSON-format notice input and parses each
// notice and rewrites in a more human-readable format more suitable for
// console output. The data payload field is left as JSON.
func NewNoticeConsoleRewriter(writer io.Writer) *NoticeReceiver {
	return NewNoticeReceiver(func(notice []byte) {
		var object noticeObject
		_ = json.Unmarshal(notice, &object)
		fmt.Fprintf(
			writer,
			"%s %s %s\n",
			object.Timestamp,
			object.NoticeType,
			string(object.Data))
	})
}
