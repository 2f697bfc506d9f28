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
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

const (
	SUBPROCESS_LAUNCH_IDLE_TIMEOUT = 5 * time.Second
	SUBPROCESS_TERMINATE_TIMEOUT   = 2 * time.Second

	subprocessOutputChunkSize   = 4096
	subprocessOutputQueueLength = 64
)

type SubprocessStatus int

const (
	SUBPROCESS_NO_PROCESS SubprocessStatus = iota
	SUBPROCESS_RUNNING
	SUBPROCESS_EXITED
)

func (status SubprocessStatus) String() string {
	switch status {
	case SUBPROCESS_NO_PROCESS:
		return "no-process"
	case SUBPROCESS_RUNNING:
		return "running"
	case SUBPROCESS_EXITED:
		return "exited"
	}
	return "unknown"
}

// SpawnFlags modify how a subprocess is launched.
type SpawnFlags uint32

const (
	// SPAWN_CAPTURE_STDERR delivers stderr lines to the line handler along
	// with stdout lines. Without it, stderr is discarded.
	SPAWN_CAPTURE_STDERR SpawnFlags = 1 << iota

	// SPAWN_STDIN_PIPE attaches an input pipe to the subprocess stdin,
	// which remains open until CloseInputPipes.
	SPAWN_STDIN_PIPE
)

// SubprocessLineHandler receives one complete output line, without the
// trailing newline.
type SubprocessLineHandler func(line string)

type subprocessChunk struct {
	stream int
	data   []byte
}

// Subprocess supervises an external executable. Output is read by
// dedicated goroutines into a queue; ConsumeSubprocessOutput drains the
// queue without blocking and delivers complete lines to the line handler.
type Subprocess struct {
	name        string
	executable  string
	args        []string
	env         []string
	lineHandler SubprocessLineHandler

	mutex          sync.Mutex
	cmd            *exec.Cmd
	stdinWriter    *os.File
	closeInputOnce sync.Once
	output         chan subprocessChunk
	discardOutput  chan struct{}
	discardOnce    sync.Once
	outputReady    chan struct{}
	outputArrived  chan struct{}
	arrivedOnce    sync.Once
	outputClosed   chan struct{}
	exited         chan struct{}
	exitCode       int
	partialLines   [2][]byte
}

// NewSubprocess creates a supervisor for executable. env entries are
// appended to the current process environment.
func NewSubprocess(
	name, executable string,
	args, env []string,
	lineHandler SubprocessLineHandler) *Subprocess {

	return &Subprocess{
		name:        name,
		executable:  executable,
		args:        args,
		env:         env,
		lineHandler: lineHandler,
		exitCode:    -1,
	}
}

func (subprocess *Subprocess) Name() string {
	return subprocess.name
}

// Spawn launches the subprocess. Failure to create pipes or to start the
// executable is a SystemError.
func (subprocess *Subprocess) Spawn(flags SpawnFlags) error {

	subprocess.mutex.Lock()
	defer subprocess.mutex.Unlock()

	if subprocess.cmd != nil {
		return errors.Tracef("%s: subprocess already spawned", subprocess.name)
	}

	cmd := exec.Command(subprocess.executable, subprocess.args...)
	if len(subprocess.env) > 0 {
		cmd.Env = append(os.Environ(), subprocess.env...)
	}

	// Parent copies of the child's pipe ends are closed after start, so
	// the readers observe EOF once the child exits.
	var childFiles []*os.File
	closeChildFiles := func() {
		for _, file := range childFiles {
			file.Close()
		}
	}

	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		return NewSystemError(errors.Trace(err))
	}
	childFiles = append(childFiles, stdoutWriter)
	cmd.Stdout = stdoutWriter

	var stderrReader *os.File
	if flags&SPAWN_CAPTURE_STDERR != 0 {
		var stderrWriter *os.File
		stderrReader, stderrWriter, err = os.Pipe()
		if err != nil {
			stdoutReader.Close()
			closeChildFiles()
			return NewSystemError(errors.Trace(err))
		}
		childFiles = append(childFiles, stderrWriter)
		cmd.Stderr = stderrWriter
	}

	var stdinWriter *os.File
	if flags&SPAWN_STDIN_PIPE != 0 {
		var stdinReader *os.File
		stdinReader, stdinWriter, err = os.Pipe()
		if err != nil {
			stdoutReader.Close()
			if stderrReader != nil {
				stderrReader.Close()
			}
			closeChildFiles()
			return NewSystemError(errors.Trace(err))
		}
		childFiles = append(childFiles, stdinReader)
		cmd.Stdin = stdinReader
	}

	err = cmd.Start()
	closeChildFiles()
	if err != nil {
		stdoutReader.Close()
		if stderrReader != nil {
			stderrReader.Close()
		}
		if stdinWriter != nil {
			stdinWriter.Close()
		}
		return NewSystemError(errors.TraceMsg(err, subprocess.name))
	}

	subprocess.cmd = cmd
	subprocess.stdinWriter = stdinWriter
	subprocess.output = make(chan subprocessChunk, subprocessOutputQueueLength)
	subprocess.discardOutput = make(chan struct{})
	subprocess.outputReady = make(chan struct{}, 1)
	subprocess.outputArrived = make(chan struct{})
	subprocess.outputClosed = make(chan struct{})
	subprocess.exited = make(chan struct{})

	readers := new(sync.WaitGroup)
	readers.Add(1)
	go subprocess.readOutput(0, stdoutReader, readers)
	if stderrReader != nil {
		readers.Add(1)
		go subprocess.readOutput(1, stderrReader, readers)
	}
	go func() {
		readers.Wait()
		close(subprocess.outputClosed)
		subprocess.signalOutputReady()
	}()

	go func() {
		_ = cmd.Wait()
		subprocess.mutex.Lock()
		subprocess.exitCode = cmd.ProcessState.ExitCode()
		subprocess.mutex.Unlock()
		close(subprocess.exited)
	}()

	return nil
}

func (subprocess *Subprocess) readOutput(stream int, reader io.ReadCloser, readers *sync.WaitGroup) {
	defer readers.Done()
	defer reader.Close()
	for {
		buffer := make([]byte, subprocessOutputChunkSize)
		n, err := reader.Read(buffer)
		if n > 0 {
			subprocess.arrivedOnce.Do(func() { close(subprocess.outputArrived) })
			if subprocess.enqueueOutput(subprocessChunk{stream: stream, data: buffer[:n]}) {
				subprocess.signalOutputReady()
			}
		}
		if err != nil {
			subprocess.enqueueOutput(subprocessChunk{stream: stream, data: nil})
			return
		}
	}
}

// enqueueOutput queues chunk for ConsumeSubprocessOutput. Once output is
// discarded, the chunk is dropped, and the reader keeps draining the pipe
// so the process never blocks writing to it.
func (subprocess *Subprocess) enqueueOutput(chunk subprocessChunk) bool {
	select {
	case subprocess.output <- chunk:
		return true
	case <-subprocess.discardOutput:
		return false
	}
}

// DiscardOutput stops queueing output. Output already queued may still be
// consumed; later output is read and dropped. It is safe to call any
// number of times.
func (subprocess *Subprocess) DiscardOutput() {
	subprocess.mutex.Lock()
	discardOutput := subprocess.discardOutput
	subprocess.mutex.Unlock()

	if discardOutput == nil {
		return
	}
	subprocess.discardOnce.Do(func() { close(discardOutput) })
}

func (subprocess *Subprocess) signalOutputReady() {
	select {
	case subprocess.outputReady <- struct{}{}:
	default:
	}
}

// OutputReady returns a channel that receives a value when output may be
// available to ConsumeSubprocessOutput. It returns nil before Spawn.
func (subprocess *Subprocess) OutputReady() <-chan struct{} {
	subprocess.mutex.Lock()
	defer subprocess.mutex.Unlock()
	return subprocess.outputReady
}

// OutputClosed returns a channel that is closed once all output pipes have
// reached EOF. It returns nil before Spawn.
func (subprocess *Subprocess) OutputClosed() <-chan struct{} {
	subprocess.mutex.Lock()
	defer subprocess.mutex.Unlock()
	return subprocess.outputClosed
}

// Exited returns a channel that is closed once the process has exited. It
// returns nil before Spawn.
func (subprocess *Subprocess) Exited() <-chan struct{} {
	subprocess.mutex.Lock()
	defer subprocess.mutex.Unlock()
	return subprocess.exited
}

// ConsumeSubprocessOutput delivers every complete line of currently
// available output to the line handler and returns the number of lines
// delivered. It never blocks waiting for output. A partial trailing line is
// buffered until its newline arrives or its stream reaches EOF.
func (subprocess *Subprocess) ConsumeSubprocessOutput() int {

	subprocess.mutex.Lock()
	output := subprocess.output
	subprocess.mutex.Unlock()

	if output == nil {
		return 0
	}

	lines := 0
	for {
		select {
		case chunk := <-output:
			lines += subprocess.processChunk(chunk)
		default:
			return lines
		}
	}
}

func (subprocess *Subprocess) processChunk(chunk subprocessChunk) int {

	lines := 0
	partial := append(subprocess.partialLines[chunk.stream], chunk.data...)

	for {
		index := bytes.IndexByte(partial, '\n')
		if index == -1 {
			break
		}
		subprocess.deliverLine(partial[:index])
		partial = partial[index+1:]
		lines += 1
	}

	if chunk.data == nil && len(partial) > 0 {
		subprocess.deliverLine(partial)
		partial = nil
		lines += 1
	}

	subprocess.partialLines[chunk.stream] = append([]byte(nil), partial...)

	return lines
}

func (subprocess *Subprocess) deliverLine(line []byte) {
	if subprocess.lineHandler == nil {
		return
	}
	subprocess.lineHandler(strings.TrimRight(string(line), "\r"))
}

// Status reports whether the process is running, has exited, or was never
// spawned. It does not block.
func (subprocess *Subprocess) Status() SubprocessStatus {
	subprocess.mutex.Lock()
	exited := subprocess.exited
	subprocess.mutex.Unlock()

	if exited == nil {
		return SUBPROCESS_NO_PROCESS
	}
	select {
	case <-exited:
		return SUBPROCESS_EXITED
	default:
		return SUBPROCESS_RUNNING
	}
}

// ExitCode returns the process exit code, or -1 if it has not exited.
func (subprocess *Subprocess) ExitCode() int {
	subprocess.mutex.Lock()
	defer subprocess.mutex.Unlock()
	return subprocess.exitCode
}

// WriteInput writes to the subprocess stdin. Spawn must have been called
// with SPAWN_STDIN_PIPE.
func (subprocess *Subprocess) WriteInput(p []byte) error {
	subprocess.mutex.Lock()
	stdinWriter := subprocess.stdinWriter
	subprocess.mutex.Unlock()

	if stdinWriter == nil {
		return errors.TraceNew("no input pipe")
	}
	_, err := stdinWriter.Write(p)
	return errors.Trace(err)
}

// CloseInputPipes closes the parent's end of the stdin pipe. It is safe to
// call any number of times.
func (subprocess *Subprocess) CloseInputPipes() {
	subprocess.closeInputOnce.Do(func() {
		subprocess.mutex.Lock()
		stdinWriter := subprocess.stdinWriter
		subprocess.mutex.Unlock()
		if stdinWriter != nil {
			stdinWriter.Close()
		}
	})
}

// WaitForLaunchIdle blocks until the subprocess produces its first output,
// exits, or timeout elapses. Only first output is success.
func (subprocess *Subprocess) WaitForLaunchIdle(timeout time.Duration) error {

	subprocess.mutex.Lock()
	outputArrived := subprocess.outputArrived
	exited := subprocess.exited
	subprocess.mutex.Unlock()

	if exited == nil {
		return errors.TraceNew("no process")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-outputArrived:
		return nil
	case <-exited:
		return errors.Tracef("%s: exited during launch with code %d", subprocess.name, subprocess.ExitCode())
	case <-timer.C:
		return errors.Tracef("%s: launch idle timeout", subprocess.name)
	}
}

// Terminate kills the process, if running, and waits for it to exit. It is
// safe to call at any time.
func (subprocess *Subprocess) Terminate() {

	subprocess.CloseInputPipes()

	subprocess.mutex.Lock()
	cmd := subprocess.cmd
	exited := subprocess.exited
	subprocess.mutex.Unlock()

	if cmd == nil {
		return
	}

	select {
	case <-exited:
		return
	default:
	}

	_ = cmd.Process.Kill()

	timer := time.NewTimer(SUBPROCESS_TERMINATE_TIMEOUT)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		NoticeWarning("%s: subprocess did not exit after kill", subprocess.name)
	}
}

// PumpOutput runs ConsumeSubprocessOutput as output arrives, until every
// output pipe reaches EOF or stop is closed. After stop, output is
// discarded. The returned channel is closed when pumping ends.
func (subprocess *Subprocess) PumpOutput(stop <-chan struct{}) <-chan struct{} {

	done := make(chan struct{})

	outputReady := subprocess.OutputReady()
	outputClosed := subprocess.OutputClosed()

	go func() {
		defer close(done)

		if outputReady == nil {
			return
		}

		for {
			select {
			case <-outputReady:
				subprocess.ConsumeSubprocessOutput()
			case <-outputClosed:
				// Readers enqueue all output, including EOF markers,
				// before outputClosed is closed.
				subprocess.ConsumeSubprocessOutput()
				return
			case <-stop:
				subprocess.ConsumeSubprocessOutput()
				subprocess.DiscardOutput()
				return
			}
		}
	}()

	return done
}
