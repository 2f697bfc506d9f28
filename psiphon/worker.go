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
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

const (
	WORKER_DEFAULT_PERIODIC_CHECK = 100 * time.Millisecond
	WORKER_STOP_SYNCH_TIMEOUT     = 100 * time.Millisecond
)

// Worker is a unit of supervised work run by a WorkerThread.
//
// DoStart performs start up and blocks until the worker is running or has
// failed; ctx is cancelled if the thread is stopped or a matching stop
// signal is raised while starting. DoPeriodicCheck is polled while running
// and returns false when the worker can no longer run. StopImminent is
// invoked before DoStop, and DoStop releases all worker resources. DoStop
// is also invoked after a failed DoStart, so it must tolerate partially
// started state. cleanly reports whether every sibling worker in the
// WorkerThreadSynch group is also stopping in response to a stop request.
type Worker interface {
	DoStart(ctx context.Context) error
	DoPeriodicCheck() bool
	StopImminent()
	DoStop(cleanly bool)
}

type workerState int32

const (
	WORKER_STOPPED workerState = iota
	WORKER_STARTING
	WORKER_RUNNING
	WORKER_STOPPING
)

func (state workerState) String() string {
	switch state {
	case WORKER_STOPPED:
		return "stopped"
	case WORKER_STARTING:
		return "starting"
	case WORKER_RUNNING:
		return "running"
	case WORKER_STOPPING:
		return "stopping"
	}
	return "unknown"
}

// WorkerThread runs a Worker in its own goroutine through the lifecycle
// STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED.
type WorkerThread struct {
	name     string
	worker   Worker
	period   time.Duration
	state    int32
	mutex    sync.Mutex
	stopOnce *sync.Once
	stopReq  chan struct{}
	stopped  chan struct{}
	exitErr  atomic.Value
}

type workerExit struct {
	err error
}

func NewWorkerThread(name string, worker Worker, period time.Duration) *WorkerThread {
	if period <= 0 {
		period = WORKER_DEFAULT_PERIODIC_CHECK
	}
	stopped := make(chan struct{})
	close(stopped)
	return &WorkerThread{
		name:     name,
		worker:   worker,
		period:   period,
		stopOnce: new(sync.Once),
		stopReq:  make(chan struct{}),
		stopped:  stopped,
	}
}

func (thread *WorkerThread) Name() string {
	return thread.name
}

func (thread *WorkerThread) getState() workerState {
	return workerState(atomic.LoadInt32(&thread.state))
}

func (thread *WorkerThread) setState(state workerState) {
	atomic.StoreInt32(&thread.state, int32(state))
}

func (thread *WorkerThread) IsRunning() bool {
	return thread.getState() == WORKER_RUNNING
}

// Stopped returns a channel that is closed when the thread has fully exited.
func (thread *WorkerThread) Stopped() <-chan struct{} {
	thread.mutex.Lock()
	defer thread.mutex.Unlock()
	return thread.stopped
}

// Err returns the reason the worker stopped running: nil after a requested
// Stop, a StopError after a stop signal, or the periodic check failure.
func (thread *WorkerThread) Err() error {
	exit, ok := thread.exitErr.Load().(workerExit)
	if !ok {
		return nil
	}
	return exit.err
}

// Start launches the worker and blocks until start up has completed or
// failed. synch may be nil.
func (thread *WorkerThread) Start(stopInfo StopInfo, synch *WorkerThreadSynch) error {

	thread.mutex.Lock()

	if thread.getState() != WORKER_STOPPED {
		thread.mutex.Unlock()
		return errors.Tracef("%s: worker already started", thread.name)
	}

	thread.setState(WORKER_STARTING)
	thread.stopOnce = new(sync.Once)
	thread.stopReq = make(chan struct{})
	thread.stopped = make(chan struct{})
	thread.exitErr.Store(workerExit{})
	stopReq := thread.stopReq
	stopped := thread.stopped

	thread.mutex.Unlock()

	startResult := make(chan error, 1)

	go thread.run(stopInfo, synch, stopReq, stopped, startResult)

	err := <-startResult
	if err != nil {
		<-stopped
		return errors.TraceMsg(err, thread.name)
	}
	return nil
}

func (thread *WorkerThread) run(
	stopInfo StopInfo,
	synch *WorkerThreadSynch,
	stopReq chan struct{},
	stopped chan struct{},
	startResult chan error) {

	defer close(stopped)

	signalCtx, signalCancel := stopInfo.Context(context.Background())
	defer signalCancel()

	startCtx, startCancel := context.WithCancel(signalCtx)
	go func() {
		select {
		case <-stopReq:
			startCancel()
		case <-startCtx.Done():
		}
	}()

	err := thread.worker.DoStart(startCtx)
	if err == nil {
		if stopErr := stopInfo.Check(); stopErr != nil {
			err = stopErr
		} else if startCtx.Err() != nil {
			err = errors.TraceNew("stopped while starting")
		}
	}
	startCancel()

	if err != nil {
		thread.setState(WORKER_STOPPING)
		thread.worker.StopImminent()
		thread.worker.DoStop(false)
		thread.exitErr.Store(workerExit{err: err})
		thread.setState(WORKER_STOPPED)
		startResult <- err
		return
	}

	thread.setState(WORKER_RUNNING)
	synch.ThreadStarted()
	startResult <- nil

	ticker := time.NewTicker(thread.period)
	stoppingCleanly := false
	var exitErr error

loop:
	for {
		select {
		case <-stopReq:
			stoppingCleanly = true
			break loop
		case <-signalCtx.Done():
			exitErr = stopInfo.Check()
			if exitErr == nil {
				exitErr = errors.TraceNew("stop signalled")
			}
			break loop
		case <-ticker.C:
			if !thread.worker.DoPeriodicCheck() {
				exitErr = errors.Tracef("%s: periodic check failed", thread.name)
				break loop
			}
		}
	}
	ticker.Stop()

	thread.setState(WORKER_STOPPING)
	thread.exitErr.Store(workerExit{err: exitErr})

	thread.worker.StopImminent()

	cleanly := false
	if stoppingCleanly {
		synch.ThreadStoppingCleanly()
		cleanly = synch.WaitAllStoppingCleanly(WORKER_STOP_SYNCH_TIMEOUT)
	}

	thread.worker.DoStop(cleanly)

	thread.setState(WORKER_STOPPED)
}

// Stop requests a cooperative shutdown and blocks until the worker has
// fully exited. Stop may be called any number of times, including before
// Start.
func (thread *WorkerThread) Stop() {
	thread.mutex.Lock()
	stopOnce := thread.stopOnce
	stopReq := thread.stopReq
	stopped := thread.stopped
	thread.mutex.Unlock()

	stopOnce.Do(func() { close(stopReq) })
	<-stopped
}

// WorkerThreadSynch coordinates a group of sibling workers through two
// latches: "all threads started" and "all threads stopping cleanly". A
// worker that stops because of its own failure never counts down the
// stopping latch, so its siblings observe an unclean stop.
//
// All methods may be called on a nil *WorkerThreadSynch, which behaves as
// a group of one.
type WorkerThreadSynch struct {
	mutex           sync.Mutex
	expected        int
	started         *countdownLatch
	stoppingCleanly *countdownLatch
}

func NewWorkerThreadSynch() *WorkerThreadSynch {
	synch := &WorkerThreadSynch{}
	synch.Reset(0)
	return synch
}

// Reset rearms both latches for a group of expected workers.
func (synch *WorkerThreadSynch) Reset(expected int) {
	synch.mutex.Lock()
	defer synch.mutex.Unlock()
	synch.expected = expected
	synch.started = newCountdownLatch(expected)
	synch.stoppingCleanly = newCountdownLatch(expected)
}

func (synch *WorkerThreadSynch) latches() (*countdownLatch, *countdownLatch) {
	synch.mutex.Lock()
	defer synch.mutex.Unlock()
	return synch.started, synch.stoppingCleanly
}

func (synch *WorkerThreadSynch) ThreadStarted() {
	if synch == nil {
		return
	}
	started, _ := synch.latches()
	started.countDown()
}

// AllStarted returns a channel closed once every expected worker started.
func (synch *WorkerThreadSynch) AllStarted() <-chan struct{} {
	if synch == nil {
		return closedChannel()
	}
	started, _ := synch.latches()
	return started.done
}

func (synch *WorkerThreadSynch) ThreadStoppingCleanly() {
	if synch == nil {
		return
	}
	_, stoppingCleanly := synch.latches()
	stoppingCleanly.countDown()
}

// AllStoppingCleanly returns a channel closed once every expected worker
// is stopping in response to a stop request.
func (synch *WorkerThreadSynch) AllStoppingCleanly() <-chan struct{} {
	if synch == nil {
		return closedChannel()
	}
	_, stoppingCleanly := synch.latches()
	return stoppingCleanly.done
}

// WaitAllStoppingCleanly waits up to timeout for AllStoppingCleanly.
func (synch *WorkerThreadSynch) WaitAllStoppingCleanly(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-synch.AllStoppingCleanly():
		return true
	case <-timer.C:
		return false
	}
}

type countdownLatch struct {
	mutex sync.Mutex
	count int
	done  chan struct{}
}

func newCountdownLatch(count int) *countdownLatch {
	latch := &countdownLatch{
		count: count,
		done:  make(chan struct{}),
	}
	if count <= 0 {
		close(latch.done)
	}
	return latch
}

func (latch *countdownLatch) countDown() {
	latch.mutex.Lock()
	defer latch.mutex.Unlock()
	if latch.count <= 0 {
		return
	}
	latch.count -= 1
	if latch.count == 0 {
		close(latch.done)
	}
}

func closedChannel() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
