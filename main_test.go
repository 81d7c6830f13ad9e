package main

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// fakeScheduler blocks Start like a long initial export until Stop
type fakeScheduler struct {
	ctx      context.Context
	cancel   context.CancelFunc
	started  chan struct{}
	startErr error
	block    bool
	stopped  atomic.Bool
}

func newFakeScheduler(block bool, startErr error) *fakeScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeScheduler{ctx: ctx, cancel: cancel, started: make(chan struct{}), block: block, startErr: startErr}
}

func (f *fakeScheduler) Start() error {
	close(f.started)
	if f.block {
		<-f.ctx.Done()
		return f.ctx.Err()
	}
	return f.startErr
}

func (f *fakeScheduler) Stop() {
	f.stopped.Store(true)
	f.cancel()
}

func supervise(t *testing.T, sched *fakeScheduler, quit chan os.Signal, serverErr chan error) <-chan int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- superviseScheduler(sched, quit, serverErr) }()
	return done
}

func waitCode(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("superviseScheduler did not return")
		return -1
	}
}

func TestSignalInterruptsInitialExport(t *testing.T) {
	sched := newFakeScheduler(true, nil)
	quit := make(chan os.Signal, 1)
	done := supervise(t, sched, quit, make(chan error))

	<-sched.started
	quit <- syscall.SIGTERM

	if code := waitCode(t, done); code != 0 {
		t.Errorf("Expected exit code 0 on signal, got %d", code)
	}
	if !sched.stopped.Load() {
		t.Error("Expected the scheduler to be stopped")
	}
}

func TestSignalAfterStart(t *testing.T) {
	sched := newFakeScheduler(false, nil)
	quit := make(chan os.Signal, 1)
	done := supervise(t, sched, quit, make(chan error))

	<-sched.started
	quit <- syscall.SIGINT

	if code := waitCode(t, done); code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}
	if !sched.stopped.Load() {
		t.Error("Expected the scheduler to be stopped")
	}
}

func TestStartFailureExits(t *testing.T) {
	sched := newFakeScheduler(false, errors.New("initial export failed"))
	done := supervise(t, sched, make(chan os.Signal, 1), make(chan error))

	if code := waitCode(t, done); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
}

func TestServerFailureStopsScheduler(t *testing.T) {
	sched := newFakeScheduler(true, nil)
	serverErr := make(chan error, 1)
	done := supervise(t, sched, make(chan os.Signal, 1), serverErr)

	<-sched.started
	serverErr <- errors.New("address already in use")

	if code := waitCode(t, done); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
	if !sched.stopped.Load() {
		t.Error("Expected the scheduler to be stopped")
	}
}
