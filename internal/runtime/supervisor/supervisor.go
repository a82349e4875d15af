// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, optional restart, and graceful waiting. One bad
// worker must not take the process down.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64

	wg sync.WaitGroup
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Go runs fn once in a supervised goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn, false)
}

// GoRestart reruns fn after a panic or unexpected error until the
// supervisor context is canceled. Restarts are spaced out so a
// hot-crashing worker cannot spin the CPU.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn, true)
}

func (s *Supervisor) spawn(name string, fn func(ctx context.Context) error, restart bool) {
	s.wg.Add(1)
	s.started.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		for {
			err := s.runOnce(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil || !restart {
				return
			}
			s.log.Warn("goroutine exited, restarting", logx.String("goroutine", name), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panic",
				logx.String("goroutine", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return fn(s.ctx)
}

// Cancel stops the supervisor context.
func (s *Supervisor) Cancel() { s.cancel() }

// Wait blocks until all goroutines have returned or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counters are best-effort operational metrics.
type Counters struct {
	Active  int64
	Started uint64
	Panics  uint64
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
}
