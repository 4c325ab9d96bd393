// Package manualevent implements the sticky, broadcast manual-reset event
// of SPEC_FULL.md §4.8: once signalled, every current and future waiter
// passes through until an explicit Reset.
package manualevent

import (
	"runtime"
	"sync/atomic"
	"time"

	"lockvalidator/deadline"
	"lockvalidator/errs"
	"lockvalidator/lockclass"
	"lockvalidator/validator"
	"lockvalidator/waker"
)

type state uint32

const (
	stateNotSignalled           state = 0
	stateNotSignalledWithWaiter state = 1
	stateSignalled              state = 2
)

type config struct {
	class *lockclass.Class
	sub   lockclass.SubClass
	name  string
}

// Option configures an Event at creation time.
type Option func(*config)

// WithClass attaches a lock class to the event's record.
func WithClass(c *lockclass.Class) Option { return func(cfg *config) { cfg.class = c } }

// WithSubClass sets the sub-class bound to the event's record.
func WithSubClass(s lockclass.SubClass) Option { return func(cfg *config) { cfg.sub = s } }

// WithName sets a diagnostic name.
func WithName(name string) Option { return func(cfg *config) { cfg.name = name } }

// Event is a manual-reset event: once Signal is called, every waiter
// (current and future) is released until Reset clears it.
type Event struct {
	state  atomic.Uint32
	serial atomic.Uint64 // bumped on each Signal, for assertions/tests

	waker *waker.Waker
	rec   *validator.SharedRecord
}

// New creates a manual-reset event, initially not signalled, with no
// signaller restriction.
func New() *Event {
	return NewEx()
}

// NewEx is create_ex for manual-reset events.
func NewEx(opts ...Option) *Event {
	cfg := config{name: "manual-event"}
	for _, o := range opts {
		o(&cfg)
	}
	e := &Event{
		waker: waker.New(),
		rec:   validator.NewSharedRecord(cfg.name, cfg.class, cfg.sub),
	}
	e.state.Store(uint32(stateNotSignalled))
	return e
}

// Destroy invalidates the event.
func (e *Event) Destroy() error {
	if err := e.rec.Destroy(); err != nil {
		return err
	}
	e.waker.Destroy()
	return nil
}

// SetSignaller restricts signalling/reset to exactly the calling thread.
func (e *Event) SetSignaller() {
	e.rec.SetSignaller(validator.Self.Current())
}

// AddSignaller permits the calling thread to signal/reset.
func (e *Event) AddSignaller() {
	e.rec.AddSignaller(validator.Self.Current())
}

// RemoveSignaller revokes the calling thread's permission to signal/
// reset.
func (e *Event) RemoveSignaller() {
	e.rec.RemoveSignaller(validator.Self.Current())
}

func srcPos(skip int) validator.SrcPos {
	pc, file, line, _ := runtime.Caller(skip + 1)
	fn := runtime.FuncForPC(pc)
	name := ""
	if fn != nil {
		name = fn.Name()
	}
	return validator.SrcPos{SrcPos: lockclass.SrcPos{File: file, Line: line, Func: name}, CallerPC: pc}
}

// Signal sets the event, releasing every thread currently or subsequently
// blocked in Wait until Reset is called.
func (e *Event) Signal() error {
	self := validator.Self.Current()
	if err := validator.CheckSignaller(e.rec, self); err != nil {
		return err
	}
	e.serial.Add(1)
	if e.state.Swap(uint32(stateSignalled)) == uint32(stateNotSignalledWithWaiter) {
		e.waker.WakeAll()
	}
	return nil
}

// Reset clears the event back to not-signalled.
func (e *Event) Reset() error {
	self := validator.Self.Current()
	if err := validator.CheckSignaller(e.rec, self); err != nil {
		return err
	}
	e.state.CompareAndSwap(uint32(stateSignalled), uint32(stateNotSignalled))
	return nil
}

// IsSignalled reports the event's current state. Racy by nature; intended
// for diagnostics.
func (e *Event) IsSignalled() bool {
	return state(e.state.Load()) == stateSignalled
}

// Serial returns the number of times Signal has been called, for tests
// that need to assert a signal actually happened versus a stale wake.
func (e *Event) Serial() uint64 {
	return e.serial.Load()
}

// Wait blocks until the event is signalled.
func (e *Event) Wait() error {
	return e.WaitEx(deadline.IndefiniteSpec(deadline.Resume))
}

// WaitTimeout blocks until the event is signalled or d elapses.
func (e *Event) WaitTimeout(d time.Duration) error {
	return e.WaitEx(deadline.After(d, deadline.Resume))
}

// WaitEx is request_ex for manual-reset events.
func (e *Event) WaitEx(spec deadline.Spec) error {
	self := validator.Self.Current()
	pos := srcPos(1)

	if err := validator.CheckOrderShared(self, e.rec, pos); err != nil {
		return err
	}

	now := time.Now()
	dl := deadline.Compute(spec, now, now)

	if state(e.state.Load()) == stateSignalled {
		validator.RegisterSharedOwner(self, e.rec, pos)
		validator.UnregisterSharedOwner(self, e.rec)
		return nil
	}

	// Mark that at least one waiter exists so a racing Signal knows to
	// broadcast rather than just flip the bit.
	e.state.CompareAndSwap(uint32(stateNotSignalled), uint32(stateNotSignalledWithWaiter))

	if err := validator.BeginWaitShared(self, e.rec); err != nil {
		return err
	}

	for {
		outcome := e.waker.Wait(func() bool {
			return state(e.state.Load()) == stateSignalled
		}, dl)

		switch outcome {
		case waker.Woke:
			if state(e.state.Load()) == stateSignalled {
				validator.EndWait(self)
				validator.RegisterSharedOwner(self, e.rec, pos)
				validator.UnregisterSharedOwner(self, e.rec)
				return nil
			}
			continue
		case waker.TimedOut:
			validator.EndWait(self)
			return errs.New(errs.Timeout)
		case waker.Destroyed:
			validator.EndWait(self)
			return errs.New(errs.Destroyed)
		case waker.Interrupted:
			if spec.Resumption == deadline.NoResume {
				validator.EndWait(self)
				return errs.New(errs.Interrupted)
			}
			continue
		}
	}
}
