// Package autoevent implements the single-permit, single-waiter
// auto-reset event of SPEC_FULL.md §4.7: signal wakes exactly one waiter,
// and the signalled state is consumed by whichever waiter observes it.
package autoevent

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

type config struct {
	class *lockclass.Class
	sub   lockclass.SubClass
	name  string
}

// Option configures an Event at creation time.
type Option func(*config)

// WithClass attaches a lock class to the event's shared (signaller)
// record.
func WithClass(c *lockclass.Class) Option { return func(cfg *config) { cfg.class = c } }

// WithSubClass sets the sub-class bound to the event's record.
func WithSubClass(s lockclass.SubClass) Option { return func(cfg *config) { cfg.sub = s } }

// WithName sets a diagnostic name.
func WithName(name string) Option { return func(cfg *config) { cfg.name = name } }

// Event is an auto-reset event: exactly one waiter is released per
// Signal.
type Event struct {
	signalled atomic.Uint32 // 0 or 1
	waiters   atomic.Int32

	waker *waker.Waker
	rec   *validator.SharedRecord
}

// New creates an auto-reset event with no signaller restriction.
func New() *Event {
	return NewEx()
}

// NewEx is create_ex for auto-reset events.
func NewEx(opts ...Option) *Event {
	cfg := config{name: "auto-event"}
	for _, o := range opts {
		o(&cfg)
	}
	return &Event{
		waker: waker.New(),
		rec:   validator.NewSharedRecord(cfg.name, cfg.class, cfg.sub),
	}
}

// Destroy invalidates the event. Any thread blocked in Wait returns
// errs.Destroyed in bounded time.
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

// AddSignaller permits the calling thread to signal/reset, in addition
// to whoever else is already permitted.
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

// Signal releases one waiter if any is blocked, or leaves a single
// pending permit for the next Wait call otherwise (SPEC_FULL.md §4.7).
func (e *Event) Signal() error {
	self := validator.Self.Current()
	if err := validator.CheckSignaller(e.rec, self); err != nil {
		return err
	}
	e.signalled.Store(1)
	if e.waiters.Load() > 0 {
		e.waker.WakeOne()
	}
	return nil
}

// Wait blocks until signalled, consuming the permit.
func (e *Event) Wait() error {
	return e.WaitEx(deadline.IndefiniteSpec(deadline.Resume))
}

// WaitTimeout blocks until signalled or d elapses.
func (e *Event) WaitTimeout(d time.Duration) error {
	return e.WaitEx(deadline.After(d, deadline.Resume))
}

// WaitEx is request_ex for auto-reset events.
func (e *Event) WaitEx(spec deadline.Spec) error {
	self := validator.Self.Current()
	pos := srcPos(1)

	if err := validator.CheckOrderShared(self, e.rec, pos); err != nil {
		return err
	}

	now := time.Now()
	dl := deadline.Compute(spec, now, now)

	e.waiters.Add(1)
	if e.waiters.Load() == 1 && e.signalled.CompareAndSwap(1, 0) {
		e.waiters.Add(-1)
		validator.RegisterSharedOwner(self, e.rec, pos)
		validator.UnregisterSharedOwner(self, e.rec)
		return nil
	}

	if err := validator.BeginWaitShared(self, e.rec); err != nil {
		e.waiters.Add(-1)
		return err
	}

	for {
		outcome := e.waker.Wait(func() bool {
			return e.signalled.Load() == 1
		}, dl)

		switch outcome {
		case waker.Woke:
			if e.signalled.CompareAndSwap(1, 0) {
				validator.EndWait(self)
				e.waiters.Add(-1)
				validator.RegisterSharedOwner(self, e.rec, pos)
				validator.UnregisterSharedOwner(self, e.rec)
				return nil
			}
			// Lost the race for the single permit to another waiter;
			// keep waiting.
			continue
		case waker.TimedOut:
			validator.EndWait(self)
			e.waiters.Add(-1)
			return errs.New(errs.Timeout)
		case waker.Destroyed:
			validator.EndWait(self)
			e.waiters.Add(-1)
			return errs.New(errs.Destroyed)
		case waker.Interrupted:
			if spec.Resumption == deadline.NoResume {
				validator.EndWait(self)
				e.waiters.Add(-1)
				return errs.New(errs.Interrupted)
			}
			continue
		}
	}
}
