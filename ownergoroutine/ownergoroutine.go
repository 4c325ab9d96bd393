// Package ownergoroutine offers a message-passing alternative to
// mutexlock.Mutex (SPEC_FULL.md §9 design note): instead of a CAS'd
// atomic state word, a single owner goroutine serializes every request
// over a channel. It exposes the same validator hooks, error kinds, and
// extended-wait semantics as mutexlock — an alternate implementation of
// the same contract, not a separate one.
//
// Grounded on the request/reply-channel worker pattern used throughout
// ErikKassubek-ADVOCATE's runtime/ package for serializing access to
// shared trace state from many goroutines without a lock of its own.
package ownergoroutine

import (
	"runtime"
	"sync/atomic"
	"time"

	"lockvalidator/deadline"
	"lockvalidator/errs"
	"lockvalidator/lockclass"
	"lockvalidator/threadid"
	"lockvalidator/validator"
)

type config struct {
	class *lockclass.Class
	sub   lockclass.SubClass
	name  string
}

// Option configures a Mutex at creation time.
type Option func(*config)

// WithClass attaches a lock class.
func WithClass(c *lockclass.Class) Option { return func(cfg *config) { cfg.class = c } }

// WithSubClass sets the sub-class bound to this mutex's record.
func WithSubClass(s lockclass.SubClass) Option { return func(cfg *config) { cfg.sub = s } }

// WithName sets a diagnostic name.
func WithName(name string) Option { return func(cfg *config) { cfg.name = name } }

type request struct {
	id    uint64
	self  threadid.ID
	pos   validator.SrcPos
	spec  deadline.Spec
	reply chan error
}

type release struct {
	self  threadid.ID
	reply chan error
}

// Mutex is a reentrant mutex whose state word lives entirely inside one
// owner goroutine's closure instead of in shared memory.
type Mutex struct {
	rec *validator.ExclusiveRecord

	requests chan request
	releases chan release
	timeouts chan uint64
	destroy  chan chan error
	done     chan struct{}
	nextID   atomic.Uint64
}

// New creates a mutex with no lock class attached.
func New() *Mutex {
	return NewEx()
}

// NewEx is create_ex: a mutex configured with the given options. The
// owner goroutine is started immediately and runs until Destroy.
func NewEx(opts ...Option) *Mutex {
	cfg := config{name: "ownergoroutine-mutex"}
	for _, o := range opts {
		o(&cfg)
	}
	m := &Mutex{
		rec:      validator.NewExclusiveRecord(cfg.name, cfg.class, cfg.sub),
		requests: make(chan request),
		releases: make(chan release),
		timeouts: make(chan uint64, 16),
		destroy:  make(chan chan error),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// run is the owner goroutine: it is the only goroutine that ever decides
// who holds the mutex, so no atomic state word is needed at all. A
// queued waiter's deadline is enforced by a time.AfterFunc that posts the
// request's id to m.timeouts; the owner goroutine only honors that post
// if the request is still actually in the queue, since it may have
// already been granted by the time the timer fires.
func (m *Mutex) run() {
	var owner threadid.ID = threadid.NilID
	var waitQueue []request

	grant := func(req request, pos validator.SrcPos) {
		validator.SetOwnerExclusive(req.self, m.rec, pos)
		owner = req.self
		req.reply <- nil
	}

	removeQueued := func(id uint64) (request, bool) {
		for i, w := range waitQueue {
			if w.id == id {
				waitQueue = append(waitQueue[:i], waitQueue[i+1:]...)
				return w, true
			}
		}
		return request{}, false
	}

	for {
		select {
		case req := <-m.requests:
			if owner == threadid.NilID {
				grant(req, req.pos)
				continue
			}
			if owner == req.self {
				validator.Recursion(req.self, m.rec, req.pos)
				req.reply <- nil
				continue
			}
			if err := validator.BeginWaitExclusive(req.self, m.rec); err != nil {
				req.reply <- err
				continue
			}
			dl := deadline.Compute(req.spec, time.Now(), time.Now())
			if dl.PollOnly(time.Now()) {
				validator.EndWait(req.self)
				req.reply <- errs.New(errs.Timeout)
				continue
			}
			waitQueue = append(waitQueue, req)
			if !dl.Infinite {
				id := req.id
				time.AfterFunc(dl.Remaining(time.Now()), func() {
					m.timeouts <- id
				})
			}

		case id := <-m.timeouts:
			if req, ok := removeQueued(id); ok {
				validator.EndWait(req.self)
				req.reply <- errs.New(errs.Timeout)
			}

		case rel := <-m.releases:
			final, err := validator.ReleaseOwnerExclusive(rel.self, m.rec)
			if err != nil {
				rel.reply <- err
				continue
			}
			if !final {
				rel.reply <- nil
				continue
			}
			owner = threadid.NilID
			rel.reply <- nil
			if len(waitQueue) > 0 {
				next := waitQueue[0]
				waitQueue = waitQueue[1:]
				validator.EndWait(next.self)
				grant(next, next.pos)
			}

		case reply := <-m.destroy:
			if owner != threadid.NilID {
				reply <- errs.New(errs.Busy)
				continue
			}
			for _, w := range waitQueue {
				w.reply <- errs.New(errs.Destroyed)
			}
			waitQueue = nil
			reply <- m.rec.Destroy()
			close(m.done)
			return
		}
	}
}

// Destroy stops the owner goroutine. Fails with errs.Busy if the mutex is
// still owned.
func (m *Mutex) Destroy() error {
	reply := make(chan error, 1)
	m.destroy <- reply
	return <-reply
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

// Lock acquires the mutex, blocking indefinitely.
func (m *Mutex) Lock() error {
	return m.LockEx(deadline.IndefiniteSpec(deadline.Resume))
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() (bool, error) {
	err := m.LockEx(deadline.After(0, deadline.Resume))
	if err == nil {
		return true, nil
	}
	if code, ok := errs.As(err); ok && code == errs.Timeout {
		return false, nil
	}
	return false, err
}

// LockTimeout acquires the mutex, giving up after d.
func (m *Mutex) LockTimeout(d time.Duration) error {
	return m.LockEx(deadline.After(d, deadline.Resume))
}

// LockEx is request_ex for the owner-goroutine mutex. Order checking
// happens here, before the request is even handed to the owner
// goroutine, exactly as in mutexlock: a rejected acquire must never
// touch the owner goroutine's queue.
func (m *Mutex) LockEx(spec deadline.Spec) error {
	self := validator.Self.Current()
	pos := srcPos(1)

	if err := validator.CheckOrderExclusive(self, m.rec, pos); err != nil {
		return err
	}

	reply := make(chan error, 1)
	id := m.nextID.Add(1)
	m.requests <- request{id: id, self: self, pos: pos, spec: spec, reply: reply}
	return <-reply
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() error {
	self := validator.Self.Current()
	reply := make(chan error, 1)
	m.releases <- release{self: self, reply: reply}
	return <-reply
}

// IsLocked reports whether the mutex is currently held by anyone. Racy
// by nature; intended for diagnostics and tests only.
func (m *Mutex) IsLocked() bool {
	return m.rec.Owner() != threadid.NilID
}

// Guard is the scoped-acquisition helper, mirroring mutexlock.Guard.
type Guard struct {
	m *Mutex
}

// Acquire locks m and returns a Guard.
func Acquire(m *Mutex) (*Guard, error) {
	if err := m.Lock(); err != nil {
		return nil, err
	}
	return &Guard{m: m}, nil
}

// Release unlocks the guarded mutex.
func (g *Guard) Release() error {
	return g.m.Unlock()
}
