package validator

import (
	"lockvalidator/errs"
	"lockvalidator/internal/diag"
	"lockvalidator/lockclass"
	"lockvalidator/threadid"
)

// CheckOrderExclusive is the check_order hook (SPEC_FULL.md §4.4) for an
// about-to-be-acquired exclusive record. It validates the new class/
// sub-class against every lock the calling thread already holds, and
// learns or rejects the ordering per SPEC_FULL.md §4.3.
func CheckOrderExclusive(self threadid.ID, rec *ExclusiveRecord, pos SrcPos) error {
	if !rec.isAlive() {
		return errs.New(errs.Destroyed)
	}
	return checkOrderAgainstStack(self, rec.class, rec.subClass, rec, nil)
}

// CheckOrderShared is check_order for an about-to-be-acquired shared
// record (an event wait registration, or an R/W lock's read side).
func CheckOrderShared(self threadid.ID, rec *SharedRecord, pos SrcPos) error {
	if !rec.isAlive() {
		return errs.New(errs.Destroyed)
	}
	return checkOrderAgainstStack(self, rec.class, rec.subClass, nil, rec)
}

// checkOrderAgainstStack walks the calling thread's lock stack, checking
// the about-to-be-acquired class/sub-class against everything already
// held. exclusiveRec/sharedRec identify the record being acquired (only
// one is non-nil); a stack entry that IS that same record — i.e. this is
// a recursive re-acquisition, not merely another record sharing the same
// class — is skipped entirely rather than run through the sub-class
// check, since recursion is exempt from order checks regardless of the
// record's sub-class (including the default SubNone). A frame for the
// other side of the same R/W lock (the record's sibling) is skipped too,
// so a reader asking for write reaches deadlock detection, which reports
// it as an illegal upgrade.
func checkOrderAgainstStack(self threadid.ID, class *lockclass.Class, sub lockclass.SubClass, exclusiveRec *ExclusiveRecord, sharedRec *SharedRecord) error {
	if !enabled.Load() || class == nil || !class.LVEnabled() {
		return nil
	}
	ts := stateFor(self)
	for _, e := range ts.stack.Items() {
		if e.class == nil {
			continue
		}
		if (exclusiveRec != nil && e.exclusive == exclusiveRec) || (sharedRec != nil && e.shared == sharedRec) {
			continue
		}
		if (exclusiveRec != nil && e.shared != nil && exclusiveRec.Sibling() == e.shared) ||
			(sharedRec != nil && e.exclusive != nil && e.exclusive.Sibling() == sharedRec) {
			continue
		}
		if e.class == class {
			if err := lockclass.CheckSubClass(e.subClass, sub); err != nil {
				return err
			}
			continue
		}
		if err := lockclass.CheckAndLearn(e.class, class); err != nil {
			return err
		}
	}
	return nil
}

// BeginWaitExclusive is check_blocking (SPEC_FULL.md §4.4) for a thread
// about to suspend on an exclusive record: it installs the thread's
// waiting-on pointer and runs deadlock detection before the caller calls
// into its Waker. Callers must pair every successful BeginWait* with
// EndWait, typically via defer.
func BeginWaitExclusive(self threadid.ID, rec *ExclusiveRecord) error {
	if !rec.isAlive() {
		return errs.New(errs.Destroyed)
	}
	if !enabled.Load() || rec.class == nil || !rec.class.LVEnabled() {
		return nil
	}
	ts := stateFor(self)
	node := &waitNode{onExclusive: rec}
	ts.waitingOn.Store(node)

	switch detectCycle(self, node) {
	case cycleDeadlock:
		ts.waitingOn.Store(nil)
		diag.Violationf("SEM_LV_DEADLOCK", "thread %d would deadlock acquiring %q", self, rec.name)
		return errs.New(errs.Deadlock)
	case cycleIllegalUpgrade:
		ts.waitingOn.Store(nil)
		diag.Violationf("SEM_LV_ILLEGAL_UPGRADE", "thread %d illegally upgrades %q", self, rec.name)
		return errs.New(errs.IllegalUpgrade)
	}
	return nil
}

// BeginWaitShared is check_blocking for a thread about to suspend
// registering interest in a shared record (an R/W lock's reader side
// waiting for a writer to finish).
func BeginWaitShared(self threadid.ID, rec *SharedRecord) error {
	if !rec.isAlive() {
		return errs.New(errs.Destroyed)
	}
	if !enabled.Load() || rec.class == nil || !rec.class.LVEnabled() {
		return nil
	}
	ts := stateFor(self)
	node := &waitNode{onShared: rec}
	ts.waitingOn.Store(node)

	switch detectCycle(self, node) {
	case cycleDeadlock:
		ts.waitingOn.Store(nil)
		diag.Violationf("SEM_LV_DEADLOCK", "thread %d would deadlock acquiring %q", self, rec.name)
		return errs.New(errs.Deadlock)
	case cycleIllegalUpgrade:
		ts.waitingOn.Store(nil)
		diag.Violationf("SEM_LV_ILLEGAL_UPGRADE", "thread %d illegally upgrades %q", self, rec.name)
		return errs.New(errs.IllegalUpgrade)
	}
	return nil
}

// EndWait clears the calling thread's waiting-on pointer. Must be called
// after every BeginWait*, whether the wait succeeded, timed out, or was
// interrupted.
func EndWait(self threadid.ID) {
	stateFor(self).waitingOn.Store(nil)
}

// SetOwnerExclusive is set_owner (SPEC_FULL.md §4.4) for a freshly
// acquired exclusive record: it records ownership and pushes the stack
// frame. Must only be called after the underlying primitive's own state
// transition has actually granted ownership.
func SetOwnerExclusive(self threadid.ID, rec *ExclusiveRecord, pos SrcPos) {
	rec.mu.Lock()
	rec.owner = self
	rec.recursion = 1
	rec.pos = pos
	rec.mu.Unlock()

	if rec.class == nil {
		return
	}
	ts := stateFor(self)
	ts.stack.Push(lockStackEntry{exclusive: rec, class: rec.class, subClass: rec.subClass, pos: pos})
}

// Recursion is check_recursion/recursion (SPEC_FULL.md §4.4): records a
// same-thread re-acquisition without pushing a new stack frame's worth of
// ordering checks (recursion is exempt from order learning, per
// SPEC_FULL.md Testable Properties §8.2).
func Recursion(self threadid.ID, rec *ExclusiveRecord, pos SrcPos) {
	rec.mu.Lock()
	rec.recursion++
	rec.mu.Unlock()
}

// ReleaseOwnerExclusive is release_owner for an exclusive record. final
// indicates this is the last (recursion-unwinding) release; strict
// release order is enforced only at that point, against the thread's
// full stack. Returns errs.NotOwner if the caller doesn't hold the
// record, or errs.WrongReleaseOrder if the class enforces
// strict-release-order and this isn't the top of the calling thread's
// stack.
func ReleaseOwnerExclusive(self threadid.ID, rec *ExclusiveRecord) (finalRelease bool, err error) {
	rec.mu.Lock()
	if rec.owner != self {
		rec.mu.Unlock()
		return false, errs.New(errs.NotOwner)
	}
	rec.recursion--
	final := rec.recursion <= 0
	rec.mu.Unlock()

	if !final {
		return false, nil
	}

	if rec.class != nil {
		ts := stateFor(self)
		if rec.class.StrictReleaseOrder() && ts.stack.Peek().exclusive != rec {
			for _, e := range ts.stack.Items() {
				if e.exclusive == rec {
					// Refused: the record stays owned and its frame stays
					// where it is on the stack.
					rec.mu.Lock()
					rec.recursion = 1
					rec.mu.Unlock()
					diag.Violationf("WRONG_RELEASE_ORDER", "thread %d released %q out of strict order", self, rec.name)
					return false, errs.New(errs.WrongReleaseOrder)
				}
			}
		}
		ts.stack.RemoveMatch(func(e lockStackEntry) bool {
			return e.exclusive == rec
		})
	}

	rec.mu.Lock()
	rec.owner = threadid.NilID
	rec.mu.Unlock()
	forgetThread(self)
	return true, nil
}

// CheckSignaller is check_signaller (SPEC_FULL.md §4.4): refuses a
// signal/reset from a thread not on the record's signaller list, when
// that list is non-empty.
func CheckSignaller(rec *SharedRecord, self threadid.ID) error {
	if !rec.isAlive() {
		return errs.New(errs.Destroyed)
	}
	if rec.signallerOK(self) {
		return nil
	}
	diag.Violationf("SEM_LV_NOT_SIGNALLER", "thread %d is not a registered signaller", self)
	return errs.New(errs.NotSignaller)
}

// RegisterSharedOwner records self as a current reader/permitted owner of
// rec and pushes a stack frame, mirroring SetOwnerExclusive for the
// shared-record case (R/W lock read acquisition).
func RegisterSharedOwner(self threadid.ID, rec *SharedRecord, pos SrcPos) {
	rec.AddOwner(self, pos)
	if rec.class == nil {
		return
	}
	ts := stateFor(self)
	ts.stack.Push(lockStackEntry{shared: rec, class: rec.class, subClass: rec.subClass, pos: pos})
}

// UnregisterSharedOwner removes self from rec's owner list and pops its
// stack frame, enforcing strict-release-order exactly as
// ReleaseOwnerExclusive does.
func UnregisterSharedOwner(self threadid.ID, rec *SharedRecord) error {
	if rec.class != nil && rec.class.StrictReleaseOrder() {
		ts := stateFor(self)
		if ts.stack.Peek().shared != rec {
			for _, e := range ts.stack.Items() {
				if e.shared == rec {
					diag.Violationf("WRONG_RELEASE_ORDER", "thread %d released %q out of strict order", self, rec.name)
					return errs.New(errs.WrongReleaseOrder)
				}
			}
		}
	}
	if !rec.RemoveOwner(self) {
		return errs.New(errs.NotOwner)
	}
	if rec.class == nil {
		return nil
	}
	stateFor(self).stack.RemoveMatch(func(e lockStackEntry) bool {
		return e.shared == rec
	})
	forgetThread(self)
	return nil
}
