// Package validator implements the runtime lock validator of
// SPEC_FULL.md §3-§4.5: ownership records, the thread-local lock stack,
// the wait graph and its bounded cycle detector, and the integration
// hooks the four primitive families call at enter/leave/signal.
//
// Grounded on ErikKassubek-ADVOCATE's analysis package (lockset tracking
// and order-violation reporting in analysis/analysis/{vcMutex,
// analysisResourceDeadlock}.go) and on its go-patch/src/sync/mutex.go,
// which calls "Pre"/"Post" hooks inline from the primitive rather than
// through a wrapping decorator — the same shape used here.
package validator

import (
	"sync"
	"sync/atomic"

	"lockvalidator/errs"
	"lockvalidator/lockclass"
	"lockvalidator/threadid"
)

// SrcPos identifies where an acquire call was made, for diagnostics and
// for ClassForSrcPos-style caching. It extends lockclass.SrcPos with the
// caller's program counter (SPEC_FULL.md §3: "Acquisition source
// position (file:line:function:caller-IP)").
type SrcPos struct {
	lockclass.SrcPos
	CallerPC uintptr
}

// global toggles -----------------------------------------------------------

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// SetEnabled is the global enable/disable switch from SPEC_FULL.md §6
// ("Class control... a global enable/disable"). When disabled, order
// checks and deadlock detection are skipped; the other hooks (ownership
// tracking, strict release order, signaller checks) run as when enabled.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports the current value of the global switch.
func Enabled() bool {
	return enabled.Load()
}

// self-adoption --------------------------------------------------------

// Self is consulted whenever a hook needs the calling thread's identity.
// Defaults to threadid.Default; tests may override it to inject
// deterministic thread identities.
var Self threadid.Self = threadid.Default

// record lifetime magic -----------------------------------------------------

const (
	magicAlive uint32 = 0x4c564c4b // "LVLK"
	magicDead  uint32 = 0
)

// ExclusiveRecord is the validator's ownership record for a mutex or for
// the writer side of an R/W lock (SPEC_FULL.md §3, "Validator record
// (exclusive)").
type ExclusiveRecord struct {
	mu sync.Mutex

	owner     threadid.ID
	recursion int
	pos       SrcPos

	class    *lockclass.Class
	subClass lockclass.SubClass
	sibling  *SharedRecord

	magic atomic.Uint32
	name  string
}

// NewExclusiveRecord creates a validator record bound to the given class
// and sub-class, with a retained reference to the class (SPEC_FULL.md §3:
// "a class is destroyed when its count drops to zero").
func NewExclusiveRecord(name string, class *lockclass.Class, sub lockclass.SubClass) *ExclusiveRecord {
	if class != nil {
		class.Retain()
	}
	r := &ExclusiveRecord{class: class, subClass: sub, name: name}
	r.magic.Store(magicAlive)
	return r
}

// Class returns the record's class, or nil if created without one.
func (r *ExclusiveRecord) Class() *lockclass.Class { return r.class }

// SetSibling links this exclusive record to a shared record that shares
// its underlying lock (e.g. an R/W lock's writer record <-> reader
// record).
func (r *ExclusiveRecord) SetSibling(s *SharedRecord) {
	r.mu.Lock()
	r.sibling = s
	r.mu.Unlock()
}

// Sibling returns the paired shared record, or nil.
func (r *ExclusiveRecord) Sibling() *SharedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sibling
}

// Owner returns the thread currently owning the record, or
// threadid.NilID.
func (r *ExclusiveRecord) Owner() threadid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Recursion returns the current recursion depth (0 if unowned).
func (r *ExclusiveRecord) Recursion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recursion
}

// SetSubClass changes the sub-class bound to this record, returning the
// previous value (SPEC_FULL.md §4.3, class_set_subclass).
func (r *ExclusiveRecord) SetSubClass(s lockclass.SubClass) lockclass.SubClass {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.subClass
	r.subClass = s
	return old
}

func (r *ExclusiveRecord) isAlive() bool {
	return r.magic.Load() == magicAlive
}

// Destroy invalidates the record. Fails with errs.Busy if still owned
// (SPEC_FULL.md §3, Lifecycle: "destroyed by an explicit destructor that
// must find the primitive unowned").
func (r *ExclusiveRecord) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != threadid.NilID {
		return errs.New(errs.Busy)
	}
	r.magic.Store(magicDead)
	if r.class != nil {
		r.class.Release()
	}
	return nil
}

// SharedRecord is the validator's record for an event's signaller list or
// for the reader side of an R/W lock (SPEC_FULL.md §3, "Validator record
// (shared)").
type SharedRecord struct {
	mu sync.Mutex

	owners []sharedOwner

	signaller     bool
	signallerList []threadid.ID

	class    *lockclass.Class
	subClass lockclass.SubClass

	magic atomic.Uint32
	name  string
}

type sharedOwner struct {
	thread threadid.ID
	pos    SrcPos
}

// NewSharedRecord creates a shared validator record.
func NewSharedRecord(name string, class *lockclass.Class, sub lockclass.SubClass) *SharedRecord {
	if class != nil {
		class.Retain()
	}
	r := &SharedRecord{class: class, subClass: sub, name: name}
	r.magic.Store(magicAlive)
	return r
}

// Class returns the record's class, or nil.
func (r *SharedRecord) Class() *lockclass.Class { return r.class }

// SetSubClass changes the sub-class bound to this record, returning the
// previous value.
func (r *SharedRecord) SetSubClass(s lockclass.SubClass) lockclass.SubClass {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.subClass
	r.subClass = s
	return old
}

func (r *SharedRecord) isAlive() bool {
	return r.magic.Load() == magicAlive
}

// Destroy invalidates the record. Fails with errs.Busy if any owners
// remain registered.
func (r *SharedRecord) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.owners) != 0 {
		return errs.New(errs.Busy)
	}
	r.magic.Store(magicDead)
	if r.class != nil {
		r.class.Release()
	}
	return nil
}

// OwnersSnapshot returns the threads currently registered as owners
// (readers, or permitted signallers once AddOwner has been called for
// them). The returned slice is a copy safe to range over without holding
// any lock.
func (r *SharedRecord) OwnersSnapshot() []threadid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]threadid.ID, len(r.owners))
	for i, o := range r.owners {
		out[i] = o.thread
	}
	return out
}

// AddOwner registers self as a current owner (reader) of the record.
func (r *SharedRecord) AddOwner(self threadid.ID, pos SrcPos) {
	r.mu.Lock()
	r.owners = append(r.owners, sharedOwner{thread: self, pos: pos})
	r.mu.Unlock()
}

// RemoveOwner unregisters one occurrence of self. Reports whether it was
// found.
func (r *SharedRecord) RemoveOwner(self threadid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.owners {
		if o.thread == self {
			r.owners = append(r.owners[:i], r.owners[i+1:]...)
			return true
		}
	}
	return false
}

// SetSignaller replaces the signaller list with exactly {self}, and turns
// on signaller enforcement. An empty list means "unrestricted".
func (r *SharedRecord) SetSignaller(self threadid.ID) {
	r.mu.Lock()
	r.signaller = true
	r.signallerList = []threadid.ID{self}
	r.mu.Unlock()
}

// AddSignaller appends self to the signaller list, turning on enforcement
// if it wasn't already.
func (r *SharedRecord) AddSignaller(self threadid.ID) {
	r.mu.Lock()
	r.signaller = true
	for _, t := range r.signallerList {
		if t == self {
			r.mu.Unlock()
			return
		}
	}
	r.signallerList = append(r.signallerList, self)
	r.mu.Unlock()
}

// RemoveSignaller removes self from the signaller list. Once the list is
// empty, signalling is unrestricted again: check_signaller refuses only
// while the list is non-empty.
func (r *SharedRecord) RemoveSignaller(self threadid.ID) {
	r.mu.Lock()
	for i, t := range r.signallerList {
		if t == self {
			r.signallerList = append(r.signallerList[:i], r.signallerList[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// ClearSignaller turns signaller enforcement back off entirely.
func (r *SharedRecord) ClearSignaller() {
	r.mu.Lock()
	r.signaller = false
	r.signallerList = nil
	r.mu.Unlock()
}

// signallerOK implements check_signaller (SPEC_FULL.md §4.4): refused
// only when the signaller list is non-empty and self is not on it.
func (r *SharedRecord) signallerOK(self threadid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.signallerList) == 0 {
		return true
	}
	for _, t := range r.signallerList {
		if t == self {
			return true
		}
	}
	return false
}
