// Package lockclass implements the lock-class registry of SPEC_FULL.md
// §3/§4.3: named equivalence classes of locks with precedence relations,
// order learning, sub-classes, and strict-release-order policy.
package lockclass

import (
	"sync"
	"sync/atomic"

	"lockvalidator/errs"
	"lockvalidator/internal/diag"
	"lockvalidator/internal/memguard"
	"lockvalidator/internal/utils/types"
)

// SubClass is a small integer bound to a lock instance, interpreted
// relative to its class (SPEC_FULL.md §3).
type SubClass uint32

const (
	// SubNone behaves as "less than any other sub-class in the same
	// class"; holding SubNone forbids acquiring any other sub-class of
	// that class.
	SubNone SubClass = 0
	// SubAny behaves as "compatible with any other sub-class".
	SubAny SubClass = 1
	// SubUserBase is the first legal value of a user-assigned sub-class;
	// two user sub-classes of the same class must be acquired in strictly
	// increasing order.
	SubUserBase SubClass = 1000
)

// SrcPos identifies where a lock was first associated with its class, for
// ClassForSrcPos caching and for diagnostics.
type SrcPos struct {
	File string
	Line int
	Func string
}

// Class is a named equivalence class of locks.
type Class struct {
	id   uint64
	name string

	autodidact    atomic.Bool
	strictRelease atomic.Bool
	lvEnabled     atomic.Bool

	refcount atomic.Int64

	mu         sync.Mutex
	precedence map[*Class]struct{}
	sibling    *Class
	observed   map[*Class]int64 // ordering-statistics table
}

// Name returns the class's human-readable name.
func (c *Class) Name() string { return c.name }

// ID returns the class's process-unique id.
func (c *Class) ID() uint64 { return c.id }

// Autodidact reports whether orderings observed at runtime are learned.
func (c *Class) Autodidact() bool { return c.autodidact.Load() }

// StrictReleaseOrder reports whether this class enforces reverse
// acquisition-order release.
func (c *Class) StrictReleaseOrder() bool { return c.strictRelease.Load() }

// LVEnabled reports whether validator checks run at all for locks of this
// class.
func (c *Class) LVEnabled() bool { return c.lvEnabled.Load() }

// SetSibling pairs this class with another — used by R/W locks, whose
// reader record and writer record share a pair of classes that must
// cross-check each other's ordering.
func (c *Class) SetSibling(other *Class) {
	c.mu.Lock()
	c.sibling = other
	c.mu.Unlock()
}

// Sibling returns the paired class, or nil.
func (c *Class) Sibling() *Class {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sibling
}

var nextID atomic.Uint64

// Create returns a fresh class with a retain count of one.
func Create(name string, autodidact bool) *Class {
	c := &Class{
		id:         nextID.Add(1),
		name:       name,
		precedence: make(map[*Class]struct{}),
		observed:   make(map[*Class]int64),
	}
	c.autodidact.Store(autodidact)
	c.lvEnabled.Store(true)
	c.refcount.Store(1)
	return c
}

// Retain increments the class's reference count.
func (c *Class) Retain() {
	c.refcount.Add(1)
}

// Release decrements the class's reference count. Once it reaches zero
// the class is considered destroyed; callers must not use it afterwards.
// Returns the resulting count.
func (c *Class) Release() int64 {
	return c.refcount.Add(-1)
}

// EnforceStrictReleaseOrder toggles the strict-release-order flag.
func (c *Class) EnforceStrictReleaseOrder(on bool) {
	c.strictRelease.Store(on)
}

// SetLVEnabled toggles whether validator checks run on locks of this
// class.
func (c *Class) SetLVEnabled(on bool) {
	c.lvEnabled.Store(on)
}

// AddPrior records the precedence cBefore < cAfter: cBefore may be held
// when acquiring cAfter. Fails with errs.InvalidParameter if it would
// introduce a cycle in the observed precedence relation (SPEC_FULL.md §3
// invariant: "the observed precedence relation is acyclic").
func AddPrior(cBefore, cAfter *Class) error {
	if cBefore == cAfter {
		return errs.Newf(errs.InvalidParameter, "class %q cannot precede itself", cBefore.name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if wouldCycle(cAfter, cBefore, types.NewSet[*Class]()) {
		return errs.Newf(errs.InvalidParameter,
			"adding %q < %q would introduce a precedence cycle", cBefore.name, cAfter.name)
	}

	cBefore.mu.Lock()
	cBefore.precedence[cAfter] = struct{}{}
	cBefore.mu.Unlock()
	return nil
}

// wouldCycle reports whether there is already a path from `from` to `to`
// in the precedence graph — i.e. whether adding an edge to < from would
// close a cycle. Called with registryMu held.
func wouldCycle(from, to *Class, visited types.Set[*Class]) bool {
	if from == to {
		return true
	}
	if visited.Contains(from) {
		return false
	}
	visited.Add(from)

	from.mu.Lock()
	successors := make([]*Class, 0, len(from.precedence))
	for s := range from.precedence {
		successors = append(successors, s)
	}
	from.mu.Unlock()

	for _, s := range successors {
		if wouldCycle(s, to, visited) {
			return true
		}
	}
	return false
}

// registryMu serializes precedence-graph mutation across all classes, per
// SPEC_FULL.md §5: "The class registry is guarded by its own internal
// lock; it is never held while a primitive is being acquired."
var registryMu sync.Mutex

// srcPosRegistry backs ClassForSrcPos: it makes `static`-declared locks
// transparent by mapping each distinct source position to a cached class.
var (
	srcPosMu       sync.Mutex
	srcPosRegistry = make(map[SrcPos]*Class)
)

// ForSrcPos returns the class cached for this source position, creating
// it (with the given name and autodidact flag) on first use.
func ForSrcPos(pos SrcPos, name string, autodidact bool) (*Class, error) {
	srcPosMu.Lock()
	defer srcPosMu.Unlock()

	if c, ok := srcPosRegistry[pos]; ok {
		c.Retain()
		return c, nil
	}
	if memguard.Low() {
		return nil, errs.New(errs.NoMemory)
	}
	c := Create(name, autodidact)
	srcPosRegistry[pos] = c
	return c, nil
}

// CheckAndLearn consults the precedence relation for (held, next). If the
// pair is already known to be ordered held<next, it succeeds. If unknown
// and both classes are autodidact, the ordering is learned and recorded.
// Otherwise the acquire is refused with errs.WrongOrder.
//
// Called by the validator's order check (checkOrderAgainstStack, behind
// CheckOrderExclusive/CheckOrderShared) for every lock already held by
// the acquiring thread.
func CheckAndLearn(held, next *Class) error {
	if held == next {
		// Recursion on the same class is handled by the caller before
		// reaching here; same-class distinct instances fall through to
		// the sub-class check instead of the precedence graph.
		return nil
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	held.mu.Lock()
	_, known := held.precedence[next]
	held.mu.Unlock()
	if known {
		bumpObserved(held, next)
		return nil
	}

	// Refuse if the registry already has next preceding held, directly or
	// transitively.
	if wouldCycle(next, held, types.NewSet[*Class]()) {
		// next already precedes held transitively without a direct edge
		// held->next; recording held<next here would close a cycle, so
		// this ordering is actually forbidden.
		diag.Violationf("WRONG_ORDER", "class %q after %q would cycle", next.name, held.name)
		return errs.Newf(errs.WrongOrder, "%q after %q would introduce a cycle", held.name, next.name)
	}

	if held.Autodidact() && next.Autodidact() {
		held.mu.Lock()
		held.precedence[next] = struct{}{}
		held.mu.Unlock()
		bumpObserved(held, next)
		return nil
	}

	diag.Violationf("WRONG_ORDER", "class %q may not be acquired while holding %q", next.name, held.name)
	return errs.Newf(errs.WrongOrder, "%q may not be acquired while holding %q", next.name, held.name)
}

func bumpObserved(held, next *Class) {
	held.mu.Lock()
	held.observed[next]++
	held.mu.Unlock()
}

// ObservedCount returns how many times `next` has been accepted while
// `held` was already held. Exposed for statistics/tests only.
func ObservedCount(held, next *Class) int64 {
	held.mu.Lock()
	defer held.mu.Unlock()
	return held.observed[next]
}

// CheckSubClass validates that holding subclass `held` is compatible with
// newly acquiring subclass `next` of the *same* class, per SPEC_FULL.md
// §3: NONE is less than everything, ANY is compatible with everything,
// USER values must strictly increase.
func CheckSubClass(held, next SubClass) error {
	if held == SubAny || next == SubAny {
		return nil
	}
	if held == SubNone {
		return errs.Newf(errs.WrongOrder, "sub-class NONE forbids acquiring any other sub-class")
	}
	if next == SubNone {
		return errs.Newf(errs.WrongOrder, "sub-class NONE cannot be acquired while holding sub-class %d", held)
	}
	if next <= held {
		return errs.Newf(errs.WrongOrder, "sub-class %d not greater than held sub-class %d", next, held)
	}
	return nil
}
