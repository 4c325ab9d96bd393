package validator

import (
	"sync"
	"sync/atomic"

	"lockvalidator/internal/utils/types"
	"lockvalidator/lockclass"
	"lockvalidator/threadid"
)

// lockStackEntry is one frame of a thread's lock stack (SPEC_FULL.md §3:
// "implicit, strictly-ordered stack of the exclusive records it owns and
// the shared records it has registered as reader").
type lockStackEntry struct {
	exclusive *ExclusiveRecord
	shared    *SharedRecord
	class     *lockclass.Class
	subClass  lockclass.SubClass
	pos       SrcPos
}

// waitNode records what a thread is currently blocked on, for the wait
// graph walk (SPEC_FULL.md §4.5). Exactly one of the two fields is set.
type waitNode struct {
	onExclusive *ExclusiveRecord
	onShared    *SharedRecord
}

// threadState is the validator's per-thread bookkeeping: its lock stack
// and its single "waiting_on" pointer.
type threadState struct {
	stack     types.Stack[lockStackEntry]
	waitingOn atomic.Pointer[waitNode]
}

var (
	threadsMu sync.Mutex
	threads   = make(map[threadid.ID]*threadState)
)

// stateFor returns the per-thread state for t, auto-adopting (creating a
// minimal descriptor) on first use — SPEC_FULL.md §9, "Thread identity":
// "If a thread enters the validator before the runtime has registered it,
// the auto-adopt entry point must manufacture a minimal thread descriptor
// on the fly."
func stateFor(t threadid.ID) *threadState {
	threadsMu.Lock()
	defer threadsMu.Unlock()
	ts, ok := threads[t]
	if !ok {
		ts = &threadState{}
		threads[t] = ts
	}
	return ts
}

// forgetThread drops bookkeeping for a thread once it holds nothing and
// is not waiting, bounding the registry's size. Safe to call
// speculatively; it is a no-op if the thread is still in use.
func forgetThread(t threadid.ID) {
	threadsMu.Lock()
	defer threadsMu.Unlock()
	ts, ok := threads[t]
	if !ok {
		return
	}
	if ts.stack.IsEmpty() && ts.waitingOn.Load() == nil {
		delete(threads, t)
	}
}

// CurrentStackDepth returns how many frames are on the given thread's
// lock stack (exclusive + shared registrations of records that have a
// class; records without a class push no frame). Exposed for tests.
func CurrentStackDepth(t threadid.ID) int {
	return stateFor(t).stack.Size()
}
