package validator

import (
	"lockvalidator/internal/utils/types"
	"lockvalidator/threadid"
)

// visitedBound caps how many threads the cycle walk will explore before
// giving up and reporting "no deadlock found" (SPEC_FULL.md §4.5 / §9:
// "a pathological case to avoid pathological cost").
const visitedBound = 32

type cycleResult int

const (
	cycleNone cycleResult = iota
	cycleDeadlock
	cycleIllegalUpgrade
)

// detectCycle walks the chain self -> node.owner -> owner.waitingOn -> ...
// starting from the record self is about to block on. It returns
// cycleIllegalUpgrade for the degenerate case of a lone reader (self)
// trying to become the writer of the very record it's blocked on,
// cycleDeadlock for any other cycle back to self, and cycleNone if the
// chain runs out, goes stale, or exceeds visitedBound.
func detectCycle(self threadid.ID, start *waitNode) cycleResult {
	visited := types.NewSet[threadid.ID]()
	visited.Add(self)
	return walkChain(self, start, &visited, true)
}

func walkChain(self threadid.ID, node *waitNode, visited *types.Set[threadid.ID], firstHop bool) cycleResult {
	if node == nil {
		return cycleNone
	}

	if node.onExclusive != nil {
		owner := node.onExclusive.Owner()
		if owner == threadid.NilID {
			// Nobody holds the exclusive side. If this is an R/W lock's
			// writer record and self is the sole reader on its paired
			// shared record, self is trying to upgrade a read it already
			// holds into a write: a one-thread cycle through the sibling,
			// reported as an illegal upgrade rather than a deadlock.
			if firstHop {
				if sib := node.onExclusive.Sibling(); sib != nil {
					owners := sib.OwnersSnapshot()
					if len(owners) == 1 && owners[0] == self {
						return cycleIllegalUpgrade
					}
				}
			}
			// Otherwise the record is free or was just released: the
			// chain has already been broken, so this is not a deadlock.
			return cycleNone
		}
		if owner == self {
			return cycleDeadlock
		}
		return stepTo(self, owner, visited)
	}

	if node.onShared != nil {
		owners := node.onShared.OwnersSnapshot()
		if firstHop && len(owners) == 1 && owners[0] == self {
			// self is the record's sole current reader and is now trying
			// to take it for write: a one-thread cycle, reported as an
			// illegal upgrade rather than a deadlock (SPEC_FULL.md §4.9).
			return cycleIllegalUpgrade
		}
		for _, owner := range owners {
			if owner == self {
				return cycleDeadlock
			}
			if res := stepTo(self, owner, visited); res != cycleNone {
				return res
			}
		}
		return cycleNone
	}

	return cycleNone
}

// stepTo advances the walk to the given thread, applying the visited-set
// bound, and recurses into whatever it is waiting on.
func stepTo(self, next threadid.ID, visited *types.Set[threadid.ID]) cycleResult {
	if visited.Contains(next) {
		return cycleNone
	}
	visited.Add(next)
	if visited.Len() > visitedBound {
		return cycleNone
	}
	ts := stateFor(next)
	return walkChain(self, ts.waitingOn.Load(), visited, false)
}
