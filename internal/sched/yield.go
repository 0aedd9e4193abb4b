package sched

import (
	"sync"
	"sync/atomic"
)

// YieldResult is one attempt to donate the caller's quantum.
type YieldResult int

const (
	// YieldOK means the candidate got the quantum.
	YieldOK YieldResult = iota

	// YieldRetry means this candidate did not take it; try the next one.
	YieldRetry

	// YieldBackoff means the platform refused the donation outright;
	// it burns one of the bounded attempts.
	YieldBackoff
)

// Oracle answers the scheduling questions DirectedYield asks about the
// sibling vCPUs. Answers are heuristic snapshots; racing with the siblings
// is harmless and at worst wastes one attempt.
type Oracle interface {
	NumVCPUs() int

	// Preempted reports whether vCPU i is runnable but not running.
	Preempted(i int) bool

	// Blocked reports whether vCPU i is parked in Block.
	Blocked(i int) bool

	// Eligible reports whether vCPU i should be considered this round.
	// Implementations alternate the answer for spinning vCPUs (see
	// SpinTracker) so the same busy candidate is not re-picked forever.
	Eligible(i int) bool

	// YieldTo attempts the donation.
	YieldTo(i int) YieldResult
}

// maxYieldTries bounds the hard-failure budget of one OnSpin call.
const maxYieldTries = 3

// DirectedYield picks a boost candidate by round-robin starting just past
// the previously boosted vCPU, so repeated spins spread donations instead
// of hammering the first preempted sibling.
type DirectedYield struct {
	mu          sync.Mutex
	lastBoosted int
}

// OnSpin runs one directed-yield episode for the spinning vCPU self.
// It scans the siblings circularly from the last boosted one, skipping the
// caller, parked vCPUs, vCPUs that are not preempted, and candidates the
// oracle rules ineligible. It reports whether any donation took.
func (y *DirectedYield) OnSpin(self int, o Oracle) bool {
	y.mu.Lock()
	last := y.lastBoosted
	y.mu.Unlock()

	n := o.NumVCPUs()
	try := maxYieldTries

	for pass := 0; pass < 2 && try > 0; pass++ {
		for i := 0; i < n; i++ {
			// First pass covers (last, n); second wraps to [0, last].
			if pass == 0 && i <= last {
				i = last
				continue
			}
			if pass == 1 && i > last {
				break
			}
			if i == self {
				continue
			}
			if !o.Preempted(i) {
				continue
			}
			if o.Blocked(i) {
				continue
			}
			if !o.Eligible(i) {
				continue
			}

			switch o.YieldTo(i) {
			case YieldOK:
				y.mu.Lock()
				y.lastBoosted = i
				y.mu.Unlock()
				return true
			case YieldBackoff:
				try--
				if try == 0 {
					return false
				}
			}
		}
	}
	return false
}

// LastBoosted reports the index recorded by the most recent successful
// donation.
func (y *DirectedYield) LastBoosted() int {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.lastBoosted
}

// SpinTracker carries one vCPU's spin-loop heuristic state. While a vCPU
// is inside a spin episode its eligibility as a boost target alternates on
// every check, giving priority to siblings that have not had a recent
// chance.
type SpinTracker struct {
	inSpinLoop atomic.Bool
	dyEligible atomic.Bool
}

// StartSpin marks the vCPU as inside a spin episode.
func (s *SpinTracker) StartSpin() { s.inSpinLoop.Store(true) }

// EndSpin ends the episode and makes the vCPU ineligible for the next
// one, so a vCPU that just finished spinning is not immediately boosted.
func (s *SpinTracker) EndSpin() {
	s.inSpinLoop.Store(false)
	s.dyEligible.Store(false)
}

// CheckEligible reports the current eligibility and flips it for spinning
// vCPUs, implementing the alternation.
func (s *SpinTracker) CheckEligible() bool {
	in := s.inSpinLoop.Load()
	eligible := !in || s.dyEligible.Load()
	if in {
		s.dyEligible.Store(!s.dyEligible.Load())
	}
	return eligible
}
