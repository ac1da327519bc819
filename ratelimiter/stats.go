package ratelimiter

import (
	"math"

	"github.com/bits-and-blooms/bitset"
)

// The default number of decisions to retain in a decision ring.
const defaultDecisionCapacity = 100

// decisionStats counts admission decisions over a fixed-size ring of recent outcomes, stored as bits. Once the ring is
// full, each new decision displaces the oldest one, so the counts always describe the last size decisions.
//
// This type is not concurrency safe.
type decisionStats struct {
	bitSet *bitset.BitSet
	size   uint

	head      uint // Next slot to write
	occupied  uint
	admitted  uint
	throttled uint
}

func newDecisionStats(size uint) *decisionStats {
	return &decisionStats{
		bitSet: bitset.New(size),
		size:   size,
	}
}

// recordDecision stores an admission outcome, displacing the oldest outcome once the ring is full. admitted is true if
// the request was admitted, false if it was throttled.
func (s *decisionStats) recordDecision(admitted bool) {
	if s.occupied == s.size {
		// The slot being overwritten leaves the window
		if s.bitSet.Test(s.head) {
			s.admitted--
		} else {
			s.throttled--
		}
	} else {
		s.occupied++
	}

	s.bitSet.SetTo(s.head, admitted)
	s.head = (s.head + 1) % s.size

	if admitted {
		s.admitted++
	} else {
		s.throttled++
	}
}

func (s *decisionStats) decisionCount() uint {
	return s.occupied
}

func (s *decisionStats) admittedCount() uint {
	return s.admitted
}

func (s *decisionStats) throttledCount() uint {
	return s.throttled
}

// admissionRate returns the percentage of retained decisions that were admissions.
func (s *decisionStats) admissionRate() uint {
	if s.occupied == 0 {
		return 0
	}
	return uint(math.Round(float64(s.admitted) / float64(s.occupied) * 100.0))
}

func (s *decisionStats) reset() {
	s.bitSet.ClearAll()
	s.head = 0
	s.occupied = 0
	s.admitted = 0
	s.throttled = 0
}
