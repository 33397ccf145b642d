// Package detector implements the fraud pattern detectors. Each detector is
// a pure function of an activity snapshot: it reads the snapshot, never
// mutates shared state, and is safe to run concurrently with the others.
package detector

import (
	"sort"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Snapshot is the point-in-time view of one identity's signals and history
// that all detectors in an evaluation run share. Building it once up front
// keeps the run reproducible: evaluating the same snapshot twice yields the
// same result.
type Snapshot struct {
	Identity *domain.Identity

	// URLCreations and Visits are the identity's tracked actions inside the
	// respective detector windows, oldest first.
	URLCreations []*domain.TrackedAction
	Visits       []*domain.TrackedAction

	// HashSiblings is the number of other identities sharing the same
	// device signal hash; SignatureSiblings the number sharing at least one
	// canvas/webgl/audio sub-fingerprint.
	HashSiblings      int
	SignatureSiblings int

	Now time.Time
}

// SortActions orders both action slices oldest first. Inter-arrival checks
// assume this ordering.
func (s *Snapshot) SortActions() {
	byTime := func(actions []*domain.TrackedAction) {
		sort.Slice(actions, func(i, j int) bool {
			return actions[i].CreatedAt.Before(actions[j].CreatedAt)
		})
	}
	byTime(s.URLCreations)
	byTime(s.Visits)
}

// Detector evaluates one fraud dimension against a snapshot.
type Detector interface {
	Name() string
	Evaluate(snap *Snapshot) domain.DetectionResult
}

// All returns the full detector set for the given policy.
func All(cfg domain.DetectorConfig) []Detector {
	return []Detector{
		&Velocity{Config: cfg},
		&Behavior{Config: cfg},
		&Bot{Config: cfg},
		&DeviceAnomaly{Config: cfg},
		&Reuse{Config: cfg},
		&AnomalyScore{},
	}
}

// longestRun returns the length, in events, of the longest run of
// consecutive actions whose inter-arrival gap is below maxGap. A single
// event is a run of 1.
func longestRun(actions []*domain.TrackedAction, maxGap time.Duration) int {
	if len(actions) == 0 {
		return 0
	}
	longest, run := 1, 1
	for i := 1; i < len(actions); i++ {
		if actions[i].CreatedAt.Sub(actions[i-1].CreatedAt) < maxGap {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 1
		}
	}
	return longest
}
