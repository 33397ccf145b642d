package detector

import (
	"fmt"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Velocity flags abnormal URL-creation rates in the trailing velocity
// window. The highest matching tier wins; the burst finding is independent
// of the tier and stacks on top of it.
type Velocity struct {
	Config domain.DetectorConfig
}

func (d *Velocity) Name() string { return "velocity" }

func (d *Velocity) Evaluate(snap *Snapshot) domain.DetectionResult {
	var result domain.DetectionResult

	count := len(snap.URLCreations)
	switch {
	case count > d.Config.ExtremeVelocity:
		result.Add(4, 4, domain.PatternExtremeVelocity,
			fmt.Sprintf("extreme velocity: %d URLs created in the last hour", count))
	case count > d.Config.HighVelocity:
		result.Add(3, 3, domain.PatternHighVelocity,
			fmt.Sprintf("high velocity: %d URLs created in the last hour", count))
	case count > d.Config.ModerateVelocity:
		result.Add(2, 2, domain.PatternModerateVelocity,
			fmt.Sprintf("moderate velocity: %d URLs created in the last hour", count))
	}

	if longestRun(snap.URLCreations, d.Config.BurstMaxGap) >= d.Config.BurstRunLength {
		result.Add(2, 2, domain.PatternBurst,
			"burst pattern: consecutive creations less than a minute apart")
	}

	if result.RiskScore > 0 {
		result.Confidence = 0.8
	}
	return result
}
