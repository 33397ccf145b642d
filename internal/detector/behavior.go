package detector

import (
	"fmt"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Behavior flags abnormal click/visit activity over the trailing visit
// window: raw volume, machine-speed click runs, and an overwhelmingly
// referrer-less access pattern.
type Behavior struct {
	Config domain.DetectorConfig
}

func (d *Behavior) Name() string { return "behavior" }

func (d *Behavior) Evaluate(snap *Snapshot) domain.DetectionResult {
	var result domain.DetectionResult

	total := len(snap.Visits)
	if total > d.Config.HighVisitVolume {
		result.Add(3, 3, domain.PatternHighVisitVolume,
			fmt.Sprintf("high visit volume: %d visits in 24h", total))
	}

	if longestRun(snap.Visits, d.Config.RapidClickMaxGap) >= d.Config.RapidClickRun {
		result.Add(2, 2, domain.PatternRapidClicking,
			"rapid clicking: consecutive visits seconds apart")
	}

	if total > 0 {
		direct := 0
		for _, v := range snap.Visits {
			if v.Direct() {
				direct++
			}
		}
		ratio := float64(direct) / float64(total)
		if ratio > d.Config.DirectAccessRatio {
			result.Add(2, 2, domain.PatternDirectAccess,
				fmt.Sprintf("direct access: %.0f%% of visits have no referrer", ratio*100))
		}
	}

	if result.RiskScore > 0 {
		result.Confidence = 0.7
	}
	return result
}
