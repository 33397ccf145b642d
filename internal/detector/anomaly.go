package detector

import (
	"fmt"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// AnomalyScore is a lightweight statistical surrogate for an ML model. It
// sums weighted deviations from a plausible-browser baseline into a [0,1]
// score. The score feeds the aggregate total through the evaluator at all
// magnitudes; the detector finding itself only marks the anomaly pattern
// once the score crosses the suspicious threshold.
type AnomalyScore struct{}

func (d *AnomalyScore) Name() string { return "anomaly_score" }

// Score computes the anomaly score for one set of device signals.
func (d *AnomalyScore) Score(s domain.DeviceSignals) float64 {
	score := 0.0

	if s.HardwareConcurrency == 0 && s.DeviceMemory == 0 {
		score += 0.3
	}

	for _, flag := range []bool{s.Webdriver, s.Phantom, s.Selenium, s.Headless, s.Automation} {
		if flag {
			score += 0.2
		}
	}

	if area := s.ScreenArea(); area > 0 && area < 480000 {
		score += 0.2
	}

	missing := 0
	for _, present := range []bool{s.WebGL, s.LocalStorage, s.SessionStorage} {
		if !present {
			missing++
		}
	}
	if missing > 1 {
		score += float64(missing) * 0.1
	}

	return domain.ClampUnit(score)
}

// Evaluate flags the anomaly pattern when the score crosses the
// threshold. The score's numeric contribution to the total is added by the
// evaluator, not here, so it is never double counted.
func (d *AnomalyScore) Evaluate(snap *Snapshot) domain.DetectionResult {
	var result domain.DetectionResult

	score := d.Score(snap.Identity.Signals)
	if score > domain.SuspiciousAnomalyThreshold {
		result.Add(0, 3, domain.PatternMLAnomaly,
			fmt.Sprintf("anomaly score %.2f exceeds threshold", score))
		result.Confidence = score
	}
	return result
}
