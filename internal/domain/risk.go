package domain

import (
	"time"
)

// Score bounds. Detector contributions are summed and clamped into
// [0, MaxRiskScore]; severity is the maximum across detectors, never a sum.
const (
	MaxRiskScore = 10
	MaxSeverity  = 5

	// SuspiciousRiskThreshold is the aggregate score above which an
	// evaluation is flagged and a RiskEvent is written.
	SuspiciousRiskThreshold = 3

	// SuspiciousAnomalyThreshold is the ML-surrogate score above which an
	// evaluation is flagged regardless of the rule-based score.
	SuspiciousAnomalyThreshold = 0.5
)

// Pattern tags emitted by the detectors. These are stable identifiers
// consumed by the dashboard; reasons are the human-readable counterparts.
const (
	PatternExtremeVelocity   = "extreme_velocity"
	PatternHighVelocity      = "high_velocity"
	PatternModerateVelocity  = "moderate_velocity"
	PatternBurst             = "burst_pattern"
	PatternHighVisitVolume   = "high_visit_volume"
	PatternRapidClicking     = "rapid_clicking"
	PatternDirectAccess      = "direct_access"
	PatternWebdriver         = "webdriver"
	PatternPhantom           = "phantom"
	PatternSelenium          = "selenium"
	PatternHeadless          = "headless"
	PatternAutomation        = "automation"
	PatternMissingHardware   = "missing_hardware"
	PatternMissingMemory     = "missing_memory"
	PatternNoPlugins         = "no_plugins"
	PatternAntiDetect        = "anti_detect_browser"
	PatternPlatformMismatch  = "platform_mismatch"
	PatternTouchMismatch     = "touch_mismatch"
	PatternUnusualResolution = "unusual_resolution"
	PatternNoWebGL           = "no_webgl"
	PatternNoStorage         = "no_storage"
	PatternDuplicateHash     = "duplicate_fingerprint"
	PatternSimilarSignature  = "similar_device_signature"
	PatternMLAnomaly         = "ml_anomaly"
	PatternCustomRule        = "custom_rule"
)

// DetectionResult is the output of a single pattern detector. Contributions
// are additive across detectors; severity reflects the detector's worst
// single finding.
type DetectionResult struct {
	RiskScore  int      `json:"riskScore"`
	Severity   int      `json:"severity"`
	Reasons    []string `json:"reasons,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Merge folds another result into r: scores add, severity takes the max,
// reasons and patterns append.
func (r *DetectionResult) Merge(other DetectionResult) {
	r.RiskScore += other.RiskScore
	if other.Severity > r.Severity {
		r.Severity = other.Severity
	}
	r.Reasons = append(r.Reasons, other.Reasons...)
	r.Patterns = append(r.Patterns, other.Patterns...)
	if other.Confidence > r.Confidence {
		r.Confidence = other.Confidence
	}
}

// Add records a single finding on r.
func (r *DetectionResult) Add(risk, severity int, pattern, reason string) {
	r.RiskScore += risk
	if severity > r.Severity {
		r.Severity = severity
	}
	r.Patterns = append(r.Patterns, pattern)
	r.Reasons = append(r.Reasons, reason)
}

// FraudResult is the aggregate outcome of one evaluation run.
type FraudResult struct {
	IdentityID   string    `json:"identityId"`
	IsSuspicious bool      `json:"isSuspicious"`
	RiskScore    int       `json:"riskScore"`
	Severity     int       `json:"severity"`
	Reasons      []string  `json:"reasons,omitempty"`
	Patterns     []string  `json:"patterns,omitempty"`
	Confidence   float64   `json:"confidence"`
	MLScore      float64   `json:"mlScore"`
	EvaluatedAt  time.Time `json:"evaluatedAt"`
}

// RiskEvent is an immutable audit record of one suspicious determination.
// Written only by the aggregator when an evaluation is suspicious.
type RiskEvent struct {
	ID          string         `json:"id"`
	IdentityID  string         `json:"identityId"`
	RiskType    string         `json:"riskType"`
	Severity    int            `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"description"`
	Patterns    []string       `json:"patterns"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Risk tiers used by the dashboard aggregates.
const (
	TierLow    = "low"    // 0-3
	TierMedium = "medium" // 4-6
	TierHigh   = "high"   // 7-10
)

// RiskTier buckets a risk score into a dashboard tier.
func RiskTier(score int) string {
	switch {
	case score >= 7:
		return TierHigh
	case score >= 4:
		return TierMedium
	default:
		return TierLow
	}
}

// ClampRisk bounds a summed score into [0, MaxRiskScore].
func ClampRisk(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}

// ClampUnit bounds a float into [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
