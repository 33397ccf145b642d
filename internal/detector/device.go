package detector

import (
	"fmt"
	"strings"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// DeviceAnomaly cross-checks the reported device characteristics for
// internal contradictions: claims that cannot all be true on real hardware.
type DeviceAnomaly struct {
	Config domain.DetectorConfig
}

func (d *DeviceAnomaly) Name() string { return "device_anomaly" }

func (d *DeviceAnomaly) Evaluate(snap *Snapshot) domain.DetectionResult {
	var result domain.DetectionResult
	s := snap.Identity.Signals

	platform := strings.ToLower(s.Platform)
	ua := strings.ToLower(s.UserAgent)

	if s.Mobile && strings.Contains(platform, "win") {
		result.Add(2, 2, domain.PatternPlatformMismatch,
			fmt.Sprintf("mobile flag set on desktop platform %q", s.Platform))
	}

	if s.TouchSupport && !strings.Contains(ua, "mobile") && !strings.Contains(ua, "android") {
		result.Add(1, 1, domain.PatternTouchMismatch, "touch support on a non-mobile user agent")
	}

	if s.ScreenWidth > 0 && s.ScreenHeight > 0 &&
		(s.ScreenWidth < d.Config.MinScreenWidth || s.ScreenHeight < d.Config.MinScreenHeight) {
		result.Add(1, 1, domain.PatternUnusualResolution,
			fmt.Sprintf("unusual resolution %dx%d", s.ScreenWidth, s.ScreenHeight))
	}

	if !s.WebGL {
		result.Add(1, 1, domain.PatternNoWebGL, "webgl unavailable")
	}

	if !s.LocalStorage && !s.SessionStorage {
		result.Add(1, 1, domain.PatternNoStorage, "no local or session storage")
	}

	if result.RiskScore > 0 {
		result.Confidence = 0.6
	}
	return result
}
