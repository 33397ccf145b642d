package detector

import (
	"fmt"
	"strings"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Bot flags automation tooling from the device signals: explicit webdriver
// flags, headless markers, impossible hardware reports, and the anti-detect
// browser heuristic. Anti-detect evidence is scored as a single high-weight
// finding once enough independent indicators line up, since deliberate
// evasion carries more signal than any one automation flag.
type Bot struct {
	Config domain.DetectorConfig
}

func (d *Bot) Name() string { return "bot" }

// Automation tool tokens looked for in the user agent.
var automationUATokens = []string{
	"headless", "phantomjs", "selenium", "webdriver", "puppeteer",
	"playwright", "cypress", "nightmare", "electron", "zombie",
}

// Window properties injected by automation frameworks and anti-detect shims.
var antiDetectWindowProps = []string{
	"_phantom", "callphantom", "__nightmare", "awesomium",
	"__fxdriver_unwrapped", "domautomation", "cdc_", "webdriver",
	"__selenium_evaluate", "__driver_evaluate",
}

// Software renderers that betray a non-rendering environment.
var spoofedRenderers = []string{"swiftshader", "llvmpipe", "mesa offscreen"}

// Plugin names shipped by anti-detect browser kits.
var suspiciousPluginTokens = []string{"fake", "anti", "spoof", "stealth"}

func (d *Bot) Evaluate(snap *Snapshot) domain.DetectionResult {
	var result domain.DetectionResult
	s := snap.Identity.Signals

	if s.Webdriver {
		result.Add(4, 4, domain.PatternWebdriver, "webdriver automation detected")
	}
	if s.Phantom {
		result.Add(4, 4, domain.PatternPhantom, "phantomjs automation detected")
	}
	if s.Selenium {
		result.Add(4, 4, domain.PatternSelenium, "selenium automation detected")
	}
	if s.Headless {
		result.Add(3, 3, domain.PatternHeadless, "headless browser detected")
	}
	if s.Automation {
		result.Add(3, 3, domain.PatternAutomation, "generic automation flag set")
	}

	if s.HardwareConcurrency == 0 {
		result.Add(2, 2, domain.PatternMissingHardware, "missing hardware concurrency")
	}
	if s.DeviceMemory == 0 {
		result.Add(2, 2, domain.PatternMissingMemory, "missing device memory")
	}
	if len(s.Plugins) == 0 {
		result.Add(1, 1, domain.PatternNoPlugins, "no browser plugins")
	}

	if indicators := antiDetectIndicators(s); indicators >= d.Config.AntiDetectMinIndicators {
		result.Add(5, 4, domain.PatternAntiDetect,
			fmt.Sprintf("anti-detect browser: %d evasion indicators", indicators))
	}

	if result.RiskScore > 0 {
		result.Confidence = 0.9
	}
	return result
}

// antiDetectIndicators counts independent signs of a deliberately
// camouflaged browser. Each check contributes at most one indicator.
func antiDetectIndicators(s domain.DeviceSignals) int {
	indicators := 0

	for _, prop := range s.WindowProps {
		if containsAny(strings.ToLower(prop), antiDetectWindowProps) {
			indicators++
			break
		}
	}

	if containsAny(strings.ToLower(s.UserAgent), automationUATokens) {
		indicators++
	}

	if !s.PermissionsAPI || !s.MediaDevicesAPI {
		indicators++
	}

	if s.TimingMs > 0 && s.TimingMs < 100 {
		indicators++
	}

	switch s.CanvasHash {
	case "", "blocked", "error":
		indicators++
	}

	renderer := strings.ToLower(s.WebGLRenderer)
	if containsAny(renderer, spoofedRenderers) || (s.WebGL && s.WebGLVendor == "") {
		indicators++
	}

	if (s.Timezone == "" || s.Timezone == "UTC") && s.Language == "" {
		indicators++
	}

	for _, plugin := range s.Plugins {
		if containsAny(strings.ToLower(plugin), suspiciousPluginTokens) {
			indicators++
			break
		}
	}

	return indicators
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
