// Package signal normalizes raw device/browser signal bundles.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Normalize turns an untyped client bundle into a DeviceSignals record.
// The input comes from an uncontrolled client: no key is assumed present,
// numeric fields default to 0 and booleans to false. Normalize never fails;
// a nil or malformed bundle yields an all-default record.
func Normalize(raw map[string]any) domain.DeviceSignals {
	screen := getMap(raw, "screen")
	flags := getMap(raw, "automationFlags")
	caps := getMap(raw, "capabilities")

	s := domain.DeviceSignals{
		HardwareConcurrency: getInt(raw, "hardwareConcurrency"),
		DeviceMemory:        getInt(raw, "deviceMemory"),
		TouchSupport:        getBool(raw, "touchSupport"),
		Mobile:              getBool(raw, "mobile"),
		Timezone:            getString(raw, "timezone"),
		Language:            getString(raw, "language"),
		Platform:            getString(raw, "platform"),
		UserAgent:           getString(raw, "userAgent"),
		Plugins:             getStrings(raw, "plugins"),
		WindowProps:         getStrings(raw, "windowProps"),
		CanvasHash:          getString(raw, "canvasHash"),
		WebGLHash:           getString(raw, "webglHash"),
		AudioHash:           getString(raw, "audioHash"),
		WebGLVendor:         getString(raw, "webglVendor"),
		WebGLRenderer:       getString(raw, "webglRenderer"),
		TimingMs:            getFloat(raw, "timingMs"),
	}

	if screen != nil {
		s.ScreenWidth = getInt(screen, "width")
		s.ScreenHeight = getInt(screen, "height")
	} else {
		s.ScreenWidth = getInt(raw, "screenWidth")
		s.ScreenHeight = getInt(raw, "screenHeight")
	}

	// Automation flags may arrive nested or flat depending on probe version.
	src := raw
	if flags != nil {
		src = flags
	}
	s.Webdriver = getBool(src, "webdriver") || getBool(raw, "webdriver")
	s.Phantom = getBool(src, "phantom") || getBool(raw, "phantom")
	s.Selenium = getBool(src, "selenium") || getBool(raw, "selenium")
	s.Headless = getBool(src, "headless") || getBool(raw, "headless")
	s.Automation = getBool(src, "automation") || getBool(raw, "automation")

	if caps == nil {
		caps = raw
	}
	s.WebGL = getBool(caps, "webgl")
	s.LocalStorage = getBool(caps, "localStorage")
	s.SessionStorage = getBool(caps, "sessionStorage")
	s.ServiceWorker = getBool(caps, "serviceWorker")
	s.PermissionsAPI = getBool(caps, "permissionsApi")
	s.MediaDevicesAPI = getBool(caps, "mediaDevicesApi")

	return s
}

// Hash derives the device signal hash from the stable signal components.
// The hash is deliberately coarse: distinct accounts colliding on it is a
// reuse signal, not a defect.
func Hash(s domain.DeviceSignals) string {
	components := []string{
		s.CanvasHash,
		s.WebGLRenderer,
		s.Platform,
		strconv.Itoa(s.HardwareConcurrency),
		strconv.Itoa(s.DeviceMemory),
		strconv.Itoa(s.ScreenWidth) + "x" + strconv.Itoa(s.ScreenHeight),
		s.Timezone,
		s.Language,
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:16])
}

// Tolerant accessors. JSON numbers decode as float64; probe versions have
// also shipped ints and numeric strings, so accept all three.

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func getInt(m map[string]any, key string) int {
	return int(getFloat(m, key))
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func getStrings(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
