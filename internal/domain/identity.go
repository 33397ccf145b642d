// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// Identity represents one browser/device as seen by the system, keyed by a
// derived device signal hash. The hash is not guaranteed globally unique:
// collisions across accounts are themselves a fraud signal.
type Identity struct {
	ID               string        `json:"id"`
	DeviceSignalHash string        `json:"deviceSignalHash"`
	Signals          DeviceSignals `json:"signals"`

	// RiskScore is bounded to [0,10]; MLAnomalyScore and ConfidenceScore
	// are bounded to [0,1].
	RiskScore       int     `json:"riskScore"`
	MLAnomalyScore  float64 `json:"mlAnomalyScore"`
	ConfidenceScore float64 `json:"confidenceScore"`

	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// DeviceSignals is the structured bundle extracted from a raw client
// submission. Every field is untrusted; zero values are evidence, not
// absence of data (a browser reporting 0 CPU cores is itself suspicious).
type DeviceSignals struct {
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	DeviceMemory        int    `json:"deviceMemory"`
	TouchSupport        bool   `json:"touchSupport"`
	Mobile              bool   `json:"mobile"`
	ScreenWidth         int    `json:"screenWidth"`
	ScreenHeight        int    `json:"screenHeight"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	Platform            string `json:"platform"`
	UserAgent           string `json:"userAgent"`

	Plugins     []string `json:"plugins,omitempty"`
	WindowProps []string `json:"windowProps,omitempty"`

	// Automation flags reported by the client probe.
	Webdriver  bool `json:"webdriver"`
	Phantom    bool `json:"phantom"`
	Selenium   bool `json:"selenium"`
	Headless   bool `json:"headless"`
	Automation bool `json:"automation"`

	// Sub-fingerprints. A value of "blocked" or "" means the probe was
	// evaded or unsupported.
	CanvasHash    string `json:"canvasHash"`
	WebGLHash     string `json:"webglHash"`
	AudioHash     string `json:"audioHash"`
	WebGLVendor   string `json:"webglVendor"`
	WebGLRenderer string `json:"webglRenderer"`

	// Capability flags.
	WebGL           bool `json:"webgl"`
	LocalStorage    bool `json:"localStorage"`
	SessionStorage  bool `json:"sessionStorage"`
	ServiceWorker   bool `json:"serviceWorker"`
	PermissionsAPI  bool `json:"permissionsApi"`
	MediaDevicesAPI bool `json:"mediaDevicesApi"`

	// TimingMs is the client-reported duration of the probe run.
	// Sub-100ms runs indicate a non-rendering environment.
	TimingMs float64 `json:"timingMs"`
}

// ScreenArea returns width*height in pixels.
func (s DeviceSignals) ScreenArea() int {
	return s.ScreenWidth * s.ScreenHeight
}

// ActionType identifies the kind of tracked action.
type ActionType string

const (
	ActionURLCreation ActionType = "url_creation"
	ActionVisit       ActionType = "visit"
	ActionAdminAccess ActionType = "admin_access"
	ActionAPICall     ActionType = "api_call"
)

// ValidActionType reports whether t is one of the enumerated action types.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionURLCreation, ActionVisit, ActionAdminAccess, ActionAPICall:
		return true
	}
	return false
}

// TrackedAction is an immutable activity event associated with an Identity.
// Created by the action handler, read by detectors and the rate limiter,
// never mutated.
type TrackedAction struct {
	ID         string         `json:"id"`
	IdentityID string         `json:"identityId"`
	Type       ActionType     `json:"type"`
	Referrer   string         `json:"referrer,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Direct reports whether the action arrived with no referrer.
func (a TrackedAction) Direct() bool {
	return a.Referrer == ""
}

// RateLimitWindow is the per (identityID, actionType) fixed-window counter.
// One row per key; windowStart is reset whenever the previous window has
// fully elapsed.
type RateLimitWindow struct {
	IdentityID  string     `json:"identityId"`
	ActionType  ActionType `json:"actionType"`
	Attempts    int        `json:"attempts"`
	WindowStart time.Time  `json:"windowStart"`
}
