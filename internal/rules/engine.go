// Package rules provides the CEL-Go based custom rule engine. Custom rules
// let operators extend the built-in detectors with their own boolean
// expressions over identity signals and activity counters.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/kestrelsec/kestrel/internal/domain"
)

// Engine compiles and evaluates custom risk rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("hardware_concurrency", cel.IntType),
		cel.Variable("device_memory", cel.IntType),
		cel.Variable("screen_area", cel.IntType),
		cel.Variable("platform", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("timezone", cel.StringType),
		cel.Variable("language", cel.StringType),
		cel.Variable("webdriver", cel.BoolType),
		cel.Variable("headless", cel.BoolType),
		cel.Variable("mobile", cel.BoolType),
		cel.Variable("url_creation_count_1h", cel.IntType),
		cel.Variable("visit_count_24h", cel.IntType),
		cel.Variable("hash_sibling_count", cel.IntType),
		cel.Variable("signature_sibling_count", cel.IntType),
		cel.Variable("risk_score", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without mutating the loaded rule set.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateInput holds the identity data exposed to rule expressions.
type EvaluateInput struct {
	Identity              *domain.Identity
	URLCreationCount      int
	VisitCount            int
	HashSiblingCount      int
	SignatureSiblingCount int
}

// EvaluateAll evaluates all loaded rules in parallel and returns one
// detection result per matched rule. A rule that errors is skipped; rule
// expressions are untrusted operator input and must not fail an evaluation.
func (e *Engine) EvaluateAll(ctx context.Context, input *EvaluateInput) []domain.DetectionResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := e.activation(input)

	matched := make([]*domain.RuleConfig, len(rules))
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				return
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				matched[idx] = r.Config
			}
		}(i, rule)
	}

	wg.Wait()

	var results []domain.DetectionResult
	for _, cfg := range matched {
		if cfg == nil {
			continue
		}
		var result domain.DetectionResult
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = domain.PatternCustomRule
		}
		reason := cfg.Reason
		if reason == "" {
			reason = fmt.Sprintf("custom rule %s matched", cfg.Name)
		}
		result.Add(cfg.RiskScore, cfg.Severity, pattern, reason)
		result.Confidence = 0.7
		results = append(results, result)
	}
	return results
}

func (e *Engine) activation(input *EvaluateInput) map[string]any {
	s := input.Identity.Signals

	return map[string]any{
		"signals": map[string]any{
			"canvas_hash":    s.CanvasHash,
			"webgl_hash":     s.WebGLHash,
			"audio_hash":     s.AudioHash,
			"webgl_vendor":   s.WebGLVendor,
			"webgl_renderer": s.WebGLRenderer,
			"screen_width":   s.ScreenWidth,
			"screen_height":  s.ScreenHeight,
			"touch_support":  s.TouchSupport,
			"plugins":        len(s.Plugins),
		},
		"hardware_concurrency":    s.HardwareConcurrency,
		"device_memory":           s.DeviceMemory,
		"screen_area":             s.ScreenArea(),
		"platform":                s.Platform,
		"user_agent":              s.UserAgent,
		"timezone":                s.Timezone,
		"language":                s.Language,
		"webdriver":               s.Webdriver,
		"headless":                s.Headless,
		"mobile":                  s.Mobile,
		"url_creation_count_1h":   input.URLCreationCount,
		"visit_count_24h":         input.VisitCount,
		"hash_sibling_count":      input.HashSiblingCount,
		"signature_sibling_count": input.SignatureSiblingCount,
		"risk_score":              input.Identity.RiskScore,
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones. This enables
// hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
