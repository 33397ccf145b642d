package domain

// RuleConfig defines a host-supplied custom detection rule. The expression
// is CEL over the evaluation feature set; when it evaluates truthy the rule
// contributes its configured score to the aggregate.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Expression is a CEL expression returning bool.
	Expression string `json:"expression"`

	// Contribution when the expression matches.
	RiskScore int    `json:"riskScore"`
	Severity  int    `json:"severity"`
	Pattern   string `json:"pattern"`
	Reason    string `json:"reason"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}
