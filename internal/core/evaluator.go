package core

// Flag is an environment scoped toggle backed by an ordered rule chain.
// Enabled is stored with the flag but Evaluate does not read it; callers decide
// whether a disabled flag short-circuits before the rules run.
type Flag struct {
	ID          string
	Name        string
	Environment string
	Enabled     bool
	Description string
	Rules       []Rule
}

// Evaluate runs the rules in order and reports the first match.
func (f Flag) Evaluate(ctx EvaluationContext) Result {
	if len(f.Rules) == 0 {
		return Result{Enabled: false, Reason: ReasonNoRules}
	}

	for _, rule := range f.Rules {
		if rule.Evaluate(ctx) {
			return Result{Enabled: true, Reason: string(rule.Type())}
		}
	}

	return Result{Enabled: false, Reason: ReasonNone}
}

func (f Flag) IsEnabled(ctx EvaluationContext) bool {
	return f.Evaluate(ctx).Enabled
}

func (f Flag) Definitions() []RuleDefinition {
	defs := make([]RuleDefinition, 0, len(f.Rules))
	for _, rule := range f.Rules {
		defs = append(defs, rule.Definition())
	}
	return defs
}
