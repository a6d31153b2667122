package service

import (
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/repository"
)

func toCoreFlag(stored repository.Flag) (core.Flag, error) {
	defs := make([]core.RuleDefinition, 0, len(stored.Rules))
	for _, rule := range stored.Rules {
		defs = append(defs, core.RuleDefinition{
			ID:     rule.ID,
			Name:   rule.Name,
			Type:   core.RuleType(rule.Type),
			Config: rule.Config,
		})
	}

	rules, err := core.NewRules(defs)
	if err != nil {
		return core.Flag{}, err
	}

	return core.Flag{
		ID:          stored.ID,
		Name:        stored.Name,
		Environment: stored.Environment,
		Enabled:     stored.Enabled,
		Description: stored.Description,
		Rules:       rules,
	}, nil
}

func fromCoreFlag(flag core.Flag) repository.Flag {
	defs := flag.Definitions()
	rules := make([]repository.Rule, 0, len(defs))
	for i, def := range defs {
		rules = append(rules, repository.Rule{
			ID:       def.ID,
			Name:     def.Name,
			Type:     string(def.Type),
			Config:   def.Config,
			Position: i,
		})
	}

	return repository.Flag{
		ID:          flag.ID,
		Name:        flag.Name,
		Environment: flag.Environment,
		Enabled:     flag.Enabled,
		Description: flag.Description,
		Rules:       rules,
	}
}
