package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedRuleType = errors.New("unsupported rule type")
	ErrInvalidRuleConfig   = errors.New("invalid rule config")
)

// Rule is a single deterministic predicate over an evaluation context.
// Implementations are immutable and safe for concurrent use.
type Rule interface {
	ID() string
	Name() string
	Type() RuleType
	Evaluate(EvaluationContext) bool
	Definition() RuleDefinition
}

// NewRule builds a rule from its definition. A definition without an id gets a
// fresh one; persisted ids are kept so percentage assignments stay stable.
func NewRule(def RuleDefinition) (Rule, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		id = uuid.NewString()
	}

	switch def.Type {
	case RuleTypePercentage:
		var wire struct {
			Percentage   *float64 `json:"percentage"`
			Salt         string   `json:"salt"`
			TotalBuckets *int     `json:"totalBuckets"`
		}
		if err := decodeConfig(def.Config, &wire); err != nil {
			return nil, err
		}
		if wire.Percentage == nil {
			return nil, fmt.Errorf("%w: percentage is required", ErrInvalidRuleConfig)
		}
		cfg := PercentageConfig{Percentage: *wire.Percentage, Salt: wire.Salt}
		if wire.TotalBuckets != nil {
			if *wire.TotalBuckets <= 0 {
				return nil, fmt.Errorf("%w: totalBuckets must be > 0, got %d", ErrInvalidRuleConfig, *wire.TotalBuckets)
			}
			cfg.TotalBuckets = *wire.TotalBuckets
		}
		return NewPercentageRule(id, def.Name, cfg)
	case RuleTypeTargeted:
		var cfg TargetedConfig
		if err := decodeConfig(def.Config, &cfg); err != nil {
			return nil, err
		}
		return NewTargetedRule(id, def.Name, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRuleType, def.Type)
	}
}

// NewRules builds rules in definition order and stops at the first invalid one.
func NewRules(defs []RuleDefinition) ([]Rule, error) {
	rules := make([]Rule, 0, len(defs))
	for i, def := range defs {
		rule, err := NewRule(def)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeConfig(raw json.RawMessage, target any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: config is required", ErrInvalidRuleConfig)
	}

	// Older writers stored config as a JSON encoded string.
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
		}
		raw = bytes.TrimSpace([]byte(encoded))
	}

	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: config must be a JSON object", ErrInvalidRuleConfig)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRuleConfig, err)
	}
	return nil
}

// PercentageRule activates a stable slice of users chosen by hashing the rule
// id, the user id and an optional salt into a fixed number of buckets.
type PercentageRule struct {
	id     string
	name   string
	config PercentageConfig
}

func NewPercentageRule(id, name string, cfg PercentageConfig) (*PercentageRule, error) {
	if math.IsNaN(cfg.Percentage) || cfg.Percentage < 0 || cfg.Percentage > 100 {
		return nil, fmt.Errorf("%w: percentage must be between 0 and 100, got %v", ErrInvalidRuleConfig, cfg.Percentage)
	}
	if cfg.TotalBuckets < 0 {
		return nil, fmt.Errorf("%w: totalBuckets must be > 0, got %d", ErrInvalidRuleConfig, cfg.TotalBuckets)
	}
	// Zero means unset here; NewRule rejects an explicit zero from the wire.
	if cfg.TotalBuckets == 0 {
		cfg.TotalBuckets = DefaultTotalBuckets
	}

	return &PercentageRule{id: id, name: name, config: cfg}, nil
}

func (r *PercentageRule) ID() string               { return r.id }
func (r *PercentageRule) Name() string             { return r.name }
func (r *PercentageRule) Type() RuleType           { return RuleTypePercentage }
func (r *PercentageRule) Config() PercentageConfig { return r.config }

// Evaluate never activates for a context without a user id.
func (r *PercentageRule) Evaluate(ctx EvaluationContext) bool {
	userID, ok := ctx.UserID()
	if !ok {
		return false
	}

	bucket := Bucket(percentageSeed(r.id, userID, r.config.Salt), r.config.TotalBuckets)
	return bucket < ActiveBuckets(r.config.Percentage, r.config.TotalBuckets)
}

func (r *PercentageRule) Definition() RuleDefinition {
	return definitionFor(r, r.config)
}

// TargetedRule matches when a context attribute equals one of a fixed set of
// values.
type TargetedRule struct {
	id     string
	name   string
	config TargetedConfig
}

func NewTargetedRule(id, name string, cfg TargetedConfig) (*TargetedRule, error) {
	if strings.TrimSpace(cfg.Attribute) == "" {
		return nil, fmt.Errorf("%w: attribute is required", ErrInvalidRuleConfig)
	}
	if cfg.Values == nil {
		cfg.Values = []any{}
	}

	return &TargetedRule{id: id, name: name, config: cfg}, nil
}

func (r *TargetedRule) ID() string             { return r.id }
func (r *TargetedRule) Name() string           { return r.name }
func (r *TargetedRule) Type() RuleType         { return RuleTypeTargeted }
func (r *TargetedRule) Config() TargetedConfig { return r.config }

func (r *TargetedRule) Evaluate(ctx EvaluationContext) bool {
	value, ok := ctx[r.config.Attribute]
	if !ok {
		return false
	}
	return containsValue(r.config.Values, value)
}

func (r *TargetedRule) Definition() RuleDefinition {
	return definitionFor(r, r.config)
}

func definitionFor(rule Rule, config any) RuleDefinition {
	// Configs hold only JSON-decoded or validated scalar data.
	payload, _ := json.Marshal(config)
	return RuleDefinition{
		ID:     rule.ID(),
		Name:   rule.Name(),
		Type:   rule.Type(),
		Config: payload,
	}
}
