package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type RuleType string

const (
	RuleTypePercentage RuleType = "percentage"
	RuleTypeTargeted   RuleType = "targeted"
)

const (
	ReasonNoRules  = "no-rules"
	ReasonNone     = "none"
	ReasonDisabled = "disabled"
	ReasonNotFound = "not-found"
)

const (
	DefaultTotalBuckets = 10
	userIDAttribute     = "userId"
)

// RuleDefinition is the storage and wire form of a rule. Config holds either a
// JSON object or a JSON string whose contents are a JSON object.
type RuleDefinition struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name"`
	Type   RuleType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

type PercentageConfig struct {
	Percentage   float64 `json:"percentage"`
	Salt         string  `json:"salt,omitempty"`
	TotalBuckets int     `json:"totalBuckets,omitempty"`
}

type TargetedConfig struct {
	Attribute string `json:"attribute"`
	Values    []any  `json:"values"`
}

type Result struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// EvaluationContext carries caller supplied attributes. Rules only read it.
type EvaluationContext map[string]any

// UserID returns the identity percentage rules hash on, spelled the way a JS
// template literal would print it. Empty strings, false, zero, NaN and
// non-scalar values count as no identity.
func (c EvaluationContext) UserID() (string, bool) {
	switch value := c[userIDAttribute].(type) {
	case string:
		return value, value != ""
	case bool:
		if !value {
			return "", false
		}
		return "true", true
	case float64:
		return formatIdentityNumber(value)
	case float32:
		return formatIdentityNumber(float64(value))
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return "", false
		}
		return formatIdentityNumber(f)
	}

	if number, ok := asInt64(c[userIDAttribute]); ok && number != 0 {
		return strconv.FormatInt(number, 10), true
	}
	if number, ok := asUint64(c[userIDAttribute]); ok && number != 0 {
		return strconv.FormatUint(number, 10), true
	}

	return "", false
}

// formatIdentityNumber matches Number.prototype.toString: plain decimals in
// [1e-6, 1e21), exponent form with no zero padding outside it.
func formatIdentityNumber(f float64) (string, bool) {
	switch {
	case f == 0 || math.IsNaN(f):
		return "", false
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	}

	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}

	formatted := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exponent, _ := strings.Cut(formatted, "e")
	sign, digits := exponent[:1], strings.TrimLeft(exponent[1:], "0")
	return mantissa + "e" + sign + digits, true
}

// CanonicalJSON serialises the context with object keys in sorted order, so
// equal contexts always produce identical bytes.
func (c EvaluationContext) CanonicalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(c))
}
